package store

import (
	"fmt"
	"strings"
)

// SelectBuilder composes a SELECT from a list of predicates combined with
// AND. Predicates are written with ? placeholders and rewritten to
// positional $n arguments, which keeps call sites readable and keyset
// pagination a one-liner:
//
//	b.Where("(started_at, id) < (?, ?)", cur.S, cur.I)
type SelectBuilder struct {
	columns string
	table   string
	conds   []string
	args    []any
	orderBy string
	limit   int
}

// NewSelect starts a builder for the given column list and table.
func NewSelect(columns, table string) *SelectBuilder {
	return &SelectBuilder{columns: columns, table: table}
}

// Where appends one predicate. Placeholders (?) are bound to vals in order.
func (b *SelectBuilder) Where(expr string, vals ...any) *SelectBuilder {
	b.conds = append(b.conds, expr)
	b.args = append(b.args, vals...)
	return b
}

// OrderBy sets the ORDER BY clause (without the keyword).
func (b *SelectBuilder) OrderBy(expr string) *SelectBuilder {
	b.orderBy = expr
	return b
}

// Limit sets the LIMIT. Zero means no limit.
func (b *SelectBuilder) Limit(n int) *SelectBuilder {
	b.limit = n
	return b
}

// SQL renders the statement with $n placeholders and returns it with the
// bound arguments.
func (b *SelectBuilder) SQL() (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(b.columns)
	sb.WriteString(" FROM ")
	sb.WriteString(b.table)
	if len(b.conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.conds, " AND "))
	}
	if b.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.orderBy)
	}
	if b.limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", b.limit)
	}
	return rebind(sb.String()), b.args
}

// rebind rewrites ? placeholders to $1..$n.
func rebind(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}
