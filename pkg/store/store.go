// Package store implements the relational storage layer: identity
// resolution upserts, the session lifecycle transition primitive, event and
// transcript persistence, and cursor-paginated reads.
//
// Every store accepts a Querier rather than a concrete pool so tests can
// observe issued statements without a live database.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
)

// Querier is the subset of pgxpool.Pool the stores use. Satisfied by
// *pgxpool.Pool, pgx.Tx, and the fake executor in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a client-facing action attempts an
	// illegal lifecycle transition. The caller surfaces the current state.
	ErrConflict = errors.New("conflicting state")

	// ErrIdentityStorage is returned when an identity upsert cannot reach
	// the backing store.
	ErrIdentityStorage = errors.New("identity storage unavailable")
)

// NewID returns a fresh ULID, the lexicographically sortable id shape used
// for server-generated rows (workspaces, git activity).
func NewID() string {
	return ulid.Make().String()
}

// Update is one column assignment applied alongside a lifecycle transition.
type Update struct {
	Column string
	Value  any
}
