package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ccpulse/ccpulse/pkg/models"
)

const sessionColumns = `id, workspace_id, device_id, lifecycle, parse_status, parse_error,
	started_at, ended_at, duration_ms, end_reason, git_branch, model, source,
	transcript_s3_key, summary, tags, total_messages, cost_estimate_usd, updated_at`

// SessionStore owns the sessions table, including the conditional
// transition primitive that serializes every lifecycle change.
type SessionStore struct {
	db Querier
}

// NewSessionStore creates a SessionStore on the given executor.
func NewSessionStore(db Querier) *SessionStore {
	return &SessionStore{db: db}
}

// TransitionResult reports the outcome of a conditional transition. When OK
// is false and Found is true, Current holds the state that blocked the
// transition so callers can distinguish "already done" from "illegal".
type TransitionResult struct {
	OK      bool
	Found   bool
	Current models.Lifecycle
}

// Transition atomically moves a session to the target lifecycle iff its
// current lifecycle is in allowedFrom, applying the extra column updates in
// the same statement. This is the only correct way to change lifecycle:
// concurrent attempts from handlers and the pipeline cannot regress or
// duplicate a transition.
//
// The degenerate form to == from (e.g. ended → ended with a parse_status
// update) is how the pipeline takes ownership without advancing the state.
func (s *SessionStore) Transition(ctx context.Context, sessionID string, to models.Lifecycle, allowedFrom []models.Lifecycle, updates []Update) (TransitionResult, error) {
	if !to.Valid() {
		return TransitionResult{}, fmt.Errorf("%w: unknown lifecycle %q", ErrInvalidInput, to)
	}
	if len(allowedFrom) == 0 {
		return TransitionResult{}, fmt.Errorf("%w: empty allowed_from set", ErrInvalidInput)
	}
	from := make([]string, 0, len(allowedFrom))
	for _, f := range allowedFrom {
		if f != to && !f.CanTransitionTo(to) {
			return TransitionResult{}, fmt.Errorf("%w: transition %s → %s is not in the state machine", ErrInvalidInput, f, to)
		}
		from = append(from, string(f))
	}

	var sb strings.Builder
	args := []any{string(to)}
	sb.WriteString("UPDATE sessions SET lifecycle = $1, updated_at = now()")
	for _, u := range updates {
		args = append(args, u.Value)
		fmt.Fprintf(&sb, ", %s = $%d", u.Column, len(args))
	}
	args = append(args, sessionID)
	fmt.Fprintf(&sb, " WHERE id = $%d", len(args))
	args = append(args, from)
	fmt.Fprintf(&sb, " AND lifecycle = ANY($%d) RETURNING lifecycle", len(args))

	var got string
	err := s.db.QueryRow(ctx, sb.String(), args...).Scan(&got)
	if err == nil {
		return TransitionResult{OK: true, Found: true, Current: models.Lifecycle(got)}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return TransitionResult{}, fmt.Errorf("transition session %s: %w", sessionID, err)
	}

	// Guard did not match; report the actual state for diagnostics.
	var current string
	err = s.db.QueryRow(ctx, `SELECT lifecycle FROM sessions WHERE id = $1`, sessionID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return TransitionResult{OK: false, Found: false}, nil
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("read session %s state: %w", sessionID, err)
	}
	return TransitionResult{OK: false, Found: true, Current: models.Lifecycle(current)}, nil
}

// CreateDetected inserts a session row in the detected state. Duplicate
// session ids are silent no-ops; the returned bool reports whether a row
// was inserted.
func (s *SessionStore) CreateDetected(ctx context.Context, session *models.Session) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO sessions (id, workspace_id, device_id, lifecycle, parse_status,
		                       started_at, git_branch, model, source, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		 ON CONFLICT (id) DO NOTHING`,
		session.ID, session.WorkspaceID, session.DeviceID,
		string(models.LifecycleDetected), string(models.ParseStatusPending),
		session.StartedAt, session.GitBranch, session.Model, session.Source,
	)
	if err != nil {
		return false, fmt.Errorf("insert session %s: %w", session.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get fetches one session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select session %s: %w", id, err)
	}
	return sess, nil
}

// SetTranscriptKey records the uploaded blob key. It never overwrites an
// existing key; the first upload wins.
func (s *SessionStore) SetTranscriptKey(ctx context.Context, id, key string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET transcript_s3_key = $2, updated_at = now()
		 WHERE id = $1 AND transcript_s3_key IS NULL`,
		id, key,
	)
	if err != nil {
		return false, fmt.Errorf("set transcript key for %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SessionFilter composes AND-ed list predicates.
type SessionFilter struct {
	WorkspaceID string
	DeviceID    string
	Lifecycles  []models.Lifecycle
	Tag         string
	Since       *time.Time
	Until       *time.Time
}

// List returns sessions sorted by (started_at DESC, id DESC) with keyset
// pagination. The second return value reports whether more rows exist past
// the returned page.
func (s *SessionStore) List(ctx context.Context, f SessionFilter, cursor *Cursor, limit int) ([]*models.Session, bool, error) {
	b := NewSelect(sessionColumns, "sessions").
		OrderBy("started_at DESC, id DESC").
		Limit(limit + 1)
	if f.WorkspaceID != "" {
		b.Where("workspace_id = ?", f.WorkspaceID)
	}
	if f.DeviceID != "" {
		b.Where("device_id = ?", f.DeviceID)
	}
	if len(f.Lifecycles) > 0 {
		states := make([]string, len(f.Lifecycles))
		for i, l := range f.Lifecycles {
			states[i] = string(l)
		}
		b.Where("lifecycle = ANY(?)", states)
	}
	if f.Tag != "" {
		b.Where("tags @> ARRAY[?]", f.Tag)
	}
	if f.Since != nil {
		b.Where("started_at >= ?", *f.Since)
	}
	if f.Until != nil {
		b.Where("started_at <= ?", *f.Until)
	}
	if cursor != nil {
		b.Where("(started_at, id) < (?, ?)", cursor.S, cursor.I)
	}
	query, args := b.SQL()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// UpdateSummaryAndTags applies a PATCH: an optional summary replacement and
// at most one of replace/add/remove on tags.
func (s *SessionStore) UpdateSummaryAndTags(ctx context.Context, id string, summary *string, replaceTags, addTags, removeTags []string) (*models.Session, error) {
	var sb strings.Builder
	sb.WriteString("UPDATE sessions SET updated_at = now()")
	var args []any
	if summary != nil {
		args = append(args, *summary)
		fmt.Fprintf(&sb, ", summary = $%d", len(args))
	}
	switch {
	case replaceTags != nil:
		args = append(args, replaceTags)
		fmt.Fprintf(&sb, ", tags = $%d", len(args))
	case len(addTags) > 0:
		// Set union keeping the first occurrence of each tag in position.
		args = append(args, addTags)
		fmt.Fprintf(&sb, ", tags = (SELECT ARRAY(SELECT u.t FROM (SELECT DISTINCT ON (t) t, ord FROM unnest(tags || $%d) WITH ORDINALITY AS x(t, ord) ORDER BY t, ord) AS u ORDER BY u.ord))", len(args))
	case len(removeTags) > 0:
		args = append(args, removeTags)
		fmt.Fprintf(&sb, ", tags = (SELECT ARRAY(SELECT t FROM unnest(tags) AS t WHERE NOT (t = ANY($%d))))", len(args))
	}
	args = append(args, id)
	fmt.Fprintf(&sb, " WHERE id = $%d RETURNING ", len(args))
	sb.WriteString(sessionColumns)

	row := s.db.QueryRow(ctx, sb.String(), args...)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	return sess, nil
}

// CorrelateActive returns the most recently started active session on a
// workspace+device whose started_at is at or before ts, bounded by maxAge
// so a git event cannot attach to a long-dead session that never saw its
// session.end.
func (s *SessionStore) CorrelateActive(ctx context.Context, workspaceID, deviceID string, ts time.Time, maxAge time.Duration) (*models.Session, error) {
	b := NewSelect(sessionColumns, "sessions").
		Where("workspace_id = ?", workspaceID).
		Where("device_id = ?", deviceID).
		Where("lifecycle = ANY(?)", []string{string(models.LifecycleDetected), string(models.LifecycleCapturing)}).
		Where("started_at <= ?", ts).
		OrderBy("started_at DESC").
		Limit(1)
	if maxAge > 0 {
		b.Where("started_at >= ?", ts.Add(-maxAge))
	}
	query, args := b.SQL()

	row := s.db.QueryRow(ctx, query, args...)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("correlate session: %w", err)
	}
	return sess, nil
}

// ResetForReparse rewinds a session to ended/pending so the pipeline can
// re-run it. This is an explicit operator override, the single sanctioned
// exception to the monotonic state machine: without it a failed parse could
// never be retried. Requires an uploaded transcript.
func (s *SessionStore) ResetForReparse(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions
		 SET lifecycle = $2, parse_status = $3, parse_error = NULL, updated_at = now()
		 WHERE id = $1 AND transcript_s3_key IS NOT NULL
		   AND lifecycle = ANY($4)`,
		id, string(models.LifecycleEnded), string(models.ParseStatusPending),
		[]string{
			string(models.LifecycleEnded), string(models.LifecycleParsed),
			string(models.LifecycleSummarized), string(models.LifecycleFailed),
		},
	)
	if err != nil {
		return false, fmt.Errorf("reset session %s for reparse: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// StuckCandidates returns sessions stalled below a terminal state: ended or
// parsed, with an unfinished parse, untouched for longer than threshold.
func (s *SessionStore) StuckCandidates(ctx context.Context, threshold time.Duration, limit int) ([]*models.Session, error) {
	query, args := NewSelect(sessionColumns, "sessions").
		Where("lifecycle = ANY(?)", []string{string(models.LifecycleEnded), string(models.LifecycleParsed)}).
		Where("parse_status = ANY(?)", []string{string(models.ParseStatusPending), string(models.ParseStatusParsing)}).
		Where("updated_at < ?", time.Now().Add(-threshold)).
		OrderBy("updated_at ASC").
		Limit(limit).
		SQL()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select stuck sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// scanSession reads one session row from a pgx.Row or pgx.Rows.
func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	var lifecycle, parseStatus string
	err := row.Scan(
		&sess.ID, &sess.WorkspaceID, &sess.DeviceID, &lifecycle, &parseStatus,
		&sess.ParseError, &sess.StartedAt, &sess.EndedAt, &sess.DurationMS,
		&sess.EndReason, &sess.GitBranch, &sess.Model, &sess.Source,
		&sess.TranscriptS3Key, &sess.Summary, &sess.Tags, &sess.TotalMessages,
		&sess.CostEstimateUSD, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Lifecycle = models.Lifecycle(lifecycle)
	sess.ParseStatus = models.ParseStatus(parseStatus)
	if sess.Tags == nil {
		sess.Tags = []string{}
	}
	return &sess, nil
}
