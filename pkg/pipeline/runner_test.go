package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccpulse/ccpulse/pkg/config"
	"github.com/ccpulse/ccpulse/pkg/events"
	"github.com/ccpulse/ccpulse/pkg/models"
	"github.com/ccpulse/ccpulse/pkg/store"
)

// fakeDB scripts Exec, Query, and QueryRow results behind the store Querier
// seam so pipeline tests can drive the real stores without a database. The
// mutex matters: Trigger runs pipeline passes on background goroutines.
type fakeDB struct {
	mu         sync.Mutex
	calls      []dbCall
	rows       []fakeRow
	tags       []pgconn.CommandTag
	resultSets [][]fakeRow
}

type dbCall struct {
	sql  string
	args []any
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.vals) || r.vals[i] == nil {
			continue
		}
		assignVal(d, r.vals[i])
	}
	return nil
}

func assignVal(dest, val any) {
	switch p := dest.(type) {
	case *string:
		*p = val.(string)
	case **string:
		s := val.(string)
		*p = &s
	case *time.Time:
		*p = val.(time.Time)
	case **time.Time:
		ts := val.(time.Time)
		*p = &ts
	case *int:
		*p = val.(int)
	case *int64:
		*p = val.(int64)
	case *float64:
		*p = val.(float64)
	case *bool:
		*p = val.(bool)
	case *[]string:
		*p = val.([]string)
	}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dbCall{sql: sql, args: args})
	if len(f.tags) == 0 {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	tag := f.tags[0]
	f.tags = f.tags[1:]
	return tag, nil
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dbCall{sql: sql, args: args})
	if len(f.resultSets) == 0 {
		return nil, fmt.Errorf("query not scripted in this test")
	}
	rs := f.resultSets[0]
	f.resultSets = f.resultSets[1:]
	return &fakeRows{rows: rs}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dbCall{sql: sql, args: args})
	if len(f.rows) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	row := f.rows[0]
	f.rows = f.rows[1:]
	return row
}

func (f *fakeDB) snapshot() []dbCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dbCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeRows struct {
	rows []fakeRow
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error                       { return r.rows[r.idx-1].Scan(dest...) }
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) Close()                                       {}
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

// sessionRow builds a full sessions-table row in select order.
func sessionRow(id string, lifecycle models.Lifecycle, parseStatus models.ParseStatus, transcriptKey string) fakeRow {
	vals := []any{
		id, "w1", "d1", string(lifecycle), string(parseStatus),
		nil, // parse_error
		time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		nil,        // ended_at
		int64(0),   // duration_ms
		nil,        // end_reason
		nil,        // git_branch
		nil,        // model
		nil,        // source
		nil,        // transcript_s3_key
		nil,        // summary
		[]string{}, // tags
		0,          // total_messages
		float64(0), // cost_estimate_usd
		time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC),
	}
	if transcriptKey != "" {
		vals[13] = transcriptKey
	}
	return fakeRow{vals: vals}
}

type fakeBlob struct {
	mu       sync.Mutex
	body     string
	err      error
	requests []string
}

func (b *fakeBlob) Download(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, key)
	if b.err != nil {
		return nil, b.err
	}
	return io.NopCloser(strings.NewReader(b.body)), nil
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	updates []events.SessionUpdate
}

func (b *fakeBroadcaster) BroadcastSessionUpdate(u events.SessionUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, u)
}

func newTestRunner(db *fakeDB, blobs *fakeBlob, bc *fakeBroadcaster) *Runner {
	return NewRunner(store.NewSessionStore(db), store.NewTranscriptStore(db), blobs, nil, bc,
		config.PipelineConfig{RunTimeout: time.Minute, InsertBatchSize: 100})
}

func TestRunClaimMissIsANoOp(t *testing.T) {
	// The session already moved past ended; another worker owns or finished
	// it. The run must back off without touching the blob store.
	db := &fakeDB{rows: []fakeRow{{err: pgx.ErrNoRows}, {vals: []any{"parsed"}}}}
	blobs := &fakeBlob{body: sampleTranscript}
	r := newTestRunner(db, blobs, &fakeBroadcaster{})

	err := r.Run(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, blobs.requests)

	calls := db.snapshot()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].sql, "UPDATE sessions SET lifecycle = $1")
	assert.Contains(t, calls[1].sql, "SELECT lifecycle FROM sessions")
}

func TestRunUnknownSession(t *testing.T) {
	db := &fakeDB{rows: []fakeRow{{err: pgx.ErrNoRows}, {err: pgx.ErrNoRows}}}
	r := newTestRunner(db, &fakeBlob{}, &fakeBroadcaster{})

	err := r.Run(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunNoTranscriptFailsSession(t *testing.T) {
	db := &fakeDB{rows: []fakeRow{
		{vals: []any{"ended"}}, // claim
		sessionRow("sess-1", models.LifecycleEnded, models.ParseStatusParsing, ""),
		{vals: []any{"failed"}}, // failure transition
		sessionRow("sess-1", models.LifecycleFailed, models.ParseStatusFailed, ""),
	}}
	blobs := &fakeBlob{}
	bc := &fakeBroadcaster{}
	r := newTestRunner(db, blobs, bc)

	err := r.Run(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transcript_s3_key")
	assert.Empty(t, blobs.requests)

	calls := db.snapshot()
	require.Len(t, calls, 4)
	failCall := calls[2]
	assert.Equal(t, "failed", failCall.args[0])
	assert.Contains(t, failCall.sql, "parse_status")
	assert.Contains(t, failCall.sql, "parse_error")

	require.Len(t, bc.updates, 1)
	assert.Equal(t, "failed", bc.updates[0].Lifecycle)
}

func TestRunDownloadFailureFailsSession(t *testing.T) {
	key := "transcripts/w/sess-1.jsonl"
	db := &fakeDB{rows: []fakeRow{
		{vals: []any{"ended"}},
		sessionRow("sess-1", models.LifecycleEnded, models.ParseStatusParsing, key),
		{vals: []any{"failed"}},
		sessionRow("sess-1", models.LifecycleFailed, models.ParseStatusFailed, key),
	}}
	blobs := &fakeBlob{err: errors.New("bucket unreachable")}
	bc := &fakeBroadcaster{}
	r := newTestRunner(db, blobs, bc)

	err := r.Run(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download transcript")
	assert.Equal(t, []string{key}, blobs.requests)

	require.Len(t, bc.updates, 1)
	assert.Equal(t, "failed", bc.updates[0].Lifecycle)
}

func TestRunSuccessThenRerunConverges(t *testing.T) {
	key := "transcripts/w/sess-1.jsonl"
	parsedRow := sessionRow("sess-1", models.LifecycleParsed, models.ParseStatusCompleted, key)
	parsedRow.vals[16] = 5 // total_messages after the advance
	db := &fakeDB{rows: []fakeRow{
		{vals: []any{"ended"}}, // claim
		sessionRow("sess-1", models.LifecycleEnded, models.ParseStatusParsing, key),
		{vals: []any{"parsed"}}, // advance
		parsedRow,               // broadcast re-read
	}}
	blobs := &fakeBlob{body: sampleTranscript}
	bc := &fakeBroadcaster{}
	r := newTestRunner(db, blobs, bc)

	require.NoError(t, r.Run(context.Background(), "sess-1"))

	calls := db.snapshot()
	assert.Equal(t, []any{"ended", "parsing", "sess-1", []string{"ended"}}, calls[0].args)

	var msgInserts, blockInserts int
	var advance dbCall
	for _, call := range calls {
		switch {
		case strings.Contains(call.sql, "INSERT INTO transcript_messages"):
			msgInserts++
			assert.Contains(t, call.sql, "ON CONFLICT (session_id, ordinal) DO NOTHING")
		case strings.Contains(call.sql, "INSERT INTO content_blocks"):
			blockInserts++
			assert.Contains(t, call.sql, "ON CONFLICT (message_id, block_order) DO NOTHING")
		case strings.Contains(call.sql, "RETURNING lifecycle") && call.args[0] == "parsed":
			advance = call
		}
	}
	assert.Equal(t, 5, msgInserts)
	assert.Equal(t, 7, blockInserts)
	assert.Contains(t, advance.sql, "total_messages")
	assert.Contains(t, advance.sql, "cost_estimate_usd")

	require.Len(t, bc.updates, 1)
	require.NotNil(t, bc.updates[0].Stats)
	assert.Equal(t, 5, bc.updates[0].Stats.TotalMessages)

	// A second pass over the same session finds it past ended and stops at
	// the claim, leaving every row exactly as the first pass wrote it.
	db.mu.Lock()
	db.rows = append(db.rows, fakeRow{err: pgx.ErrNoRows}, fakeRow{vals: []any{"parsed"}})
	db.mu.Unlock()

	require.NoError(t, r.Run(context.Background(), "sess-1"))
	assert.Len(t, blobs.requests, 1, "a finished session is not downloaded again")
}

func TestSweepDryRunReportsWithoutMutating(t *testing.T) {
	db := &fakeDB{resultSets: [][]fakeRow{{
		sessionRow("sess-a", models.LifecycleEnded, models.ParseStatusPending, ""),
		sessionRow("sess-b", models.LifecycleEnded, models.ParseStatusParsing, "transcripts/w/sess-b.jsonl"),
	}}}
	blobs := &fakeBlob{}
	r := newTestRunner(db, blobs, &fakeBroadcaster{})
	sw := NewSweeper(store.NewSessionStore(db), r,
		config.RecoveryConfig{Interval: time.Hour, StuckThreshold: time.Hour})

	cands, err := sw.Sweep(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "fail", cands[0].Action)
	assert.Equal(t, "reparse", cands[1].Action)

	assert.Len(t, db.snapshot(), 1, "a dry run only reads")
	assert.Empty(t, blobs.requests)
}

func TestSweepFailsTranscriptlessSession(t *testing.T) {
	db := &fakeDB{
		resultSets: [][]fakeRow{{sessionRow("sess-a", models.LifecycleEnded, models.ParseStatusPending, "")}},
		rows:       []fakeRow{{vals: []any{"failed"}}},
	}
	r := newTestRunner(db, &fakeBlob{}, &fakeBroadcaster{})
	sw := NewSweeper(store.NewSessionStore(db), r,
		config.RecoveryConfig{Interval: time.Hour, StuckThreshold: time.Hour})

	cands, err := sw.Sweep(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "fail", cands[0].Action)

	calls := db.snapshot()
	require.Len(t, calls, 2)
	failCall := calls[1]
	assert.Contains(t, failCall.sql, "UPDATE sessions SET lifecycle = $1")
	assert.Equal(t, "failed", failCall.args[0])
	assert.Contains(t, failCall.args, "no transcript_s3_key")
}

func TestSweepReleasesStaleClaim(t *testing.T) {
	// A worker died mid-run and left parse_status at parsing. The sweep
	// returns the claim to pending before re-triggering, so the pipeline's
	// claim guard matches again.
	db := &fakeDB{
		resultSets: [][]fakeRow{{sessionRow("sess-b", models.LifecycleEnded, models.ParseStatusParsing, "transcripts/w/sess-b.jsonl")}},
		rows:       []fakeRow{{vals: []any{"ended"}}},
	}
	r := newTestRunner(db, &fakeBlob{}, &fakeBroadcaster{})
	sw := NewSweeper(store.NewSessionStore(db), r,
		config.RecoveryConfig{Interval: time.Hour, StuckThreshold: time.Hour})

	cands, err := sw.Sweep(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "reparse", cands[0].Action)

	calls := db.snapshot()
	require.GreaterOrEqual(t, len(calls), 2)
	release := calls[1]
	assert.Contains(t, release.sql, "parse_status")
	assert.Equal(t, "ended", release.args[0], "the release is the degenerate same-state transition")
	assert.Equal(t, "pending", release.args[1])
}
