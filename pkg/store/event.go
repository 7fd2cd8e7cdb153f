package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ccpulse/ccpulse/pkg/models"
)

// EventStore owns the events table. Event ids are client-generated and
// unique; duplicate inserts are silent no-ops, which is the idempotency
// anchor for the whole at-least-once pipeline.
type EventStore struct {
	db Querier
}

// NewEventStore creates an EventStore on the given executor.
func NewEventStore(db Querier) *EventStore {
	return &EventStore{db: db}
}

// Insert persists an event row with the resolved workspace id. Returns
// false when a row with the same id already exists.
func (s *EventStore) Insert(ctx context.Context, e *models.Event) (bool, error) {
	data := e.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	blobRefs := e.BlobRefs
	if blobRefs == nil {
		blobRefs = []string{}
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO events (id, type, timestamp, device_id, workspace_id, session_id, data, ingested_at, blob_refs)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Type), e.Timestamp, e.DeviceID, e.WorkspaceID,
		e.SessionID, data, e.IngestedAt, blobRefs,
	)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExistingIDs returns which of the given event ids already have rows. Used
// by the ingest endpoint to report duplicates without republishing.
func (s *EventStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := s.db.Query(ctx, `SELECT id FROM events WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select existing event ids: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// EventFilter composes AND-ed timeline predicates.
type EventFilter struct {
	WorkspaceID string
	DeviceID    string
	SessionID   string
	Types       []models.EventType
	Since       *time.Time
	Until       *time.Time
}

// ListTimeline returns events sorted by (timestamp DESC, id DESC) with
// keyset pagination.
func (s *EventStore) ListTimeline(ctx context.Context, f EventFilter, cursor *Cursor, limit int) ([]*models.Event, bool, error) {
	b := NewSelect("id, type, timestamp, device_id, workspace_id, session_id, data, ingested_at, blob_refs", "events").
		OrderBy("timestamp DESC, id DESC").
		Limit(limit + 1)
	if f.WorkspaceID != "" {
		b.Where("workspace_id = ?", f.WorkspaceID)
	}
	if f.DeviceID != "" {
		b.Where("device_id = ?", f.DeviceID)
	}
	if f.SessionID != "" {
		b.Where("session_id = ?", f.SessionID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		b.Where("type = ANY(?)", types)
	}
	if f.Since != nil {
		b.Where("timestamp >= ?", *f.Since)
	}
	if f.Until != nil {
		b.Where("timestamp <= ?", *f.Until)
	}
	if cursor != nil {
		b.Where("(timestamp, id) < (?, ?)", cursor.S, cursor.I)
	}
	query, args := b.SQL()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var e models.Event
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.Timestamp, &e.DeviceID, &e.WorkspaceID,
			&e.SessionID, &e.Data, &e.IngestedAt, &e.BlobRefs); err != nil {
			return nil, false, fmt.Errorf("scan event: %w", err)
		}
		e.Type = models.EventType(typ)
		out = append(out, &e)
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
