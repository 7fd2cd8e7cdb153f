package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ccpulse/ccpulse/pkg/models"
)

// GitStore owns the git_activity table.
type GitStore struct {
	db Querier
}

// NewGitStore creates a GitStore on the given executor.
func NewGitStore(db Querier) *GitStore {
	return &GitStore{db: db}
}

// InsertActivity persists one normalized git operation.
func (s *GitStore) InsertActivity(ctx context.Context, a *models.GitActivity) error {
	data := a.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO git_activity
		 (id, type, workspace_id, device_id, session_id, branch, commit_sha,
		  message, files_changed, insertions, deletions, timestamp, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, string(a.Type), a.WorkspaceID, a.DeviceID, a.SessionID,
		a.Branch, a.CommitSHA, a.Message, a.FilesChanged, a.Insertions,
		a.Deletions, a.Timestamp, data,
	)
	if err != nil {
		return fmt.Errorf("insert git activity %s: %w", a.ID, err)
	}
	return nil
}

// GitFilter composes AND-ed git activity predicates.
type GitFilter struct {
	WorkspaceID string
	DeviceID    string
	SessionID   string
	Since       *time.Time
	Until       *time.Time
}

// ListActivity returns git activity sorted by (timestamp DESC, id DESC)
// with keyset pagination.
func (s *GitStore) ListActivity(ctx context.Context, f GitFilter, cursor *Cursor, limit int) ([]*models.GitActivity, bool, error) {
	b := NewSelect(`id, type, workspace_id, device_id, session_id, branch, commit_sha,
		message, files_changed, insertions, deletions, timestamp, data`, "git_activity").
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
		return nil, false, fmt.Errorf("select git activity: %w", err)
	}
	defer rows.Close()

	var out []*models.GitActivity
	for rows.Next() {
		var a models.GitActivity
		var typ string
		if err := rows.Scan(&a.ID, &typ, &a.WorkspaceID, &a.DeviceID, &a.SessionID,
			&a.Branch, &a.CommitSHA, &a.Message, &a.FilesChanged, &a.Insertions,
			&a.Deletions, &a.Timestamp, &a.Data); err != nil {
			return nil, false, fmt.Errorf("scan git activity: %w", err)
		}
		a.Type = models.EventType(typ)
		out = append(out, &a)
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
