package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ccpulse/ccpulse/pkg/models"
)

// IdentityStore resolves raw identity hints (canonical workspace ids,
// device ids) to durable rows. All resolutions are race-free upserts: the
// first INSERT wins and every concurrent resolver converges on the same
// row.
type IdentityStore struct {
	db Querier
}

// NewIdentityStore creates an IdentityStore on the given executor.
func NewIdentityStore(db Querier) *IdentityStore {
	return &IdentityStore{db: db}
}

// WorkspaceHints are optional attributes applied only on first insert.
type WorkspaceHints struct {
	DisplayName   string
	DefaultBranch string
}

// ResolveWorkspace maps a canonical id to the internal workspace id,
// creating the row if this is the first reference. Under N concurrent
// resolvers exactly one row exists per canonical id.
func (s *IdentityStore) ResolveWorkspace(ctx context.Context, canonicalID string, hints WorkspaceHints) (string, error) {
	if canonicalID == "" {
		canonicalID = models.CanonicalUnassociated
	}
	displayName := hints.DisplayName
	if displayName == "" {
		displayName = canonicalID
	}
	var defaultBranch *string
	if hints.DefaultBranch != "" {
		defaultBranch = &hints.DefaultBranch
	}

	var id string
	err := s.db.QueryRow(ctx,
		`INSERT INTO workspaces (id, canonical_id, display_name, default_branch, first_seen_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (canonical_id) DO NOTHING
		 RETURNING id`,
		NewID(), canonicalID, displayName, defaultBranch,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: insert workspace %s: %v", ErrIdentityStorage, canonicalID, err)
	}

	// Lost the insert race (or the row predates us): read the winner.
	err = s.db.QueryRow(ctx,
		`SELECT id FROM workspaces WHERE canonical_id = $1`, canonicalID,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("%w: select workspace %s: %v", ErrIdentityStorage, canonicalID, err)
	}
	return id, nil
}

// ResolveDevice upserts a device row and bumps last_active_at. The bump is
// monotonic: a replayed old event cannot move last_active_at backwards.
func (s *IdentityStore) ResolveDevice(ctx context.Context, deviceID, name string, deviceType models.DeviceType) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	if name == "" {
		name = deviceID
	}
	if !deviceType.Valid() {
		deviceType = models.DeviceLocal
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO devices (id, name, type, first_seen_at, last_active_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (id) DO UPDATE
		 SET last_active_at = GREATEST(devices.last_active_at, now())`,
		deviceID, name, string(deviceType),
	)
	if err != nil {
		return "", fmt.Errorf("%w: upsert device %s: %v", ErrIdentityStorage, deviceID, err)
	}
	return deviceID, nil
}

// EnsureWorkspaceDeviceLink upserts the (workspace, device) link, refreshing
// local_path and last_active_at. The three git-hooks flags are never reset
// here; they belong to the prompt flow.
func (s *IdentityStore) EnsureWorkspaceDeviceLink(ctx context.Context, workspaceID, deviceID, localPath string) error {
	if localPath == "" {
		localPath = "unknown"
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO workspace_devices (workspace_id, device_id, local_path, last_active_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (workspace_id, device_id) DO UPDATE
		 SET local_path = EXCLUDED.local_path, last_active_at = now()`,
		workspaceID, deviceID, localPath,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert workspace_device %s/%s: %v", ErrIdentityStorage, workspaceID, deviceID, err)
	}
	return nil
}

// WorkspaceCanonicalID returns the canonical id for an internal workspace id.
func (s *IdentityStore) WorkspaceCanonicalID(ctx context.Context, workspaceID string) (string, error) {
	var canonical string
	err := s.db.QueryRow(ctx,
		`SELECT canonical_id FROM workspaces WHERE id = $1`, workspaceID,
	).Scan(&canonical)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	if err != nil {
		return "", fmt.Errorf("select workspace canonical id: %w", err)
	}
	return canonical, nil
}

// GetWorkspaceDevice fetches one link row.
func (s *IdentityStore) GetWorkspaceDevice(ctx context.Context, workspaceID, deviceID string) (*models.WorkspaceDevice, error) {
	var wd models.WorkspaceDevice
	err := s.db.QueryRow(ctx,
		`SELECT workspace_id, device_id, local_path, last_active_at,
		        git_hooks_installed, git_hooks_prompted, pending_git_hooks_prompt
		 FROM workspace_devices WHERE workspace_id = $1 AND device_id = $2`,
		workspaceID, deviceID,
	).Scan(&wd.WorkspaceID, &wd.DeviceID, &wd.LocalPath, &wd.LastActiveAt,
		&wd.GitHooksInstalled, &wd.GitHooksPrompted, &wd.PendingGitHooksPrompt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: workspace_device %s/%s", ErrNotFound, workspaceID, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("select workspace_device: %w", err)
	}
	return &wd, nil
}

// MarkPendingGitHooksPrompt raises pending_git_hooks_prompt when the link
// has never had hooks installed nor been prompted. Idempotent.
func (s *IdentityStore) MarkPendingGitHooksPrompt(ctx context.Context, workspaceID, deviceID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE workspace_devices
		 SET pending_git_hooks_prompt = TRUE
		 WHERE workspace_id = $1 AND device_id = $2
		   AND git_hooks_installed = FALSE AND git_hooks_prompted = FALSE`,
		workspaceID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("mark pending git hooks prompt: %w", err)
	}
	return nil
}

// PendingPrompts returns link rows awaiting a git-hooks prompt on a device.
func (s *IdentityStore) PendingPrompts(ctx context.Context, deviceID string) ([]*models.WorkspaceDevice, error) {
	rows, err := s.db.Query(ctx,
		`SELECT workspace_id, device_id, local_path, last_active_at,
		        git_hooks_installed, git_hooks_prompted, pending_git_hooks_prompt
		 FROM workspace_devices
		 WHERE device_id = $1 AND pending_git_hooks_prompt = TRUE
		   AND git_hooks_installed = FALSE AND git_hooks_prompted = FALSE
		 ORDER BY last_active_at DESC`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending prompts: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkspaceDevice
	for rows.Next() {
		var wd models.WorkspaceDevice
		if err := rows.Scan(&wd.WorkspaceID, &wd.DeviceID, &wd.LocalPath, &wd.LastActiveAt,
			&wd.GitHooksInstalled, &wd.GitHooksPrompted, &wd.PendingGitHooksPrompt); err != nil {
			return nil, fmt.Errorf("scan pending prompt: %w", err)
		}
		out = append(out, &wd)
	}
	return out, rows.Err()
}

// DismissPrompt records the outcome of a git-hooks prompt. Both actions
// clear the pending flag and mark the link prompted; "accepted" also
// records the hooks as installed.
func (s *IdentityStore) DismissPrompt(ctx context.Context, workspaceID, deviceID string, accepted bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workspace_devices
		 SET pending_git_hooks_prompt = FALSE,
		     git_hooks_prompted = TRUE,
		     git_hooks_installed = git_hooks_installed OR $3
		 WHERE workspace_id = $1 AND device_id = $2`,
		workspaceID, deviceID, accepted,
	)
	if err != nil {
		return fmt.Errorf("dismiss prompt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: workspace_device %s/%s", ErrNotFound, workspaceID, deviceID)
	}
	return nil
}

// ListWorkspaces returns workspaces ordered by first_seen_at DESC with
// keyset pagination on (first_seen_at, id).
func (s *IdentityStore) ListWorkspaces(ctx context.Context, cursor *Cursor, limit int) ([]*models.Workspace, bool, error) {
	b := NewSelect("id, canonical_id, display_name, default_branch, first_seen_at", "workspaces").
		OrderBy("first_seen_at DESC, id DESC").
		Limit(limit + 1)
	if cursor != nil {
		b.Where("(first_seen_at, id) < (?, ?)", cursor.S, cursor.I)
	}
	query, args := b.SQL()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("select workspaces: %w", err)
	}
	defer rows.Close()

	var out []*models.Workspace
	for rows.Next() {
		var w models.Workspace
		if err := rows.Scan(&w.ID, &w.CanonicalID, &w.DisplayName, &w.DefaultBranch, &w.FirstSeenAt); err != nil {
			return nil, false, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, &w)
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

// ListDevices returns all devices ordered by last activity.
func (s *IdentityStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, type, first_seen_at, last_active_at
		 FROM devices ORDER BY last_active_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select devices: %w", err)
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		var d models.Device
		var typ string
		if err := rows.Scan(&d.ID, &d.Name, &typ, &d.FirstSeenAt, &d.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Type = models.DeviceType(typ)
		out = append(out, &d)
	}
	return out, rows.Err()
}
