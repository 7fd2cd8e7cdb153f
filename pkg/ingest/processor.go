// Package ingest consumes events from the stream transport and applies
// them: identity resolution, idempotent event persistence, per-type handler
// dispatch, and real-time broadcast.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ccpulse/ccpulse/pkg/events"
	"github.com/ccpulse/ccpulse/pkg/models"
	"github.com/ccpulse/ccpulse/pkg/pipeline"
	"github.com/ccpulse/ccpulse/pkg/store"
)

// Identity carries the resolved row ids handed to handlers, plus the raw
// canonical workspace string the event arrived with.
type Identity struct {
	WorkspaceID string
	DeviceID    string
	CanonicalID string
}

// Handler applies one event type's side effects. Handler errors are
// captured, never propagated: the event row persists regardless.
type Handler func(ctx context.Context, e *models.Event, id Identity) error

// Result reports one event's processing outcome.
type Result struct {
	Type      models.EventType `json:"type"`
	Success   bool             `json:"success"`
	Duplicate bool             `json:"duplicate,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Broadcaster is the slice of the events manager the processor needs.
type Broadcaster interface {
	BroadcastEvent(e *models.Event)
	BroadcastSessionUpdate(u events.SessionUpdate)
}

// Processor executes the ingest sequence for one event. The handler
// registry is populated at construction and read-only afterwards.
type Processor struct {
	identity    *store.IdentityStore
	eventStore  *store.EventStore
	sessions    *store.SessionStore
	git         *store.GitStore
	runner      *pipeline.Runner
	broadcaster Broadcaster
	maxCorrAge  time.Duration

	handlers map[models.EventType]Handler
}

// NewProcessor wires the processor and registers the built-in handlers.
func NewProcessor(identity *store.IdentityStore, eventStore *store.EventStore, sessions *store.SessionStore, git *store.GitStore, runner *pipeline.Runner, broadcaster Broadcaster, maxCorrAge time.Duration) *Processor {
	p := &Processor{
		identity:    identity,
		eventStore:  eventStore,
		sessions:    sessions,
		git:         git,
		runner:      runner,
		broadcaster: broadcaster,
		maxCorrAge:  maxCorrAge,
	}
	p.handlers = map[models.EventType]Handler{
		models.EventSessionStart: p.handleSessionStart,
		models.EventSessionEnd:   p.handleSessionEnd,
		models.EventGitCommit:    p.handleGit,
		models.EventGitPush:      p.handleGit,
		models.EventGitCheckout:  p.handleGit,
		models.EventGitMerge:     p.handleGit,
	}
	return p
}

// Process runs the strict ingest order for one event: resolve workspace,
// resolve device, ensure the link row, persist the event with the resolved
// workspace id, broadcast, dispatch. A returned error means the entry must
// not be acked (transient storage trouble); handler failures are captured
// in the Result instead.
func (p *Processor) Process(ctx context.Context, e *models.Event) (Result, error) {
	result := Result{Type: e.Type}

	canonical := e.WorkspaceID
	hints := store.WorkspaceHints{}
	var startData *models.SessionStartData
	if e.Type == models.EventSessionStart {
		if d, err := models.DecodeSessionStart(e.Data); err == nil {
			startData = d
			hints.DefaultBranch = d.GitBranch
		}
	}

	workspaceID, err := p.identity.ResolveWorkspace(ctx, canonical, hints)
	if err != nil {
		return result, fmt.Errorf("resolve workspace: %w", err)
	}
	deviceID, err := p.identity.ResolveDevice(ctx, e.DeviceID, "", models.DeviceLocal)
	if err != nil {
		return result, fmt.Errorf("resolve device: %w", err)
	}
	localPath := "unknown"
	if startData != nil && startData.Cwd != "" {
		localPath = startData.Cwd
	}
	if err := p.identity.EnsureWorkspaceDeviceLink(ctx, workspaceID, deviceID, localPath); err != nil {
		return result, fmt.Errorf("ensure workspace_device link: %w", err)
	}

	// The persisted row carries the resolved workspace id, never the raw
	// canonical string.
	e.WorkspaceID = workspaceID
	inserted, err := p.eventStore.Insert(ctx, e)
	if err != nil {
		return result, fmt.Errorf("insert event: %w", err)
	}
	if !inserted {
		result.Success = true
		result.Duplicate = true
		return result, nil
	}

	if p.broadcaster != nil {
		p.broadcaster.BroadcastEvent(e)
	}

	handler, ok := p.handlers[e.Type]
	if !ok {
		slog.Debug("No handler for event type", "type", e.Type, "event_id", e.ID)
		result.Success = true
		return result, nil
	}

	if err := p.invoke(ctx, handler, e, Identity{
		WorkspaceID: workspaceID,
		DeviceID:    deviceID,
		CanonicalID: canonical,
	}); err != nil {
		slog.Warn("Event handler failed",
			"type", e.Type, "event_id", e.ID, "error", err)
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	return result, nil
}

// invoke runs a handler, converting panics into errors.
func (p *Processor) invoke(ctx context.Context, h Handler, e *models.Event, id Identity) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Event handler panicked",
				"type", e.Type, "event_id", e.ID, "panic", rec,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, e, id)
}

func (p *Processor) handleSessionStart(ctx context.Context, e *models.Event, id Identity) error {
	data, err := models.DecodeSessionStart(e.Data)
	if err != nil {
		return err
	}

	sess := &models.Session{
		ID:          data.CCSessionID,
		WorkspaceID: id.WorkspaceID,
		DeviceID:    id.DeviceID,
		StartedAt:   e.Timestamp,
	}
	if data.GitBranch != "" {
		sess.GitBranch = &data.GitBranch
	}
	if data.Model != "" {
		sess.Model = &data.Model
	}
	if data.Source != "" {
		src := string(data.Source)
		sess.Source = &src
	}
	inserted, err := p.sessions.CreateDetected(ctx, sess)
	if err != nil {
		return err
	}
	if inserted && p.broadcaster != nil {
		sess.Lifecycle = models.LifecycleDetected
		p.broadcaster.BroadcastSessionUpdate(events.NewSessionUpdate(sess, false))
	}

	// Workspaces with a real canonical id get a one-time git-hooks prompt
	// on this device; the guard in the UPDATE keeps it idempotent.
	if id.CanonicalID != models.CanonicalUnassociated {
		if err := p.identity.MarkPendingGitHooksPrompt(ctx, id.WorkspaceID, id.DeviceID); err != nil {
			slog.Warn("Failed to mark git-hooks prompt",
				"workspace_id", id.WorkspaceID, "device_id", id.DeviceID, "error", err)
		}
	}
	return nil
}

func (p *Processor) handleSessionEnd(ctx context.Context, e *models.Event, id Identity) error {
	data, err := models.DecodeSessionEnd(e.Data)
	if err != nil {
		return err
	}
	sessionID := e.SessionRef()
	if sessionID == "" {
		sessionID = data.CCSessionID
	}

	updates := []store.Update{
		{Column: "ended_at", Value: e.Timestamp},
		{Column: "duration_ms", Value: data.DurationMS},
	}
	if data.EndReason != "" {
		updates = append(updates, store.Update{Column: "end_reason", Value: string(data.EndReason)})
	}
	res, err := p.sessions.Transition(ctx, sessionID, models.LifecycleEnded,
		[]models.Lifecycle{models.LifecycleDetected, models.LifecycleCapturing}, updates)
	if err != nil {
		return err
	}
	if !res.OK {
		if !res.Found {
			slog.Warn("session.end for unknown session", "session_id", sessionID)
		} else {
			slog.Warn("session.end transition did not match",
				"session_id", sessionID, "lifecycle", res.Current)
		}
		return nil
	}

	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if p.broadcaster != nil {
		p.broadcaster.BroadcastSessionUpdate(events.NewSessionUpdate(sess, false))
	}
	if sess.HasTranscript() {
		p.runner.Trigger(sessionID)
	}
	return nil
}

// handleGit writes a git_activity row correlated to the most recent active
// session on the same workspace+device. The activity id is the event id, so
// redelivery of the same entry is a no-op. The session row itself is never
// modified here.
func (p *Processor) handleGit(ctx context.Context, e *models.Event, id Identity) error {
	activity := &models.GitActivity{
		ID:          e.ID,
		Type:        e.Type,
		WorkspaceID: id.WorkspaceID,
		DeviceID:    id.DeviceID,
		Timestamp:   e.Timestamp,
		Data:        e.Data,
	}
	fillGitFields(activity, e)

	sess, err := p.sessions.CorrelateActive(ctx, id.WorkspaceID, id.DeviceID, e.Timestamp, p.maxCorrAge)
	if err != nil {
		return err
	}
	if sess != nil {
		activity.SessionID = &sess.ID
	}
	return p.git.InsertActivity(ctx, activity)
}

// fillGitFields lifts the type-specific payload fields into the normalized
// activity columns.
func fillGitFields(a *models.GitActivity, e *models.Event) {
	setIf := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	switch e.Type {
	case models.EventGitCommit:
		var d models.GitCommitData
		if err := unmarshalData(e.Data, &d); err != nil {
			return
		}
		setIf(&a.Branch, d.Branch)
		setIf(&a.CommitSHA, d.Hash)
		setIf(&a.Message, d.Message)
		a.FilesChanged = d.FilesChanged
		a.Insertions = d.Insertions
		a.Deletions = d.Deletions
	case models.EventGitPush:
		var d models.GitPushData
		if err := unmarshalData(e.Data, &d); err != nil {
			return
		}
		setIf(&a.Branch, d.Branch)
		if len(d.Commits) > 0 {
			setIf(&a.CommitSHA, d.Commits[len(d.Commits)-1])
		}
	case models.EventGitCheckout:
		var d models.GitCheckoutData
		if err := unmarshalData(e.Data, &d); err != nil {
			return
		}
		setIf(&a.Branch, d.ToBranch)
	case models.EventGitMerge:
		var d models.GitMergeData
		if err := unmarshalData(e.Data, &d); err != nil {
			return
		}
		setIf(&a.Branch, d.IntoBranch)
		setIf(&a.CommitSHA, d.MergeCommit)
		a.FilesChanged = d.FilesChanged
	}
}

// unmarshalData decodes an event payload, treating an absent payload as
// empty.
func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
