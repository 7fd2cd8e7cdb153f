package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of event types clients may emit.
type EventType string

// Event types.
const (
	EventSessionStart    EventType = "session.start"
	EventSessionEnd      EventType = "session.end"
	EventGitCommit       EventType = "git.commit"
	EventGitPush         EventType = "git.push"
	EventGitCheckout     EventType = "git.checkout"
	EventGitMerge        EventType = "git.merge"
	EventSystemHeartbeat EventType = "system.heartbeat"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventSessionStart, EventSessionEnd, EventGitCommit, EventGitPush,
		EventGitCheckout, EventGitMerge, EventSystemHeartbeat:
		return true
	}
	return false
}

// IsGit reports whether t is one of the git activity types.
func (t EventType) IsGit() bool {
	switch t {
	case EventGitCommit, EventGitPush, EventGitCheckout, EventGitMerge:
		return true
	}
	return false
}

// Event is the wire envelope clients submit and the row the server persists.
//
// WorkspaceID is the raw canonical string on ingress; the processor rewrites
// it to the resolved internal workspace id before the row is written.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	DeviceID    string          `json:"device_id"`
	WorkspaceID string          `json:"workspace_id"`
	SessionID   *string         `json:"session_id"`
	Data        json.RawMessage `json:"data"`
	IngestedAt  *time.Time      `json:"ingested_at"`
	BlobRefs    []string        `json:"blob_refs,omitempty"`
}

// ValidateEnvelope checks the type-independent required fields.
func (e *Event) ValidateEnvelope() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	if e.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidEvent)
	}
	if e.WorkspaceID == "" {
		return fmt.Errorf("%w: workspace_id is required", ErrInvalidEvent)
	}
	return nil
}

// SessionRef returns the session id or "" when absent.
func (e *Event) SessionRef() string {
	if e.SessionID == nil {
		return ""
	}
	return *e.SessionID
}
