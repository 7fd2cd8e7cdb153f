// Package models defines the persisted row types, enumerations, and the
// session lifecycle state machine shared by the store, ingest, pipeline,
// and API layers.
package models

import "time"

// Workspace is a stable identity for a code-project context, keyed
// externally by its canonical id (normalized git remote, local fingerprint,
// or "_unassociated").
type Workspace struct {
	ID            string     `json:"id"`
	CanonicalID   string     `json:"canonical_id"`
	DisplayName   string     `json:"display_name"`
	DefaultBranch *string    `json:"default_branch"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastActiveAt  *time.Time `json:"last_active_at,omitempty"`
}

// DeviceType classifies a client installation.
type DeviceType string

// Device types.
const (
	DeviceLocal  DeviceType = "local"
	DeviceRemote DeviceType = "remote"
	DeviceCI     DeviceType = "ci"
)

// Valid reports whether t is a known device type.
func (t DeviceType) Valid() bool {
	return t == DeviceLocal || t == DeviceRemote || t == DeviceCI
}

// Device is a physical client installation.
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         DeviceType `json:"type"`
	FirstSeenAt  time.Time  `json:"first_seen_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
}

// WorkspaceDevice is the per-(workspace, device) link row, including the
// git-hooks prompt flags mutated by handlers and prompt dismissal.
type WorkspaceDevice struct {
	WorkspaceID           string    `json:"workspace_id"`
	DeviceID              string    `json:"device_id"`
	LocalPath             string    `json:"local_path"`
	LastActiveAt          time.Time `json:"last_active_at"`
	GitHooksInstalled     bool      `json:"git_hooks_installed"`
	GitHooksPrompted      bool      `json:"git_hooks_prompted"`
	PendingGitHooksPrompt bool      `json:"pending_git_hooks_prompt"`
}

// Session is one AI-coding-assistant run. Its id is the client-assigned
// session id, unchanged, which is what makes the whole pipeline idempotent
// end to end.
type Session struct {
	ID              string      `json:"id"`
	WorkspaceID     string      `json:"workspace_id"`
	DeviceID        string      `json:"device_id"`
	Lifecycle       Lifecycle   `json:"lifecycle"`
	ParseStatus     ParseStatus `json:"parse_status"`
	ParseError      *string     `json:"parse_error,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         *time.Time  `json:"ended_at"`
	DurationMS      int64       `json:"duration_ms"`
	EndReason       *string     `json:"end_reason,omitempty"`
	GitBranch       *string     `json:"git_branch,omitempty"`
	Model           *string     `json:"model,omitempty"`
	Source          *string     `json:"source,omitempty"`
	TranscriptS3Key *string     `json:"transcript_s3_key"`
	Summary         *string     `json:"summary,omitempty"`
	Tags            []string    `json:"tags"`
	TotalMessages   int         `json:"total_messages"`
	CostEstimateUSD float64     `json:"cost_estimate_usd"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// HasTranscript reports whether a transcript blob has been uploaded.
func (s *Session) HasTranscript() bool {
	return s.TranscriptS3Key != nil && *s.TranscriptS3Key != ""
}

// MessageRole is the author of a transcript message.
type MessageRole string

// Message roles.
const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// TranscriptMessage is one parsed message inside a session. Its primary key
// is (session_id, ordinal) so a re-run of the same blob lands on the same
// rows.
type TranscriptMessage struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id"`
	Ordinal         int         `json:"ordinal"`
	Role            MessageRole `json:"role"`
	Timestamp       *time.Time  `json:"timestamp"`
	Model           *string     `json:"model,omitempty"`
	InputTokens     int64       `json:"input_tokens"`
	OutputTokens    int64       `json:"output_tokens"`
	CacheReadTokens int64       `json:"cache_read_tokens"`
	CostUSD         float64     `json:"cost_usd"`
	IsCompacted     bool        `json:"is_compacted"`
	CompactSequence int         `json:"compact_sequence"`
}

// BlockType is the kind of a content block.
type BlockType string

// Content block types.
const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one structured piece of a transcript message, keyed by
// (message_id, block_order).
type ContentBlock struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id"`
	SessionID    string    `json:"session_id"`
	BlockOrder   int       `json:"block_order"`
	BlockType    BlockType `json:"block_type"`
	ContentText  *string   `json:"content_text,omitempty"`
	ThinkingText *string   `json:"thinking_text,omitempty"`
	ToolName     *string   `json:"tool_name,omitempty"`
	ToolInput    *string   `json:"tool_input,omitempty"`
	ToolResultID *string   `json:"tool_result_id,omitempty"`
	IsError      bool      `json:"is_error"`
	ResultText   *string   `json:"result_text,omitempty"`
}

// GitActivity is a normalized git operation, optionally correlated to an
// active session on the same workspace+device.
type GitActivity struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	WorkspaceID  string    `json:"workspace_id"`
	DeviceID     string    `json:"device_id"`
	SessionID    *string   `json:"session_id"`
	Branch       *string   `json:"branch,omitempty"`
	CommitSHA    *string   `json:"commit_sha,omitempty"`
	Message      *string   `json:"message,omitempty"`
	FilesChanged int       `json:"files_changed"`
	Insertions   int       `json:"insertions"`
	Deletions    int       `json:"deletions"`
	Timestamp    time.Time `json:"timestamp"`
	Data         []byte    `json:"data,omitempty"`
}
