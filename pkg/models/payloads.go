package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEvent is the sentinel for envelope and payload validation
// failures. Per-event: a payload failure rejects that event only, never the
// batch it arrived in.
var ErrInvalidEvent = errors.New("invalid event")

// SessionSource is where a session.start originated.
type SessionSource string

// Session sources.
const (
	SourceStartup  SessionSource = "startup"
	SourceResume   SessionSource = "resume"
	SourceBackfill SessionSource = "backfill"
)

// EndReason is why a session ended.
type EndReason string

// Session end reasons.
const (
	EndReasonExit   EndReason = "exit"
	EndReasonClear  EndReason = "clear"
	EndReasonLogout EndReason = "logout"
)

// SessionStartData is the payload of a session.start event.
type SessionStartData struct {
	CCSessionID    string        `json:"cc_session_id"`
	Cwd            string        `json:"cwd,omitempty"`
	GitBranch      string        `json:"git_branch,omitempty"`
	GitRemote      string        `json:"git_remote,omitempty"`
	CCVersion      string        `json:"cc_version,omitempty"`
	Model          string        `json:"model,omitempty"`
	Source         SessionSource `json:"source,omitempty"`
	TranscriptPath string        `json:"transcript_path,omitempty"`
}

// SessionEndData is the payload of a session.end event.
type SessionEndData struct {
	CCSessionID    string    `json:"cc_session_id"`
	DurationMS     int64     `json:"duration_ms"`
	EndReason      EndReason `json:"end_reason,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
}

// GitCommitData is the payload of a git.commit event.
type GitCommitData struct {
	Hash         string   `json:"hash,omitempty"`
	Message      string   `json:"message,omitempty"`
	AuthorName   string   `json:"author_name,omitempty"`
	Branch       string   `json:"branch,omitempty"`
	FilesChanged int      `json:"files_changed,omitempty"`
	Insertions   int      `json:"insertions,omitempty"`
	Deletions    int      `json:"deletions,omitempty"`
	FileList     []string `json:"file_list,omitempty"`
}

// GitPushData is the payload of a git.push event.
type GitPushData struct {
	Branch      string   `json:"branch,omitempty"`
	Remote      string   `json:"remote,omitempty"`
	CommitCount int      `json:"commit_count,omitempty"`
	Commits     []string `json:"commits,omitempty"`
}

// GitCheckoutData is the payload of a git.checkout event.
type GitCheckoutData struct {
	FromRef    string `json:"from_ref,omitempty"`
	ToRef      string `json:"to_ref,omitempty"`
	FromBranch string `json:"from_branch,omitempty"`
	ToBranch   string `json:"to_branch,omitempty"`
}

// GitMergeData is the payload of a git.merge event.
type GitMergeData struct {
	MergeCommit  string `json:"merge_commit,omitempty"`
	IntoBranch   string `json:"into_branch,omitempty"`
	FilesChanged int    `json:"files_changed,omitempty"`
	HadConflicts bool   `json:"had_conflicts,omitempty"`
}

// DecodeSessionStart decodes and validates a session.start payload.
func DecodeSessionStart(data json.RawMessage) (*SessionStartData, error) {
	var d SessionStartData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: malformed session.start data: %v", ErrInvalidEvent, err)
	}
	if d.CCSessionID == "" {
		return nil, fmt.Errorf("%w: session.start requires cc_session_id", ErrInvalidEvent)
	}
	if d.Source != "" && d.Source != SourceStartup && d.Source != SourceResume && d.Source != SourceBackfill {
		return nil, fmt.Errorf("%w: unknown session.start source %q", ErrInvalidEvent, d.Source)
	}
	return &d, nil
}

// DecodeSessionEnd decodes and validates a session.end payload.
func DecodeSessionEnd(data json.RawMessage) (*SessionEndData, error) {
	var d SessionEndData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: malformed session.end data: %v", ErrInvalidEvent, err)
	}
	if d.CCSessionID == "" {
		return nil, fmt.Errorf("%w: session.end requires cc_session_id", ErrInvalidEvent)
	}
	if d.DurationMS < 0 {
		return nil, fmt.Errorf("%w: session.end duration_ms must be >= 0", ErrInvalidEvent)
	}
	return &d, nil
}

// ValidatePayload runs the type-specific payload validation for an event.
// Types without required fields (git.*, system.heartbeat) only need
// well-formed JSON.
func ValidatePayload(e *Event) error {
	switch e.Type {
	case EventSessionStart:
		_, err := DecodeSessionStart(e.Data)
		return err
	case EventSessionEnd:
		_, err := DecodeSessionEnd(e.Data)
		return err
	default:
		if len(e.Data) == 0 {
			return nil
		}
		if !json.Valid(e.Data) {
			return fmt.Errorf("%w: data is not valid JSON", ErrInvalidEvent)
		}
		return nil
	}
}
