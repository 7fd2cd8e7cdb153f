package events

import "github.com/ccpulse/ccpulse/pkg/models"

// ClientMessage is the envelope for every message a client sends. Scope may
// be "all" or an already-canonical "workspace:<id>" / "session:<id>" string;
// alternatively the client names the id directly via workspace_id or
// session_id.
type ClientMessage struct {
	Type        string `json:"type"`
	Scope       string `json:"scope,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// EventMessage wraps a broadcast event.
type EventMessage struct {
	Type  string        `json:"type"`
	Event *models.Event `json:"event"`
}

// SessionStats is the optional counters block on a session.update.
type SessionStats struct {
	TotalMessages   int     `json:"total_messages"`
	CostEstimateUSD float64 `json:"cost_estimate_usd"`
}

// SessionUpdate announces an observable session mutation: a lifecycle
// transition, a new summary, or refreshed counters.
type SessionUpdate struct {
	Type        string        `json:"type"`
	SessionID   string        `json:"session_id"`
	WorkspaceID string        `json:"workspace_id"`
	Lifecycle   string        `json:"lifecycle"`
	Summary     *string       `json:"summary,omitempty"`
	Stats       *SessionStats `json:"stats,omitempty"`
}

// NewSessionUpdate builds a session.update message from a session row.
func NewSessionUpdate(s *models.Session, withStats bool) SessionUpdate {
	u := SessionUpdate{
		Type:        "session.update",
		SessionID:   s.ID,
		WorkspaceID: s.WorkspaceID,
		Lifecycle:   string(s.Lifecycle),
		Summary:     s.Summary,
	}
	if withStats {
		u.Stats = &SessionStats{
			TotalMessages:   s.TotalMessages,
			CostEstimateUSD: s.CostEstimateUSD,
		}
	}
	return u
}
