package models

// Lifecycle is a session's position in the monotonic state machine.
type Lifecycle string

// Session lifecycle states.
const (
	LifecycleDetected   Lifecycle = "detected"
	LifecycleCapturing  Lifecycle = "capturing"
	LifecycleEnded      Lifecycle = "ended"
	LifecycleParsed     Lifecycle = "parsed"
	LifecycleSummarized Lifecycle = "summarized"
	LifecycleArchived   Lifecycle = "archived"
	LifecycleFailed     Lifecycle = "failed"
)

// lifecycleEdges is the full set of allowed transitions. Absent keys
// (archived, failed) are terminal.
var lifecycleEdges = map[Lifecycle][]Lifecycle{
	LifecycleDetected:   {LifecycleCapturing, LifecycleEnded, LifecycleFailed},
	LifecycleCapturing:  {LifecycleEnded, LifecycleFailed},
	LifecycleEnded:      {LifecycleParsed, LifecycleFailed},
	LifecycleParsed:     {LifecycleSummarized, LifecycleArchived, LifecycleFailed},
	LifecycleSummarized: {LifecycleArchived, LifecycleFailed},
}

// Valid reports whether l is one of the seven known states.
func (l Lifecycle) Valid() bool {
	switch l {
	case LifecycleDetected, LifecycleCapturing, LifecycleEnded,
		LifecycleParsed, LifecycleSummarized, LifecycleArchived, LifecycleFailed:
		return true
	}
	return false
}

// Terminal reports whether l admits no further transitions.
func (l Lifecycle) Terminal() bool {
	return l == LifecycleArchived || l == LifecycleFailed
}

// CanTransitionTo reports whether the edge l → to exists in the state machine.
func (l Lifecycle) CanTransitionTo(to Lifecycle) bool {
	for _, allowed := range lifecycleEdges[l] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ParseStatus tracks the transcript pipeline's progress independently of
// the lifecycle state.
type ParseStatus string

// Transcript parse states.
const (
	ParseStatusPending   ParseStatus = "pending"
	ParseStatusParsing   ParseStatus = "parsing"
	ParseStatusCompleted ParseStatus = "completed"
	ParseStatusFailed    ParseStatus = "failed"
)

// Valid reports whether s is a known parse status.
func (s ParseStatus) Valid() bool {
	switch s {
	case ParseStatusPending, ParseStatusParsing, ParseStatusCompleted, ParseStatusFailed:
		return true
	}
	return false
}
