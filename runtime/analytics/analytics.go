// Package analytics defines the fire-and-forget event contract used by the
// scout pipeline. Sinks must never block a run: implementations buffer locally
// and drain independently. The Pulse-backed sink lives under
// features/analytics/pulse.
package analytics

// Event is one analytics fact about the pipeline.
type Event struct {
	// Name identifies the event kind (e.g. "run_completed").
	Name string `json:"name"`
	// UserID, ScoutID and ExecutionID locate the event; any may be empty.
	UserID      string `json:"user_id,omitempty"`
	ScoutID     string `json:"scout_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	// Props carries event-specific attributes.
	Props map[string]any `json:"props,omitempty"`
}

// Event names emitted by the pipeline.
const (
	EventRunStarted        = "run_started"
	EventRunCompleted      = "run_completed"
	EventRunFailed         = "run_failed"
	EventRunDuplicate      = "run_duplicate"
	EventEmailSent         = "email_sent"
	EventEmailFailed       = "email_failed"
	EventCredentialInvalid = "credential_invalid"
)

// Sink ingests events without blocking the caller.
type Sink interface {
	Emit(event Event)
}

// Nop is a Sink that discards every event.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(Event) {}
