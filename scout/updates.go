package scout

import "time"

// ExecutionFinal carries the terminal fields written when an execution
// transitions out of the running state.
type ExecutionFinal struct {
	Status           ExecutionStatus
	Results          *Report
	SummaryText      *string
	SummaryEmbedding []float32
	ErrorMessage     string
	CompletedAt      time.Time
}

// StepUpdate finalizes a previously appended step.
type StepUpdate struct {
	Status StepStatus
	Output any
	Error  string
}

// RunOutcome describes how a finished run updates its scout's counters.
// Success resets consecutive_failures; failure increments it and deactivates
// the scout once MaxConsecutiveFailures is reached.
type RunOutcome struct {
	LastRunAt time.Time
	Failed    bool
}
