package scout

import "time"

// EmbeddingDim is the dimension of summary embeddings. Stored vectors of any
// other length are rejected at the store boundary rather than coerced.
const EmbeddingDim = 1536

// SummaryMaxLen bounds the one-sentence summary persisted with an execution.
const SummaryMaxLen = 150

// ExecutionStatus is the lifecycle state of a single run attempt.
type ExecutionStatus string

const (
	// ExecutionRunning marks an execution claimed by an executor invocation.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionCompleted marks an execution that reached a final report.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed marks an execution aborted by an error, the error
	// cutoff or the stale-run reaper.
	ExecutionFailed ExecutionStatus = "failed"
)

// TaskStatus qualifies the outcome reported by the agent in its final message.
type TaskStatus string

const (
	// TaskCompleted means the agent found and verified what the scout asked for.
	TaskCompleted TaskStatus = "completed"
	// TaskPartial means the agent ran out of steps with partial findings.
	TaskPartial TaskStatus = "partial"
	// TaskNotFound means nothing new matched the goal, including findings the
	// agent downgraded because they duplicate recent results.
	TaskNotFound TaskStatus = "not_found"
	// TaskInsufficientData means the agent could not gather enough signal,
	// including a final message that failed to parse.
	TaskInsufficientData TaskStatus = "insufficient_data"
)

// Report is the structured final message of an agent run. The model is
// instructed to reply with exactly this JSON object.
type Report struct {
	TaskCompleted bool       `bson:"task_completed" json:"taskCompleted"`
	TaskStatus    TaskStatus `bson:"task_status" json:"taskStatus"`
	// Response is the user-visible result in markdown.
	Response string `bson:"response" json:"response"`
	// Duplicate is set after dedup when the finding closely resembles a
	// recent successful run. Duplicate reports suppress the success email.
	Duplicate bool `bson:"duplicate,omitempty" json:"duplicate,omitempty"`
}

// Execution is one attempt to run a scout end-to-end. Executions are created
// in the running state and transition exactly once to completed or failed.
type Execution struct {
	ID      string          `bson:"_id" json:"id"`
	ScoutID string          `bson:"scout_id" json:"scoutId"`
	Status  ExecutionStatus `bson:"status" json:"status"`

	Results *Report `bson:"results_summary,omitempty" json:"resultsSummary,omitempty"`
	// SummaryText is a single sentence (at most SummaryMaxLen characters)
	// describing the finding; nil when summary generation failed.
	SummaryText *string `bson:"summary_text,omitempty" json:"summaryText,omitempty"`
	// SummaryEmbedding is the EmbeddingDim-dimensional vector of SummaryText;
	// nil when embedding generation failed.
	SummaryEmbedding []float32 `bson:"summary_embedding,omitempty" json:"summaryEmbedding,omitempty"`
	ErrorMessage     string    `bson:"error_message,omitempty" json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `bson:"created_at" json:"createdAt"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
}

// StepType classifies an observable event within an execution.
type StepType string

const (
	// StepToolCall records a generic tool invocation requested by the model.
	StepToolCall StepType = "tool_call"
	// StepSearch records a web search.
	StepSearch StepType = "search"
	// StepScrape records a page scrape.
	StepScrape StepType = "scrape"
	// StepSummarize records summary and embedding generation.
	StepSummarize StepType = "summarize"
)

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	// StepRunning marks a step created before its external call.
	StepRunning StepStatus = "running"
	// StepCompleted marks a step finalized with its output.
	StepCompleted StepStatus = "completed"
	// StepFailed marks a step finalized with an error.
	StepFailed StepStatus = "failed"
)

// Step is an ordered event within an execution. Step numbers are 1-based and
// strictly increasing per execution.
type Step struct {
	ExecutionID string     `bson:"execution_id" json:"executionId"`
	Number      int        `bson:"step_number" json:"stepNumber"`
	Type        StepType   `bson:"step_type" json:"stepType"`
	Description string     `bson:"description,omitempty" json:"description,omitempty"`
	Input       any        `bson:"input_data,omitempty" json:"inputData,omitempty"`
	Output      any        `bson:"output_data,omitempty" json:"outputData,omitempty"`
	Error       string     `bson:"error_message,omitempty" json:"errorMessage,omitempty"`
	Status      StepStatus `bson:"status" json:"status"`
	CreatedAt   time.Time  `bson:"created_at" json:"createdAt"`
}

// RecentFinding is the slice of a past successful execution that participates
// in deduplication: its summary, embedding and completion time.
type RecentFinding struct {
	ExecutionID string    `bson:"_id" json:"executionId"`
	Summary     string    `bson:"summary_text" json:"summary"`
	Embedding   []float32 `bson:"summary_embedding" json:"embedding"`
	CompletedAt time.Time `bson:"completed_at" json:"completedAt"`
}

// CredentialStatus is the state of a user's search/scrape key.
type CredentialStatus string

const (
	// CredentialActive marks a key believed to be usable.
	CredentialActive CredentialStatus = "active"
	// CredentialInvalid marks a key rejected by the provider (401/402).
	CredentialInvalid CredentialStatus = "invalid"
)

// CredentialRecord is the per-user search/scrape key state. There is no shared
// fallback key: a missing or invalid record aborts the run.
type CredentialRecord struct {
	UserID string `bson:"_id" json:"userId"`
	Key    string `bson:"key" json:"-"`
	// Email is the notification recipient for the user's scouts.
	Email         string           `bson:"email,omitempty" json:"email,omitempty"`
	Status        CredentialStatus `bson:"status" json:"status"`
	InvalidReason string           `bson:"invalid_reason,omitempty" json:"invalidReason,omitempty"`
	UpdatedAt     time.Time        `bson:"updated_at" json:"updatedAt"`
}
