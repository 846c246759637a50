package bus

import "time"

// Job lifecycle event topics.
const (
	TopicJobStarted  = "job.started"
	TopicJobOutput   = "job.output"
	TopicJobFinished = "job.finished"
)

// Approval event topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
	TopicApprovalExpired   = "approval.expired"
)

// JobEvent is published when a background job starts or finishes.
type JobEvent struct {
	JobID    string        // Job ID
	Kind     string        // Agent kind running the job
	Status   string        // Job status at the time of the event
	ExitCode int           // Process exit code (finished only)
	Duration time.Duration // Wall time from spawn to completion (finished only)
}

// JobOutputEvent is published when a job appends captured output.
type JobOutputEvent struct {
	JobID string // Job ID
	Chunk string // Newly captured output chunk
}

// ApprovalRequested is published when the engine asks to use a tool.
type ApprovalRequested struct {
	RequestID string // Unique request ID for matching the resolution
	Tool      string // Tool the engine wants to use
	Summary   string // Human-readable summary of the tool input
}

// ApprovalResolved is published when a pending approval is decided.
type ApprovalResolved struct {
	RequestID string // Matches the corresponding request ID
	Allowed   bool   // Whether the tool use was approved
	Source    string // "user", "policy", or "timeout"
}

// ApprovalExpired is published when a pending approval hits its deadline.
type ApprovalExpired struct {
	RequestID string // Request that timed out
	Tool      string // Tool the request was for
}
