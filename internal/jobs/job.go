// Package jobs runs user-requested background tasks as external agent
// processes and tracks them durably in a single on-disk registry.
package jobs

import "time"

type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusKilled  Status = "killed"
)

// Terminal reports whether the status is final. A job transitions from
// running into exactly one terminal status and never leaves it.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusKilled
}

// Job is one background task record.
type Job struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	Task           string     `json:"task"`
	Workdir        string     `json:"workdir"`
	ConversationID string     `json:"conversation_id"`
	Status         Status     `json:"status"`
	PID            int        `json:"pid,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	// Output holds the tail of combined stdout and stderr, capped at the
	// configured ceiling.
	Output string `json:"output"`
}
