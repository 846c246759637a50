package agent

import (
	"errors"
	"fmt"
)

// ErrEngineUnavailable is returned when every attempt in the ladder crashed.
// The user should retry later; nothing about their turn was at fault.
var ErrEngineUnavailable = errors.New("agent engine unavailable, retry later")

// CrashError marks an abnormal engine process exit, the only failure class
// the attempt ladder treats as retryable.
type CrashError struct {
	ExitCode int
	Stderr   string
}

func (e *CrashError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("engine crashed (exit %d): %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("engine crashed (exit %d)", e.ExitCode)
}

// IsCrash reports whether err is a retryable engine crash.
func IsCrash(err error) bool {
	var ce *CrashError
	return errors.As(err, &ce)
}
