package task

import (
	"fmt"
	"time"
)

// TimeoutError reports an attempt that exceeded its execution window.
// Timeouts count against the retry budget like any other failure.
type TimeoutError struct {
	SlotID   string
	TaskType string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s in slot %s timed out after %s", e.TaskType, e.SlotID, e.Timeout)
}

// ExecutionError reports a task that failed all its attempts. It wraps
// the error from the final attempt.
type ExecutionError struct {
	SlotID   string
	TaskType string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s in slot %s failed after %d attempts: %v", e.TaskType, e.SlotID, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
