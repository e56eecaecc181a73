// Package slot models execution slots: the four fixed daily windows a
// scheduled task runs in, each living through a small state machine.
package slot

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a slot.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows moving from
// s to next. Terminal states allow nothing.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusScheduled:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Slot is one daily execution window. COMPLETED and FAILED slots carry
// the ID of the single ledger entry their execution produced;
// CANCELLED slots never ran and carry none.
type Slot struct {
	ID          string    `json:"id"`
	Number      int       `json:"number"`
	Date        string    `json:"date"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
	TaskType    string    `json:"task_type"`

	Payload map[string]interface{} `json:"payload,omitempty"`
	Results map[string]interface{} `json:"results,omitempty"`
	Error   string                 `json:"error,omitempty"`

	LedgerEntryID string `json:"ledger_entry_id,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	ExecutionMS   int64  `json:"execution_ms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FormatID builds the canonical slot ID, date then slot number.
func FormatID(date string, number int) string {
	return fmt.Sprintf("%s-%d", date, number)
}

// ParseID splits a slot ID of the form YYYY-MM-DD-N.
func ParseID(id string) (date string, number int, err error) {
	idx := strings.LastIndex(id, "-")
	if idx <= 0 || idx == len(id)-1 {
		return "", 0, fmt.Errorf("malformed slot id %q", id)
	}
	date = id[:idx]
	if _, perr := time.Parse("2006-01-02", date); perr != nil {
		return "", 0, fmt.Errorf("malformed slot id %q", id)
	}
	number, err = strconv.Atoi(id[idx+1:])
	if err != nil || number < 1 {
		return "", 0, fmt.Errorf("malformed slot id %q", id)
	}
	return date, number, nil
}

// TransitionError reports a state change the machine does not allow.
type TransitionError struct {
	SlotID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("slot %s: cannot transition %s -> %s", e.SlotID, e.From, e.To)
}
