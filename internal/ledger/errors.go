package ledger

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("ledger: entry not found")

// ValidationError reports malformed input rejected before a sequence
// number is allocated. Nothing is consumed when validation fails.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: invalid %s: %s", e.Field, e.Reason)
}

// SequencingError reports a failure to allocate the next sequence
// number. No entry exists and no sequence was consumed.
type SequencingError struct {
	Err error
}

func (e *SequencingError) Error() string {
	return fmt.Sprintf("ledger: sequence allocation failed: %v", e.Err)
}

func (e *SequencingError) Unwrap() error { return e.Err }

// PersistenceError reports a write that failed after its sequence
// number was already reserved. The sequence is abandoned, never
// reissued, and shows up as a gap when reading the chain.
type PersistenceError struct {
	Sequence int64
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger: persist entry seq=%d failed after %d attempts: %v", e.Sequence, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Verification check names reported in IntegrityViolation.Check.
const (
	CheckChain     = "chain"
	CheckDigest    = "digest"
	CheckSignature = "signature"
	CheckSequence  = "sequence"
	CheckTip       = "tip"
)

// IntegrityViolation describes one defect found during verification.
// Violations are reported, never repaired.
type IntegrityViolation struct {
	EntryID  string `json:"entry_id,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`
	Check    string `json:"check"`
	Detail   string `json:"detail"`
}

func (v IntegrityViolation) Error() string {
	if v.EntryID == "" {
		return fmt.Sprintf("ledger: %s violation: %s", v.Check, v.Detail)
	}
	return fmt.Sprintf("ledger: %s violation at seq=%d entry=%s: %s", v.Check, v.Sequence, v.EntryID, v.Detail)
}
