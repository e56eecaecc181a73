package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SchemaVersion is stamped into entry metadata so future format
// changes can be told apart on read.
const SchemaVersion = 1

// Entry is one immutable record in the execution ledger. Entries are
// append-only: once persisted, every field is fixed and any drift is a
// verification failure, not something to patch.
type Entry struct {
	ID              string    `json:"id"`
	SequenceNumber  int64     `json:"sequence_number"`
	Timestamp       time.Time `json:"timestamp"`
	SlotID          string    `json:"slot_id"`
	TaskType        string    `json:"task_type"`
	InputHash       string    `json:"input_hash"`
	OutputHash      string    `json:"output_hash,omitempty"`
	PreviousHash    string    `json:"previous_hash,omitempty"`
	IntegrityDigest string    `json:"integrity_digest"`
	Signature       string    `json:"signature"`
	IsValid         bool      `json:"is_valid"`
	Metadata        Metadata  `json:"metadata"`
}

// Metadata carries descriptive fields that ride along with an entry
// but are excluded from the integrity digest.
type Metadata struct {
	InputBytes    int    `json:"input_bytes"`
	OutputBytes   int    `json:"output_bytes"`
	Attempts      int    `json:"attempts,omitempty"`
	DurationMS    int64  `json:"duration_ms,omitempty"`
	RecordedBy    string `json:"recorded_by,omitempty"`
	SchemaVersion int    `json:"schema_version"`
}

// coreFields returns the signed subset of the entry as a map keyed the
// way it is hashed. The timestamp enters as epoch milliseconds so the
// canonical bytes do not depend on time formatting.
func (e *Entry) coreFields() map[string]interface{} {
	return map[string]interface{}{
		"id":              e.ID,
		"sequence_number": e.SequenceNumber,
		"timestamp_ms":    e.Timestamp.UnixMilli(),
		"slot_id":         e.SlotID,
		"task_type":       e.TaskType,
		"input_hash":      e.InputHash,
		"output_hash":     e.OutputHash,
		"previous_hash":   e.PreviousHash,
	}
}

// ComputeDigest returns the hex SHA-256 over the entry's canonical
// core fields.
func (e *Entry) ComputeDigest() (string, error) {
	canon, err := canonicalJSON(e.coreFields())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeSignature returns the hex HMAC-SHA256 over the canonical core
// fields concatenated with the integrity digest, keyed by the ledger
// signing secret. The digest must be set before signing.
func (e *Entry) ComputeSignature(secret []byte) (string, error) {
	canon, err := canonicalJSON(e.coreFields())
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	mac.Write([]byte(e.IntegrityDigest))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Hash returns the entry's chain hash, the value the next entry stores
// as its previous_hash and the chain tip tracks. It covers the core
// fields plus the digest and signature, so tampering with either also
// breaks the link from the successor.
func (e *Entry) Hash() (string, error) {
	fields := e.coreFields()
	fields["integrity_digest"] = e.IntegrityDigest
	fields["signature"] = e.Signature
	canon, err := canonicalJSON(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// VerifySignature recomputes the signature with the given secret and
// compares in constant time.
func (e *Entry) VerifySignature(secret []byte) (bool, error) {
	want, err := e.ComputeSignature(secret)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(e.Signature)), nil
}
