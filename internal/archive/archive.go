// Package archive mirrors ledger entries into Postgres for long-term
// reporting. The kv ledger stays the source of truth: the mirror is fed from
// the ledger observer hook and a failed mirror write never blocks or fails
// the append path.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/innkeep/eagle-eye/infra/breakers"
	"github.com/innkeep/eagle-eye/internal/ledger"
)

// ErrDuplicate marks an insert that collided with an already-archived entry.
var ErrDuplicate = errors.New("duplicate archive entry")

// Record is one archived ledger entry row.
type Record struct {
	ID              string          `json:"id" db:"id"`
	SequenceNumber  int64           `json:"sequence_number" db:"sequence_number"`
	Timestamp       time.Time       `json:"timestamp" db:"ts"`
	SlotID          string          `json:"slot_id" db:"slot_id"`
	TaskType        string          `json:"task_type" db:"task_type"`
	InputHash       string          `json:"input_hash" db:"input_hash"`
	OutputHash      string          `json:"output_hash,omitempty" db:"output_hash"`
	PreviousHash    string          `json:"previous_hash,omitempty" db:"previous_hash"`
	IntegrityDigest string          `json:"integrity_digest" db:"integrity_digest"`
	Signature       string          `json:"signature" db:"signature"`
	Metadata        ledger.Metadata `json:"metadata" db:"metadata"`
	ArchivedAt      time.Time       `json:"archived_at" db:"archived_at"`
}

// Repo provides write-once persistence of ledger entries plus the read
// side used for reporting.
type Repo interface {
	// Migrate creates the archive schema when it does not exist yet.
	Migrate(ctx context.Context) error

	// Insert archives a single ledger entry. Inserting the same entry
	// twice returns ErrDuplicate.
	Insert(ctx context.Context, entry *ledger.Entry) error

	// CountByTaskType returns archived entry counts grouped by task type.
	CountByTaskType(ctx context.Context) (map[string]int64, error)

	// RecentEntries returns the most recently sequenced archived entries.
	RecentEntries(ctx context.Context, limit int) ([]Record, error)

	// Close releases the underlying database handle.
	Close() error
}

// Archiver copies ledger entries into a Repo behind a circuit breaker.
// When the archive store is down the breaker opens and mirror writes are
// dropped with a warning until the store recovers.
type Archiver struct {
	repo    Repo
	breaker *breakers.Breaker
	timeout time.Duration
}

// NewArchiver wires a breaker-guarded mirror around repo.
func NewArchiver(repo Repo) *Archiver {
	return &Archiver{
		repo:    repo,
		breaker: breakers.New("postgres-archive"),
		timeout: 10 * time.Second,
	}
}

// Mirror archives one ledger entry. It matches the ledger observer
// signature: errors are logged and swallowed so the append path is never
// coupled to archive availability. Duplicate inserts are treated as
// success, they only mean the entry was mirrored before.
func (a *Archiver) Mirror(entry *ledger.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	_, err := a.breaker.Execute(func() (any, error) {
		if err := a.repo.Insert(ctx, entry); err != nil {
			if errors.Is(err, ErrDuplicate) {
				log.Debug().
					Str("entry_id", entry.ID).
					Int64("sequence", entry.SequenceNumber).
					Msg("entry already archived")
				return nil, nil
			}
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("entry_id", entry.ID).
			Int64("sequence", entry.SequenceNumber).
			Msg("archive mirror failed")
		return
	}

	log.Debug().
		Str("entry_id", entry.ID).
		Int64("sequence", entry.SequenceNumber).
		Msg("ledger entry archived")
}

// State reports the breaker state for health endpoints.
func (a *Archiver) State() string {
	return a.breaker.State()
}
