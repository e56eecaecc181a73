package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Report is the outcome of one integrity verification pass.
type Report struct {
	IsValid          bool                 `json:"is_valid"`
	EntriesVerified  int                  `json:"entries_verified"`
	DigestChainValid bool                 `json:"digest_chain_valid"`
	Errors           []IntegrityViolation `json:"errors,omitempty"`
	StartedAt        time.Time            `json:"started_at"`
	DurationMS       int64                `json:"duration_ms"`
}

// VerifyIntegrity re-derives every digest, signature, and chain link
// in the ledger and compares them against what is stored. All defects
// are collected and reported together; nothing is ever repaired.
//
// Sequence gaps are not defects. A number reserved by a failed append
// is simply absent, so each entry is checked against the previous one
// that actually exists.
func (s *Store) VerifyIntegrity(ctx context.Context) (*Report, error) {
	started := time.Now().UTC()
	report := &Report{
		DigestChainValid: true,
		StartedAt:        started,
	}

	entries, err := s.AllEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	var prev *Entry
	var prevHash string
	for _, entry := range entries {
		digest, err := entry.ComputeDigest()
		if err != nil {
			return nil, fmt.Errorf("recompute digest for %s: %w", entry.ID, err)
		}
		if digest != entry.IntegrityDigest {
			report.Errors = append(report.Errors, IntegrityViolation{
				EntryID:  entry.ID,
				Sequence: entry.SequenceNumber,
				Check:    CheckDigest,
				Detail:   "stored digest does not match recomputed digest",
			})
		}

		sigOK, err := entry.VerifySignature(s.secret)
		if err != nil {
			return nil, fmt.Errorf("recompute signature for %s: %w", entry.ID, err)
		}
		if !sigOK {
			report.Errors = append(report.Errors, IntegrityViolation{
				EntryID:  entry.ID,
				Sequence: entry.SequenceNumber,
				Check:    CheckSignature,
				Detail:   "signature does not verify with current key",
			})
		}

		if prev != nil && entry.SequenceNumber == prev.SequenceNumber {
			report.Errors = append(report.Errors, IntegrityViolation{
				EntryID:  entry.ID,
				Sequence: entry.SequenceNumber,
				Check:    CheckSequence,
				Detail:   fmt.Sprintf("sequence %d held by more than one entry", entry.SequenceNumber),
			})
		}

		if entry.PreviousHash != prevHash {
			report.DigestChainValid = false
			detail := "previous_hash does not match hash of preceding entry"
			if prev == nil {
				detail = "first entry must not reference a predecessor"
			}
			report.Errors = append(report.Errors, IntegrityViolation{
				EntryID:  entry.ID,
				Sequence: entry.SequenceNumber,
				Check:    CheckChain,
				Detail:   detail,
			})
		}

		hash, err := entry.Hash()
		if err != nil {
			return nil, fmt.Errorf("recompute chain hash for %s: %w", entry.ID, err)
		}
		prev = entry
		prevHash = hash
	}

	tip, err := s.ChainTip(ctx)
	if err != nil {
		return nil, err
	}
	if tip != prevHash {
		report.DigestChainValid = false
		report.Errors = append(report.Errors, IntegrityViolation{
			Check:  CheckTip,
			Detail: fmt.Sprintf("stored tip %.12s does not match hash of final entry %.12s", tip, prevHash),
		})
	}

	report.EntriesVerified = len(entries)
	report.IsValid = len(report.Errors) == 0
	report.DurationMS = time.Since(started).Milliseconds()

	if report.IsValid {
		log.Info().
			Int("entries", report.EntriesVerified).
			Int64("duration_ms", report.DurationMS).
			Msg("ledger verification passed")
	} else {
		log.Error().
			Int("entries", report.EntriesVerified).
			Int("violations", len(report.Errors)).
			Msg("ledger verification FAILED")
	}

	s.storeReport(ctx, report)
	return report, nil
}

// storeReport persists the report for LatestReport. Best effort: a
// report that cannot be stored is still returned to the caller.
func (s *Store) storeReport(ctx context.Context, report *Report) {
	blob, err := json.Marshal(report)
	if err != nil {
		log.Warn().Err(err).Msg("encode verification report")
		return
	}
	if err := s.kv.Set(ctx, s.keys.verifyLatest(), string(blob)); err != nil {
		log.Warn().Err(err).Msg("store verification report")
	}
}

// LatestReport returns the most recently stored verification report,
// or ErrNotFound when no verification has run yet.
func (s *Store) LatestReport(ctx context.Context) (*Report, error) {
	blob, ok, err := s.kv.Get(ctx, s.keys.verifyLatest())
	if err != nil {
		return nil, fmt.Errorf("read verification report: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var report Report
	if err := json.Unmarshal([]byte(blob), &report); err != nil {
		return nil, fmt.Errorf("decode verification report: %w", err)
	}
	return &report, nil
}
