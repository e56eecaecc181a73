package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/innkeep/eagle-eye/internal/backoff"
	"github.com/innkeep/eagle-eye/internal/kv"
)

// Store is the append-only execution ledger. Appends are serialized by
// an internal mutex so sequence allocation, tip read, and persistence
// happen as one ordered step; reads take no lock.
type Store struct {
	kv     kv.Store
	keys   keySet
	secret []byte

	recordedBy      string
	persistAttempts int
	retryDelay      backoff.Strategy
	onRetry         func(attempt int)

	appendMu sync.Mutex

	obsMu     sync.RWMutex
	observers []func(*Entry)
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides the default key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keys = newKeySet(prefix) }
}

// WithPersistAttempts sets how many times a reserved sequence number
// is retried against the backing store before being abandoned.
func WithPersistAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.persistAttempts = n
		}
	}
}

// WithRetryDelay sets the delay strategy between persistence retries.
func WithRetryDelay(strategy backoff.Strategy) Option {
	return func(s *Store) { s.retryDelay = strategy }
}

// WithRecordedBy stamps entries with the name of the writing process.
func WithRecordedBy(name string) Option {
	return func(s *Store) { s.recordedBy = name }
}

// WithRetryHook installs a callback invoked on each persistence retry.
func WithRetryHook(fn func(attempt int)) Option {
	return func(s *Store) { s.onRetry = fn }
}

// NewStore builds a ledger over the given key-value store. The secret
// keys entry signatures; verification only passes with the same secret.
func NewStore(store kv.Store, secret []byte, opts ...Option) *Store {
	s := &Store{
		kv:              store,
		keys:            newKeySet(DefaultKeyPrefix),
		secret:          secret,
		recordedBy:      "eagle-eye",
		persistAttempts: 3,
		retryDelay:      backoff.Exponential{Initial: 200 * time.Millisecond, Max: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest describes one execution to record.
type CreateRequest struct {
	SlotID   string
	TaskType string

	// Input is the task's input payload. It is hashed, never stored.
	Input interface{}

	// Output is the task's result payload, nil when the execution
	// produced none. A nil output leaves OutputHash empty.
	Output interface{}

	// Attempts and Duration describe the execution for metadata.
	Attempts int
	Duration time.Duration
}

// CreateEntry validates, sequences, links, signs, and persists one
// ledger entry. Validation failures consume nothing. Once a sequence
// number is allocated it is never reissued: if persistence fails after
// all retries the number is abandoned and the chain simply skips it.
func (s *Store) CreateEntry(ctx context.Context, req CreateRequest) (*Entry, error) {
	date, err := slotDate(req.SlotID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.TaskType) == "" {
		return nil, &ValidationError{Field: "task_type", Reason: "must not be empty"}
	}

	inputCanon, err := canonicalJSON(req.Input)
	if err != nil {
		return nil, &ValidationError{Field: "input", Reason: err.Error()}
	}
	inputHash, err := HashPayload(req.Input)
	if err != nil {
		return nil, &ValidationError{Field: "input", Reason: err.Error()}
	}

	var outputHash string
	var outputBytes int
	if req.Output != nil {
		outputCanon, err := canonicalJSON(req.Output)
		if err != nil {
			return nil, &ValidationError{Field: "output", Reason: err.Error()}
		}
		outputHash, err = HashPayload(req.Output)
		if err != nil {
			return nil, &ValidationError{Field: "output", Reason: err.Error()}
		}
		outputBytes = len(outputCanon)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	seq, err := s.kv.Incr(ctx, s.keys.seq())
	if err != nil {
		return nil, &SequencingError{Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= s.persistAttempts; attempt++ {
		if attempt > 1 {
			if s.onRetry != nil {
				s.onRetry(attempt)
			}
			log.Warn().
				Int64("sequence", seq).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("ledger persist retry")
			select {
			case <-time.After(s.retryDelay.Delay(attempt - 1)):
			case <-ctx.Done():
				return nil, &PersistenceError{Sequence: seq, Attempts: attempt - 1, Err: ctx.Err()}
			}
		}

		entry, err := s.persistOnce(ctx, seq, date, req, inputHash, len(inputCanon), outputHash, outputBytes)
		if err != nil {
			lastErr = err
			continue
		}

		log.Info().
			Str("entry_id", entry.ID).
			Int64("sequence", entry.SequenceNumber).
			Str("slot_id", entry.SlotID).
			Str("task_type", entry.TaskType).
			Msg("ledger entry appended")

		go s.notify(entry)
		return entry, nil
	}

	log.Error().
		Int64("sequence", seq).
		Int("attempts", s.persistAttempts).
		Err(lastErr).
		Msg("ledger persist exhausted, sequence abandoned")
	return nil, &PersistenceError{Sequence: seq, Attempts: s.persistAttempts, Err: lastErr}
}

// persistOnce assembles the entry against the current chain tip and
// writes it with its indexes in one atomic batch. The append mutex is
// held by the caller, so the tip cannot move underneath us.
func (s *Store) persistOnce(ctx context.Context, seq int64, date string, req CreateRequest, inputHash string, inputBytes int, outputHash string, outputBytes int) (*Entry, error) {
	tip, _, err := s.kv.Get(ctx, s.keys.tip())
	if err != nil {
		return nil, fmt.Errorf("read chain tip: %w", err)
	}

	entry := &Entry{
		ID:             uuid.New().String(),
		SequenceNumber: seq,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		SlotID:         req.SlotID,
		TaskType:       req.TaskType,
		InputHash:      inputHash,
		OutputHash:     outputHash,
		PreviousHash:   tip,
		IsValid:        true,
		Metadata: Metadata{
			InputBytes:    inputBytes,
			OutputBytes:   outputBytes,
			Attempts:      req.Attempts,
			DurationMS:    req.Duration.Milliseconds(),
			RecordedBy:    s.recordedBy,
			SchemaVersion: SchemaVersion,
		},
	}

	digest, err := entry.ComputeDigest()
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}
	entry.IntegrityDigest = digest

	sig, err := entry.ComputeSignature(s.secret)
	if err != nil {
		return nil, fmt.Errorf("compute signature: %w", err)
	}
	entry.Signature = sig

	hash, err := entry.Hash()
	if err != nil {
		return nil, fmt.Errorf("compute chain hash: %w", err)
	}

	blob, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	ws := kv.WriteSet{
		Sets: map[string]string{
			s.keys.entry(entry.ID): string(blob),
			s.keys.seqIndex(seq):   entry.ID,
			s.keys.tip():           hash,
		},
		SetAdds: map[string][]string{
			s.keys.ids():                 {entry.ID},
			s.keys.slotIndex(req.SlotID): {entry.ID},
			s.keys.dateIndex(date):       {entry.ID},
		},
	}
	if err := s.kv.Write(ctx, ws); err != nil {
		return nil, err
	}
	return entry, nil
}

// Subscribe registers fn to receive every entry this process appends.
// Callbacks run on a background goroutine, after the append returns.
func (s *Store) Subscribe(fn func(*Entry)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) notify(entry *Entry) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, fn := range s.observers {
		fn(entry)
	}
}

// GetEntry returns the entry with the given ID, or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, id string) (*Entry, error) {
	blob, ok, err := s.kv.Get(ctx, s.keys.entry(id))
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var entry Entry
	if err := json.Unmarshal([]byte(blob), &entry); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return &entry, nil
}

// GetBySequence returns the entry holding the given sequence number.
// Abandoned sequence numbers return ErrNotFound.
func (s *Store) GetBySequence(ctx context.Context, seq int64) (*Entry, error) {
	id, ok, err := s.kv.Get(ctx, s.keys.seqIndex(seq))
	if err != nil {
		return nil, fmt.Errorf("read sequence index %d: %w", seq, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetEntry(ctx, id)
}

// EntriesBySlot returns all entries recorded for a slot, in sequence
// order.
func (s *Store) EntriesBySlot(ctx context.Context, slotID string) ([]*Entry, error) {
	return s.fetchByIndex(ctx, s.keys.slotIndex(slotID))
}

// EntriesByDate returns all entries recorded for a calendar date
// (YYYY-MM-DD), in sequence order.
func (s *Store) EntriesByDate(ctx context.Context, date string) ([]*Entry, error) {
	return s.fetchByIndex(ctx, s.keys.dateIndex(date))
}

// AllEntries returns the whole ledger in sequence order.
func (s *Store) AllEntries(ctx context.Context) ([]*Entry, error) {
	return s.fetchByIndex(ctx, s.keys.ids())
}

// CurrentSequence returns the highest sequence number allocated so
// far, zero for an empty ledger. Allocated includes abandoned numbers.
func (s *Store) CurrentSequence(ctx context.Context) (int64, error) {
	val, ok, err := s.kv.Get(ctx, s.keys.seq())
	if err != nil {
		return 0, fmt.Errorf("read sequence counter: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence counter %q: %w", val, err)
	}
	return n, nil
}

// ChainTip returns the hash of the most recently persisted entry, the
// empty string for an empty ledger.
func (s *Store) ChainTip(ctx context.Context) (string, error) {
	tip, _, err := s.kv.Get(ctx, s.keys.tip())
	if err != nil {
		return "", fmt.Errorf("read chain tip: %w", err)
	}
	return tip, nil
}

func (s *Store) fetchByIndex(ctx context.Context, indexKey string) ([]*Entry, error) {
	ids, err := s.kv.SetMembers(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", indexKey, err)
	}
	if len(ids) == 0 {
		return []*Entry{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.entry(id)
	}
	blobs, err := s.kv.GetMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}

	entries := make([]*Entry, 0, len(blobs))
	for _, key := range keys {
		blob, ok := blobs[key]
		if !ok {
			// Indexed but missing entries surface during verification,
			// not on ordinary reads.
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(blob), &entry); err != nil {
			return nil, fmt.Errorf("decode entry at %s: %w", key, err)
		}
		entries = append(entries, &entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SequenceNumber < entries[j].SequenceNumber
	})
	return entries, nil
}

// slotDate extracts the calendar date from a slot ID of the form
// YYYY-MM-DD-N, rejecting anything else.
func slotDate(slotID string) (string, error) {
	idx := strings.LastIndex(slotID, "-")
	if idx <= 0 || idx == len(slotID)-1 {
		return "", &ValidationError{Field: "slot_id", Reason: "expected YYYY-MM-DD-N"}
	}
	date, numPart := slotID[:idx], slotID[idx+1:]
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return "", &ValidationError{Field: "slot_id", Reason: "expected YYYY-MM-DD-N"}
	}
	n, err := strconv.Atoi(numPart)
	if err != nil || n < 1 {
		return "", &ValidationError{Field: "slot_id", Reason: "slot number must be a positive integer"}
	}
	return date, nil
}
