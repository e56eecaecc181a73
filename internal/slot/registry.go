package slot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/innkeep/eagle-eye/internal/kv"
)

// ErrNotFound is returned when a requested slot does not exist.
var ErrNotFound = errors.New("slot: not found")

// DefaultKeyPrefix matches the ledger's namespace default.
const DefaultKeyPrefix = "eagleeye"

type keySet struct {
	prefix string
}

func (k keySet) slot(id string) string { return fmt.Sprintf("%s:slot:%s", k.prefix, id) }

func (k keySet) byDate(date string) string { return fmt.Sprintf("%s:slots:%s", k.prefix, date) }

// Registry persists slots and enforces their state machine. Updates
// are serialized by a mutex so read-modify-write cycles cannot
// interleave.
type Registry struct {
	kv     kv.Store
	keys   keySet
	onMove func(*Slot)
	mu     sync.Mutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithKeyPrefix overrides the default key namespace.
func WithKeyPrefix(prefix string) RegistryOption {
	return func(r *Registry) { r.keys = keySet{prefix: prefix} }
}

// WithTransitionHook installs a callback invoked with the persisted slot
// after every creation and status change. Hooks must not block.
func WithTransitionHook(fn func(*Slot)) RegistryOption {
	return func(r *Registry) { r.onMove = fn }
}

// NewRegistry builds a slot registry over the given key-value store.
func NewRegistry(store kv.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		kv:   store,
		keys: keySet{prefix: DefaultKeyPrefix},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the slot for (date, number), creating it in
// SCHEDULED if it does not exist yet. The second return is true when
// this call created the slot. Creation is idempotent: triggering the
// same window twice yields the same slot.
func (r *Registry) GetOrCreate(ctx context.Context, date string, number int, taskType string, scheduledAt time.Time, payload map[string]interface{}) (*Slot, bool, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, false, fmt.Errorf("invalid slot date %q", date)
	}
	if number < 1 {
		return nil, false, fmt.Errorf("invalid slot number %d", number)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := FormatID(date, number)
	existing, err := r.load(ctx, id)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	sl := &Slot{
		ID:          id,
		Number:      number,
		Date:        date,
		ScheduledAt: scheduledAt.UTC(),
		Status:      StatusScheduled,
		TaskType:    taskType,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	blob, err := json.Marshal(sl)
	if err != nil {
		return nil, false, fmt.Errorf("encode slot %s: %w", id, err)
	}
	ws := kv.WriteSet{
		Sets:    map[string]string{r.keys.slot(id): string(blob)},
		SetAdds: map[string][]string{r.keys.byDate(date): {id}},
	}
	if err := r.kv.Write(ctx, ws); err != nil {
		return nil, false, fmt.Errorf("persist slot %s: %w", id, err)
	}

	log.Info().
		Str("slot_id", id).
		Str("task_type", taskType).
		Time("scheduled_at", sl.ScheduledAt).
		Msg("slot scheduled")
	if r.onMove != nil {
		r.onMove(sl)
	}
	return sl, true, nil
}

// Get returns the slot with the given ID, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Slot, error) {
	return r.load(ctx, id)
}

// ByDate returns all slots for a date ordered by slot number.
func (r *Registry) ByDate(ctx context.Context, date string) ([]*Slot, error) {
	ids, err := r.kv.SetMembers(ctx, r.keys.byDate(date))
	if err != nil {
		return nil, fmt.Errorf("read slots for %s: %w", date, err)
	}
	slots := make([]*Slot, 0, len(ids))
	for _, id := range ids {
		sl, err := r.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		slots = append(slots, sl)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Number < slots[j].Number })
	return slots, nil
}

// Transition moves a slot to the given status, applying mutate to the
// loaded slot before persisting. Moving to the status the slot already
// holds is a no-op that skips mutate. Disallowed moves return a
// TransitionError and change nothing.
func (r *Registry) Transition(ctx context.Context, id string, to Status, mutate func(*Slot)) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sl, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if sl.Status == to {
		return sl, nil
	}
	if !sl.Status.CanTransitionTo(to) {
		return nil, &TransitionError{SlotID: id, From: sl.Status, To: to}
	}

	from := sl.Status
	if mutate != nil {
		mutate(sl)
	}
	sl.Status = to
	sl.UpdatedAt = time.Now().UTC()

	blob, err := json.Marshal(sl)
	if err != nil {
		return nil, fmt.Errorf("encode slot %s: %w", id, err)
	}
	if err := r.kv.Set(ctx, r.keys.slot(id), string(blob)); err != nil {
		return nil, fmt.Errorf("persist slot %s: %w", id, err)
	}

	log.Info().
		Str("slot_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("slot transition")
	if r.onMove != nil {
		r.onMove(sl)
	}
	return sl, nil
}

func (r *Registry) load(ctx context.Context, id string) (*Slot, error) {
	blob, ok, err := r.kv.Get(ctx, r.keys.slot(id))
	if err != nil {
		return nil, fmt.Errorf("read slot %s: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var sl Slot
	if err := json.Unmarshal([]byte(blob), &sl); err != nil {
		return nil, fmt.Errorf("decode slot %s: %w", id, err)
	}
	return &sl, nil
}
