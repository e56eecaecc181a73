package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/innkeep/eagle-eye/internal/slot"
	"github.com/innkeep/eagle-eye/internal/task"
)

// ErrSlotNotPending is returned when a trigger lands on a slot that
// already ran, is running, or was cancelled.
var ErrSlotNotPending = errors.New("scheduler: slot is not in a triggerable state")

// ErrUnknownSlot is returned for slot numbers the active profile does
// not define.
var ErrUnknownSlot = errors.New("scheduler: slot number not in active profile")

// SlotPlan is one slot's definition from the active profile.
type SlotPlan struct {
	Number   int
	At       string // HH:MM local time
	TaskType string
	Params   map[string]string
}

// Config carries the scheduler's resolved profile settings.
type Config struct {
	Timezone    string
	Plans       []SlotPlan
	Timeout     time.Duration
	MaxAttempts int
}

// Canceller cancels a task executing for a slot. Satisfied by the
// executor.
type Canceller interface {
	Cancel(slotID string) bool
}

// Scheduler owns the daily cadence. It creates slots when their time
// arrives, dispatches descriptors to the queue, and handles manual
// triggers and cancellations.
type Scheduler struct {
	plans     map[int]SlotPlan
	tz        *time.Location
	registry  *slot.Registry
	queue     *task.Queue
	trigger   *CronTrigger
	canceller Canceller

	timeout     time.Duration
	maxAttempts int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithCanceller wires the executor so RUNNING slots can be cancelled
// cooperatively.
func WithCanceller(c Canceller) SchedulerOption {
	return func(s *Scheduler) { s.canceller = c }
}

// New validates the profile and builds a scheduler.
func New(cfg Config, registry *slot.Registry, queue *task.Queue, opts ...SchedulerOption) (*Scheduler, error) {
	if len(cfg.Plans) == 0 {
		return nil, errors.New("scheduler: profile defines no slots")
	}

	tz := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler: load timezone %q: %w", cfg.Timezone, err)
		}
		tz = loc
	}

	plans := make(map[int]SlotPlan, len(cfg.Plans))
	for _, plan := range cfg.Plans {
		if _, dup := plans[plan.Number]; dup {
			return nil, fmt.Errorf("scheduler: slot %d defined twice", plan.Number)
		}
		if plan.TaskType == "" {
			return nil, fmt.Errorf("scheduler: slot %d has no task type", plan.Number)
		}
		if _, err := parseClock(plan.At); err != nil {
			return nil, err
		}
		plans[plan.Number] = plan
	}

	s := &Scheduler{
		plans:       plans,
		tz:          tz,
		registry:    registry,
		queue:       queue,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}

	slotTimes := make(map[int]string, len(plans))
	for number, plan := range plans {
		slotTimes[number] = plan.At
	}
	trigger, err := NewCronTrigger(slotTimes, tz, s.onFire)
	if err != nil {
		return nil, err
	}
	s.trigger = trigger
	return s, nil
}

// Start begins firing slots on their daily schedule.
func (s *Scheduler) Start() error {
	return s.trigger.Start()
}

// Stop halts the schedule. Queued and running work is unaffected.
func (s *Scheduler) Stop() {
	s.trigger.Stop()
}

// NextRuns exposes the trigger's upcoming fire time per slot number.
func (s *Scheduler) NextRuns() map[int]time.Time {
	return s.trigger.NextRuns()
}

// Plans returns the profile's slot plans ordered by slot number.
func (s *Scheduler) Plans() []SlotPlan {
	out := make([]SlotPlan, 0, len(s.plans))
	for _, plan := range s.plans {
		out = append(out, plan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (s *Scheduler) onFire(at time.Time, number int) {
	date := at.In(s.tz).Format("2006-01-02")
	if _, err := s.TriggerSlot(context.Background(), date, number, at); err != nil {
		if errors.Is(err, ErrSlotNotPending) {
			log.Info().Str("date", date).Int("slot", number).Msg("slot already handled, skipping fire")
			return
		}
		log.Error().Err(err).Str("date", date).Int("slot", number).Msg("slot fire failed")
	}
}

// TriggerSlot creates (or finds) the slot for (date, number) and
// dispatches it. An empty date resolves to the current date in the
// configured timezone. Re-triggering a slot that already left SCHEDULED
// returns ErrSlotNotPending; a full queue leaves the slot SCHEDULED
// so a later trigger can pick it up.
func (s *Scheduler) TriggerSlot(ctx context.Context, date string, number int, at time.Time) (*slot.Slot, error) {
	plan, ok := s.plans[number]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSlot, number)
	}
	if date == "" {
		date = at.In(s.tz).Format("2006-01-02")
	}

	payload := s.buildPayload(plan, date, at)
	sl, created, err := s.registry.GetOrCreate(ctx, date, number, plan.TaskType, at, payload)
	if err != nil {
		return nil, err
	}
	if !created && sl.Status != slot.StatusScheduled {
		return sl, fmt.Errorf("%w: %s is %s", ErrSlotNotPending, sl.ID, sl.Status)
	}

	d := task.Descriptor{
		SlotID:      sl.ID,
		TaskType:    plan.TaskType,
		Payload:     sl.Payload,
		Timeout:     s.timeout,
		MaxAttempts: s.maxAttempts,
	}
	if err := s.queue.Enqueue(d); err != nil {
		return sl, fmt.Errorf("dispatch slot %s: %w", sl.ID, err)
	}

	if _, err := s.registry.Transition(ctx, sl.ID, slot.StatusRunning, nil); err != nil {
		// The executor may already have raced the slot to a terminal
		// state; that is its outcome to report, not an error here.
		var terr *slot.TransitionError
		if errors.As(err, &terr) {
			log.Debug().Str("slot_id", sl.ID).Str("status", string(terr.From)).Msg("slot advanced before dispatch transition")
		} else {
			log.Error().Err(err).Str("slot_id", sl.ID).Msg("dispatch transition failed")
		}
	}

	log.Info().
		Str("slot_id", sl.ID).
		Str("task_type", plan.TaskType).
		Int("queue_depth", s.queue.Len()).
		Msg("slot dispatched")

	current, err := s.registry.Get(ctx, sl.ID)
	if err != nil {
		return sl, nil
	}
	return current, nil
}

// Cancel stops a slot before or during execution. SCHEDULED slots move
// straight to CANCELLED. RUNNING slots get a cooperative cancellation
// and end as FAILED once the executor records the aborted run.
func (s *Scheduler) Cancel(ctx context.Context, slotID string) (*slot.Slot, error) {
	sl, err := s.registry.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}

	switch sl.Status {
	case slot.StatusScheduled:
		return s.registry.Transition(ctx, slotID, slot.StatusCancelled, nil)
	case slot.StatusRunning:
		if s.canceller != nil && s.canceller.Cancel(slotID) {
			log.Info().Str("slot_id", slotID).Msg("cancellation requested for running slot")
			return sl, nil
		}
		return nil, &slot.TransitionError{SlotID: slotID, From: sl.Status, To: slot.StatusCancelled}
	default:
		return nil, &slot.TransitionError{SlotID: slotID, From: sl.Status, To: slot.StatusCancelled}
	}
}

// buildPayload assembles the task input recorded in the ledger. Profile
// params come first so the slot's own identity fields always win.
func (s *Scheduler) buildPayload(plan SlotPlan, date string, at time.Time) map[string]interface{} {
	payload := make(map[string]interface{}, len(plan.Params)+4)
	for k, v := range plan.Params {
		payload[k] = v
	}
	payload["date"] = date
	payload["slot"] = plan.Number
	payload["task_type"] = plan.TaskType
	payload["scheduled_at"] = at.UTC().Format(time.RFC3339)
	return payload
}
