package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innkeep/eagle-eye/internal/kv"
	"github.com/innkeep/eagle-eye/internal/slot"
	"github.com/innkeep/eagle-eye/internal/task"
)

func defaultPlans() []SlotPlan {
	return []SlotPlan{
		{Number: 1, At: "00:00", TaskType: "demand-analysis"},
		{Number: 2, At: "06:00", TaskType: "rate-sync", Params: map[string]string{"channel_set": "all"}},
		{Number: 3, At: "12:00", TaskType: "anomaly-scan"},
		{Number: 4, At: "18:00", TaskType: "ghost-booking-sweep"},
	}
}

func newScheduler(t *testing.T, queueCap int, opts ...SchedulerOption) (*Scheduler, *slot.Registry, *task.Queue) {
	t.Helper()
	registry := slot.NewRegistry(kv.NewMemory())
	queue := task.NewQueue(queueCap)
	s, err := New(Config{
		Timezone:    "UTC",
		Plans:       defaultPlans(),
		Timeout:     time.Minute,
		MaxAttempts: 3,
	}, registry, queue, opts...)
	require.NoError(t, err)
	return s, registry, queue
}

func TestNewValidation(t *testing.T) {
	registry := slot.NewRegistry(kv.NewMemory())
	queue := task.NewQueue(4)

	t.Run("rejects_empty_profile", func(t *testing.T) {
		_, err := New(Config{Timezone: "UTC"}, registry, queue)
		assert.Error(t, err)
	})

	t.Run("rejects_duplicate_slot_numbers", func(t *testing.T) {
		_, err := New(Config{Plans: []SlotPlan{
			{Number: 1, At: "00:00", TaskType: "a"},
			{Number: 1, At: "06:00", TaskType: "b"},
		}}, registry, queue)
		assert.Error(t, err)
	})

	t.Run("rejects_bad_times", func(t *testing.T) {
		for _, at := range []string{"", "25:00", "12:61", "noon", "12", "12:00:00"} {
			_, err := New(Config{Plans: []SlotPlan{{Number: 1, At: at, TaskType: "a"}}}, registry, queue)
			assert.Error(t, err, "time %q should be rejected", at)
		}
	})

	t.Run("rejects_unknown_timezone", func(t *testing.T) {
		_, err := New(Config{Timezone: "Mars/Olympus", Plans: defaultPlans()}, registry, queue)
		assert.Error(t, err)
	})
}

func TestTriggerSlot(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 8, 22, 6, 0, 0, 0, time.UTC)

	t.Run("creates_dispatches_and_marks_running", func(t *testing.T) {
		s, registry, queue := newScheduler(t, 4)

		sl, err := s.TriggerSlot(ctx, "2026-08-22", 2, at)
		require.NoError(t, err)
		assert.Equal(t, "2026-08-22-2", sl.ID)
		assert.Equal(t, slot.StatusRunning, sl.Status)

		d, err := queue.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, sl.ID, d.SlotID)
		assert.Equal(t, "rate-sync", d.TaskType)
		assert.Equal(t, time.Minute, d.Timeout)
		assert.Equal(t, 3, d.MaxAttempts)
		assert.Equal(t, "2026-08-22", d.Payload["date"])
		assert.Equal(t, 2, d.Payload["slot"])
		assert.Equal(t, "all", d.Payload["channel_set"])

		stored, err := registry.Get(ctx, sl.ID)
		require.NoError(t, err)
		assert.Equal(t, slot.StatusRunning, stored.Status)
	})

	t.Run("unknown_slot_number", func(t *testing.T) {
		s, _, _ := newScheduler(t, 4)
		_, err := s.TriggerSlot(ctx, "2026-08-22", 9, at)
		assert.ErrorIs(t, err, ErrUnknownSlot)
	})

	t.Run("re_trigger_of_dispatched_slot_is_refused", func(t *testing.T) {
		s, _, _ := newScheduler(t, 4)

		_, err := s.TriggerSlot(ctx, "2026-08-22", 1, at)
		require.NoError(t, err)

		_, err = s.TriggerSlot(ctx, "2026-08-22", 1, at)
		assert.ErrorIs(t, err, ErrSlotNotPending)
	})

	t.Run("full_queue_leaves_slot_scheduled_for_retry", func(t *testing.T) {
		s, registry, queue := newScheduler(t, 1)

		require.NoError(t, queue.Enqueue(task.Descriptor{SlotID: "filler"}))

		_, err := s.TriggerSlot(ctx, "2026-08-22", 1, at)
		require.ErrorIs(t, err, task.ErrQueueFull)

		stored, err := registry.Get(ctx, "2026-08-22-1")
		require.NoError(t, err)
		assert.Equal(t, slot.StatusScheduled, stored.Status)

		// Drain and re-trigger; the same slot dispatches this time.
		_, err = queue.Dequeue(ctx)
		require.NoError(t, err)
		sl, err := s.TriggerSlot(ctx, "2026-08-22", 1, at)
		require.NoError(t, err)
		assert.Equal(t, slot.StatusRunning, sl.Status)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)

	t.Run("scheduled_slot_cancels_directly", func(t *testing.T) {
		s, registry, _ := newScheduler(t, 4)

		sl, _, err := registry.GetOrCreate(ctx, "2026-08-22", 1, "demand-analysis", at, nil)
		require.NoError(t, err)

		cancelled, err := s.Cancel(ctx, sl.ID)
		require.NoError(t, err)
		assert.Equal(t, slot.StatusCancelled, cancelled.Status)
		assert.Empty(t, cancelled.LedgerEntryID)
	})

	t.Run("running_slot_goes_through_the_executor", func(t *testing.T) {
		fake := &fakeCanceller{}
		s, _, _ := newScheduler(t, 4, WithCanceller(fake))

		sl, err := s.TriggerSlot(ctx, "2026-08-22", 1, at)
		require.NoError(t, err)
		require.Equal(t, slot.StatusRunning, sl.Status)

		_, err = s.Cancel(ctx, sl.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{sl.ID}, fake.cancelled)
	})

	t.Run("running_slot_without_active_task_is_an_error", func(t *testing.T) {
		fake := &fakeCanceller{missing: true}
		s, _, _ := newScheduler(t, 4, WithCanceller(fake))

		sl, err := s.TriggerSlot(ctx, "2026-08-22", 1, at)
		require.NoError(t, err)

		_, err = s.Cancel(ctx, sl.ID)
		var terr *slot.TransitionError
		assert.ErrorAs(t, err, &terr)
	})

	t.Run("terminal_slot_cannot_cancel", func(t *testing.T) {
		s, registry, _ := newScheduler(t, 4)

		sl, _, err := registry.GetOrCreate(ctx, "2026-08-22", 1, "demand-analysis", at, nil)
		require.NoError(t, err)
		_, err = registry.Transition(ctx, sl.ID, slot.StatusRunning, nil)
		require.NoError(t, err)
		_, err = registry.Transition(ctx, sl.ID, slot.StatusCompleted, nil)
		require.NoError(t, err)

		_, err = s.Cancel(ctx, sl.ID)
		var terr *slot.TransitionError
		assert.ErrorAs(t, err, &terr)
	})

	t.Run("unknown_slot", func(t *testing.T) {
		s, _, _ := newScheduler(t, 4)
		_, err := s.Cancel(ctx, "2026-08-22-7")
		assert.ErrorIs(t, err, slot.ErrNotFound)
	})
}

type fakeCanceller struct {
	cancelled []string
	missing   bool
}

func (f *fakeCanceller) Cancel(slotID string) bool {
	if f.missing {
		return false
	}
	f.cancelled = append(f.cancelled, slotID)
	return true
}

func TestPlans(t *testing.T) {
	s, _, _ := newScheduler(t, 4)
	plans := s.Plans()
	require.Len(t, plans, 4)
	for i, plan := range plans {
		assert.Equal(t, i+1, plan.Number)
	}
}
