package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(10)

	for _, slotID := range []string{"2026-08-22-1", "2026-08-22-2", "2026-08-22-3"} {
		require.NoError(t, q.Enqueue(Descriptor{SlotID: slotID, TaskType: "rate-sync"}))
	}
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []string{"2026-08-22-1", "2026-08-22-2", "2026-08-22-3"} {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, d.SlotID)
		assert.False(t, d.EnqueuedAt.IsZero())
	}
	assert.Zero(t, q.Len())
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(2)

	require.NoError(t, q.Enqueue(Descriptor{SlotID: "2026-08-22-1"}))
	require.NoError(t, q.Enqueue(Descriptor{SlotID: "2026-08-22-2"}))

	err := q.Enqueue(Descriptor{SlotID: "2026-08-22-3"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestQueueBlockingDequeue(t *testing.T) {
	q := NewQueue(10)

	got := make(chan Descriptor, 1)
	go func() {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			t.Errorf("Dequeue failed: %v", err)
			return
		}
		got <- d
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(Descriptor{SlotID: "2026-08-22-1"}))

	select {
	case d := <-got:
		assert.Equal(t, "2026-08-22-1", d.SlotID)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked dequeue never woke up")
	}
}

func TestQueueDequeueContextCancel(t *testing.T) {
	q := NewQueue(10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueClose(t *testing.T) {
	t.Run("drains_before_reporting_closed", func(t *testing.T) {
		q := NewQueue(10)
		require.NoError(t, q.Enqueue(Descriptor{SlotID: "2026-08-22-1"}))
		q.Close()

		d, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "2026-08-22-1", d.SlotID)

		_, err = q.Dequeue(context.Background())
		assert.ErrorIs(t, err, ErrQueueClosed)
	})

	t.Run("rejects_new_work", func(t *testing.T) {
		q := NewQueue(10)
		q.Close()
		assert.ErrorIs(t, q.Enqueue(Descriptor{SlotID: "2026-08-22-1"}), ErrQueueClosed)
	})

	t.Run("close_is_idempotent", func(t *testing.T) {
		q := NewQueue(10)
		q.Close()
		q.Close()
	})

	t.Run("wakes_blocked_dequeuers", func(t *testing.T) {
		q := NewQueue(10)

		errCh := make(chan error, 1)
		go func() {
			_, err := q.Dequeue(context.Background())
			errCh <- err
		}()

		time.Sleep(20 * time.Millisecond)
		q.Close()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrQueueClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("blocked dequeue did not observe close")
		}
	})
}
