package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innkeep/eagle-eye/internal/backoff"
	"github.com/innkeep/eagle-eye/internal/kv"
)

// flakyStore injects write failures in front of a real kv.Store.
type flakyStore struct {
	kv.Store
	mu         sync.Mutex
	failWrites int
}

func (f *flakyStore) Write(ctx context.Context, ws kv.WriteSet) error {
	f.mu.Lock()
	fail := f.failWrites > 0
	if fail {
		f.failWrites--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("injected write failure")
	}
	return f.Store.Write(ctx, ws)
}

func newTestStore(backing kv.Store) *Store {
	return NewStore(backing, []byte("test-signing-key"),
		WithRetryDelay(backoff.Constant{Interval: time.Millisecond}),
		WithRecordedBy("test"),
	)
}

func mustCreate(t *testing.T, s *Store, slotID, taskType string, input, output interface{}) *Entry {
	t.Helper()
	entry, err := s.CreateEntry(context.Background(), CreateRequest{
		SlotID:   slotID,
		TaskType: taskType,
		Input:    input,
		Output:   output,
	})
	require.NoError(t, err)
	return entry
}

func TestCreateEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("links_entries_into_a_chain", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())

		e1 := mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"date": "2026-08-22"}, map[string]interface{}{"score": 0.8})
		e2 := mustCreate(t, s, "2026-08-22-2", "rate-sync", map[string]interface{}{"date": "2026-08-22"}, nil)
		e3 := mustCreate(t, s, "2026-08-22-3", "anomaly-scan", map[string]interface{}{"date": "2026-08-22"}, map[string]interface{}{"anomalies": 0})

		assert.Equal(t, int64(1), e1.SequenceNumber)
		assert.Equal(t, int64(2), e2.SequenceNumber)
		assert.Equal(t, int64(3), e3.SequenceNumber)

		assert.Empty(t, e1.PreviousHash)

		h1, err := e1.Hash()
		require.NoError(t, err)
		assert.Equal(t, h1, e2.PreviousHash)

		h2, err := e2.Hash()
		require.NoError(t, err)
		assert.Equal(t, h2, e3.PreviousHash)

		h3, err := e3.Hash()
		require.NoError(t, err)
		tip, err := s.ChainTip(ctx)
		require.NoError(t, err)
		assert.Equal(t, h3, tip)
	})

	t.Run("populates_integrity_fields", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())

		input := map[string]interface{}{"rooms": 120, "hotel": "harbor-view"}
		e := mustCreate(t, s, "2026-08-22-1", "demand-analysis", input, map[string]interface{}{"ok": true})

		wantInput, err := HashPayload(input)
		require.NoError(t, err)
		assert.Equal(t, wantInput, e.InputHash)
		assert.NotEmpty(t, e.OutputHash)

		digest, err := e.ComputeDigest()
		require.NoError(t, err)
		assert.Equal(t, digest, e.IntegrityDigest)

		ok, err := e.VerifySignature([]byte("test-signing-key"))
		require.NoError(t, err)
		assert.True(t, ok)

		assert.True(t, e.IsValid)
		assert.Equal(t, "test", e.Metadata.RecordedBy)
		assert.Equal(t, SchemaVersion, e.Metadata.SchemaVersion)
		assert.Positive(t, e.Metadata.InputBytes)
	})

	t.Run("nil_output_leaves_output_hash_empty", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())

		e := mustCreate(t, s, "2026-08-22-4", "ghost-booking-sweep", map[string]interface{}{"date": "2026-08-22"}, nil)
		assert.Empty(t, e.OutputHash)
		assert.Zero(t, e.Metadata.OutputBytes)
	})

	t.Run("rejects_malformed_slot_id", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())

		for _, slotID := range []string{"", "not-a-slot", "2026-08-22", "2026-08-22-", "2026-13-99-1", "2026-08-22-0"} {
			_, err := s.CreateEntry(ctx, CreateRequest{SlotID: slotID, TaskType: "rate-sync"})
			var verr *ValidationError
			require.ErrorAs(t, err, &verr, "slot id %q should be rejected", slotID)
		}

		// Nothing was sequenced by the rejected requests.
		seq, err := s.CurrentSequence(ctx)
		require.NoError(t, err)
		assert.Zero(t, seq)
	})

	t.Run("rejects_empty_task_type", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())

		_, err := s.CreateEntry(ctx, CreateRequest{SlotID: "2026-08-22-1", TaskType: "  "})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "task_type", verr.Field)
	})

	t.Run("retries_keep_the_reserved_sequence", func(t *testing.T) {
		flaky := &flakyStore{Store: kv.NewMemory(), failWrites: 1}
		s := newTestStore(flaky)

		e := mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)
		assert.Equal(t, int64(1), e.SequenceNumber)

		seq, err := s.CurrentSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), seq)
	})

	t.Run("exhausted_retries_abandon_the_sequence", func(t *testing.T) {
		flaky := &flakyStore{Store: kv.NewMemory(), failWrites: 3}
		s := newTestStore(flaky)

		_, err := s.CreateEntry(ctx, CreateRequest{
			SlotID:   "2026-08-22-1",
			TaskType: "demand-analysis",
			Input:    map[string]interface{}{"d": 1},
		})
		var perr *PersistenceError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, int64(1), perr.Sequence)
		assert.Equal(t, 3, perr.Attempts)

		// The abandoned number is gone for good; the next append takes
		// a fresh one and the chain stays intact.
		e := mustCreate(t, s, "2026-08-22-2", "rate-sync", map[string]interface{}{"d": 2}, nil)
		assert.Equal(t, int64(2), e.SequenceNumber)
		assert.Empty(t, e.PreviousHash)

		_, err = s.GetBySequence(ctx, 1)
		assert.ErrorIs(t, err, ErrNotFound)

		report, err := s.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsValid)
	})

	t.Run("notifies_subscribers", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())

		got := make(chan *Entry, 1)
		s.Subscribe(func(e *Entry) { got <- e })

		created := mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)

		select {
		case e := <-got:
			assert.Equal(t, created.ID, e.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber was not notified")
		}
	})

	t.Run("concurrent_appends_stay_ordered", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CreateEntry(ctx, CreateRequest{
					SlotID:   "2026-08-22-1",
					TaskType: "demand-analysis",
					Input:    map[string]interface{}{"d": 1},
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		report, err := s.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsValid)
		assert.Equal(t, 20, report.EntriesVerified)
	})
}

func TestStoreReads(t *testing.T) {
	ctx := context.Background()

	t.Run("get_entry_round_trips", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())
		created := mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)

		got, err := s.GetEntry(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.SequenceNumber, got.SequenceNumber)
		assert.Equal(t, created.IntegrityDigest, got.IntegrityDigest)
		assert.Equal(t, created.Signature, got.Signature)
		assert.True(t, created.Timestamp.Equal(got.Timestamp))
	})

	t.Run("get_entry_not_found", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())
		_, err := s.GetEntry(ctx, "no-such-id")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("get_by_sequence", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())
		mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)
		e2 := mustCreate(t, s, "2026-08-22-2", "rate-sync", map[string]interface{}{"d": 2}, nil)

		got, err := s.GetBySequence(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, e2.ID, got.ID)

		_, err = s.GetBySequence(ctx, 99)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("entries_by_slot_and_date", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())
		mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)
		mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 2}, nil)
		mustCreate(t, s, "2026-08-23-1", "demand-analysis", map[string]interface{}{"d": 3}, nil)

		bySlot, err := s.EntriesBySlot(ctx, "2026-08-22-1")
		require.NoError(t, err)
		assert.Len(t, bySlot, 2)
		assert.Less(t, bySlot[0].SequenceNumber, bySlot[1].SequenceNumber)

		byDate, err := s.EntriesByDate(ctx, "2026-08-23")
		require.NoError(t, err)
		assert.Len(t, byDate, 1)

		empty, err := s.EntriesByDate(ctx, "2001-01-01")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("statistics_aggregate", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())
		mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)
		mustCreate(t, s, "2026-08-22-2", "rate-sync", map[string]interface{}{"d": 2}, nil)
		mustCreate(t, s, "2026-08-23-2", "rate-sync", map[string]interface{}{"d": 3}, nil)

		stats, err := s.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.TotalEntries)
		assert.Equal(t, int64(3), stats.CurrentSequence)
		assert.Equal(t, 2, stats.ByTaskType["rate-sync"])
		assert.Equal(t, 2, stats.ByDate["2026-08-22"])
		require.NotNil(t, stats.Latest)
		assert.Equal(t, int64(3), stats.Latest.SequenceNumber)
	})
}
