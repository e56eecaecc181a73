package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innkeep/eagle-eye/internal/kv"
)

// maskingStore hides chosen keys to simulate records that vanished
// from the backing store.
type maskingStore struct {
	kv.Store
	mu     sync.Mutex
	masked map[string]bool
}

func newMaskingStore() *maskingStore {
	return &maskingStore{Store: kv.NewMemory(), masked: make(map[string]bool)}
}

func (m *maskingStore) mask(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.masked[key] = true
}

func (m *maskingStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	hidden := m.masked[key]
	m.mu.Unlock()
	if hidden {
		return "", false, nil
	}
	return m.Store.Get(ctx, key)
}

func (m *maskingStore) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	out, err := m.Store.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.masked {
		delete(out, key)
	}
	return out, nil
}

func tamperEntry(t *testing.T, s *Store, id string, mutate func(*Entry)) {
	t.Helper()
	ctx := context.Background()
	blob, ok, err := s.kv.Get(ctx, s.keys.entry(id))
	require.NoError(t, err)
	require.True(t, ok)

	var e Entry
	require.NoError(t, json.Unmarshal([]byte(blob), &e))
	mutate(&e)
	out, err := json.Marshal(&e)
	require.NoError(t, err)
	require.NoError(t, s.kv.Set(ctx, s.keys.entry(id), string(out)))
}

func violations(report *Report, check string) []IntegrityViolation {
	var out []IntegrityViolation
	for _, v := range report.Errors {
		if v.Check == check {
			out = append(out, v)
		}
	}
	return out
}

func TestVerifyIntegrity(t *testing.T) {
	ctx := context.Background()

	t.Run("empty_ledger_is_valid", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())

		report, err := s.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsValid)
		assert.True(t, report.DigestChainValid)
		assert.Zero(t, report.EntriesVerified)
		assert.Empty(t, report.Errors)
	})

	t.Run("clean_ledger_passes", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())
		mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, map[string]interface{}{"r": 1})
		mustCreate(t, s, "2026-08-22-2", "rate-sync", map[string]interface{}{"d": 2}, nil)
		mustCreate(t, s, "2026-08-22-3", "anomaly-scan", map[string]interface{}{"d": 3}, map[string]interface{}{"r": 3})

		report, err := s.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsValid)
		assert.Equal(t, 3, report.EntriesVerified)
	})

	t.Run("tampered_field_breaks_digest_and_signature", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())
		mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)
		e2 := mustCreate(t, s, "2026-08-22-2", "rate-sync", map[string]interface{}{"d": 2}, nil)

		tamperEntry(t, s, e2.ID, func(e *Entry) { e.TaskType = "rate-sync-tampered" })

		report, err := s.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		assert.NotEmpty(t, violations(report, CheckDigest))
		assert.NotEmpty(t, violations(report, CheckSignature))
	})

	t.Run("tampered_link_breaks_the_chain", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())
		mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)
		e2 := mustCreate(t, s, "2026-08-22-2", "rate-sync", map[string]interface{}{"d": 2}, nil)
		mustCreate(t, s, "2026-08-22-3", "anomaly-scan", map[string]interface{}{"d": 3}, nil)

		tamperEntry(t, s, e2.ID, func(e *Entry) { e.PreviousHash = "forged" })

		report, err := s.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		assert.False(t, report.DigestChainValid)
		// The forged link breaks at e2, and e3's recorded link no
		// longer matches e2's recomputed hash.
		assert.GreaterOrEqual(t, len(violations(report, CheckChain)), 2)
	})

	t.Run("missing_entry_is_detected", func(t *testing.T) {
		masking := newMaskingStore()
		s := newTestStore(masking)
		mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)
		e2 := mustCreate(t, s, "2026-08-22-2", "rate-sync", map[string]interface{}{"d": 2}, nil)
		mustCreate(t, s, "2026-08-22-3", "anomaly-scan", map[string]interface{}{"d": 3}, nil)

		masking.mask(s.keys.entry(e2.ID))

		report, err := s.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		assert.Equal(t, 2, report.EntriesVerified)
		assert.NotEmpty(t, violations(report, CheckChain))
	})

	t.Run("wrong_key_fails_every_signature", func(t *testing.T) {
		backing := kv.NewMemory()
		s := newTestStore(backing)
		mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)
		mustCreate(t, s, "2026-08-22-2", "rate-sync", map[string]interface{}{"d": 2}, nil)

		other := NewStore(backing, []byte("rotated-away-key"))
		report, err := other.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		assert.Len(t, violations(report, CheckSignature), 2)
		// Digests and links are keyless and still intact.
		assert.Empty(t, violations(report, CheckDigest))
		assert.Empty(t, violations(report, CheckChain))
	})

	t.Run("tampered_tip_is_detected", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())
		mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)

		require.NoError(t, s.kv.Set(ctx, s.keys.tip(), "bogus-tip"))

		report, err := s.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		assert.False(t, report.DigestChainValid)
		assert.NotEmpty(t, violations(report, CheckTip))
	})

	t.Run("duplicate_sequence_is_detected", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())
		e1 := mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)

		// Forge a second entry claiming the same sequence number.
		blob, ok, err := s.kv.Get(ctx, s.keys.entry(e1.ID))
		require.NoError(t, err)
		require.True(t, ok)
		var forged Entry
		require.NoError(t, json.Unmarshal([]byte(blob), &forged))
		forged.ID = "forged-duplicate"
		out, err := json.Marshal(&forged)
		require.NoError(t, err)
		require.NoError(t, s.kv.Set(ctx, s.keys.entry(forged.ID), string(out)))
		require.NoError(t, s.kv.SetAdd(ctx, s.keys.ids(), forged.ID))

		report, err := s.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		assert.NotEmpty(t, violations(report, CheckSequence))
	})

	t.Run("verification_never_repairs", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())
		e1 := mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)

		tamperEntry(t, s, e1.ID, func(e *Entry) { e.TaskType = "tampered" })
		_, err := s.VerifyIntegrity(ctx)
		require.NoError(t, err)

		got, err := s.GetEntry(ctx, e1.ID)
		require.NoError(t, err)
		assert.Equal(t, "tampered", got.TaskType)
	})

	t.Run("report_is_persisted", func(t *testing.T) {
		s := newTestStore(kv.NewMemory())

		_, err := s.LatestReport(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		mustCreate(t, s, "2026-08-22-1", "demand-analysis", map[string]interface{}{"d": 1}, nil)
		ran, err := s.VerifyIntegrity(ctx)
		require.NoError(t, err)

		stored, err := s.LatestReport(ctx)
		require.NoError(t, err)
		assert.Equal(t, ran.IsValid, stored.IsValid)
		assert.Equal(t, ran.EntriesVerified, stored.EntriesVerified)
	})
}
