package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemandAnalysis(t *testing.T) {
	ctx := context.Background()

	t.Run("flags_high_demand_days", func(t *testing.T) {
		out, err := demandAnalysis(ctx, map[string]interface{}{
			"capacity": 100,
			"bookings_by_day": map[string]interface{}{
				"2026-08-22": 90,
				"2026-08-23": 50,
				"2026-08-24": 88,
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, out["days_analyzed"])
		assert.Equal(t, []string{"2026-08-22", "2026-08-24"}, out["high_demand_days"])
		assert.InDelta(t, 0.76, out["average_occupancy"].(float64), 0.001)
	})

	t.Run("requires_capacity", func(t *testing.T) {
		_, err := demandAnalysis(ctx, map[string]interface{}{})
		assert.Error(t, err)
	})

	t.Run("empty_bookings_is_fine", func(t *testing.T) {
		out, err := demandAnalysis(ctx, map[string]interface{}{"capacity": 50})
		require.NoError(t, err)
		assert.Equal(t, 0, out["days_analyzed"])
	})
}

func TestRateSync(t *testing.T) {
	ctx := context.Background()

	t.Run("reports_drifted_channels", func(t *testing.T) {
		out, err := rateSync(ctx, map[string]interface{}{
			"base_rate": 200.0,
			"channel_rates": map[string]interface{}{
				"direct":  202.0,
				"booking": 230.0,
				"expedia": 195.0,
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, out["channels_checked"])
		assert.Equal(t, 2, out["in_sync"])
		assert.Equal(t, []string{"booking"}, out["drifted"])
	})

	t.Run("requires_base_rate", func(t *testing.T) {
		_, err := rateSync(ctx, map[string]interface{}{"channel_rates": map[string]interface{}{}})
		assert.Error(t, err)
	})
}

func TestAnomalyScan(t *testing.T) {
	ctx := context.Background()

	out, err := anomalyScan(ctx, map[string]interface{}{
		"bookings": []interface{}{
			map[string]interface{}{"id": "bk-1", "rate": 180.0, "nights": 2},
			map[string]interface{}{"id": "bk-2", "rate": -5.0, "nights": 1},
			map[string]interface{}{"id": "bk-3", "rate": 140.0, "nights": 45},
			map[string]interface{}{"id": "bk-4", "rate": 95.0, "nights": 0},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, out["scanned"])
	assert.Equal(t, 3, out["anomaly_count"])
	assert.Equal(t, []string{"bk-2", "bk-3", "bk-4"}, out["anomalies"])
}

func TestGhostBookingSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("sweeps_expired_unconfirmed_holds", func(t *testing.T) {
		out, err := ghostBookingSweep(ctx, map[string]interface{}{
			"as_of":        "2026-08-22T12:00:00Z",
			"hold_minutes": 30,
			"holds": []interface{}{
				map[string]interface{}{"id": "h-1", "created_at": "2026-08-22T11:00:00Z", "confirmed": false},
				map[string]interface{}{"id": "h-2", "created_at": "2026-08-22T11:45:00Z", "confirmed": false},
				map[string]interface{}{"id": "h-3", "created_at": "2026-08-22T10:00:00Z", "confirmed": true},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, out["holds_checked"])
		assert.Equal(t, 1, out["swept_count"])
		assert.Equal(t, []string{"h-1"}, out["swept"])
		assert.Equal(t, 2, out["still_active"])
	})

	t.Run("rejects_bad_timestamps", func(t *testing.T) {
		_, err := ghostBookingSweep(ctx, map[string]interface{}{
			"holds": []interface{}{
				map[string]interface{}{"id": "h-1", "created_at": "yesterday", "confirmed": false},
			},
		})
		assert.Error(t, err)
	})
}

func TestDefaultHandlers(t *testing.T) {
	registry := NewRegistry()
	for _, h := range DefaultHandlers() {
		require.NoError(t, registry.Register(h))
	}
	assert.Equal(t, []string{
		TypeAnomalyScan,
		TypeDemandAnalysis,
		TypeGhostBookingSweep,
		TypeRateSync,
	}, registry.Types())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	h := HandlerFunc("rate-sync", func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})
	require.NoError(t, registry.Register(h))
	assert.Error(t, registry.Register(h))
}
