package slot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to Status
	}{
		{StatusScheduled, StatusRunning},
		{StatusScheduled, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct {
		from, to Status
	}{
		{StatusScheduled, StatusCompleted},
		{StatusScheduled, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusRunning, StatusScheduled},
		{StatusCompleted, StatusRunning},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusRunning},
		{StatusCancelled, StatusRunning},
		{StatusCancelled, StatusScheduled},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusScheduled.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestSlotID(t *testing.T) {
	t.Run("format_and_parse_round_trip", func(t *testing.T) {
		id := FormatID("2026-08-22", 3)
		assert.Equal(t, "2026-08-22-3", id)

		date, number, err := ParseID(id)
		require.NoError(t, err)
		assert.Equal(t, "2026-08-22", date)
		assert.Equal(t, 3, number)
	})

	t.Run("rejects_malformed_ids", func(t *testing.T) {
		for _, id := range []string{"", "2026-08-22", "2026-08-22-", "junk", "2026-99-99-1", "2026-08-22-0", "2026-08-22-x"} {
			_, _, err := ParseID(id)
			assert.Error(t, err, "id %q should be rejected", id)
		}
	})
}
