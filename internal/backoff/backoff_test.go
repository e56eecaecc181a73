package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstant(t *testing.T) {
	s := Constant{Interval: 3 * time.Second}

	assert.Equal(t, 3*time.Second, s.Delay(1))
	assert.Equal(t, 3*time.Second, s.Delay(10))
}

func TestExponential(t *testing.T) {
	s := Exponential{Initial: time.Second, Max: time.Minute}

	t.Run("doubles_per_attempt", func(t *testing.T) {
		assert.Equal(t, 1*time.Second, s.Delay(1))
		assert.Equal(t, 2*time.Second, s.Delay(2))
		assert.Equal(t, 4*time.Second, s.Delay(3))
		assert.Equal(t, 8*time.Second, s.Delay(4))
	})

	t.Run("caps_at_max", func(t *testing.T) {
		assert.Equal(t, time.Minute, s.Delay(7))
		assert.Equal(t, time.Minute, s.Delay(100))
	})

	t.Run("clamps_bad_attempt_numbers", func(t *testing.T) {
		assert.Equal(t, time.Second, s.Delay(0))
		assert.Equal(t, time.Second, s.Delay(-5))
	})
}

func TestExponentialWithJitter(t *testing.T) {
	s := ExponentialWithJitter{Initial: time.Second, Max: time.Minute}

	for attempt := 1; attempt <= 6; attempt++ {
		ceiling := Exponential{Initial: time.Second, Max: time.Minute}.Delay(attempt)
		for i := 0; i < 20; i++ {
			d := s.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling)
		}
	}
}
