// Package breakers wraps sony/gobreaker for the optional sinks that sit
// beside the ledger, such as the Postgres archive mirror. The ledger itself
// never runs behind a breaker.
package breakers

import (
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"
)

// Breaker guards a single downstream sink. A tripped breaker sheds calls
// until the cool-down expires.
type Breaker struct {
	name string
	cb   *cb.CircuitBreaker
}

// New builds a breaker tuned for mirror-style sinks: the sink may flap
// without affecting the primary write path, so the trip threshold is loose
// and recovery is probed after one minute.
func New(name string) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 5 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.5
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		log.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state change")
	}
	return &Breaker{name: name, cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn under the breaker. When the breaker is open the call is
// rejected with gobreaker.ErrOpenState without invoking fn.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State reports the current breaker state as a string for health endpoints.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Name returns the sink name the breaker was built with.
func (b *Breaker) Name() string {
	return b.name
}
