package scheduler

import (
	"errors"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Periodic runs one function on a cron schedule. The nightly ledger
// verification rides on this.
type Periodic struct {
	name  string
	sched cronlib.Schedule
	fn    func(at time.Time)
	tick  time.Duration

	mu      sync.Mutex
	next    time.Time
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPeriodic parses the cron expression and wraps fn.
func NewPeriodic(name, expr string, fn func(at time.Time)) (*Periodic, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	return &Periodic{
		name:  name,
		sched: sched,
		fn:    fn,
		tick:  time.Second,
	}, nil
}

// Start begins the schedule loop.
func (p *Periodic) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("scheduler: periodic job already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.next = p.sched.Next(time.Now())

	p.wg.Add(1)
	go p.loop()

	log.Info().Str("job", p.name).Time("next_run", p.next).Msg("periodic job scheduled")
	return nil
}

// Stop halts the loop and waits for it to exit.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Periodic) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			due := !p.next.After(now)
			at := p.next
			if due {
				p.next = p.sched.Next(now)
			}
			p.mu.Unlock()
			if due {
				log.Info().Str("job", p.name).Msg("periodic job firing")
				p.fn(at)
			}
		}
	}
}
