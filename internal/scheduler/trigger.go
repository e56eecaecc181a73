// Package scheduler drives the daily slot cadence: a cron-style
// trigger fires each slot at its profile time, and the dispatcher
// turns firings into queued task descriptors.
package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a standard 5-field cron expression (plus
// descriptors like @daily) and returns its schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", expr, err)
	}
	return sched, nil
}

// parseClock turns "HH:MM" into a daily cron expression.
func parseClock(at string) (string, error) {
	parts := strings.Split(at, ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("scheduler: slot time %q must be HH:MM", at)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("scheduler: slot time %q has bad hour", at)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("scheduler: slot time %q has bad minute", at)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// FireFunc receives the slot number and the wall-clock time the slot
// was due.
type FireFunc func(at time.Time, number int)

// CronTrigger fires each configured slot once per day at its local
// time. Missed ticks (process asleep, clock jump) fire on the next
// tick rather than being dropped.
type CronTrigger struct {
	schedules map[int]cronlib.Schedule
	tz        *time.Location
	fire      FireFunc
	tick      time.Duration

	mu      sync.Mutex
	next    map[int]time.Time
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCronTrigger builds a trigger from slot times keyed by slot
// number, each "HH:MM" in the given location.
func NewCronTrigger(slotTimes map[int]string, tz *time.Location, fire FireFunc) (*CronTrigger, error) {
	if len(slotTimes) == 0 {
		return nil, errors.New("scheduler: no slot times configured")
	}
	if tz == nil {
		tz = time.UTC
	}

	schedules := make(map[int]cronlib.Schedule, len(slotTimes))
	for number, at := range slotTimes {
		if number < 1 {
			return nil, fmt.Errorf("scheduler: bad slot number %d", number)
		}
		expr, err := parseClock(at)
		if err != nil {
			return nil, err
		}
		sched, err := ParseSchedule(expr)
		if err != nil {
			return nil, err
		}
		schedules[number] = sched
	}

	return &CronTrigger{
		schedules: schedules,
		tz:        tz,
		fire:      fire,
		tick:      time.Second,
		next:      make(map[int]time.Time, len(slotTimes)),
	}, nil
}

// Start begins ticking. Next-run times are computed from now.
func (t *CronTrigger) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("scheduler: trigger already running")
	}
	t.running = true
	t.stopCh = make(chan struct{})

	now := time.Now().In(t.tz)
	for number, sched := range t.schedules {
		t.next[number] = sched.Next(now)
	}

	t.wg.Add(1)
	go t.tickLoop()

	log.Info().Int("slots", len(t.schedules)).Str("timezone", t.tz.String()).Msg("slot trigger started")
	return nil
}

// Stop halts the tick loop and waits for it to exit.
func (t *CronTrigger) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()
	t.wg.Wait()
}

// NextRuns returns the upcoming fire time for each slot number.
func (t *CronTrigger) NextRuns() map[int]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]time.Time, len(t.next))
	for number, at := range t.next {
		out[number] = at
	}
	return out
}

func (t *CronTrigger) tickLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.checkDue(time.Now().In(t.tz))
		}
	}
}

// checkDue fires every slot whose next run time has passed and
// advances it to the following occurrence.
func (t *CronTrigger) checkDue(now time.Time) {
	type firing struct {
		number int
		at     time.Time
	}
	var due []firing

	t.mu.Lock()
	for number, at := range t.next {
		if !at.After(now) {
			due = append(due, firing{number: number, at: at})
			t.next[number] = t.schedules[number].Next(now)
		}
	}
	t.mu.Unlock()

	for _, f := range due {
		t.fire(f.at, f.number)
	}
}
