package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/innkeep/eagle-eye/internal/backoff"
	"github.com/innkeep/eagle-eye/internal/ledger"
	"github.com/innkeep/eagle-eye/internal/slot"
)

// Result labels reported to the result hook.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultTimeout   = "timeout"
	ResultSkipped   = "skipped"
)

// Executor drains the queue with a pool of workers. Every dequeued
// descriptor ends in exactly one ledger entry and one terminal slot
// transition, whatever the task itself does.
type Executor struct {
	queue    *Queue
	registry *Registry
	ledger   *ledger.Store
	slots    *slot.Registry

	strategy        backoff.Strategy
	concurrency     int
	defaultTimeout  time.Duration
	defaultAttempts int
	onResult        func(taskType, result string, elapsed time.Duration)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithConcurrency sets the worker count.
func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithBackoff sets the delay strategy between attempts.
func WithBackoff(strategy backoff.Strategy) ExecutorOption {
	return func(e *Executor) { e.strategy = strategy }
}

// WithDefaultTimeout sets the per-attempt timeout used when a
// descriptor carries none.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithDefaultAttempts sets the retry budget used when a descriptor
// carries none.
func WithDefaultAttempts(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.defaultAttempts = n
		}
	}
}

// WithResultHook installs a callback invoked after each execution with
// the task type, result label, and elapsed time.
func WithResultHook(fn func(taskType, result string, elapsed time.Duration)) ExecutorOption {
	return func(e *Executor) { e.onResult = fn }
}

// NewExecutor builds an executor over the given queue, handlers,
// ledger, and slot registry.
func NewExecutor(queue *Queue, registry *Registry, ledgerStore *ledger.Store, slots *slot.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		queue:           queue,
		registry:        registry,
		ledger:          ledgerStore,
		slots:           slots,
		strategy:        backoff.Default(),
		concurrency:     2,
		defaultTimeout:  5 * time.Minute,
		defaultAttempts: 3,
		active:          make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker pool.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("task: executor already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})

	for i := 0; i < e.concurrency; i++ {
		e.wg.Add(1)
		go e.workerLoop(i)
	}
	log.Info().Int("workers", e.concurrency).Msg("executor started")
	return nil
}

// Stop shuts the pool down. Workers finish their current task unless
// ctx expires first, in which case active tasks are cancelled and the
// context error is returned.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("executor stopped")
		return nil
	case <-ctx.Done():
		e.cancelAll()
		<-done
		log.Warn().Msg("executor stopped after cancelling active tasks")
		return ctx.Err()
	}
}

// Cancel requests cooperative cancellation of a task currently
// executing for the given slot. It reports whether one was active.
func (e *Executor) Cancel(slotID string) bool {
	e.activeMu.Lock()
	cancel, ok := e.active[slotID]
	e.activeMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Executor) cancelAll() {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	for id, cancel := range e.active {
		log.Warn().Str("slot_id", id).Msg("cancelling active task")
		cancel()
	}
}

func (e *Executor) workerLoop(id int) {
	defer e.wg.Done()

	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	for {
		d, err := e.queue.Dequeue(loopCtx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
				log.Error().Err(err).Int("worker", id).Msg("dequeue failed")
			}
			return
		}
		e.process(d)
	}
}

// process runs one descriptor to a terminal outcome. Recording uses a
// fresh context: a cancelled task must still leave its ledger trace.
func (e *Executor) process(d Descriptor) {
	recordCtx := context.Background()

	// The scheduler marks slots RUNNING at dispatch; this covers
	// descriptors that raced ahead of that write. A slot cancelled
	// between dispatch and pickup refuses the transition and the
	// descriptor is dropped without executing.
	if _, err := e.slots.Transition(recordCtx, d.SlotID, slot.StatusRunning, nil); err != nil {
		var terr *slot.TransitionError
		if errors.As(err, &terr) {
			log.Warn().Str("slot_id", d.SlotID).Str("status", string(terr.From)).Msg("slot not runnable, dropping descriptor")
		} else {
			log.Error().Err(err).Str("slot_id", d.SlotID).Msg("slot lookup failed, dropping descriptor")
		}
		return
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.defaultAttempts
	}

	execCtx, cancel := context.WithCancel(context.Background())
	e.track(d.SlotID, cancel)
	defer func() {
		e.untrack(d.SlotID)
		cancel()
	}()

	start := time.Now()
	output, attempts, result, execErr := e.execute(execCtx, d, timeout, maxAttempts)
	elapsed := time.Since(start)

	entry, recordErr := e.ledger.CreateEntry(recordCtx, ledger.CreateRequest{
		SlotID:   d.SlotID,
		TaskType: d.TaskType,
		Input:    d.Payload,
		Output:   outputForLedger(output, execErr),
		Attempts: attempts,
		Duration: elapsed,
	})

	entryID := ""
	if recordErr != nil {
		log.Error().Err(recordErr).Str("slot_id", d.SlotID).Msg("ledger record failed")
	} else {
		entryID = entry.ID
	}

	switch {
	case recordErr != nil:
		// An unrecorded execution cannot be trusted as complete.
		result = ResultFailed
		msg := fmt.Sprintf("ledger record failed: %v", recordErr)
		if execErr != nil {
			msg = fmt.Sprintf("%s (task error: %v)", msg, execErr)
		}
		e.finish(recordCtx, d.SlotID, slot.StatusFailed, func(s *slot.Slot) {
			s.Error = msg
			s.Attempts = attempts
			s.ExecutionMS = elapsed.Milliseconds()
		})
	case execErr != nil:
		e.finish(recordCtx, d.SlotID, slot.StatusFailed, func(s *slot.Slot) {
			s.Error = execErr.Error()
			s.LedgerEntryID = entryID
			s.Attempts = attempts
			s.ExecutionMS = elapsed.Milliseconds()
		})
	default:
		e.finish(recordCtx, d.SlotID, slot.StatusCompleted, func(s *slot.Slot) {
			s.Results = output
			s.LedgerEntryID = entryID
			s.Attempts = attempts
			s.ExecutionMS = elapsed.Milliseconds()
		})
	}

	evt := log.Info()
	if result == ResultFailed || result == ResultTimeout {
		evt = log.Error().Err(execErr)
	}
	evt.
		Str("slot_id", d.SlotID).
		Str("task_type", d.TaskType).
		Str("result", result).
		Int("attempts", attempts).
		Dur("elapsed", elapsed).
		Msg("task finished")

	if e.onResult != nil {
		e.onResult(d.TaskType, result, elapsed)
	}
}

// execute runs the handler with retries and classifies the outcome.
func (e *Executor) execute(execCtx context.Context, d Descriptor, timeout time.Duration, maxAttempts int) (map[string]interface{}, int, string, error) {
	handler, ok := e.registry.Get(d.TaskType)
	if !ok {
		log.Warn().Str("slot_id", d.SlotID).Str("task_type", d.TaskType).Msg("no handler registered, recording as skipped")
		output := map[string]interface{}{
			"skipped": true,
			"reason":  "no handler registered for task type",
		}
		return output, 0, ResultSkipped, nil
	}

	var lastErr error
	attempts := 0
	timedOut := false

attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		attemptCtx, attemptCancel := context.WithTimeout(execCtx, timeout)
		out, err := handler.Execute(attemptCtx, d.Payload)
		deadlineHit := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		attemptCancel()

		if err == nil {
			return out, attempts, ResultCompleted, nil
		}

		timedOut = deadlineHit
		if deadlineHit {
			lastErr = &TimeoutError{SlotID: d.SlotID, TaskType: d.TaskType, Timeout: timeout}
		} else {
			lastErr = err
		}

		if execCtx.Err() != nil {
			// Cancelled from outside; the budget is moot.
			break attemptLoop
		}
		if attempt < maxAttempts {
			log.Warn().
				Str("slot_id", d.SlotID).
				Str("task_type", d.TaskType).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("task attempt failed, retrying")
			select {
			case <-time.After(e.strategy.Delay(attempt)):
			case <-execCtx.Done():
				break attemptLoop
			}
		}
	}

	result := ResultFailed
	if timedOut {
		result = ResultTimeout
	}
	return nil, attempts, result, &ExecutionError{SlotID: d.SlotID, TaskType: d.TaskType, Attempts: attempts, Err: lastErr}
}

func (e *Executor) finish(ctx context.Context, slotID string, status slot.Status, mutate func(*slot.Slot)) {
	if _, err := e.slots.Transition(ctx, slotID, status, mutate); err != nil {
		log.Error().Err(err).Str("slot_id", slotID).Str("status", string(status)).Msg("terminal slot transition failed")
	}
}

// outputForLedger keeps failure outcomes hash-free: a failed execution
// has no result payload, so its entry carries no output hash.
func outputForLedger(output map[string]interface{}, execErr error) interface{} {
	if execErr != nil || output == nil {
		return nil
	}
	return output
}

func (e *Executor) track(slotID string, cancel context.CancelFunc) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	e.active[slotID] = cancel
}

func (e *Executor) untrack(slotID string) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	delete(e.active, slotID)
}
