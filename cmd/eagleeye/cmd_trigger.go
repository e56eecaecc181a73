package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/innkeep/eagle-eye/internal/scheduler"
	"github.com/innkeep/eagle-eye/internal/slot"
	"github.com/innkeep/eagle-eye/internal/task"
)

var (
	triggerSlotNumber int
	triggerDate       string
	triggerMemory     bool
	triggerWait       time.Duration
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run one slot immediately and wait for the result",
	Long: `Creates (or reuses) the slot record for the given slot number, runs
its task through the normal execution path, and prints the final slot
state. The run is recorded in the ledger exactly as a scheduled run
would be.`,
	RunE: runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.Flags().IntVar(&triggerSlotNumber, "slot", 0, "Slot number to trigger (1-4)")
	triggerCmd.Flags().StringVar(&triggerDate, "date", "", "Slot date as YYYY-MM-DD (default: today in the profile timezone)")
	triggerCmd.Flags().BoolVar(&triggerMemory, "memory", false, "Use the in-memory store instead of Redis")
	triggerCmd.Flags().DurationVar(&triggerWait, "wait", 5*time.Minute, "How long to wait for the slot to finish")
	_ = triggerCmd.MarkFlagRequired("slot")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := loadServiceConfig(cmd)
	if err != nil {
		return err
	}
	profile, err := loadActiveProfile(cfg)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, triggerMemory)
	if err != nil {
		return err
	}
	defer store.Close()

	ledgerStore, err := buildLedger(cfg, store)
	if err != nil {
		return err
	}
	slotRegistry := buildSlotRegistry(cfg, store)

	queue := task.NewQueue(profile.Execution.QueueCapacity)
	handlers := task.NewRegistry()
	for _, h := range task.DefaultHandlers() {
		if err := handlers.Register(h); err != nil {
			return err
		}
	}
	executor := task.NewExecutor(queue, handlers, ledgerStore, slotRegistry,
		task.WithConcurrency(1),
		task.WithDefaultTimeout(profile.Execution.Timeout()),
		task.WithDefaultAttempts(profile.Execution.MaxAttempts),
	)
	if err := executor.Start(); err != nil {
		return err
	}

	sched, err := scheduler.New(schedulerConfig(profile), slotRegistry, queue)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sl, err := sched.TriggerSlot(ctx, triggerDate, triggerSlotNumber, time.Now())
	if err != nil {
		return err
	}
	log.Info().Str("slot", sl.ID).Str("task", sl.TaskType).Msg("slot dispatched, waiting")

	deadline := time.After(triggerWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline:
			log.Warn().Str("slot", sl.ID).Msg("gave up waiting, slot is still running")
			break wait
		case <-ticker.C:
			current, err := slotRegistry.Get(ctx, sl.ID)
			if err != nil {
				return err
			}
			if current.Status.Terminal() {
				sl = current
				break wait
			}
		}
	}

	queue.Close()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := executor.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("executor did not drain cleanly")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sl); err != nil {
		return err
	}
	if sl.Status == slot.StatusFailed {
		return fmt.Errorf("slot %s failed: %s", sl.ID, sl.Error)
	}
	return nil
}
