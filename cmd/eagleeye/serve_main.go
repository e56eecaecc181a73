package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/innkeep/eagle-eye/internal/archive"
	"github.com/innkeep/eagle-eye/internal/config"
	httpapi "github.com/innkeep/eagle-eye/internal/interfaces/http"
	"github.com/innkeep/eagle-eye/internal/ledger"
	"github.com/innkeep/eagle-eye/internal/scheduler"
	"github.com/innkeep/eagle-eye/internal/slot"
	"github.com/innkeep/eagle-eye/internal/task"
)

var serveMemory bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon and query API",
	Long: `Starts the full service: the cron trigger fires the four daily slots,
a worker pool executes their tasks, every execution lands in the
hash-chained ledger, and the HTTP API serves queries, manual triggers,
metrics, and the live websocket feed. Shuts down cleanly on SIGINT or
SIGTERM, draining in-flight tasks first.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "Use the in-memory store instead of Redis (state is lost on exit)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServiceConfig(cmd)
	if err != nil {
		return err
	}

	slotsCfg, err := config.LoadSlotsConfig(cfg.Scheduler.ProfilePath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("path", cfg.Scheduler.ProfilePath).Msg("slots profile not found, using defaults")
		slotsCfg = config.GetDefaultSlotsConfig()
	default:
		return err
	}

	profile, err := slotsCfg.GetActiveProfile()
	if err != nil {
		return err
	}
	if problems := profile.ValidateProfile(); len(problems) > 0 {
		for _, problem := range problems {
			log.Error().Str("profile", slotsCfg.Active).Msg(problem)
		}
		return fmt.Errorf("slots profile %q failed validation", slotsCfg.Active)
	}

	store, err := openStore(cfg, serveMemory)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := httpapi.NewMetrics()
	hub := httpapi.NewHub()

	ledgerStore, err := buildLedger(cfg, store, ledger.WithRetryHook(metrics.RecordAppendRetry))
	if err != nil {
		return err
	}
	ledgerStore.Subscribe(metrics.RecordEntry)
	ledgerStore.Subscribe(hub.BroadcastEntry)

	var (
		archiveRepo  archive.Repo
		archiveState func() string
	)
	if cfg.Archive.Enabled {
		repo, err := archive.Open(cfg.Archive.DSN, cfg.ArchiveTimeout())
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer repo.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = repo.Migrate(migrateCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("migrate archive: %w", err)
		}

		archiver := archive.NewArchiver(repo)
		ledgerStore.Subscribe(archiver.Mirror)
		archiveRepo = repo
		archiveState = archiver.State
		log.Info().Msg("postgres archive mirror enabled")
	}

	slotRegistry := buildSlotRegistry(cfg, store, slot.WithTransitionHook(func(sl *slot.Slot) {
		metrics.RecordSlotStatus(string(sl.Status))
		hub.BroadcastSlot(sl)
	}))

	queue := task.NewQueue(profile.Execution.QueueCapacity)

	handlers := task.NewRegistry()
	for _, h := range task.DefaultHandlers() {
		if err := handlers.Register(h); err != nil {
			return err
		}
	}

	executor := task.NewExecutor(queue, handlers, ledgerStore, slotRegistry,
		task.WithConcurrency(profile.Execution.Workers),
		task.WithDefaultTimeout(profile.Execution.Timeout()),
		task.WithDefaultAttempts(profile.Execution.MaxAttempts),
		task.WithResultHook(func(taskType, result string, elapsed time.Duration) {
			metrics.ObserveExecution(taskType, result, elapsed)
			metrics.SetQueueDepth(queue.Len())
		}),
	)
	if err := executor.Start(); err != nil {
		return err
	}

	sched, err := scheduler.New(schedulerConfig(profile), slotRegistry, queue, scheduler.WithCanceller(executor))
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	var nightly *scheduler.Periodic
	if cfg.Scheduler.VerifyAt != "" {
		nightly, err = scheduler.NewPeriodic("ledger-verify", clockToCron(cfg.Scheduler.VerifyAt), func(at time.Time) {
			runNightlyVerification(ledgerStore, metrics)
		})
		if err != nil {
			return err
		}
		if err := nightly.Start(); err != nil {
			return err
		}
	}

	serverCfg := httpapi.DefaultServerConfig()
	serverCfg.Host = cfg.HTTP.Host
	serverCfg.Port = cfg.HTTP.Port
	serverCfg.ReadTimeout = cfg.ReadTimeout()
	serverCfg.WriteTimeout = cfg.WriteTimeout()
	serverCfg.RateLimitRPS = cfg.HTTP.RateLimitRPS
	serverCfg.RateLimitBurst = cfg.HTTP.RateLimitBurst

	server, err := httpapi.NewServer(serverCfg, httpapi.NewHandlers(httpapi.HandlersConfig{
		KV:           store,
		Ledger:       ledgerStore,
		Slots:        slotRegistry,
		Control:      sched,
		Queue:        queue,
		Hub:          hub,
		Archive:      archiveRepo,
		ArchiveState: archiveState,
	}), hub, metrics)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("addr", server.Address()).
		Str("profile", slotsCfg.Active).
		Int("slots", len(profile.Slots)).
		Msg("eagle-eye serving")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
	}

	// Stop triggering, close the queue, then let workers drain their
	// in-flight tasks before the HTTP server goes away.
	sched.Stop()
	if nightly != nil {
		nightly.Stop()
	}
	queue.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := executor.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("executor did not drain cleanly")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown failed")
	}

	log.Info().Msg("eagle-eye stopped")
	return nil
}

func runNightlyVerification(ledgerStore *ledger.Store, metrics *httpapi.Metrics) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := ledgerStore.VerifyIntegrity(ctx)
	if err != nil {
		log.Error().Err(err).Msg("nightly verification could not run")
		return
	}
	metrics.RecordVerification(report)

	if report.IsValid {
		log.Info().Int("entries", report.EntriesVerified).Msg("nightly verification clean")
		return
	}
	log.Error().
		Int("entries", report.EntriesVerified).
		Int("violations", len(report.Errors)).
		Msg("nightly verification found violations")
}

// clockToCron turns "HH:MM" into a daily cron expression. The value
// was validated with the service config.
func clockToCron(clock string) string {
	parts := strings.SplitN(clock, ":", 2)
	hour, _ := strconv.Atoi(parts[0])
	minute, _ := strconv.Atoi(parts[1])
	return fmt.Sprintf("%d %d * * *", minute, hour)
}
