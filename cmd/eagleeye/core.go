package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/innkeep/eagle-eye/internal/application"
	"github.com/innkeep/eagle-eye/internal/config"
	"github.com/innkeep/eagle-eye/internal/kv"
	"github.com/innkeep/eagle-eye/internal/ledger"
	"github.com/innkeep/eagle-eye/internal/scheduler"
	"github.com/innkeep/eagle-eye/internal/slot"
)

// loadServiceConfig reads the service config named by --config. A
// missing file is only an error when the operator pointed at it
// explicitly; the default path falls back to built-in defaults.
func loadServiceConfig(cmd *cobra.Command) (*application.ServiceConfig, error) {
	cfg, err := application.LoadServiceConfig(cfgPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		log.Warn().Str("path", cfgPath).Msg("service config not found, using defaults")
		cfg = application.DefaultServiceConfig()
	default:
		return nil, err
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Service.LogLevel = lvl
	}
	applyLogLevel(cfg.Service.LogLevel)
	return cfg, nil
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, staying on info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

// openStore connects the backing store. The in-memory store is for
// dev runs only; its contents vanish with the process.
func openStore(cfg *application.ServiceConfig, memory bool) (kv.Store, error) {
	if memory {
		log.Warn().Msg("using in-memory store, ledger will not survive restart")
		return kv.NewMemory(), nil
	}
	store, err := kv.NewRedis(kv.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
	}
	return store, nil
}

// buildLedger assembles the ledger store with the configured signing
// key and key namespace.
func buildLedger(cfg *application.ServiceConfig, store kv.Store, opts ...ledger.Option) (*ledger.Store, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}

	all := []ledger.Option{ledger.WithRecordedBy(cfg.Service.Name)}
	if cfg.Redis.KeyPrefix != "" {
		all = append(all, ledger.WithKeyPrefix(cfg.Redis.KeyPrefix))
	}
	all = append(all, opts...)
	return ledger.NewStore(store, key, all...), nil
}

// buildSlotRegistry assembles the slot registry in the same key
// namespace as the ledger.
func buildSlotRegistry(cfg *application.ServiceConfig, store kv.Store, extra ...slot.RegistryOption) *slot.Registry {
	var all []slot.RegistryOption
	if cfg.Redis.KeyPrefix != "" {
		all = append(all, slot.WithKeyPrefix(cfg.Redis.KeyPrefix))
	}
	all = append(all, extra...)
	return slot.NewRegistry(store, all...)
}

// loadActiveProfile reads the slots profile named by the service
// config, falling back to the built-in defaults when the file does
// not exist.
func loadActiveProfile(cfg *application.ServiceConfig) (*config.SlotProfile, error) {
	slotsCfg, err := config.LoadSlotsConfig(cfg.Scheduler.ProfilePath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		slotsCfg = config.GetDefaultSlotsConfig()
	default:
		return nil, err
	}
	return slotsCfg.GetActiveProfile()
}

// schedulerConfig maps a slot profile onto the scheduler's own config.
func schedulerConfig(profile *config.SlotProfile) scheduler.Config {
	windows := profile.SortedSlots()
	plans := make([]scheduler.SlotPlan, 0, len(windows))
	for _, w := range windows {
		plans = append(plans, scheduler.SlotPlan{
			Number:   w.Number,
			At:       w.Time,
			TaskType: w.TaskType,
			Params:   w.Params,
		})
	}
	return scheduler.Config{
		Timezone:    profile.Timezone,
		Plans:       plans,
		Timeout:     profile.Execution.Timeout(),
		MaxAttempts: profile.Execution.MaxAttempts,
	}
}
