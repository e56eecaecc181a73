package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statsMemory bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print ledger statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&statsMemory, "memory", false, "Use the in-memory store instead of Redis")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadServiceConfig(cmd)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, statsMemory)
	if err != nil {
		return err
	}
	defer store.Close()

	ledgerStore, err := buildLedger(cfg, store)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := ledgerStore.Statistics(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
