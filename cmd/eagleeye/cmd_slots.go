package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	slotsMemory bool
	slotsDate   string
)

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "List the slots for a date",
	RunE:  runSlots,
}

func init() {
	rootCmd.AddCommand(slotsCmd)
	slotsCmd.Flags().BoolVar(&slotsMemory, "memory", false, "Use the in-memory store instead of Redis")
	slotsCmd.Flags().StringVar(&slotsDate, "date", "", "Date as YYYY-MM-DD (default: today in the profile timezone)")
}

func runSlots(cmd *cobra.Command, args []string) error {
	cfg, err := loadServiceConfig(cmd)
	if err != nil {
		return err
	}

	date := slotsDate
	if date == "" {
		profile, err := loadActiveProfile(cfg)
		if err != nil {
			return err
		}
		loc, err := time.LoadLocation(profile.Timezone)
		if err != nil {
			return fmt.Errorf("profile timezone %q: %w", profile.Timezone, err)
		}
		date = time.Now().In(loc).Format("2006-01-02")
	}

	store, err := openStore(cfg, slotsMemory)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := buildSlotRegistry(cfg, store)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slots, err := registry.ByDate(ctx, date)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"date":  date,
		"count": len(slots),
		"slots": slots,
	})
}
