package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const version = "v1.4.0"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:     "eagleeye",
	Short:   "Tamper-evident execution ledger and slot scheduler for hotel operations",
	Version: version,
	Long: `Eagle-Eye records every scheduled task execution in a hash-chained,
HMAC-signed ledger and drives the four daily operation slots
(demand analysis, rate sync, anomaly scan, ghost booking sweep).

Run 'eagleeye serve' to start the daemon. The remaining commands are
operator shims that work directly against the backing store:

  eagleeye trigger --slot 2          run slot 2 for today, right now
  eagleeye verify                    re-check every hash, link, and signature
  eagleeye stats                     ledger totals by task type and date
  eagleeye slots --date 2026-08-22   slot records for a date`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config/eagleeye.yaml", "Path to the service configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level (trace|debug|info|warn|error)")
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	// Pretty console output on a terminal, JSON everywhere else.
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
