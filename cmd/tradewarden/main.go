// tradewarden is the supervisory daemon for a live trading system: it
// watches realized trade outcomes, audits them for anomalies, adapts
// strategy allocation weights, and triggers retraining when strategies
// underperform.
package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

var (
	flagConfig   string
	flagLogLevel string
	flagAddr     string
)

func main() {
	setupLogging()

	root := &cobra.Command{
		Use:   "tradewarden",
		Short: "Trading system monitoring and adaptation daemon",
		Long: `TradeWarden supervises a live trading system: it ingests realized
trade outcomes, flags statistical and behavioral anomalies, reinforces
strategy weights from performance, and halts or retrains strategies
that degrade.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagLogLevel != "" {
				applyLogLevel(flagLogLevel)
			}
		},
	}

	// Accept snake_case flag spellings from older wrapper scripts.
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.PersistentFlags().StringVar(&flagConfig, "config", "config.yaml", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagAddr, "addr", "", "daemon API address for client commands")

	root.AddCommand(newMonitorCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newRetrainCmd())
	root.AddCommand(newPauseCmd())
	root.AddCommand(newResumeCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, keeping current")
		return
	}
	zerolog.SetGlobalLevel(parsed)
}
