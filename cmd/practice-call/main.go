// Command practice-call runs voice sales-practice calls against AI personas
// over WebRTC, a WebSocket relay, the local sound card or the phone network.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chadiek/practice-call/internal/app"
	"github.com/chadiek/practice-call/internal/config"
	"github.com/chadiek/practice-call/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "practice-call",
	Short:         "Voice sales-practice calls against AI client personas",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var (
	flagLogLevel string
	flagPretty   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "human readable logs (overrides LOG_PRETTY)")
}

// bootstrap loads configuration and wires the service for a subcommand.
func bootstrap(cmd *cobra.Command) (*app.App, zerolog.Logger, error) {
	cfg := config.Load()
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.LogPretty = flagPretty
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	a, err := app.New(cfg, log)
	return a, log, err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
