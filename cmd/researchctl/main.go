// Command researchctl talks to a running Sleuth API: it mints dev tokens,
// sends messages to a session and follows research runs to completion.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sleuth/internal/logging"
)

var (
	serverURL string
	token     string
	timeout   time.Duration
	verbose   bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "researchctl",
	Short: "Command line client for the Sleuth research assistant",
	Long: `researchctl drives a Sleuth server from the terminal.

  token - mint a signed access token for local development
  ask   - send a message to a session, creating one when needed
  watch - follow a research run until it reaches a terminal status`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		var err error
		logger, err = logging.New(level, "console")
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("SLEUTH_URL", "http://localhost:8080"), "API base URL (or set SLEUTH_URL)")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("SLEUTH_TOKEN"), "Bearer token (or set SLEUTH_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "Overall operation timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
