// Package main is the csmsync command: the sync daemon, one-shot sync, the legacy
// API server and maintenance commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/csmsync/internal/config"
	"github.com/kimhsiao/csmsync/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

var (
	envFile  string
	logLevel string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "csmsync",
	Short:         "Offline-first customer store with background reconciliation",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(envFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		logging.Init(os.Stderr, logging.ParseLevel(loaded.LogLevel))
		if err := config.LogConfigs(logging.Get(),
			loaded.LocalConfig, loaded.PrimaryConfig, loaded.LegacyConfig,
			loaded.SyncConfig, loaded.ServerConfig, loaded.MetricsConfig); err != nil {
			logging.Warn("log configuration failed", map[string]interface{}{"error": err.Error()})
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path of an optional .env file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
