// Package cli defines Cobra command definitions for the agentctl client.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	deviceID  string
	verbose   bool
	version   = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "Talk to an agentd server from the terminal",
	Long: `agentctl drives agent sessions on an agentd server over its
websocket protocol, and lists sessions and their event logs.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	// Flag defaults read the environment, so .env must be loaded first.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("AGENTD_URL", "http://localhost:8000"), "agentd base URL")
	rootCmd.PersistentFlags().StringVar(&deviceID, "device", envOr("AGENTD_DEVICE_ID", "agentctl"), "Device identifier sessions are grouped by")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log protocol activity to stderr")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(eventsCmd)
}
