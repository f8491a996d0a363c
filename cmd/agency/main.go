package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agency",
	Short: "Agency - multi-agent task orchestration runtime",
	Long: `Agency routes tasks to the best-suited AI coding agents, executes
them in sandboxed workspaces, validates every outcome against policy,
and feeds performance telemetry back into routing decisions.

A single binary runs the full loop: registry, router, orchestrator,
worker pool, policy validator and performance tracker.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Agency version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7177", "Daemon API address")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(submitTaskCmd)
	rootCmd.AddCommand(cancelTaskCmd)
	rootCmd.AddCommand(listAgentsCmd)
	rootCmd.AddCommand(registerAgentCmd)
	rootCmd.AddCommand(unregisterAgentCmd)
	rootCmd.AddCommand(replayVerdictCmd)
}
