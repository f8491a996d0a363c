package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/darianrosebrook/agent-agency/pkg/api"
	"github.com/darianrosebrook/agent-agency/pkg/config"
	"github.com/darianrosebrook/agent-agency/pkg/log"
	"github.com/darianrosebrook/agent-agency/pkg/metrics"
	"github.com/darianrosebrook/agent-agency/pkg/runtime"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agency daemon",
	Long: `Start the agency daemon in the foreground.

Configuration comes from defaults, the optional --config file and
AGENCY_-prefixed environment variables, in increasing precedence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); cmd.Flags().Changed("addr") {
			cfg.ListenAddr = addr
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		metrics.SetVersion(Version)

		fmt.Println("Starting agency daemon...")
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Printf("  API Address:    %s\n", cfg.ListenAddr)
		fmt.Println()

		rt, err := runtime.New(cfg, nil)
		if err != nil {
			return err
		}
		if err := rt.Start(); err != nil {
			return err
		}
		fmt.Println("✓ Runtime started")

		stopCh := make(chan os.Signal, 1)
		signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

		server := api.NewServer(rt, func() {
			stopCh <- syscall.SIGTERM
		})
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(cfg.ListenAddr); err != nil {
				errCh <- err
			}
		}()
		fmt.Printf("✓ API listening on %s\n", cfg.ListenAddr)
		fmt.Println()
		fmt.Println("Daemon is running. Press Ctrl+C to stop.")

		select {
		case sig := <-stopCh:
			fmt.Printf("\nReceived %v, shutting down...\n", sig)
		case err := <-errCh:
			rt.Stop()
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "API shutdown: %v\n", err)
		}
		rt.Stop()
		fmt.Println("✓ Daemon stopped")
		return nil
	},
}

func init() {
	startCmd.Flags().String("config", "", "Path to configuration file")
}
