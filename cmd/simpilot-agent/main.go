// Command simpilot-agent is the per-device automation worker. The control
// process starts one per simulator with a materialized config file and
// forwards UI tool calls to it over HTTP on localhost.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/billm/simpilot/internal/config"
	"github.com/billm/simpilot/internal/logger"
	"github.com/billm/simpilot/internal/version"
	"github.com/billm/simpilot/pkg/agent"
	"github.com/billm/simpilot/pkg/automation"
	"github.com/billm/simpilot/pkg/command"
)

var (
	cfgFile     string
	versionFlag bool
)

func init() {
	// Keep main on the main OS thread; the executor runs UI work there.
	runtime.LockOSThread()
}

var rootCmd = &cobra.Command{
	Use:           "simpilot-agent",
	Short:         "Per-device automation worker for simpilot",
	Version:       version.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	if versionFlag {
		fmt.Fprintf(cmd.OutOrStdout(), "simpilot-agent version %s\n", version.GetVersion())
		return nil
	}
	if cfgFile == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := config.LoadAgentFromFile(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()
	logger.SetGlobal(log)
	log = log.With("device_id", cfg.DeviceID)

	runner, err := command.NewRunner(cfg.Automation, log)
	if err != nil {
		return err
	}
	idb, err := automation.NewIDB(runner, cfg.DeviceID, log)
	if err != nil {
		return err
	}

	executor := agent.NewExecutor()
	server, err := agent.NewServer(agent.ServerConfig{
		Addr:        cfg.Address(),
		ReadTimeout: cfg.ReadTimeout,
		MaxBodySize: cfg.MaxBodySize,
	}, agent.NewRoutes(cfg.DeviceID, idb), executor, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Listen(ctx); err != nil {
		return err
	}
	log.Info("Agent started", "version", version.GetVersion(), "addr", server.Addr(), "pid", os.Getpid())

	go func() {
		<-ctx.Done()
		log.Info("Shutdown signal received")
		executor.Stop()
	}()

	// Blocks until the executor is stopped
	executor.Run()

	if err := server.Close(); err != nil {
		log.Warn("Failed to close transport", "error", err)
	}
	log.Info("Agent stopped")
	return nil
}

func main() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "",
		"Path to the materialized agent config (.yaml or .toml)")
	rootCmd.Flags().BoolVar(&versionFlag, "version", false,
		"Show version information")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "simpilot-agent:", err)
		os.Exit(1)
	}
}
