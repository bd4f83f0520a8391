package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/billm/simpilot/internal/config"
	"github.com/billm/simpilot/internal/logger"
	"github.com/billm/simpilot/internal/version"
	"github.com/billm/simpilot/pkg/command"
	"github.com/billm/simpilot/pkg/rpc"
	"github.com/billm/simpilot/pkg/supervisor"
	"github.com/billm/simpilot/pkg/tools"
)

var (
	// CLI flags
	cfgFile     string
	logLevel    string
	logFormat   string
	logOutput   string
	basePort    int
	resourceDir string
	agentBinary string
	stateDir    string
	versionFlag bool

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "simpilot",
	Short: "simpilot - iOS simulator automation over the Model Context Protocol",
	Long: `simpilot speaks newline-delimited JSON-RPC on stdin/stdout and exposes
iOS simulator automation as tools.

Provisioning tools (boot, install, launch, screenshot) run simctl directly.
UI tools (tap, swipe, type_text, describe_ui) are forwarded to a per-device
agent process that is started on first use and reused afterwards.`,
	Version:       version.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

// runServer executes the protocol loop until stdin closes or a signal arrives
func runServer(cmd *cobra.Command, args []string) error {
	if versionFlag {
		fmt.Fprintf(cmd.OutOrStdout(), "simpilot version %s\n", version.GetVersion())
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()

	rootLog.Info("Starting simpilot",
		"version", version.GetVersion(),
		"base_port", cfg.Supervisor.BasePort,
		"resource_dir", cfg.Supervisor.ResourceDir,
		"state_dir", cfg.Supervisor.StateDir)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		rootLog.Warn("stdin is a terminal; simpilot expects an MCP client on stdin/stdout")
	}

	launcher, err := supervisor.NewExecLauncher(cfg.Supervisor.AgentBinary, rootLog)
	if err != nil {
		return err
	}
	sup, err := supervisor.New(cfg.Supervisor, launcher, rootLog)
	if err != nil {
		return err
	}
	simctl, err := command.NewRunner(cfg.Simctl, rootLog)
	if err != nil {
		return err
	}
	router, err := tools.NewRouter(sup, simctl, rootLog)
	if err != nil {
		return err
	}
	server, err := rpc.NewServer(router, rootLog)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, os.Stdin, os.Stdout)
	}()

	var runErr error
	select {
	case runErr = <-serveErr:
		if runErr != nil {
			rootLog.Error("Protocol loop failed", "error", runErr)
		}
	case <-ctx.Done():
		rootLog.Info("Shutdown signal received")
	}

	if workers := sup.Workers(); len(workers) > 0 {
		rootLog.Info("Workers at shutdown", "workers", workers)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.StopTimeout*2)
	defer cancel()
	if err := sup.ShutdownAll(shutdownCtx); err != nil {
		rootLog.Error("Failed to stop workers", "error", err)
		runErr = errors.Join(runErr, err)
	}

	rootLog.Info("simpilot shutdown complete")
	return runErr
}

// initLogger initializes the global logger from the resolved configuration
func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig layers the config file (explicit or default), environment and
// CLI overrides, then resolves install-relative paths
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadResolved(cfgFile, config.OverrideOptions{
		LogLevel:    logLevel,
		LogFormat:   logFormat,
		LogOutput:   logOutput,
		BasePort:    basePort,
		ResourceDir: resourceDir,
		AgentBinary: agentBinary,
		StateDir:    stateDir,
	}, config.ExecutableDir())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.OrDefault(rootLog).Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path, .yaml or .toml (default: ~/.config/simpilot/config.yaml)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stderr or file path (default: from config or env)")

	// Supervisor flags
	rootCmd.PersistentFlags().IntVar(&basePort, "base-port", 0,
		"First port handed to device agents (default: 8100)")
	rootCmd.PersistentFlags().StringVar(&resourceDir, "resource-dir", "",
		"Directory holding the agent config template (default: <install dir>/resources)")
	rootCmd.PersistentFlags().StringVar(&agentBinary, "agent-binary", "",
		"Path to the simpilot-agent binary (default: <install dir>/simpilot-agent)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "",
		"Directory for materialized agent configs and logs (default: user cache dir)")

	rootCmd.Flags().BoolVar(&versionFlag, "version", false,
		"Show version information")

	rootCmd.AddCommand(doctorCmd)
}
