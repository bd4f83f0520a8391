package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the simpilot configuration directory
// Uses ~/.config/simpilot/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "simpilot"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// GetStateDir returns the directory holding per-worker configs and logs
func GetStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "simpilot")
	}
	return filepath.Join(os.TempDir(), "simpilot")
}

// ExecutableDir returns the directory of the running binary, resolving symlinks
func ExecutableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

const (
	// Environment variable names
	EnvLogLevel     = "SIMPILOT_LOG_LEVEL"
	EnvLogFormat    = "SIMPILOT_LOG_FORMAT"
	EnvLogOutput    = "SIMPILOT_LOG_OUTPUT"
	EnvBasePort     = "SIMPILOT_BASE_PORT"
	EnvResourceDir  = "SIMPILOT_RESOURCE_DIR"
	EnvAgentBinary  = "SIMPILOT_AGENT_BINARY"
	EnvStateDir     = "SIMPILOT_STATE_DIR"
	EnvSimctl       = "SIMPILOT_SIMCTL"
	EnvSpawnTimeout = "SIMPILOT_SPAWN_TIMEOUT"
)

const (
	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
	DefaultLogOutput = "stderr"

	// Default Supervisor settings
	DefaultAgentHost      = "127.0.0.1"
	DefaultBasePort       = 8100
	DefaultSpawnTimeout   = 30 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultProbeTimeout   = 2 * time.Second
	DefaultForwardTimeout = 60 * time.Second
	DefaultStopTimeout    = 5 * time.Second
	DefaultTemplateName   = "agent.yaml.tmpl"
	DefaultAgentBinary    = "simpilot-agent"
	DefaultResourceSubdir = "resources"

	// Default simctl settings
	DefaultSimctlCommand = "xcrun"
	DefaultSimctlTimeout = 120 * time.Second

	// Default agent settings
	DefaultAutomationCommand = "idb"
	DefaultAutomationTimeout = 30 * time.Second
	DefaultAgentReadTimeout  = 30 * time.Second
	DefaultAgentMaxBodySize  = 8 << 20
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultSupervisorConfig returns the default supervisor configuration.
// Empty paths are resolved against the running binary by Resolve.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Host:           DefaultAgentHost,
		BasePort:       DefaultBasePort,
		SpawnTimeout:   DefaultSpawnTimeout,
		PollInterval:   DefaultPollInterval,
		ProbeTimeout:   DefaultProbeTimeout,
		ForwardTimeout: DefaultForwardTimeout,
		StopTimeout:    DefaultStopTimeout,
		TemplateName:   DefaultTemplateName,
	}
}

// DefaultSimctlConfig returns the default provisioning command configuration
func DefaultSimctlConfig() CommandConfig {
	return CommandConfig{
		Command: DefaultSimctlCommand,
		Args:    []string{"simctl"},
		Timeout: DefaultSimctlTimeout,
	}
}

// DefaultAutomationConfig returns the default worker automation command configuration
func DefaultAutomationConfig() CommandConfig {
	return CommandConfig{
		Command: DefaultAutomationCommand,
		Timeout: DefaultAutomationTimeout,
	}
}

// DefaultConfig returns a configuration populated with defaults
func DefaultConfig() *Config {
	return &Config{
		Logging:    DefaultLoggingConfig(),
		Supervisor: DefaultSupervisorConfig(),
		Simctl:     DefaultSimctlConfig(),
	}
}

// DefaultAgentConfig returns a worker configuration populated with defaults
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Host:        DefaultAgentHost,
		Port:        DefaultBasePort,
		Automation:  DefaultAutomationConfig(),
		Logging:     DefaultLoggingConfig(),
		ReadTimeout: DefaultAgentReadTimeout,
		MaxBodySize: DefaultAgentMaxBodySize,
	}
}
