package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/billm/simpilot/pkg/types"
)

// Config represents the configuration of the control process
type Config struct {
	Logging    LoggingConfig    `json:"logging" yaml:"logging" toml:"logging"`
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor" toml:"supervisor"`
	Simctl     CommandConfig    `json:"simctl" yaml:"simctl" toml:"simctl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`    // debug, info, warn, error
	Format string `json:"format" yaml:"format" toml:"format"` // json, text
	Output string `json:"output" yaml:"output" toml:"output"` // stderr, stdout, file path
}

// SupervisorConfig controls how device workers are spawned and reached
type SupervisorConfig struct {
	Host           string        `json:"host" yaml:"host" toml:"host"`
	BasePort       int           `json:"base_port" yaml:"base_port" toml:"base_port"`
	SpawnTimeout   time.Duration `json:"spawn_timeout" yaml:"spawn_timeout" toml:"spawn_timeout"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	ProbeTimeout   time.Duration `json:"probe_timeout" yaml:"probe_timeout" toml:"probe_timeout"`
	ForwardTimeout time.Duration `json:"forward_timeout" yaml:"forward_timeout" toml:"forward_timeout"`
	StopTimeout    time.Duration `json:"stop_timeout" yaml:"stop_timeout" toml:"stop_timeout"`
	AgentBinary    string        `json:"agent_binary" yaml:"agent_binary" toml:"agent_binary"`
	ResourceDir    string        `json:"resource_dir" yaml:"resource_dir" toml:"resource_dir"`
	TemplateName   string        `json:"template_name" yaml:"template_name" toml:"template_name"`
	StateDir       string        `json:"state_dir" yaml:"state_dir" toml:"state_dir"`
}

// CommandConfig describes an external command line utility
type CommandConfig struct {
	Command string        `json:"command" yaml:"command" toml:"command"`
	Args    []string      `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// AgentConfig is the configuration of a single device worker. It is
// materialized from the resource template by the supervisor.
type AgentConfig struct {
	Host        string        `json:"host" yaml:"host" toml:"host"`
	Port        int           `json:"port" yaml:"port" toml:"port"`
	DeviceID    string        `json:"device_id" yaml:"device_id" toml:"device_id"`
	ResourceDir string        `json:"resource_dir" yaml:"resource_dir" toml:"resource_dir"`
	Automation  CommandConfig `json:"automation" yaml:"automation" toml:"automation"`
	Logging     LoggingConfig `json:"logging" yaml:"logging" toml:"logging"`
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`
	MaxBodySize int           `json:"max_body_size" yaml:"max_body_size" toml:"max_body_size"`
}

// OverrideOptions carries command line overrides. Zero values are ignored.
type OverrideOptions struct {
	LogLevel    string
	LogFormat   string
	LogOutput   string
	BasePort    int
	ResourceDir string
	AgentBinary string
	StateDir    string
}

// applyDefaults fills zero-valued fields with defaults
func applyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	def := DefaultSupervisorConfig()
	if cfg.Supervisor.Host == "" {
		cfg.Supervisor.Host = def.Host
	}
	if cfg.Supervisor.BasePort == 0 {
		cfg.Supervisor.BasePort = def.BasePort
	}
	if cfg.Supervisor.SpawnTimeout == 0 {
		cfg.Supervisor.SpawnTimeout = def.SpawnTimeout
	}
	if cfg.Supervisor.PollInterval == 0 {
		cfg.Supervisor.PollInterval = def.PollInterval
	}
	if cfg.Supervisor.ProbeTimeout == 0 {
		cfg.Supervisor.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Supervisor.ForwardTimeout == 0 {
		cfg.Supervisor.ForwardTimeout = def.ForwardTimeout
	}
	if cfg.Supervisor.StopTimeout == 0 {
		cfg.Supervisor.StopTimeout = def.StopTimeout
	}
	if cfg.Supervisor.TemplateName == "" {
		cfg.Supervisor.TemplateName = def.TemplateName
	}

	simctl := DefaultSimctlConfig()
	if cfg.Simctl.Command == "" {
		cfg.Simctl.Command = simctl.Command
		if len(cfg.Simctl.Args) == 0 {
			cfg.Simctl.Args = simctl.Args
		}
	}
	if cfg.Simctl.Timeout == 0 {
		cfg.Simctl.Timeout = simctl.Timeout
	}
}

func applyLoggingDefaults(l *LoggingConfig) {
	def := DefaultLoggingConfig()
	if l.Level == "" {
		l.Level = def.Level
	}
	if l.Format == "" {
		l.Format = def.Format
	}
	if l.Output == "" {
		l.Output = def.Output
	}
}

// applyAgentDefaults fills zero-valued worker fields with defaults
func applyAgentDefaults(cfg *AgentConfig) {
	def := DefaultAgentConfig()
	applyLoggingDefaults(&cfg.Logging)
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Automation.Command == "" {
		cfg.Automation.Command = def.Automation.Command
	}
	if cfg.Automation.Timeout == 0 {
		cfg.Automation.Timeout = def.Automation.Timeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}
	if v := os.Getenv(EnvBasePort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid %s value: %s", EnvBasePort, v), err)
		}
		cfg.Supervisor.BasePort = port
	}
	if v := os.Getenv(EnvSpawnTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid %s value: %s", EnvSpawnTimeout, v), err)
		}
		cfg.Supervisor.SpawnTimeout = d
	}
	if v := os.Getenv(EnvResourceDir); v != "" {
		cfg.Supervisor.ResourceDir = v
	}
	if v := os.Getenv(EnvAgentBinary); v != "" {
		cfg.Supervisor.AgentBinary = v
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		cfg.Supervisor.StateDir = v
	}
	if v := os.Getenv(EnvSimctl); v != "" {
		cfg.Simctl.Command = v
	}
	return nil
}

// Load creates a new Config from the default config file (if present),
// defaults, and environment variable overrides
func Load() (*Config, error) {
	cfg, err := loadLayers("")
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadResolved builds the runtime configuration: the file at path (or the
// default config file when path is empty), then environment variables, then
// CLI overrides, then install-relative paths. It validates once, at the end,
// so a flag can correct a file value.
func LoadResolved(path string, opts OverrideOptions, installDir string) (*Config, error) {
	cfg, err := loadLayers(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyOverrides(opts)
	cfg.Resolve(installDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadLayers reads the file and environment layers without validating
func loadLayers(path string) (*Config, error) {
	var cfg *Config

	if path != "" {
		decoded, err := decodeFile(path)
		if err != nil {
			return nil, err
		}
		cfg = decoded
	} else if configPath, err := GetDefaultConfigPath(); err == nil {
		if _, err := os.Stat(configPath); err == nil {
			decoded, err := decodeFile(configPath)
			if err != nil {
				return nil, err
			}
			cfg = decoded
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides applies command line overrides on top of the loaded config
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
	if opts.BasePort != 0 {
		c.Supervisor.BasePort = opts.BasePort
	}
	if opts.ResourceDir != "" {
		c.Supervisor.ResourceDir = opts.ResourceDir
	}
	if opts.AgentBinary != "" {
		c.Supervisor.AgentBinary = opts.AgentBinary
	}
	if opts.StateDir != "" {
		c.Supervisor.StateDir = opts.StateDir
	}
}

// Resolve fills in paths that default to locations relative to the
// installation directory (the directory holding the running binary)
func (c *Config) Resolve(installDir string) {
	if c.Supervisor.ResourceDir == "" {
		c.Supervisor.ResourceDir = filepath.Join(installDir, DefaultResourceSubdir)
	}
	if c.Supervisor.AgentBinary == "" {
		c.Supervisor.AgentBinary = filepath.Join(installDir, DefaultAgentBinary)
	}
	if c.Supervisor.StateDir == "" {
		c.Supervisor.StateDir = GetStateDir()
	}
}

// TemplatePath returns the path of the per-worker configuration template
func (c SupervisorConfig) TemplatePath() string {
	return filepath.Join(c.ResourceDir, c.TemplateName)
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	if err := c.Logging.validate(); err != nil {
		return err
	}
	// stdout carries the control protocol
	if c.Logging.Output == "stdout" {
		return types.NewError(types.ErrCodeInvalidArgument,
			"log output cannot be stdout: stdout is reserved for the control protocol")
	}

	s := c.Supervisor
	if s.Host == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "supervisor host cannot be empty")
	}
	if s.BasePort < 1 || s.BasePort > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument, "supervisor base port must be between 1 and 65535")
	}
	if s.SpawnTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "supervisor spawn timeout must be positive")
	}
	if s.PollInterval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "supervisor poll interval must be positive")
	}
	if s.ProbeTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "supervisor probe timeout must be positive")
	}
	if s.ForwardTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "supervisor forward timeout must be positive")
	}
	if s.TemplateName == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "supervisor template name cannot be empty")
	}

	if c.Simctl.Command == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "simctl command cannot be empty")
	}
	if c.Simctl.Timeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "simctl timeout must be positive")
	}
	return nil
}

// Validate checks the worker configuration for validity
func (c *AgentConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument, "agent port must be between 1 and 65535")
	}
	if c.DeviceID == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "agent device id cannot be empty")
	}
	if c.Automation.Command == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "agent automation command cannot be empty")
	}
	if c.MaxBodySize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "agent max body size must be positive")
	}
	return c.Logging.validate()
}

// Address returns host:port for the worker listener
func (c *AgentConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (l LoggingConfig) validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[l.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", l.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[l.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", l.Format))
	}
	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Supervisor: %s, Simctl: %s}",
		c.Logging, c.Supervisor, c.Simctl)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c SupervisorConfig) String() string {
	return fmt.Sprintf("SupervisorConfig{Host: %s, BasePort: %d, SpawnTimeout: %s, ForwardTimeout: %s, ResourceDir: %s}",
		c.Host, c.BasePort, c.SpawnTimeout, c.ForwardTimeout, c.ResourceDir)
}

func (c CommandConfig) String() string {
	return fmt.Sprintf("CommandConfig{Command: %s, Args: %v, Timeout: %s}", c.Command, c.Args, c.Timeout)
}
