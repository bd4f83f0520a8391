package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/billm/simpilot/pkg/types"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars replaces environment variable placeholders with their values
// Supports ${VAR_NAME} and ${VAR_NAME:-default_value} syntax
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) >= 4 && parts[3] != "" {
			defaultValue = parts[3]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// fileFormat returns "yaml" or "toml" for a supported configuration path
func fileFormat(path string) (string, error) {
	if path == "" {
		return "", types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return "yaml", nil
	case ".toml":
		return "toml", nil
	default:
		return "", types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml, .yml or .toml extension, got: "+ext)
	}
}

// readConfigFile reads and env-interpolates a configuration file, then
// decodes it into out using the decoder matching the file extension
func readConfigFile(path string, out any) error {
	format, err := fileFormat(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}

	if strings.TrimSpace(string(data)) == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration file is empty: "+path)
	}

	expanded := interpolateEnvVars(string(data))

	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, out); err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "failed to parse TOML configuration from "+path, err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
			if yamlErr, ok := err.(*yaml.TypeError); ok {
				return types.WrapError(types.ErrCodeInvalidArgument, "YAML type error in "+path, yamlErr)
			}
			return types.WrapError(types.ErrCodeInvalidArgument, "failed to parse YAML configuration from "+path, err)
		}
	}
	return nil
}

// LoadFromFile loads the control process configuration from a YAML or TOML
// file, with environment variable overrides applied on top
func LoadFromFile(path string) (*Config, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "configuration validation failed for "+path, err)
	}

	return cfg, nil
}

// decodeFile reads a configuration file and fills in defaults
func decodeFile(path string) (*Config, error) {
	var cfg Config
	if err := readConfigFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadAgentFromFile loads a worker configuration produced from the resource template
func LoadAgentFromFile(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := readConfigFile(path, &cfg); err != nil {
		return nil, err
	}

	applyAgentDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "agent configuration validation failed for "+path, err)
	}

	return &cfg, nil
}
