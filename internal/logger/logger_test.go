package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/simpilot/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{
			name:    "json to stderr",
			cfg:     config.LoggingConfig{Level: "info", Format: "json", Output: "stderr"},
			wantErr: false,
		},
		{
			name:    "text with empty output defaults to stderr",
			cfg:     config.LoggingConfig{Level: "debug", Format: "text"},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			cfg:     config.LoggingConfig{Level: "invalid", Format: "json"},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			cfg:     config.LoggingConfig{Level: "info", Format: "invalid"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, l)
		})
	}
}

func TestLoggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent-ABC.log")

	l, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	l.With("component", "agent").Info("worker ready", "port", 8100)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "worker ready", entry["msg"])
	assert.Equal(t, "agent", entry["component"])
	assert.EqualValues(t, 8100, entry["port"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, "text", LevelWarn)
	require.NoError(t, err)

	l.Info("dropped")
	l.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
	assert.True(t, l.Enabled(LevelError))
	assert.False(t, l.Enabled(LevelDebug))
}

func TestDerivedLoggerDoesNotOwnFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	root, err := New(config.LoggingConfig{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)

	child := root.With("component", "child")
	require.NoError(t, child.Close())

	root.Info("still writable")
	require.NoError(t, root.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "still writable")
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, "text", LevelInfo)
	require.NoError(t, err)

	SetGlobal(l)
	defer SetGlobal(nil)

	OrDefault(nil).Info("via global")
	assert.Contains(t, buf.String(), "via global")
}
