package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/simpilot/internal/config"
	"github.com/billm/simpilot/internal/logger"
	"github.com/billm/simpilot/pkg/types"
)

func newShellRunner(t *testing.T, timeout time.Duration) *Runner {
	t.Helper()
	r, err := NewRunner(config.CommandConfig{
		Command: "sh",
		Args:    []string{"-c"},
		Timeout: timeout,
	}, logger.Discard())
	require.NoError(t, err)
	return r
}

func TestNewRunnerRequiresCommand(t *testing.T) {
	_, err := NewRunner(config.CommandConfig{Command: "  "}, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestRunnerRun(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		wantExit   int
		wantStdout string
		wantStderr string
	}{
		{
			name:       "success",
			script:     "echo booted",
			wantExit:   0,
			wantStdout: "booted\n",
		},
		{
			name:       "non-zero exit is not an error",
			script:     "echo partial; echo 'Invalid device' >&2; exit 164",
			wantExit:   164,
			wantStdout: "partial\n",
			wantStderr: "Invalid device\n",
		},
	}

	r := newShellRunner(t, 5*time.Second)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Run(context.Background(), tt.script)
			require.NoError(t, err)
			assert.Equal(t, tt.wantExit, res.ExitCode)
			assert.Equal(t, tt.wantStdout, res.Stdout)
			assert.Equal(t, tt.wantStderr, res.Stderr)
			assert.Equal(t, tt.wantExit == 0, res.Success())
		})
	}
}

func TestRunnerTimeout(t *testing.T) {
	r := newShellRunner(t, 100*time.Millisecond)

	_, err := r.Run(context.Background(), "sleep 5")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTimeout))
}

func TestRunnerMissingBinary(t *testing.T) {
	r, err := NewRunner(config.CommandConfig{Command: "simpilot-no-such-binary"}, logger.Discard())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "list")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCommandFailed))
	assert.True(t, types.IsErrCode(r.Available(), types.ErrCodeNotFound))
}
