package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/billm/simpilot/internal/logger"
	"github.com/billm/simpilot/pkg/types"
)

// LaunchSpec describes one worker process to start
type LaunchSpec struct {
	DeviceID   string
	Port       int
	ConfigPath string
	LogPath    string
}

// Process is a running worker
type Process interface {
	// PID returns the operating system process id, or 0 if unknown
	PID() int

	// Done is closed once the process has exited
	Done() <-chan struct{}

	// Kill terminates the process immediately and waits for it to exit
	Kill() error

	// Terminate asks the process to exit and kills it after grace
	Terminate(grace time.Duration) error
}

// Launcher starts worker processes
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts the worker binary as a child process
type ExecLauncher struct {
	binary string
	logger *logger.Logger
}

// NewExecLauncher creates a launcher for the worker binary at path
func NewExecLauncher(binary string, log *logger.Logger) (*ExecLauncher, error) {
	if binary == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "agent binary cannot be empty")
	}
	log = logger.OrDefault(log)

	return &ExecLauncher{
		binary: binary,
		logger: log.With("component", "launcher"),
	}, nil
}

// Launch starts "<binary> --config <path>" with stdout and stderr appended
// to LogPath. stdin is left unconnected.
func (l *ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0755); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create worker log directory", err)
	}
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to open worker log file", err)
	}
	// The child holds its own descriptor after Start.
	defer logFile.Close()

	// Not CommandContext: the worker outlives the call that spawned it.
	cmd := exec.Command(l.binary, "--config", spec.ConfigPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, types.WrapError(types.ErrCodeSpawnFailed,
			fmt.Sprintf("failed to start %s", l.binary), err)
	}

	p := &execProcess{
		cmd:    cmd,
		done:   make(chan struct{}),
		logger: l.logger.With("device_id", spec.DeviceID, "pid", cmd.Process.Pid),
	}
	go p.wait()

	p.logger.Info("Worker process started", "port", spec.Port, "log_path", spec.LogPath)
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	mu      sync.Mutex
	waitErr error
	logger  *logger.Logger
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.logger.Info("Worker process exited", "exit_code", exitErr.ExitCode())
			return
		}
		p.logger.Warn("Worker process wait failed", "error", err)
		return
	}
	p.logger.Info("Worker process exited", "exit_code", 0)
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return types.WrapError(types.ErrCodeInternal, "failed to kill worker process", err)
	}
	<-p.done
	return nil
}

func (p *execProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return p.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.logger.Warn("Worker did not exit after SIGTERM, killing", "grace", grace)
		return p.Kill()
	}
}
