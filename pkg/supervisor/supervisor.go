// Package supervisor owns the per-device automation workers: it spawns them
// lazily, waits for them to become healthy, forwards calls to them, and
// replaces them once their process has died.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/billm/simpilot/internal/config"
	"github.com/billm/simpilot/internal/logger"
	"github.com/billm/simpilot/pkg/types"
)

// Supervisor tracks at most one live worker per device identity
type Supervisor struct {
	cfg      config.SupervisorConfig
	launcher Launcher
	client   *agentClient
	ports    *PortAllocator
	registry *registry
	spawns   singleflight.Group
	logger   *logger.Logger
}

// New creates a supervisor. Zero-valued timing fields fall back to defaults.
func New(cfg config.SupervisorConfig, launcher Launcher, log *logger.Logger) (*Supervisor, error) {
	if launcher == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "launcher cannot be nil")
	}
	if cfg.BasePort <= 0 || cfg.BasePort > 65535 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid base port: %d", cfg.BasePort))
	}
	if cfg.StateDir == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "state directory cannot be empty")
	}
	if cfg.Host == "" {
		cfg.Host = config.DefaultAgentHost
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = config.DefaultSpawnTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = config.DefaultProbeTimeout
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = config.DefaultForwardTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = config.DefaultStopTimeout
	}
	log = logger.OrDefault(log)

	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		client:   newAgentClient(cfg.Host),
		ports:    NewPortAllocator(cfg.BasePort),
		registry: newRegistry(),
		logger:   log.With("component", "supervisor"),
	}

	s.logger.Info("Supervisor initialized",
		"base_port", cfg.BasePort,
		"template", cfg.TemplatePath(),
		"state_dir", cfg.StateDir,
		"spawn_timeout", cfg.SpawnTimeout)

	return s, nil
}

// EnsureWorker returns the port of a healthy worker for deviceID, spawning
// one if none is tracked or the tracked process has died. Concurrent calls
// for the same device share a single spawn.
func (s *Supervisor) EnsureWorker(ctx context.Context, deviceID string) (int, error) {
	if deviceID == "" {
		return 0, types.NewError(types.ErrCodeInvalidArgument, "device id cannot be empty")
	}
	if s.isClosed() {
		return 0, types.NewError(types.ErrCodeUnavailable, "supervisor is shut down")
	}

	v, err, _ := s.spawns.Do(deviceID, func() (any, error) {
		return s.ensureWorker(ctx, deviceID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Supervisor) ensureWorker(ctx context.Context, deviceID string) (int, error) {
	if w, ok := s.registry.get(deviceID); ok {
		if w.ready() {
			return w.port, nil
		}
		s.logger.Warn("Worker process is gone, replacing it",
			"device_id", deviceID,
			"port", w.port,
			"state", w.State())
		s.registry.remove(w)
	}

	port, err := s.ports.Next()
	if err != nil {
		s.logger.Error("Cannot spawn worker", "device_id", deviceID, "error", err)
		return 0, err
	}
	name := fileSafe(deviceID)
	configPath := filepath.Join(s.cfg.StateDir, "agents", fmt.Sprintf("%s-%d.yaml", name, port))
	logPath := filepath.Join(s.cfg.StateDir, "logs", "agent-"+name+".log")

	if err := Materialize(s.cfg.TemplatePath(), configPath, TemplateVars{
		Host:        s.cfg.Host,
		Port:        port,
		DeviceID:    deviceID,
		ResourceDir: s.cfg.ResourceDir,
	}); err != nil {
		s.logger.Error("Failed to prepare worker config", "device_id", deviceID, "port", port, "error", err)
		return 0, err
	}

	proc, err := s.launcher.Launch(ctx, LaunchSpec{
		DeviceID:   deviceID,
		Port:       port,
		ConfigPath: configPath,
		LogPath:    logPath,
	})
	if err != nil {
		s.logger.Error("Failed to launch worker", "device_id", deviceID, "port", port, "error", err)
		if types.GetErrorCode(err) == types.ErrCodeSpawnFailed {
			return 0, err
		}
		return 0, types.WrapError(types.ErrCodeSpawnFailed, "failed to launch worker", err)
	}

	w := newWorker(deviceID, port, proc, configPath, logPath)
	if !s.registry.put(w) {
		// ShutdownAll ran while the process was starting
		if kerr := proc.Kill(); kerr != nil {
			s.logger.Warn("Failed to kill worker after shutdown", "device_id", deviceID, "error", kerr)
		}
		w.setState(types.WorkerDead)
		return 0, types.NewError(types.ErrCodeUnavailable, "supervisor is shut down")
	}

	s.logger.Info("Waiting for worker to become healthy",
		"device_id", deviceID,
		"port", port,
		"pid", proc.PID())

	start := time.Now()
	if err := s.waitHealthy(ctx, w); err != nil {
		if kerr := proc.Kill(); kerr != nil {
			s.logger.Warn("Failed to kill unhealthy worker", "device_id", deviceID, "error", kerr)
		}
		w.setState(types.WorkerDead)
		s.registry.remove(w)
		s.logger.Error("Worker failed to start", "device_id", deviceID, "port", port, "error", err)
		return 0, err
	}

	w.setState(types.WorkerHealthy)
	s.logger.Info("Worker ready",
		"device_id", deviceID,
		"port", port,
		"startup", time.Since(start).Round(time.Millisecond))
	return port, nil
}

// waitHealthy polls the worker's liveness route until it answers, the
// process exits, or the spawn deadline passes.
func (s *Supervisor) waitHealthy(ctx context.Context, w *worker) error {
	deadline, cancel := context.WithTimeout(ctx, s.cfg.SpawnTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		lastErr = s.client.probe(deadline, w.port, s.cfg.ProbeTimeout)
		if lastErr == nil {
			return nil
		}

		select {
		case <-w.proc.Done():
			return types.NewError(types.ErrCodeSpawnFailed,
				fmt.Sprintf("worker for %s exited during startup, see %s", w.deviceID, w.logPath))
		case <-deadline.Done():
			if ctx.Err() != nil {
				return types.WrapError(types.ErrCodeUnavailable, "spawn cancelled", ctx.Err())
			}
			return types.WrapError(types.ErrCodeSpawnTimeout,
				fmt.Sprintf("worker for %s not healthy within %s", w.deviceID, s.cfg.SpawnTimeout), lastErr)
		case <-ticker.C:
		}
	}
}

// Forward posts body to path on the device's worker and returns its reply.
// A failed call is not retried and leaves the worker record in place.
func (s *Supervisor) Forward(ctx context.Context, deviceID, path string, body any) (*Reply, error) {
	port, err := s.EnsureWorker(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ForwardTimeout)
	defer cancel()

	start := time.Now()
	reply, err := s.client.post(callCtx, port, path, body, requestID)
	if err != nil {
		s.logger.Warn("Forward failed",
			"device_id", deviceID,
			"port", port,
			"path", path,
			"request_id", requestID,
			"error", err)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, types.WrapError(types.ErrCodeTimeout,
				fmt.Sprintf("%s on %s timed out after %s", path, deviceID, s.cfg.ForwardTimeout), err)
		}
		return nil, types.WrapError(types.ErrCodeForwardFailed,
			fmt.Sprintf("%s on %s failed", path, deviceID), err)
	}

	s.logger.Debug("Forwarded call",
		"device_id", deviceID,
		"path", path,
		"status", reply.Status,
		"request_id", requestID,
		"duration", time.Since(start))
	return reply, nil
}

// Workers returns a snapshot of every tracked worker
func (s *Supervisor) Workers() []types.WorkerInfo {
	return s.registry.snapshot()
}

// NextPort returns the port the next spawned worker will receive
func (s *Supervisor) NextPort() int {
	return s.ports.Peek()
}

// ShutdownAll terminates every tracked worker in parallel and clears the
// registry. Later calls to EnsureWorker fail.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	workers := s.registry.drain()
	if len(workers) == 0 {
		return nil
	}
	s.logger.Info("Stopping workers", "count", len(workers))

	g, _ := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			if err := w.proc.Terminate(s.cfg.StopTimeout); err != nil {
				return fmt.Errorf("stop worker for %s: %w", w.deviceID, err)
			}
			w.setState(types.WorkerDead)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to stop all workers", err)
	}
	s.logger.Info("All workers stopped")
	return nil
}

func (s *Supervisor) isClosed() bool {
	return s.registry.isClosed()
}
