package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/simpilot/internal/config"
	"github.com/billm/simpilot/internal/logger"
	"github.com/billm/simpilot/pkg/agent"
	"github.com/billm/simpilot/pkg/types"
)

// fakeProcess stands in for a worker process. When serving it hosts a real
// agent transport on the allocated port.
type fakeProcess struct {
	pid      int
	done     chan struct{}
	once     sync.Once
	server   *agent.Server
	executor *agent.Executor
	killed   atomic.Bool
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit()
	return nil
}

func (p *fakeProcess) Terminate(time.Duration) error {
	p.exit()
	return nil
}

// exit simulates the process dying
func (p *fakeProcess) exit() {
	p.once.Do(func() {
		if p.server != nil {
			_ = p.server.Close()
		}
		if p.executor != nil {
			p.executor.Stop()
		}
		close(p.done)
	})
}

type fakeLauncher struct {
	mu        sync.Mutex
	specs     []LaunchSpec
	procs     []*fakeProcess
	serve     bool
	exitAfter time.Duration
	launchErr error
	delay     time.Duration

	// entered is signalled and gate awaited before a launch returns
	entered chan struct{}
	gate    chan struct{}
}

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.gate != nil {
		l.entered <- struct{}{}
		<-l.gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.launchErr != nil {
		return nil, l.launchErr
	}

	p := &fakeProcess{pid: 4000 + len(l.specs), done: make(chan struct{})}
	if l.serve {
		p.executor = agent.NewExecutor()
		go p.executor.Run()

		srv, err := agent.NewServer(agent.ServerConfig{
			Addr:        fmt.Sprintf("127.0.0.1:%d", spec.Port),
			ReadTimeout: 5 * time.Second,
			MaxBodySize: 1 << 20,
		}, echoRoutes(spec.DeviceID, spec.Port), p.executor, logger.Discard())
		if err != nil {
			return nil, err
		}
		if err := srv.Listen(ctx); err != nil {
			p.executor.Stop()
			return nil, err
		}
		p.server = srv
	}
	if l.exitAfter > 0 {
		go func() {
			time.Sleep(l.exitAfter)
			p.exit()
		}()
	}

	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func echoRoutes(deviceID string, port int) agent.Routes {
	return agent.Routes{
		agent.HealthPath: {
			Handler: func(context.Context, json.RawMessage) (int, any) {
				return http.StatusOK, map[string]string{"status": "ok"}
			},
		},
		"/tap": {
			OnExecutor: true,
			Handler: func(_ context.Context, body json.RawMessage) (int, any) {
				return http.StatusOK, map[string]any{
					"device":   deviceID,
					"port":     port,
					"received": body,
				}
			},
		},
	}
}

func freeBasePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// testConfig prepares a resource dir holding the shipped worker template
func testConfig(t *testing.T) config.SupervisorConfig {
	t.Helper()

	tmpl, err := os.ReadFile(filepath.Join("..", "..", "resources", config.DefaultTemplateName))
	require.NoError(t, err)

	resourceDir := filepath.Join(t.TempDir(), "resources")
	require.NoError(t, os.MkdirAll(resourceDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(resourceDir, config.DefaultTemplateName), tmpl, 0644))

	return config.SupervisorConfig{
		Host:           "127.0.0.1",
		BasePort:       freeBasePort(t),
		SpawnTimeout:   3 * time.Second,
		PollInterval:   20 * time.Millisecond,
		ProbeTimeout:   500 * time.Millisecond,
		ForwardTimeout: 2 * time.Second,
		StopTimeout:    time.Second,
		ResourceDir:    resourceDir,
		TemplateName:   config.DefaultTemplateName,
		StateDir:       filepath.Join(t.TempDir(), "state"),
	}
}

func newTestSupervisor(t *testing.T, cfg config.SupervisorConfig, l Launcher) *Supervisor {
	t.Helper()
	s, err := New(cfg, l, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.ShutdownAll(context.Background()) })
	return s
}

func decodeReply(t *testing.T, reply *Reply) map[string]any {
	t.Helper()
	require.NotNil(t, reply.JSON, "reply was not JSON: %q", reply.Text)
	var out map[string]any
	require.NoError(t, json.Unmarshal(reply.JSON, &out))
	return out
}

func TestForwardSpawnsWorkerOnBasePort(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{serve: true}
	s := newTestSupervisor(t, cfg, l)

	reply, err := s.Forward(context.Background(), "ABC", "/tap", map[string]any{"x": 10, "y": 20})
	require.NoError(t, err)
	assert.True(t, reply.OK())

	body := decodeReply(t, reply)
	assert.Equal(t, "ABC", body["device"])
	assert.EqualValues(t, cfg.BasePort, body["port"])
	assert.Equal(t, map[string]any{"x": float64(10), "y": float64(20)}, body["received"])

	require.Equal(t, 1, l.launches())
	spec := l.specs[0]
	assert.Equal(t, cfg.BasePort, spec.Port)
	assert.Equal(t, filepath.Join(cfg.StateDir, "logs", "agent-"+fileSafe("ABC")+".log"), spec.LogPath)

	// The materialized config is a loadable worker config for this port
	agentCfg, err := config.LoadAgentFromFile(spec.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.BasePort, agentCfg.Port)
	assert.Equal(t, "ABC", agentCfg.DeviceID)
	assert.Equal(t, cfg.ResourceDir, agentCfg.ResourceDir)

	workers := s.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerHealthy, workers[0].State)
	assert.Equal(t, cfg.BasePort, workers[0].Port)
}

func TestForwardReusesLiveWorker(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{serve: true}
	s := newTestSupervisor(t, cfg, l)

	for i := 0; i < 3; i++ {
		reply, err := s.Forward(context.Background(), "ABC", "/tap", map[string]any{"x": i, "y": i})
		require.NoError(t, err)
		assert.EqualValues(t, cfg.BasePort, decodeReply(t, reply)["port"])
	}
	assert.Equal(t, 1, l.launches())
	assert.Equal(t, cfg.BasePort+1, s.NextPort())
}

func TestEnsureWorkerSeparatePortsPerDevice(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{serve: true}
	s := newTestSupervisor(t, cfg, l)

	p1, err := s.EnsureWorker(context.Background(), "ABC")
	require.NoError(t, err)
	p2, err := s.EnsureWorker(context.Background(), "DEF")
	require.NoError(t, err)

	assert.Equal(t, cfg.BasePort, p1)
	assert.Equal(t, cfg.BasePort+1, p2)
	assert.Len(t, s.Workers(), 2)
}

func TestEnsureWorkerConcurrentCallsSpawnOnce(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{serve: true, delay: 50 * time.Millisecond}
	s := newTestSupervisor(t, cfg, l)

	const callers = 8
	ports := make(chan int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := s.EnsureWorker(context.Background(), "ABC")
			assert.NoError(t, err)
			ports <- port
		}()
	}
	wg.Wait()
	close(ports)

	for port := range ports {
		assert.Equal(t, cfg.BasePort, port)
	}
	assert.Equal(t, 1, l.launches())
}

func TestTemplateMissingConsumesPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.TemplateName = "missing.yaml.tmpl"
	l := &fakeLauncher{serve: true}
	s := newTestSupervisor(t, cfg, l)

	_, err := s.EnsureWorker(context.Background(), "ABC")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTemplateMissing))
	assert.Equal(t, 0, l.launches())
	assert.Empty(t, s.Workers())
	assert.Equal(t, cfg.BasePort+1, s.NextPort())
}

func TestDeadWorkerIsReplacedOnNextPort(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{serve: true}
	s := newTestSupervisor(t, cfg, l)

	first, err := s.EnsureWorker(context.Background(), "ABC")
	require.NoError(t, err)

	l.proc(0).exit()

	second, err := s.EnsureWorker(context.Background(), "ABC")
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
	assert.Equal(t, 2, l.launches())

	workers := s.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, second, workers[0].Port)
	assert.Equal(t, types.WorkerHealthy, workers[0].State)
}

func TestSpawnTimeoutKillsProcess(t *testing.T) {
	cfg := testConfig(t)
	cfg.SpawnTimeout = 200 * time.Millisecond
	l := &fakeLauncher{serve: false}
	s := newTestSupervisor(t, cfg, l)

	start := time.Now()
	_, err := s.EnsureWorker(context.Background(), "ABC")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeSpawnTimeout), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), cfg.SpawnTimeout)

	assert.True(t, l.proc(0).killed.Load())
	assert.Empty(t, s.Workers())

	// The next call starts over on a fresh port
	_, err = s.EnsureWorker(context.Background(), "ABC")
	require.Error(t, err)
	require.Equal(t, 2, l.launches())
	assert.Equal(t, cfg.BasePort+1, l.specs[1].Port)
}

func TestSpawnFailsWhenProcessExitsDuringStartup(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{serve: false, exitAfter: 30 * time.Millisecond}
	s := newTestSupervisor(t, cfg, l)

	start := time.Now()
	_, err := s.EnsureWorker(context.Background(), "ABC")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeSpawnFailed), "got %v", err)
	assert.Less(t, time.Since(start), cfg.SpawnTimeout)
	assert.Empty(t, s.Workers())
}

func TestLaunchFailure(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{launchErr: errors.New("exec format error")}
	s := newTestSupervisor(t, cfg, l)

	_, err := s.EnsureWorker(context.Background(), "ABC")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeSpawnFailed))
	assert.Empty(t, s.Workers())
	assert.Equal(t, cfg.BasePort+1, s.NextPort())
}

func TestForwardFailureKeepsWorkerRecord(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{serve: true}
	s := newTestSupervisor(t, cfg, l)

	_, err := s.EnsureWorker(context.Background(), "ABC")
	require.NoError(t, err)

	// The listener goes away but the process is still running
	require.NoError(t, l.proc(0).server.Close())

	_, err = s.Forward(context.Background(), "ABC", "/tap", map[string]any{"x": 1, "y": 1})
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeForwardFailed), "got %v", err)

	workers := s.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, types.WorkerHealthy, workers[0].State)
	assert.Equal(t, 1, l.launches())
}

func TestShutdownAll(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{serve: true}
	s := newTestSupervisor(t, cfg, l)

	for _, id := range []string{"ABC", "DEF", "GHI"} {
		_, err := s.EnsureWorker(context.Background(), id)
		require.NoError(t, err)
	}

	require.NoError(t, s.ShutdownAll(context.Background()))
	assert.Empty(t, s.Workers())
	for i := 0; i < 3; i++ {
		select {
		case <-l.proc(i).Done():
		default:
			t.Fatalf("worker %d still running", i)
		}
	}

	_, err := s.EnsureWorker(context.Background(), "ABC")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestShutdownDuringLaunchKillsLateWorker(t *testing.T) {
	cfg := testConfig(t)
	l := &fakeLauncher{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	s := newTestSupervisor(t, cfg, l)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.EnsureWorker(context.Background(), "ABC")
		errCh <- err
	}()

	<-l.entered
	require.NoError(t, s.ShutdownAll(context.Background()))
	close(l.gate)

	err := <-errCh
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))

	assert.True(t, l.proc(0).killed.Load())
	assert.Empty(t, s.Workers())

	_, err = s.EnsureWorker(context.Background(), "ABC")
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	assert.Equal(t, 1, l.launches())
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig(t)

	_, err := New(cfg, nil, logger.Discard())
	assert.Error(t, err)

	bad := cfg
	bad.BasePort = 0
	_, err = New(bad, &fakeLauncher{}, logger.Discard())
	assert.Error(t, err)

	bad = cfg
	bad.StateDir = ""
	_, err = New(bad, &fakeLauncher{}, logger.Discard())
	assert.Error(t, err)
}
