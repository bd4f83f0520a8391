package supervisor

import (
	"sync"
	"time"

	"github.com/billm/simpilot/pkg/types"
)

// worker is the supervisor's record of one device's process
type worker struct {
	deviceID   string
	port       int
	proc       Process
	configPath string
	logPath    string
	startedAt  time.Time

	mu    sync.RWMutex
	state types.WorkerState
}

func newWorker(deviceID string, port int, proc Process, configPath, logPath string) *worker {
	return &worker{
		deviceID:   deviceID,
		port:       port,
		proc:       proc,
		configPath: configPath,
		logPath:    logPath,
		startedAt:  time.Now(),
		state:      types.WorkerSpawning,
	}
}

// alive is the single authority on worker liveness. Once the process has
// exited the record moves to dead and never leaves it.
func (w *worker) alive() bool {
	select {
	case <-w.proc.Done():
		w.setState(types.WorkerDead)
		return false
	default:
		return w.State() != types.WorkerDead
	}
}

// ready reports whether the worker passed its health check and is still running
func (w *worker) ready() bool {
	return w.alive() && w.State() == types.WorkerHealthy
}

func (w *worker) State() types.WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *worker) setState(s types.WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == types.WorkerDead {
		return
	}
	w.state = s
}

func (w *worker) info() types.WorkerInfo {
	w.alive()
	return types.WorkerInfo{
		DeviceID: w.deviceID,
		Port:     w.port,
		PID:      w.proc.PID(),
		State:    w.State(),
		LogPath:  w.logPath,
	}
}
