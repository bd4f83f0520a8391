package types

// WorkerState is the lifecycle state of a device worker process.
//
// Transitions: spawning -> healthy -> dead, or spawning -> dead when the
// health deadline expires or the process exits during startup.
type WorkerState string

const (
	WorkerSpawning WorkerState = "spawning"
	WorkerHealthy  WorkerState = "healthy"
	WorkerDead     WorkerState = "dead"
)

// String returns the string representation of the state
func (s WorkerState) String() string {
	return string(s)
}

// WorkerInfo is a point-in-time view of a tracked worker.
type WorkerInfo struct {
	DeviceID string      `json:"device_id"`
	Port     int         `json:"port"`
	PID      int         `json:"pid"`
	State    WorkerState `json:"state"`
	LogPath  string      `json:"log_path,omitempty"`
}
