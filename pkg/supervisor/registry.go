package supervisor

import (
	"sort"
	"sync"

	"github.com/billm/simpilot/pkg/types"
)

// registry maps device identity to its worker record.
// Mutation is serialized per device by the supervisor's singleflight group;
// the mutex only protects the map itself.
// Once drained the registry is closed and refuses new records.
type registry struct {
	mu      sync.RWMutex
	workers map[string]*worker
	closed  bool
}

func newRegistry() *registry {
	return &registry{workers: make(map[string]*worker)}
}

func (r *registry) get(deviceID string) (*worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[deviceID]
	return w, ok
}

// put records w and reports false, recording nothing, once the registry is closed
func (r *registry) put(w *worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.workers[w.deviceID] = w
	return true
}

// remove deletes the record only if it is still w
func (r *registry) remove(w *worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.workers[w.deviceID]; ok && cur == w {
		delete(r.workers, w.deviceID)
	}
}

// drain closes the registry, empties it and returns what it held
func (r *registry) drain() []*worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	r.workers = make(map[string]*worker)
	return out
}

func (r *registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// snapshot returns worker info sorted by device identity
func (r *registry) snapshot() []types.WorkerInfo {
	r.mu.RLock()
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.RUnlock()

	out := make([]types.WorkerInfo, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
