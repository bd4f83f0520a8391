package supervisor

import (
	"fmt"
	"sync"

	"github.com/billm/simpilot/pkg/types"
)

// MaxPort is the highest TCP port the allocator hands out
const MaxPort = 65535

// PortAllocator hands out increasing ports starting at a base.
// Ports are never returned to the pool, even after their worker dies.
type PortAllocator struct {
	mu   sync.Mutex
	next int
}

// NewPortAllocator creates an allocator whose first port is base
func NewPortAllocator(base int) *PortAllocator {
	return &PortAllocator{next: base}
}

// Next reserves and returns the next port. Once MaxPort has been handed
// out every call fails with ErrCodePortsExhausted.
func (p *PortAllocator) Next() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next > MaxPort {
		return 0, types.NewError(types.ErrCodePortsExhausted,
			fmt.Sprintf("no worker ports left: all ports up to %d have been used", MaxPort))
	}
	port := p.next
	p.next++
	return port, nil
}

// Peek returns the port the next call to Next will return
func (p *PortAllocator) Peek() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}
