package manager

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out TCP ports from [floor, ceiling]. The cursor only
// moves forward so a port released by a stopping process is not handed to a
// new one immediately; it wraps to the floor once the ceiling is passed.
type PortAllocator struct {
	mu      sync.Mutex
	floor   int
	ceiling int
	next    int
	used    map[int]bool
	host    string
	probe   bool
}

// NewPortAllocator constructs an allocator. When probe is set, ports that
// cannot be bound on host are skipped as well.
func NewPortAllocator(floor, ceiling int, host string, probe bool) *PortAllocator {
	if ceiling < floor {
		ceiling = floor
	}
	return &PortAllocator{floor: floor, ceiling: ceiling, next: floor, used: make(map[int]bool), host: host, probe: probe}
}

// Allocate reserves and returns the next free port.
func (p *PortAllocator) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	span := p.ceiling - p.floor + 1
	for i := 0; i < span; i++ {
		if p.next > p.ceiling {
			p.next = p.floor
		}
		port := p.next
		p.next++
		if p.used[port] {
			continue
		}
		if p.probe && !canBind(p.host, port) {
			continue
		}
		p.used[port] = true
		return port, nil
	}
	return 0, portExhaustedError{floor: p.floor, ceiling: p.ceiling}
}

// Reserve marks an explicitly configured port as used.
func (p *PortAllocator) Reserve(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used[port] {
		return portInUseError{port: port}
	}
	p.used[port] = true
	return nil
}

// Release frees a port. Releasing an unused port is a no-op.
func (p *PortAllocator) Release(port int) {
	if port <= 0 {
		return
	}
	p.mu.Lock()
	delete(p.used, port)
	p.mu.Unlock()
}

// InUse reports whether port is currently reserved.
func (p *PortAllocator) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used[port]
}

func canBind(host string, port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
