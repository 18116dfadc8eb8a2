package port

import (
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
)

// Allocator hands out loopback ports for control listeners. Each owner (the
// supervised assistant, a one-shot exec run) keeps its port until released.
type Allocator struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	allocated map[string]int // owner → port
	usedPorts map[int]string // port → owner
	available func(int) bool
}

// NewAllocator creates a port allocator for the given range [min, max].
func NewAllocator(minPort, maxPort int) *Allocator {
	return &Allocator{
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[string]int),
		usedPorts: make(map[int]string),
		available: isPortAvailable,
	}
}

// Allocate picks a free port for owner. Idempotent: the same owner gets the
// same port back until Release.
func (a *Allocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.allocated[owner]; ok {
		return port, nil
	}

	rangeSize := a.maxPort - a.minPort + 1
	if rangeSize <= 0 || len(a.usedPorts) >= rangeSize {
		return 0, fmt.Errorf("port range exhausted (%d-%d)", a.minPort, a.maxPort)
	}

	for attempts := 0; attempts < rangeSize*2; attempts++ {
		if a.take(owner, a.minPort+rand.IntN(rangeSize)) {
			return a.allocated[owner], nil
		}
	}

	// Exhaustive scan as fallback
	for port := a.minPort; port <= a.maxPort; port++ {
		if a.take(owner, port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("no available ports in range %d-%d", a.minPort, a.maxPort)
}

// take claims port for owner if nobody holds it and nothing is listening.
// Caller must hold a.mu.
func (a *Allocator) take(owner string, port int) bool {
	if _, taken := a.usedPorts[port]; taken {
		return false
	}
	if !a.available(port) {
		return false
	}
	a.allocated[owner] = port
	a.usedPorts[port] = owner
	return true
}

// Reserve records a fixed port for owner, e.g. a configured control port or
// one restored from the state file.
func (a *Allocator) Reserve(owner string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.usedPorts[port]; ok && existing != owner {
		return fmt.Errorf("port %d already allocated to %q", port, existing)
	}
	if prev, ok := a.allocated[owner]; ok && prev != port {
		delete(a.usedPorts, prev)
	}

	a.allocated[owner] = port
	a.usedPorts[port] = owner
	return nil
}

// Release frees the port held by owner.
func (a *Allocator) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.allocated[owner]; ok {
		delete(a.usedPorts, port)
		delete(a.allocated, owner)
	}
}

// Port returns the port held by owner, or 0 if none.
func (a *Allocator) Port(owner string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated[owner]
}

func isPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
