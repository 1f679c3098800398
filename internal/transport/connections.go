package transport

import "sync"

var (
	defaultOnce sync.Once
	defaultConn *Connections
)

// Default returns the process-wide Connections registry, creating it on
// first call.
func Default() *Connections {
	defaultOnce.Do(func() { defaultConn = NewConnections() })

	return defaultConn
}

// Connections lazily starts, and shares, the one process-wide [Real] bus
// per [BusKind]. Engines and writer services in the same process talk to
// the same session (or system) bus instance rather than each dialing
// independently, mirroring a libdbus connection being process-global.
type Connections struct {
	mu    sync.Mutex
	buses map[BusKind]*Real
}

// NewConnections returns an empty registry; buses are created on first
// request via [Connections.Get].
func NewConnections() *Connections {
	return &Connections{buses: make(map[BusKind]*Real)}
}

// Get returns the shared bus for kind, starting its worker goroutine on
// first use.
func (c *Connections) Get(kind BusKind) *Real {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.buses[kind]; ok {
		return b
	}

	b := NewReal(kind)
	c.buses[kind] = b

	return b
}

// CloseAll closes every bus this registry has opened.
func (c *Connections) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error

	for kind, b := range c.buses {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		delete(c.buses, kind)
	}

	return firstErr
}
