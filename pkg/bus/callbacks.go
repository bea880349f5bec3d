package bus

import "sync"

// Callbacks holds the handler and connection-lost hook of a transport.
// Transports embed it to implement SetHandler and OnConnectionLost.
type Callbacks struct {
	mu       sync.RWMutex
	handler  Handler
	onLost   func(error)
	lostOnce sync.Once
}

// SetHandler installs the inbound message handler
func (c *Callbacks) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnConnectionLost installs the connection-lost hook
func (c *Callbacks) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = fn
}

// Deliver passes an inbound message to the handler, if one is set
func (c *Callbacks) Deliver(t string, payload []byte) bool {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return false
	}
	h(t, payload)
	return true
}

// Lost reports a connection loss. Only the first report reaches the hook.
func (c *Callbacks) Lost(err error) {
	c.lostOnce.Do(func() {
		c.mu.RLock()
		fn := c.onLost
		c.mu.RUnlock()
		if fn != nil {
			fn(err)
		}
	})
}
