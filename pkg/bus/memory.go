package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/topic"
	"github.com/billm/m2mipc/pkg/types"
)

// MemoryBroker is an in-process broker with MQTT wildcard semantics. It backs
// the "memory" transport and the IPC tests.
//
// Publish delivers synchronously on the publishing goroutine, once per client
// that holds at least one matching subscription, in client connect order.
type MemoryBroker struct {
	mu        sync.RWMutex
	clients   []*MemoryClient
	published []Message
	closed    bool
	logger    *logger.Logger
}

// NewMemoryBroker creates an empty broker. log may be nil.
func NewMemoryBroker(log *logger.Logger) *MemoryBroker {
	if log == nil {
		log = logger.NewNop()
	}
	return &MemoryBroker{
		logger: log.With("component", "memory_bus"),
	}
}

// Connect attaches a new client to the broker
func (b *MemoryBroker) Connect(name string) *MemoryClient {
	c := &MemoryClient{
		name:          name,
		broker:        b,
		subscriptions: make(map[string]*topic.Matcher),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		c.closed = true
		return c
	}
	b.clients = append(b.clients, c)
	b.logger.Debug("Client connected", "client", name)
	return c
}

// Published returns a copy of every message published so far
func (b *MemoryBroker) Published() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns the payloads published to exactly topic
func (b *MemoryBroker) PublishedTo(t string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out [][]byte
	for _, m := range b.published {
		if m.Topic == t {
			out = append(out, m.Payload)
		}
	}
	return out
}

// Close shuts the broker down and reports connection loss to every client
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	clients := b.clients
	b.clients = nil
	b.mu.Unlock()

	for _, c := range clients {
		c.lose(types.NewError(types.ErrCodeUnavailable, "memory broker closed"))
	}
	b.logger.Debug("Broker closed", "clients", len(clients))
	return nil
}

func (b *MemoryBroker) publish(from *MemoryClient, t string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "memory broker is closed")
	}
	stored := append([]byte(nil), payload...)
	b.published = append(b.published, Message{Topic: t, Payload: stored})
	clients := make([]*MemoryClient, len(b.clients))
	copy(clients, b.clients)
	b.mu.Unlock()

	delivered := 0
	for _, c := range clients {
		if c.deliver(t, payload) {
			delivered++
		}
	}
	b.logger.Debug("Message published", "from", from.name, "topic", t, "deliveries", delivered)
	return nil
}

func (b *MemoryBroker) detach(c *MemoryClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, other := range b.clients {
		if other == c {
			b.clients = append(b.clients[:i], b.clients[i+1:]...)
			return
		}
	}
}

// MemoryClient is a Client connected to a MemoryBroker
type MemoryClient struct {
	name   string
	broker *MemoryBroker

	mu            sync.RWMutex
	subscriptions map[string]*topic.Matcher
	handler       Handler
	onLost        func(error)
	closed        bool
}

var _ Client = (*MemoryClient)(nil)

// Publish publishes payload on topic
func (c *MemoryClient) Publish(ctx context.Context, t string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.ErrCodeCanceled, "publish canceled", err)
	}
	if err := topic.ValidateTopic(t); err != nil {
		return err
	}
	if c.isClosed() {
		return types.NewError(types.ErrCodeUnavailable, "client is closed")
	}
	return c.broker.publish(c, t, payload)
}

// Subscribe adds a subscription
func (c *MemoryClient) Subscribe(ctx context.Context, pattern string) error {
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.ErrCodeCanceled, "subscribe canceled", err)
	}
	if err := topic.ValidatePattern(pattern); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "client is closed")
	}
	if _, ok := c.subscriptions[pattern]; !ok {
		c.subscriptions[pattern] = topic.NewMatcher(pattern)
	}
	return nil
}

// Unsubscribe removes a subscription
func (c *MemoryClient) Unsubscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "client is closed")
	}
	delete(c.subscriptions, pattern)
	return nil
}

// SetHandler installs the inbound handler
func (c *MemoryClient) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnConnectionLost registers the connection loss callback
func (c *MemoryClient) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = fn
}

// Close detaches the client from the broker
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subscriptions = make(map[string]*topic.Matcher)
	c.mu.Unlock()

	c.broker.detach(c)
	return nil
}

// Subscriptions returns the currently subscribed patterns
func (c *MemoryClient) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.subscriptions))
	for p := range c.subscriptions {
		out = append(out, p)
	}
	return out
}

// IsSubscribed reports whether pattern is subscribed
func (c *MemoryClient) IsSubscribed(pattern string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[pattern]
	return ok
}

// Drop simulates an unexpected disconnect of this client
func (c *MemoryClient) Drop(err error) {
	c.broker.detach(c)
	c.lose(err)
}

// String returns a string representation of the client
func (c *MemoryClient) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("MemoryClient{name: %s, subscriptions: %d, closed: %v}", c.name, len(c.subscriptions), c.closed)
}

func (c *MemoryClient) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *MemoryClient) deliver(t string, payload []byte) bool {
	c.mu.RLock()
	h := c.handler
	matched := false
	for _, m := range c.subscriptions {
		if m.Matches(t) {
			matched = true
			break
		}
	}
	c.mu.RUnlock()

	if !matched || h == nil {
		return false
	}
	h(t, append([]byte(nil), payload...))
	return true
}

func (c *MemoryClient) lose(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onLost
	c.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}
