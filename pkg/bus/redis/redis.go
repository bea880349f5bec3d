// Package redis implements bus.Client on Redis pub/sub.
//
// A client holds a single PSUBSCRIBE "*" while it has any pattern and
// filters every message against its MQTT patterns. Redis globs cannot express
// segment boundaries, and overlapping globs make Redis send one copy per glob
// (or, on some servers, one copy for an arbitrary glob). With one glob each
// publish arrives exactly once.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/bus"
	"github.com/billm/m2mipc/pkg/topic"
	"github.com/billm/m2mipc/pkg/types"
)

const (
	// defaultPingInterval is used when no keep-alive is configured
	defaultPingInterval = 30 * time.Second
	// defaultAckTimeout bounds the wait for a PSUBSCRIBE confirmation
	defaultAckTimeout = 5 * time.Second

	allChannels = "*"
)

// Client is a bus.Client backed by a Redis connection
type Client struct {
	bus.Callbacks

	cfg    config.BusConfig
	rdb    *goredis.Client
	pubsub *goredis.PubSub
	logger *logger.Logger

	mu       sync.Mutex
	patterns *bus.Patterns
	active   bool // PSUBSCRIBE "*" sent and not withdrawn
	acks     chan string
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ bus.Client = (*Client)(nil)

// Dial connects to the Redis server at cfg.URL
func Dial(ctx context.Context, cfg config.BusConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	rdb := goredis.NewClient(opts)

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to redis "+opts.Addr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		rdb:      rdb,
		pubsub:   rdb.PSubscribe(runCtx),
		logger:   log.With("component", "redis_bus", "addr", opts.Addr),
		patterns: bus.NewPatterns(),
		acks:     make(chan string, 16),
		cancel:   cancel,
	}

	c.wg.Add(2)
	go c.receive(c.pubsub.ChannelWithSubscriptions())
	go c.watch(runCtx)

	c.logger.Info("Connected to redis", "db", opts.DB)
	return c, nil
}

func clientOptions(cfg config.BusConfig) (*goredis.Options, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid redis url", err)
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.ClientID != "" {
		opts.ClientName = cfg.ClientID
	}
	if cfg.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.ConnectTimeout
	}
	return opts, nil
}

// Publish sends payload to t
func (c *Client) Publish(ctx context.Context, t string, payload []byte) error {
	if err := topic.ValidateTopic(t); err != nil {
		return err
	}
	if c.isClosed() {
		return types.NewError(types.ErrCodeUnavailable, "redis client is closed")
	}
	if err := c.rdb.Publish(ctx, t, payload).Err(); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to publish to "+t, err)
	}
	return nil
}

// Subscribe subscribes to pattern. The first pattern of a client waits until
// the server confirms the subscription, so a message published after
// Subscribe returns is not missed. Subscribing twice is a no-op.
func (c *Client) Subscribe(ctx context.Context, pattern string) error {
	if err := topic.ValidatePattern(pattern); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "redis client is closed")
	}
	if c.patterns.Has(pattern) {
		return nil
	}
	if !c.active {
		if err := c.activate(ctx); err != nil {
			return types.WrapError(types.ErrCodeUnavailable, "failed to subscribe to "+pattern, err)
		}
	}
	c.patterns.Add(pattern)
	c.logger.Debug("Subscribed", "pattern", pattern)
	return nil
}

// activate sends PSUBSCRIBE "*" and waits for its confirmation. It runs with
// c.mu held.
func (c *Client) activate(ctx context.Context) error {
	// confirmations of earlier (un)subscribes nobody waited for
	for drained := false; !drained; {
		select {
		case <-c.acks:
		default:
			drained = true
		}
	}

	if err := c.pubsub.PSubscribe(ctx, allChannels); err != nil {
		return err
	}
	// the server holds the subscription from here on, confirmed or not
	c.active = true

	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case kind := <-c.acks:
			if kind == "psubscribe" {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("no subscription confirmation within %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unsubscribe removes the subscription for pattern. The server subscription
// is withdrawn with the last pattern. Unknown patterns are a no-op.
func (c *Client) Unsubscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.patterns.Remove(pattern) {
		return nil
	}
	c.logger.Debug("Unsubscribed", "pattern", pattern)
	if c.patterns.Len() > 0 || !c.active || c.closed {
		return nil
	}
	c.active = false
	if err := c.pubsub.PUnsubscribe(ctx, allChannels); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to unsubscribe from "+pattern, err)
	}
	return nil
}

// Close closes the subscription connection and the client. Close is
// idempotent and does not report a connection loss.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.pubsub.Close()
	c.wg.Wait()
	if cerr := c.rdb.Close(); err == nil {
		err = cerr
	}

	c.logger.Info("Disconnected from redis")
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close redis client", err)
	}
	return nil
}

// String returns a string representation of the client
func (c *Client) String() string {
	return fmt.Sprintf("redis.Client{url: %s, subscriptions: %d}", c.cfg.URL, c.patterns.Len())
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// receive delivers messages matching a subscribed pattern and hands
// subscription confirmations to activate
func (c *Client) receive(ch <-chan interface{}) {
	defer c.wg.Done()
	for m := range ch {
		switch msg := m.(type) {
		case *goredis.Subscription:
			select {
			case c.acks <- msg.Kind:
			default:
			}
		case *goredis.Message:
			if c.patterns.Owner(msg.Channel) == "" {
				continue
			}
			c.Deliver(msg.Channel, []byte(msg.Payload))
		}
	}
}

// watch pings the server and reports the first failure as a lost
// connection. go-redis reconnects pub/sub silently, which would lose
// messages without anyone noticing.
func (c *Client) watch(ctx context.Context) {
	defer c.wg.Done()

	interval := c.cfg.KeepAlive
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.rdb.Ping(pingCtx).Err()
			cancel()
			if err == nil || ctx.Err() != nil {
				continue
			}
			c.logger.Error("Redis connection lost", "error", err)
			c.Lost(types.WrapError(types.ErrCodeUnavailable, "redis connection lost", err))
			return
		}
	}
}
