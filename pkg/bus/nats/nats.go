// Package nats implements bus.Client on a NATS server.
//
// Topics are mapped onto subjects: "/" becomes ".", "+" becomes "*" and "#"
// becomes ">". NATS ">" does not match its parent subject, so a pattern
// ending in "/#" also subscribes the parent. NATS delivers one copy per
// matching subscription; copies are dropped unless they arrived for the
// first matching pattern.
package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/bus"
	"github.com/billm/m2mipc/pkg/topic"
	"github.com/billm/m2mipc/pkg/types"
)

// Subjects translates between bus topics and NATS subjects
var Subjects = func() bus.Dialect {
	d := bus.DotDialect("nats", ">")
	d.NoEmptySegments = true
	return d
}()

// flushTimeout bounds the subscribe round trip when neither ctx nor the
// configuration sets one
const flushTimeout = 5 * time.Second

// Client is a bus.Client backed by a NATS connection
type Client struct {
	bus.Callbacks

	cfg    config.BusConfig
	conn   *natsgo.Conn
	logger *logger.Logger

	mu       sync.Mutex
	patterns *bus.Patterns
	subs     map[string][]*natsgo.Subscription
	closed   bool
}

var _ bus.Client = (*Client)(nil)

// Dial connects to the NATS server at cfg.URL
func Dial(ctx context.Context, cfg config.BusConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.ErrCodeCanceled, "dial canceled", err)
	}

	c := &Client{
		cfg:      cfg,
		logger:   log.With("component", "nats_bus", "client_id", clientName(cfg)),
		patterns: bus.NewPatterns(),
		subs:     make(map[string][]*natsgo.Subscription),
	}

	opts := connectOptions(cfg)
	opts = append(opts,
		natsgo.NoReconnect(),
		natsgo.DisconnectErrHandler(c.onDisconnect),
		natsgo.ClosedHandler(c.onClosed),
	)

	conn, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to NATS "+cfg.URL, err)
	}
	c.conn = conn

	c.logger.Info("Connected to NATS", "url", conn.ConnectedUrlRedacted())
	return c, nil
}

func clientName(cfg config.BusConfig) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return "m2mipc"
}

func connectOptions(cfg config.BusConfig) []natsgo.Option {
	opts := []natsgo.Option{natsgo.Name(clientName(cfg))}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, natsgo.Timeout(cfg.ConnectTimeout))
	}
	if cfg.KeepAlive > 0 {
		opts = append(opts, natsgo.PingInterval(cfg.KeepAlive))
	}
	if cfg.Username != "" {
		opts = append(opts, natsgo.UserInfo(cfg.Username, cfg.Password))
	}
	return opts
}

// subjectsFor returns every subject needed to cover pattern
func subjectsFor(pattern string) ([]string, error) {
	subject, err := Subjects.Pattern(pattern)
	if err != nil {
		return nil, err
	}
	subjects := []string{subject}

	segments := topic.Split(pattern)
	if len(segments) > 1 && segments[len(segments)-1] == topic.MultiLevel {
		parent, err := Subjects.Pattern(topic.Join(segments[:len(segments)-1]...))
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, parent)
	}
	return subjects, nil
}

// Publish sends payload to t
func (c *Client) Publish(ctx context.Context, t string, payload []byte) error {
	subject, err := Subjects.Topic(t)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.ErrCodeCanceled, "publish canceled", err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to publish to "+t, err)
	}
	return nil
}

// Subscribe subscribes to pattern. Subscribing twice is a no-op.
func (c *Client) Subscribe(ctx context.Context, pattern string) error {
	subjects, err := subjectsFor(pattern)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "nats client is closed")
	}
	if c.patterns.Has(pattern) {
		return nil
	}

	handler := func(msg *natsgo.Msg) {
		t := Subjects.FromWire(msg.Subject)
		if c.patterns.Owner(t) != pattern {
			return
		}
		c.Deliver(t, msg.Data)
	}

	subs := make([]*natsgo.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := c.conn.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return types.WrapError(types.ErrCodeUnavailable, "failed to subscribe to "+pattern, err)
		}
		subs = append(subs, sub)
	}

	// the subscription is live once the server has processed it
	if err := c.flush(ctx); err != nil {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		return err
	}

	c.patterns.Add(pattern)
	c.subs[pattern] = subs
	c.logger.Debug("Subscribed", "pattern", pattern, "subjects", subjects)
	return nil
}

// Unsubscribe removes the subscription for pattern. Unknown patterns are a
// no-op.
func (c *Client) Unsubscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.patterns.Remove(pattern) {
		return nil
	}
	subs := c.subs[pattern]
	delete(c.subs, pattern)
	if c.closed {
		return nil
	}

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			return types.WrapError(types.ErrCodeUnavailable, "failed to unsubscribe from "+pattern, err)
		}
	}
	c.logger.Debug("Unsubscribed", "pattern", pattern)
	return nil
}

// Close closes the connection without draining. Close is idempotent and
// does not report a connection loss.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.conn.Close()
	c.logger.Info("Disconnected from NATS")
	return nil
}

// String returns a string representation of the client
func (c *Client) String() string {
	return fmt.Sprintf("nats.Client{url: %s, subscriptions: %d}", c.cfg.URL, c.patterns.Len())
}

func (c *Client) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		timeout := c.cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = flushTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "nats flush failed", err)
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) onDisconnect(_ *natsgo.Conn, err error) {
	if c.isClosed() {
		return
	}
	if err == nil {
		err = natsgo.ErrConnectionClosed
	}
	c.logger.Error("NATS connection lost", "error", err)
	c.Lost(types.WrapError(types.ErrCodeUnavailable, "nats connection lost", err))
}

func (c *Client) onClosed(conn *natsgo.Conn) {
	c.onDisconnect(conn, conn.LastError())
}
