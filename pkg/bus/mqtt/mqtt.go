// Package mqtt implements bus.Client on an MQTT 3.1.1 broker using the
// Eclipse Paho client.
//
// Topics need no translation: the bus uses MQTT syntax natively. Messages are
// routed through a single default publish handler so overlapping
// subscriptions still reach the bus handler once per delivery.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/bus"
	"github.com/billm/m2mipc/pkg/topic"
	"github.com/billm/m2mipc/pkg/types"
)

// disconnectQuiesce is how long Close lets in-flight work drain, in ms
const disconnectQuiesce = 250

// Client is a bus.Client backed by a Paho MQTT connection
type Client struct {
	bus.Callbacks

	cfg    config.BusConfig
	conn   paho.Client
	logger *logger.Logger

	mu            sync.Mutex
	subscriptions *bus.Patterns
	closed        bool
}

var _ bus.Client = (*Client)(nil)

// Dial connects to the broker at cfg.URL
func Dial(ctx context.Context, cfg config.BusConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	c := &Client{
		cfg:           cfg,
		subscriptions: bus.NewPatterns(),
	}
	opts := newOptions(cfg)
	c.logger = log.With("component", "mqtt_bus", "client_id", opts.ClientID)
	opts.SetDefaultPublishHandler(c.onMessage)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.conn = paho.NewClient(opts)
	if err := wait(ctx, c.conn.Connect(), cfg.ConnectTimeout); err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to MQTT broker "+cfg.URL, err)
	}

	c.logger.Info("Connected to MQTT broker", "url", cfg.URL)
	return c, nil
}

// newOptions maps the bus configuration onto Paho options. Reconnect is
// disabled: a lost connection ends the IPC session instead of silently
// dropping its subscriptions.
func newOptions(cfg config.BusConfig) *paho.ClientOptions {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "m2mipc-" + types.GenerateID().Short()
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(clientID).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	return opts
}

// Publish sends payload to t
func (c *Client) Publish(ctx context.Context, t string, payload []byte) error {
	if err := topic.ValidateTopic(t); err != nil {
		return err
	}
	if c.isClosed() {
		return types.NewError(types.ErrCodeUnavailable, "mqtt client is closed")
	}
	if err := wait(ctx, c.conn.Publish(t, c.qos(), false, payload), 0); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to publish to "+t, err)
	}
	return nil
}

// Subscribe subscribes to pattern. Subscribing twice is a no-op.
func (c *Client) Subscribe(ctx context.Context, pattern string) error {
	if err := topic.ValidatePattern(pattern); err != nil {
		return err
	}
	if c.isClosed() {
		return types.NewError(types.ErrCodeUnavailable, "mqtt client is closed")
	}
	if c.subscriptions.Has(pattern) {
		return nil
	}

	// a nil callback routes messages through the default publish handler
	if err := wait(ctx, c.conn.Subscribe(pattern, c.qos(), nil), 0); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to subscribe to "+pattern, err)
	}
	c.subscriptions.Add(pattern)
	c.logger.Debug("Subscribed", "pattern", pattern)
	return nil
}

// Unsubscribe removes the subscription for pattern. Unknown patterns are a
// no-op.
func (c *Client) Unsubscribe(ctx context.Context, pattern string) error {
	if !c.subscriptions.Remove(pattern) {
		return nil
	}
	if c.isClosed() {
		return nil
	}
	if err := wait(ctx, c.conn.Unsubscribe(pattern), 0); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to unsubscribe from "+pattern, err)
	}
	c.logger.Debug("Unsubscribed", "pattern", pattern)
	return nil
}

// Close disconnects from the broker. Close is idempotent and does not report
// a connection loss.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.conn.Disconnect(disconnectQuiesce)
	c.logger.Info("Disconnected from MQTT broker")
	return nil
}

// String returns a string representation of the client
func (c *Client) String() string {
	return fmt.Sprintf("mqtt.Client{url: %s, subscriptions: %d, closed: %v}",
		c.cfg.URL, c.subscriptions.Len(), c.isClosed())
}

func (c *Client) qos() byte {
	return byte(c.cfg.QoS)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	c.Deliver(msg.Topic(), msg.Payload())
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	if c.isClosed() {
		return
	}
	c.logger.Error("MQTT connection lost", "error", err)
	c.Lost(types.WrapError(types.ErrCodeUnavailable, "mqtt connection lost", err))
}

// wait blocks until tok completes, ctx ends or timeout elapses. A zero
// timeout waits on ctx alone.
func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeTimeout, "mqtt operation did not complete", ctx.Err())
	}
}
