// Package amqp implements bus.Client on a RabbitMQ topic exchange.
//
// Every client declares one exclusive, auto-deleted queue and binds it to
// the exchange once per subscribed pattern. Topics become routing keys with
// "/" replaced by "."; "+" becomes "*" and "#" stays "#", which like MQTT
// also matches the parent level. The broker delivers a message once per
// queue however many bindings match.
package amqp

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/bus"
	"github.com/billm/m2mipc/pkg/types"
)

// RoutingKeys translates between bus topics and AMQP routing keys
var RoutingKeys = bus.DotDialect("amqp", "#")

const exchangeKind = "topic"

// Client is a bus.Client backed by an AMQP 0-9-1 connection
type Client struct {
	bus.Callbacks

	cfg    config.BusConfig
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *logger.Logger

	mu       sync.Mutex
	patterns *bus.Patterns
	closed   bool
	done     chan struct{}
}

var _ bus.Client = (*Client)(nil)

// Dial connects to the broker at cfg.URL, declares cfg.Exchange and starts
// consuming from a private queue
func Dial(ctx context.Context, cfg config.BusConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg.Exchange == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "amqp transport requires an exchange")
	}
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.ErrCodeCanceled, "dial canceled", err)
	}

	conn, err := amqp.DialConfig(cfg.URL, dialConfig(cfg))
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to AMQP broker", err)
	}

	c := &Client{
		cfg:      cfg,
		conn:     conn,
		logger:   log.With("component", "amqp_bus", "exchange", cfg.Exchange),
		patterns: bus.NewPatterns(),
		done:     make(chan struct{}),
	}
	if err := c.setup(); err != nil {
		conn.Close()
		return nil, err
	}

	c.logger.Info("Connected to AMQP broker", "queue", c.queue)
	return c, nil
}

func dialConfig(cfg config.BusConfig) amqp.Config {
	props := amqp.NewConnectionProperties()
	if cfg.ClientID != "" {
		props.SetClientConnectionName(cfg.ClientID)
	}
	dc := amqp.Config{
		Heartbeat:  cfg.KeepAlive,
		Properties: props,
	}
	if cfg.ConnectTimeout > 0 {
		dc.Dial = amqp.DefaultDial(cfg.ConnectTimeout)
	}
	if cfg.Username != "" {
		dc.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
	}
	return dc
}

func (c *Client) setup() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to open AMQP channel", err)
	}
	c.ch = ch

	if err := ch.ExchangeDeclare(
		c.cfg.Exchange, // name
		exchangeKind,   // type
		true,           // durable
		false,          // auto-delete
		false,          // internal
		false,          // no-wait
		nil,
	); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to declare exchange "+c.cfg.Exchange, err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to declare queue", err)
	}
	c.queue = q.Name

	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,
	)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to consume from "+q.Name, err)
	}

	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.consume(deliveries, closed)
	return nil
}

func (c *Client) consume(deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	defer close(c.done)
	for d := range deliveries {
		c.Deliver(RoutingKeys.FromWire(d.RoutingKey), d.Body)
	}

	// deliveries closes before the connection error is reported
	if amqpErr, ok := <-closed; ok && amqpErr != nil && !c.isClosed() {
		c.logger.Error("AMQP connection lost", "error", amqpErr)
		c.Lost(types.WrapError(types.ErrCodeUnavailable, "amqp connection lost", amqpErr))
	}
}

// Publish sends payload to t
func (c *Client) Publish(ctx context.Context, t string, payload []byte) error {
	key, err := RoutingKeys.Topic(t)
	if err != nil {
		return err
	}
	if c.isClosed() {
		return types.NewError(types.ErrCodeUnavailable, "amqp client is closed")
	}

	err = c.ch.PublishWithContext(ctx,
		c.cfg.Exchange, // exchange
		key,            // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
		},
	)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to publish to "+t, err)
	}
	return nil
}

// Subscribe binds pattern to the client queue. Subscribing twice is a no-op.
func (c *Client) Subscribe(ctx context.Context, pattern string) error {
	key, err := RoutingKeys.Pattern(pattern)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.NewError(types.ErrCodeUnavailable, "amqp client is closed")
	}
	if c.patterns.Has(pattern) {
		return nil
	}
	if err := c.ch.QueueBind(c.queue, key, c.cfg.Exchange, false, nil); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to bind "+pattern, err)
	}
	c.patterns.Add(pattern)
	c.logger.Debug("Subscribed", "pattern", pattern, "binding_key", key)
	return nil
}

// Unsubscribe removes the binding for pattern. Unknown patterns are a no-op.
func (c *Client) Unsubscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.patterns.Remove(pattern) || c.closed {
		return nil
	}

	key, err := RoutingKeys.Pattern(pattern)
	if err != nil {
		return err
	}
	if err := c.ch.QueueUnbind(c.queue, key, c.cfg.Exchange, nil); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to unbind "+pattern, err)
	}
	c.logger.Debug("Unsubscribed", "pattern", pattern)
	return nil
}

// Close closes the channel and connection. Close is idempotent and does not
// report a connection loss.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var firstErr error
	if err := c.ch.Close(); err != nil {
		firstErr = err
	}
	if err := c.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	<-c.done

	c.logger.Info("Disconnected from AMQP broker")
	if firstErr != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close amqp client", firstErr)
	}
	return nil
}

// String returns a string representation of the client
func (c *Client) String() string {
	return fmt.Sprintf("amqp.Client{exchange: %s, queue: %s, subscriptions: %d}",
		c.cfg.Exchange, c.queue, c.patterns.Len())
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
