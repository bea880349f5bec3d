// Package bus defines the publish/subscribe client the IPC layer runs on and
// an in-memory broker implementing it.
//
// A Client is already connected when it is handed to the IPC layer. Inbound
// messages are delivered to the Handler installed with SetHandler, from
// whatever goroutine the transport uses; consumers that need serialized
// processing must hand the message off (the ipc package posts it to its
// event loop).
//
// Topic patterns use MQTT syntax on every transport ("/" separators, "+" and
// "#" wildcards). Transports with a different native syntax translate.
package bus

import "context"

// Handler receives one inbound message. The payload slice is owned by the
// handler.
type Handler func(topic string, payload []byte)

// Client is a connected publish/subscribe client
type Client interface {
	// Publish sends payload to every subscriber of a matching pattern.
	// Delivery is best-effort.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe starts delivery of messages matching pattern. Subscribing to
	// a pattern that is already subscribed is a no-op.
	Subscribe(ctx context.Context, pattern string) error

	// Unsubscribe stops delivery for pattern. Unknown patterns are a no-op.
	Unsubscribe(ctx context.Context, pattern string) error

	// SetHandler installs the inbound message handler. A client with no
	// handler drops inbound messages.
	SetHandler(h Handler)

	// OnConnectionLost registers fn to be called once when the connection to
	// the broker is lost. It is not called for an explicit Close.
	OnConnectionLost(fn func(error))

	// Close disconnects from the broker
	Close() error
}

// Message is a published message as recorded by the in-memory broker
type Message struct {
	Topic   string
	Payload []byte
}
