package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/billm/m2mipc/pkg/topic"
	"github.com/billm/m2mipc/pkg/types"
)

// ServerHandler handles one inbound request. It answers through the session
// and returns StatusContinue to be invoked again for the same request, or any
// other status to end the session.
type ServerHandler func(ss *ServerSession, appdata any, payload json.RawMessage) Status

type serverRegistration struct {
	base    string
	pattern string
	appdata any
	handler ServerHandler
	matcher *topic.Matcher
}

// RegisterServer subscribes to base/# and routes matching requests to
// handler. Registering the same base again replaces the handler and appdata.
func (s *Session) RegisterServer(base string, appdata any, handler ServerHandler) error {
	if handler == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "server handler cannot be nil")
	}
	if err := topic.ValidateTopic(base); err != nil {
		return err
	}
	pattern := topic.WithMultiLevel(base)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.errClosed()
	}
	reg := &serverRegistration{
		base:    base,
		pattern: pattern,
		appdata: appdata,
		handler: handler,
		matcher: topic.NewMatcher(pattern),
	}
	replaced := false
	for i, existing := range s.servers {
		if existing.base == base {
			s.servers[i] = reg
			replaced = true
			break
		}
	}
	if !replaced {
		s.servers = append(s.servers, reg)
	}
	s.mu.Unlock()

	if !replaced {
		if err := s.acquire(pattern); err != nil {
			s.removeServer(base)
			return err
		}
	}

	s.logger.Info("Server registered", "base_topic", base, "pattern", pattern, "replaced", replaced)
	return nil
}

// UnregisterServer removes the registration for base. Its pattern is
// unsubscribed unless another registration still uses it. Unknown bases are
// a no-op.
func (s *Session) UnregisterServer(base string) error {
	reg := s.removeServer(base)
	if reg == nil {
		s.logger.Debug("Unregister of unknown server ignored", "base_topic", base)
		return nil
	}

	if err := s.unref(reg.pattern); err != nil {
		return err
	}
	s.logger.Info("Server unregistered", "base_topic", base)
	return nil
}

func (s *Session) removeServer(base string) *serverRegistration {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, reg := range s.servers {
		if reg.base == base {
			s.servers = append(s.servers[:i], s.servers[i+1:]...)
			return reg
		}
	}
	return nil
}

// matchServer returns the first registration whose pattern matches t
func (s *Session) matchServer(t string) *serverRegistration {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range s.servers {
		if reg.matcher.Matches(t) {
			return reg
		}
	}
	return nil
}

// ServerSession is one inbound request being handled. It lives for the
// duration of the handler invocations for that request.
type ServerSession struct {
	session      *Session
	requestTopic string
	replyTopic   string
	status       Status
	payload      json.RawMessage
	appdata      any
	sent         int
}

// RequestTopic returns the topic the request arrived on
func (ss *ServerSession) RequestTopic() string {
	return ss.requestTopic
}

// ReplyTopic returns the topic responses are published to
func (ss *ServerSession) ReplyTopic() string {
	return ss.replyTopic
}

// RequestStatus returns the status the client sent with the request.
// CONTINUE means more requests for the same reply topic may follow.
func (ss *ServerSession) RequestStatus() Status {
	return ss.status
}

// Payload returns the request payload
func (ss *ServerSession) Payload() json.RawMessage {
	return ss.payload
}

// Appdata returns the application state of the matched registration
func (ss *ServerSession) Appdata() any {
	return ss.appdata
}

// Sent returns the number of responses published so far
func (ss *ServerSession) Sent() int {
	return ss.sent
}

// SendResponse publishes {status, response_payload} to the reply topic and
// returns the status sent. If the payload cannot be encoded, or status is not
// DONE or CONTINUE, nothing is published and StatusError is returned; the
// session stays usable.
func (ss *ServerSession) SendResponse(payload any, status Status) Status {
	log := ss.session.logger
	if !status.onWire() {
		log.Warn("Refusing to send non-wire status", "status", status.String(), "reply_topic", ss.replyTopic)
		return StatusError
	}

	raw, err := encodePayload(payload)
	if err != nil {
		log.Warn("Failed to encode response payload", "reply_topic", ss.replyTopic, "error", err)
		return StatusError
	}
	data, err := json.Marshal(ResponseEnvelope{Status: status, ResponsePayload: raw})
	if err != nil {
		log.Warn("Failed to encode response envelope", "reply_topic", ss.replyTopic, "error", err)
		return StatusError
	}

	if err := ss.session.client.Publish(ss.session.busContext(), ss.replyTopic, data); err != nil {
		log.Error("Failed to publish response", "reply_topic", ss.replyTopic, "error", err)
		return StatusError
	}

	ss.sent++
	ss.session.mu.Lock()
	ss.session.stats.ResponsesSent++
	ss.session.mu.Unlock()

	log.Debug("Response sent", "reply_topic", ss.replyTopic, "status", status.String(), "part", ss.sent)
	return status
}

// String returns a string representation of the server session
func (ss *ServerSession) String() string {
	return fmt.Sprintf("ServerSession{request: %s, reply: %s, sent: %d}", ss.requestTopic, ss.replyTopic, ss.sent)
}

// serve invokes the handler until it stops returning CONTINUE. A panicking
// handler ends the session with StatusError.
func (s *Session) serve(reg *serverRegistration, ss *ServerSession) {
	for {
		status := s.invokeServer(reg, ss)
		if status != StatusContinue {
			s.logger.Debug("Server session finished",
				"request_topic", ss.requestTopic,
				"status", status.String(),
				"responses", ss.sent)
			return
		}
	}
}

func (s *Session) invokeServer(reg *serverRegistration, ss *ServerSession) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.stats.HandlerPanics++
			s.mu.Unlock()
			s.logger.Error("Recovered panic in server handler",
				"base_topic", reg.base,
				"request_topic", ss.requestTopic,
				"panic", fmt.Sprint(r))
			status = StatusError
		}
	}()
	return reg.handler(ss, reg.appdata, ss.payload)
}
