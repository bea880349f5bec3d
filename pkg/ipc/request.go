package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/billm/m2mipc/pkg/loop"
	"github.com/billm/m2mipc/pkg/topic"
	"github.com/billm/m2mipc/pkg/types"
)

// ResponseHandler receives the responses to one request. It is called with
// StatusContinue for every intermediate response and exactly once with a
// terminal status: StatusDone with the final response payload, or
// StatusTimeout with the last request payload sent.
type ResponseHandler func(status Status, appdata any, payload json.RawMessage)

// Request is a pending outbound request. It owns a reply topic subscription
// and, once a DONE request has been sent with a timeout, a timer. Both are
// released on whichever terminal event comes first: the DONE response, the
// timeout, Cancel or session teardown.
type Request struct {
	session      *Session
	base         string
	requestTopic string
	replyTopic   string
	suffix       int
	appdata      any
	handler      ResponseHandler
	timeout      time.Duration

	// guarded by session.mu
	timer       *loop.Timer
	lastPayload json.RawMessage
	finished    bool
}

// PrepareRequest allocates a reply topic for base, subscribes to it and
// returns the request for the caller to Send on. The reply topic is
// subscribed before anything is sent so a fast response cannot be missed.
// A timeout of zero or less never expires.
func (s *Session) PrepareRequest(base string, appdata any, handler ResponseHandler, timeout time.Duration) (*Request, error) {
	if handler == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "response handler cannot be nil")
	}
	if err := topic.ValidateTopic(base); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.errClosed()
	}
	r, err := s.allocateLocked(base)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	r.appdata = appdata
	r.handler = handler
	r.timeout = timeout
	s.pending[r.replyTopic] = r
	s.mu.Unlock()

	if err := s.acquire(r.replyTopic); err != nil {
		s.claim(r)
		return nil, err
	}

	s.logger.Debug("Request prepared",
		"request_topic", r.requestTopic,
		"reply_topic", r.replyTopic,
		"timeout", timeout.String())
	return r, nil
}

// allocateLocked picks a suffix whose reply topic is not already pending
func (s *Session) allocateLocked(base string) (*Request, error) {
	for i := 0; i < s.correlator.attempts; i++ {
		suffix := s.correlator.next()
		requestTopic, replyTopic, err := s.deriver.Reply(base, suffix)
		if err != nil {
			return nil, err
		}
		if _, taken := s.pending[replyTopic]; taken {
			s.logger.Debug("Correlation suffix collision, drawing again", "reply_topic", replyTopic)
			continue
		}
		return &Request{
			session:      s,
			base:         base,
			requestTopic: requestTopic,
			replyTopic:   replyTopic,
			suffix:       suffix,
		}, nil
	}
	return nil, types.NewError(types.ErrCodeResourceExhausted,
		fmt.Sprintf("no free correlation suffix for %s after %d attempts", base, s.correlator.attempts))
}

// Base returns the base topic the request was prepared for
func (r *Request) Base() string {
	return r.base
}

// RequestTopic returns the topic the request is published to
func (r *Request) RequestTopic() string {
	return r.requestTopic
}

// ReplyTopic returns the topic responses are expected on
func (r *Request) ReplyTopic() string {
	return r.replyTopic
}

// Suffix returns the correlation suffix
func (r *Request) Suffix() int {
	return r.suffix
}

// Finished reports whether the request reached a terminal state or was
// cancelled
func (r *Request) Finished() bool {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	return r.finished
}

// Send publishes {status, request_payload, reply_topic} to the request topic
// and returns the status sent. Sending DONE with a positive timeout starts
// (or restarts) the timeout. If the payload cannot be encoded, status is not
// DONE or CONTINUE, or the request is already finished, nothing is published,
// no timer is started and StatusError is returned.
func (r *Request) Send(payload any, status Status) Status {
	s := r.session
	if !status.onWire() {
		s.logger.Warn("Refusing to send non-wire status", "status", status.String(), "request_topic", r.requestTopic)
		return StatusError
	}

	raw, err := encodePayload(payload)
	if err != nil {
		s.logger.Warn("Failed to encode request payload", "request_topic", r.requestTopic, "error", err)
		return StatusError
	}
	data, err := json.Marshal(RequestEnvelope{Status: status, RequestPayload: raw, ReplyTopic: r.replyTopic})
	if err != nil {
		s.logger.Warn("Failed to encode request envelope", "request_topic", r.requestTopic, "error", err)
		return StatusError
	}

	s.mu.Lock()
	if r.finished {
		s.mu.Unlock()
		s.logger.Warn("Send on finished request", "request_topic", r.requestTopic)
		return StatusError
	}
	r.lastPayload = raw
	var timer *loop.Timer
	if status == StatusDone && r.timeout > 0 {
		if r.timer != nil {
			r.timer.Stop()
		}
		timer = s.loop.AfterFunc(r.timeout, func() { s.expire(r) })
		r.timer = timer
	}
	s.mu.Unlock()

	if err := s.client.Publish(s.busContext(), r.requestTopic, data); err != nil {
		s.logger.Error("Failed to publish request", "request_topic", r.requestTopic, "error", err)
		if timer != nil {
			s.mu.Lock()
			timer.Stop()
			if r.timer == timer {
				r.timer = nil
			}
			s.mu.Unlock()
		}
		return StatusError
	}

	s.mu.Lock()
	s.stats.RequestsSent++
	s.mu.Unlock()

	s.logger.Debug("Request sent", "request_topic", r.requestTopic, "status", status.String())
	return status
}

// Cancel tears the request down before a terminal status: the timer is
// stopped and the reply topic unsubscribed. The handler is not invoked.
// Cancel is idempotent and a no-op on a finished request.
func (r *Request) Cancel() {
	s := r.session
	if !s.claim(r) {
		return
	}
	s.release(r)
	s.logger.Debug("Request cancelled", "reply_topic", r.replyTopic)
}

// String returns a string representation of the request
func (r *Request) String() string {
	return fmt.Sprintf("Request{request: %s, reply: %s, timeout: %s, finished: %v}",
		r.requestTopic, r.replyTopic, r.timeout, r.Finished())
}

// claim removes r from the registry and stops its timer. Exactly one caller
// wins; every later call returns false.
func (s *Session) claim(r *Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.finished {
		return false
	}
	r.finished = true
	if s.pending[r.replyTopic] == r {
		delete(s.pending, r.replyTopic)
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	return true
}

// release unsubscribes the reply topic of a claimed request
func (s *Session) release(r *Request) {
	if err := s.unref(r.replyTopic); err != nil {
		s.logger.Warn("Failed to unsubscribe reply topic", "reply_topic", r.replyTopic, "error", err)
	}
}

// lookupPending returns the unfinished request waiting on exactly t
func (s *Session) lookupPending(t string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[t]
}

// expire runs on the loop when the timeout of r elapses
func (s *Session) expire(r *Request) {
	if !s.claim(r) {
		return
	}
	s.release(r)

	s.mu.Lock()
	s.stats.Timeouts++
	payload := payloadOrNull(r.lastPayload)
	s.mu.Unlock()

	s.logger.Debug("Request timed out", "reply_topic", r.replyTopic, "timeout", r.timeout.String())
	s.invokeResponse(r, StatusTimeout, payload)
}

// complete delivers a response that arrived on the reply topic of r
func (s *Session) complete(r *Request, status Status, payload json.RawMessage) {
	if status == StatusDone {
		if !s.claim(r) {
			s.drop(r.replyTopic, "request already finished")
			return
		}
		s.release(r)
	} else if r.Finished() {
		s.drop(r.replyTopic, "request already finished")
		return
	}

	s.mu.Lock()
	s.stats.ResponsesHandled++
	s.mu.Unlock()

	s.invokeResponse(r, status, payload)
}

func (s *Session) invokeResponse(r *Request, status Status, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			s.mu.Lock()
			s.stats.HandlerPanics++
			s.mu.Unlock()
			s.logger.Error("Recovered panic in response handler",
				"reply_topic", r.replyTopic,
				"status", status.String(),
				"panic", fmt.Sprint(rec))
		}
	}()
	r.handler(status, r.appdata, payload)
}
