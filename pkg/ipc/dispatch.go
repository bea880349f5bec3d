package ipc

import (
	"encoding/json"

	"github.com/billm/m2mipc/pkg/topic"
)

// dispatch routes one inbound message to at most one registration, checked
// in a fixed order: servers, then pending requests, then subscriptions. The
// first match wins. It runs on the loop goroutine.
func (s *Session) dispatch(t string, payload []byte) {
	if !json.Valid(payload) {
		s.drop(t, "payload is not valid JSON")
		return
	}

	if reg := s.matchServer(t); reg != nil {
		s.handleRequest(reg, t, payload)
		return
	}
	if r := s.lookupPending(t); r != nil {
		s.handleResponse(r, t, payload)
		return
	}
	if sub := s.matchSubscription(t); sub != nil {
		s.notify(sub, t, json.RawMessage(payload))
		return
	}

	s.drop(t, "no registration matches")
}

func (s *Session) handleRequest(reg *serverRegistration, t string, payload []byte) {
	in, err := decodeInbound(payload)
	if err != nil {
		s.drop(t, "not a request envelope")
		return
	}
	if in.ReplyTopic == nil || topic.ValidateTopic(*in.ReplyTopic) != nil {
		s.drop(t, "request without a usable reply_topic")
		return
	}

	status := StatusDone
	if in.Status != nil {
		if !in.Status.onWire() {
			s.drop(t, "request with a non-wire status")
			return
		}
		status = *in.Status
	}

	s.mu.Lock()
	s.stats.ServerRequests++
	s.mu.Unlock()

	s.logger.Debug("Request received",
		"base_topic", reg.base,
		"request_topic", t,
		"reply_topic", *in.ReplyTopic,
		"payload", payloadOrNull(in.RequestPayload))
	s.serve(reg, &ServerSession{
		session:      s,
		requestTopic: t,
		replyTopic:   *in.ReplyTopic,
		status:       status,
		payload:      payloadOrNull(in.RequestPayload),
		appdata:      reg.appdata,
	})
}

func (s *Session) handleResponse(r *Request, t string, payload []byte) {
	in, err := decodeInbound(payload)
	if err != nil {
		s.drop(t, "not a response envelope")
		return
	}
	if in.Status == nil || !in.Status.onWire() {
		s.drop(t, "response without a DONE or CONTINUE status")
		return
	}

	s.logger.Debug("Response received", "reply_topic", t, "status", in.Status.String())
	s.complete(r, *in.Status, payloadOrNull(in.ResponsePayload))
}

// drop discards a message. Drops are expected on a best-effort bus and never
// escalate past debug logging.
func (s *Session) drop(t, reason string) {
	s.mu.Lock()
	s.stats.MessagesDropped++
	s.mu.Unlock()
	s.logger.Debug("Message dropped", "topic", t, "reason", reason)
}
