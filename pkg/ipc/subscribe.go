package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/billm/m2mipc/pkg/topic"
	"github.com/billm/m2mipc/pkg/types"
)

// SubscribeHandler receives a plain published message
type SubscribeHandler func(topic string, appdata any, payload json.RawMessage)

type subscription struct {
	pattern string
	appdata any
	handler SubscribeHandler
	matcher *topic.Matcher
}

// RegisterSubscribe subscribes to pattern verbatim. Registering the same
// pattern again replaces the handler and appdata.
func (s *Session) RegisterSubscribe(pattern string, appdata any, handler SubscribeHandler) error {
	if handler == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "subscribe handler cannot be nil")
	}
	if err := topic.ValidatePattern(pattern); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.errClosed()
	}
	sub := &subscription{
		pattern: pattern,
		appdata: appdata,
		handler: handler,
		matcher: topic.NewMatcher(pattern),
	}
	replaced := false
	for i, existing := range s.subscriptions {
		if existing.pattern == pattern {
			s.subscriptions[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		s.subscriptions = append(s.subscriptions, sub)
	}
	s.mu.Unlock()

	if !replaced {
		if err := s.acquire(pattern); err != nil {
			s.removeSubscription(pattern)
			return err
		}
	}

	s.logger.Info("Subscription registered", "pattern", pattern, "replaced", replaced)
	return nil
}

// UnregisterSubscribe removes the subscription for pattern. The bus
// subscription stays while a server or pending request still uses the same
// pattern. Unknown patterns are a no-op.
func (s *Session) UnregisterSubscribe(pattern string) error {
	if s.removeSubscription(pattern) == nil {
		s.logger.Debug("Unregister of unknown subscription ignored", "pattern", pattern)
		return nil
	}
	if err := s.unref(pattern); err != nil {
		return err
	}
	s.logger.Info("Subscription unregistered", "pattern", pattern)
	return nil
}

func (s *Session) removeSubscription(pattern string) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscriptions {
		if sub.pattern == pattern {
			s.subscriptions = append(s.subscriptions[:i], s.subscriptions[i+1:]...)
			return sub
		}
	}
	return nil
}

func (s *Session) matchSubscription(t string) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.matcher.Matches(t) {
			return sub
		}
	}
	return nil
}

// Publish encodes payload as JSON and publishes it to t for plain
// subscribers
func (s *Session) Publish(ctx context.Context, t string, payload any) error {
	if err := topic.ValidateTopic(t); err != nil {
		return err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to encode payload for "+t, err)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s.errClosed()
	}

	if err := s.client.Publish(ctx, t, raw); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to publish to "+t, err)
	}

	s.mu.Lock()
	s.stats.Published++
	s.mu.Unlock()
	return nil
}

func (s *Session) notify(sub *subscription, t string, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.stats.HandlerPanics++
			s.mu.Unlock()
			s.logger.Error("Recovered panic in subscribe handler",
				"pattern", sub.pattern,
				"topic", t,
				"panic", fmt.Sprint(r))
		}
	}()
	sub.handler(t, sub.appdata, payload)
}
