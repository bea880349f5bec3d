package ipc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/bus"
	"github.com/billm/m2mipc/pkg/loop"
	"github.com/billm/m2mipc/pkg/topic"
	"github.com/billm/m2mipc/pkg/types"
)

// teardownTimeout bounds the unsubscribes issued by Close
const teardownTimeout = 5 * time.Second

// Session owns the three registries of one IPC endpoint and the event loop
// that dispatches inbound bus messages to them. Sessions are independent: a
// process may run several, each on its own bus client.
//
// Registration methods may be called from any goroutine, including from
// inside handlers. Handlers always run on the loop goroutine, one at a time.
type Session struct {
	id      types.ID
	client  bus.Client
	loop    *loop.Loop
	cfg     config.IPCConfig
	deriver topic.Deriver
	logger  *logger.Logger

	mu            sync.Mutex
	servers       []*serverRegistration
	pending       map[string]*Request
	subscriptions []*subscription
	correlator    *correlator
	stats         Stats
	ctx           context.Context
	tick          *loop.Timer
	closed        bool

	// refs counts the registrations using each bus pattern. subMu serializes
	// every bus subscribe and unsubscribe against the counts.
	subMu sync.Mutex
	refs  map[string]int
}

// New creates a session on a connected bus client. The client is not owned by
// the session: Close leaves it connected.
func New(client bus.Client, cfg config.IPCConfig, log *logger.Logger) (*Session, error) {
	if client == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "bus client cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deriver := topic.Deriver{RequestSegment: cfg.RequestSegment, ReplySegment: cfg.ReplySegment}
	if err := deriver.Validate(); err != nil {
		return nil, err
	}

	id := types.GenerateID()
	s := &Session{
		id:         id,
		client:     client,
		loop:       loop.New(log),
		cfg:        cfg,
		deriver:    deriver,
		logger:     log.With("component", "ipc_session", "session_id", id.Short()),
		pending:    make(map[string]*Request),
		refs:       make(map[string]int),
		correlator: newCorrelator(rand.New(rand.NewSource(time.Now().UnixNano())), cfg),
		ctx:        context.Background(),
	}

	client.SetHandler(s.receive)
	client.OnConnectionLost(func(err error) {
		s.logger.Error("Bus connection lost", "error", err)
		s.loop.Fail(types.WrapError(types.ErrCodeUnavailable, "bus connection lost", err))
	})

	s.logger.Info("IPC session initialized",
		"request_segment", cfg.RequestSegment,
		"reply_segment", cfg.ReplySegment,
		"default_timeout", cfg.DefaultTimeout.String())

	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() types.ID {
	return s.id
}

// Deriver returns the topic deriver used for requests
func (s *Session) Deriver() topic.Deriver {
	return s.deriver
}

// Run dispatches inbound messages until ctx ends, Close is called or the bus
// connection is lost. A lost connection is returned as an UNAVAILABLE error.
// Every registration is torn down before Run returns. Run on a session that
// Close already stopped returns immediately with the error that stopped it,
// nil for a plain Close.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.loop.Err()
	}
	s.ctx = ctx
	if s.cfg.TickInterval > 0 {
		s.tick = s.loop.Every(s.cfg.TickInterval, s.housekeeping)
	}
	s.mu.Unlock()

	s.logger.Info("IPC session running")
	err := s.loop.Run(ctx)
	s.teardown()

	if err != nil {
		s.logger.Warn("IPC session stopped", "error", err)
		return err
	}
	s.logger.Info("IPC session stopped")
	return nil
}

// Close tears down every pending request, server registration and
// subscription, and stops Run. Handlers are not invoked. Close is idempotent.
func (s *Session) Close() error {
	s.teardown()
	s.loop.Stop()
	return nil
}

// Done is closed when the session stops dispatching
func (s *Session) Done() <-chan struct{} {
	return s.loop.Done()
}

// Err returns the error that stopped the session, if any
func (s *Session) Err() error {
	return s.loop.Err()
}

func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	for _, req := range s.pending {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.finished = true
	}
	pending := len(s.pending)
	s.servers = nil
	s.pending = make(map[string]*Request)
	s.subscriptions = nil
	if s.tick != nil {
		s.tick.Stop()
	}
	s.mu.Unlock()

	// closed is set, so acquire subscribes nothing new from here on
	s.subMu.Lock()
	patterns := make([]string, 0, len(s.refs))
	for p := range s.refs {
		patterns = append(patterns, p)
	}
	s.refs = make(map[string]int)
	s.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	for _, p := range patterns {
		if err := s.client.Unsubscribe(ctx, p); err != nil {
			s.logger.Debug("Unsubscribe during teardown failed", "pattern", p, "error", err)
		}
	}

	s.logger.Info("IPC session closed",
		"unsubscribed", len(patterns),
		"abandoned_requests", pending)
}

// acquire takes a reference on pattern, subscribing it on the bus for the
// first one. It fails without subscribing once the session is closed.
func (s *Session) acquire(pattern string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.isClosed() {
		return s.errClosed()
	}
	if s.refs[pattern] == 0 {
		if err := s.client.Subscribe(s.busContext(), pattern); err != nil {
			return types.WrapError(types.ErrCodeUnavailable, "failed to subscribe "+pattern, err)
		}
	}
	s.refs[pattern]++
	return nil
}

// unref drops a reference on pattern and unsubscribes it when no
// registration uses it anymore. Patterns without references are a no-op.
func (s *Session) unref(pattern string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	n := s.refs[pattern]
	switch {
	case n == 0:
		return nil
	case n > 1:
		s.refs[pattern] = n - 1
		return nil
	}
	delete(s.refs, pattern)
	if err := s.client.Unsubscribe(s.busContext(), pattern); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to unsubscribe "+pattern, err)
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// receive is the bus handler. It runs on transport goroutines and only hands
// the message to the loop.
func (s *Session) receive(t string, payload []byte) {
	s.mu.Lock()
	s.stats.MessagesReceived++
	s.mu.Unlock()

	if err := s.loop.Post(func() { s.dispatch(t, payload) }); err != nil {
		s.logger.Debug("Message arrived after session stopped", "topic", t)
	}
}

// housekeeping runs on every tick
func (s *Session) housekeeping() {
	st := s.Stats()
	queued, timers := s.loop.Pending()
	s.logger.Debug("IPC session tick",
		"pending_requests", st.PendingRequests,
		"servers", st.Servers,
		"subscriptions", st.Subscriptions,
		"queued", queued,
		"timers", timers)
}

// busContext returns the context publishes and subscribes run under
func (s *Session) busContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Session) errClosed() error {
	return types.NewError(types.ErrCodeUnavailable, "session is closed")
}

// Stats returns session statistics
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.PendingRequests = len(s.pending)
	st.Servers = len(s.servers)
	st.Subscriptions = len(s.subscriptions)
	return st
}

// String returns a string representation of the session
func (s *Session) String() string {
	return fmt.Sprintf("Session{id: %s, stats: %s}", s.id.Short(), s.Stats())
}

// Stats holds session counters
type Stats struct {
	MessagesReceived int64 `json:"messages_received"`
	MessagesDropped  int64 `json:"messages_dropped"`
	RequestsSent     int64 `json:"requests_sent"`
	ResponsesHandled int64 `json:"responses_handled"`
	Timeouts         int64 `json:"timeouts"`
	ServerRequests   int64 `json:"server_requests"`
	ResponsesSent    int64 `json:"responses_sent"`
	Published        int64 `json:"published"`
	HandlerPanics    int64 `json:"handler_panics"`
	PendingRequests  int   `json:"pending_requests"`
	Servers          int   `json:"servers"`
	Subscriptions    int   `json:"subscriptions"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Stats{Received: %d, Dropped: %d, RequestsSent: %d, Responses: %d, Timeouts: %d, ServerRequests: %d, ResponsesSent: %d, Pending: %d, Servers: %d, Subscriptions: %d}",
		s.MessagesReceived, s.MessagesDropped, s.RequestsSent, s.ResponsesHandled, s.Timeouts,
		s.ServerRequests, s.ResponsesSent, s.PendingRequests, s.Servers, s.Subscriptions)
}
