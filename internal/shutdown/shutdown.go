// Package shutdown coordinates graceful process shutdown on signals.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/types"
)

// DefaultTimeout bounds the whole shutdown when no timeout is given
const DefaultTimeout = 10 * time.Second

// hookTimeout bounds a single hook
const hookTimeout = 5 * time.Second

// State represents the current state of the shutdown process
type State string

const (
	// StateRunning indicates the process is running normally
	StateRunning State = "running"
	// StateInitiated indicates shutdown has been initiated
	StateInitiated State = "initiated"
	// StateStopping indicates hooks are running
	StateStopping State = "stopping"
	// StateComplete indicates shutdown is complete
	StateComplete State = "complete"
)

// String returns a string representation of the shutdown state
func (s State) String() string {
	return string(s)
}

// Hook releases one resource during shutdown
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// Manager runs registered hooks once, in reverse registration order, when a
// signal arrives or Shutdown is called
type Manager struct {
	mu         sync.RWMutex
	state      State
	timeout    time.Duration
	hooks      []namedHook
	logger     *logger.Logger
	signalChan chan os.Signal
	ctx        context.Context
	cancel     context.CancelFunc
	stopSig    chan struct{}
	started    bool
	completion chan struct{}
	reason     string
	startedAt  time.Time
}

// New creates a new shutdown manager
func New(timeout time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		state:      StateRunning,
		timeout:    timeout,
		logger:     log.With("component", "shutdown_manager"),
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
		completion: make(chan struct{}),
	}
}

// Start begins listening for SIGINT and SIGTERM. Repeated calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	signal.Notify(m.signalChan, syscall.SIGINT, syscall.SIGTERM)
	m.stopSig = make(chan struct{})
	m.started = true
	m.logger.Debug("Shutdown manager started", "timeout", m.timeout)

	go m.handleSignals(m.stopSig)
}

// Stop stops signal handling. Registered hooks are kept.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	signal.Stop(m.signalChan)
	close(m.stopSig)
	m.started = false
	m.logger.Debug("Shutdown manager stopped")
}

// AddHook registers a named hook. Hooks run in reverse order of
// registration, so resources are released before the ones they depend on.
func (m *Manager) AddHook(name string, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, fn: hook})
	m.logger.Debug("Shutdown hook registered", "hook", name, "total_hooks", len(m.hooks))
}

// Context returns a context that is canceled as soon as shutdown begins
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Done is closed once shutdown has completed
func (m *Manager) Done() <-chan struct{} {
	return m.completion
}

// Shutdown cancels Context and runs every hook within the shutdown timeout.
// Only the first call runs; later calls fail with FAILED_PRECONDITION.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	m.state = StateInitiated
	m.reason = reason
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("Shutdown initiated", "reason", reason)
	m.cancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.setState(StateStopping)
	err := m.runHooks(shutdownCtx)

	m.setState(StateComplete)
	close(m.completion)
	m.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(m.startedAt))
	return err
}

// WaitCompletion waits for shutdown to complete
func (m *Manager) WaitCompletion(ctx context.Context) error {
	select {
	case <-m.completion:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

// State returns the current shutdown state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (m *Manager) IsShuttingDown() bool {
	return m.State() != StateRunning
}

// Reason returns the reason for shutdown
func (m *Manager) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// String returns a string representation of the shutdown manager
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("shutdown.Manager{state: %s, timeout: %v, hooks: %d, started: %t}",
		m.state, m.timeout, len(m.hooks), m.started)
}

func (m *Manager) handleSignals(stop <-chan struct{}) {
	for {
		select {
		case sig := <-m.signalChan:
			m.logger.Info("Shutdown signal received", "signal", sig)
			go func() {
				if err := m.Shutdown(context.Background(), "signal received: "+sig.String()); err != nil &&
					!types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
					m.logger.Error("Shutdown failed", "error", err)
				}
			}()
		case <-stop:
			return
		}
	}
}

// runHooks runs hooks newest first. A failing hook does not stop the rest.
func (m *Manager) runHooks(ctx context.Context) error {
	m.mu.RLock()
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.RUnlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			m.logger.Warn("Shutdown hooks canceled", "remaining", i+1)
			return types.WrapError(types.ErrCodeCanceled, "hook execution canceled", ctx.Err())
		}
		h := hooks[i]
		m.logger.Debug("Executing shutdown hook", "hook", h.name)

		hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
		err := h.fn(hookCtx)
		cancel()
		if err != nil {
			m.logger.Error("Shutdown hook failed", "hook", h.name, "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return types.WrapError(types.ErrCodePartialFailure,
			fmt.Sprintf("%d shutdown hook(s) failed", len(errs)), errs[0])
	}
	return nil
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.logger.Debug("Shutdown state changed", "state", state)
}
