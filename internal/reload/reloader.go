// Package reload re-reads the configuration file on SIGHUP.
package reload

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/types"
)

// reloadTimeout bounds a SIGHUP-triggered reload including its callbacks
const reloadTimeout = 30 * time.Second

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	// ReloadStateIdle indicates the reloader is idle
	ReloadStateIdle ReloadState = "idle"
	// ReloadStateReloading indicates a reload is in progress
	ReloadStateReloading ReloadState = "reloading"
	// ReloadStateStopped indicates the reloader is stopped
	ReloadStateStopped ReloadState = "stopped"
)

// ReloadCallback is called with the freshly loaded configuration. Only
// settings that are safe to change on a live process (log level, default
// request timeout) should be applied; bus settings need a restart.
type ReloadCallback func(ctx context.Context, newConfig *config.Config) error

// Reloader re-reads the configuration on SIGHUP
type Reloader struct {
	mu            sync.RWMutex
	configPath    string
	currentConfig *config.Config
	state         ReloadState
	signalChan    chan os.Signal
	cancel        context.CancelFunc
	started       bool
	callbacks     []ReloadCallback
	log           *logger.Logger
}

// New creates a reloader for the file at configPath. An empty path reloads
// the default configuration file.
func New(configPath string, initialConfig *config.Config, log *logger.Logger) (*Reloader, error) {
	if initialConfig == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "initial configuration cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	return &Reloader{
		configPath:    configPath,
		currentConfig: initialConfig,
		state:         ReloadStateIdle,
		signalChan:    make(chan os.Signal, 1),
		log:           log.With("component", "config_reloader"),
	}, nil
}

// Start begins listening for SIGHUP
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.state = ReloadStateIdle
	signal.Notify(r.signalChan, syscall.SIGHUP)
	r.started = true

	r.log.Info("Config reloader started", "config_path", r.configPath)
	go r.handleSignals(ctx)
}

// Stop stops listening for SIGHUP
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}

	signal.Stop(r.signalChan)
	r.cancel()
	r.started = false
	r.state = ReloadStateStopped
	r.log.Info("Config reloader stopped")
}

// Reload loads the configuration again and hands it to the callbacks. The
// current configuration is replaced only when every callback succeeds.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		r.log.Debug("Reload already in progress, skipping")
		return nil
	}
	r.state = ReloadStateReloading
	r.mu.Unlock()

	r.log.Info("Configuration reload initiated", "config_path", r.configPath)

	newConfig, err := config.LoadWithPath(r.configPath)
	if err != nil {
		r.setState(ReloadStateIdle)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	r.mu.RLock()
	pending := config.RestartRequired(r.currentConfig, newConfig)
	r.mu.RUnlock()
	if len(pending) > 0 {
		r.log.Warn("Reloaded settings only take effect after a restart", "settings", pending)
	}

	if err := r.executeCallbacks(ctx, newConfig); err != nil {
		r.setState(ReloadStateIdle)
		return fmt.Errorf("reload callbacks failed: %w", err)
	}

	r.mu.Lock()
	r.currentConfig = newConfig
	r.state = ReloadStateIdle
	r.mu.Unlock()

	r.log.Info("Configuration reloaded")
	return nil
}

// AddCallback adds a callback that will be called when config is reloaded
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConfig
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reloader) handleSignals(ctx context.Context) {
	for {
		select {
		case sig := <-r.signalChan:
			r.log.Info("Reload signal received", "signal", sig.String())
			go func() {
				rctx, cancel := context.WithTimeout(ctx, reloadTimeout)
				defer cancel()
				if err := r.Reload(rctx); err != nil {
					r.log.Error("Configuration reload failed", "error", err)
				}
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reloader) executeCallbacks(ctx context.Context, newConfig *config.Config) error {
	r.mu.RLock()
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			r.log.Error("Reload callback failed", "callback", i, "error", err)
			return err
		}
	}
	return nil
}

func (r *Reloader) setState(state ReloadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// String returns a string representation of the reload state
func (s ReloadState) String() string {
	return string(s)
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return fmt.Sprintf("Reloader{state: %s, config_path: %s, callbacks: %d}",
		r.state, r.configPath, len(r.callbacks))
}
