// Package loop provides a single-goroutine event loop with one-shot and
// periodic timers.
//
// Every function posted to a Loop, and every timer callback, runs on the
// goroutine that called Run, one at a time. State touched only from loop
// callbacks needs no further locking.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/types"
)

// Loop is a serial executor. Post never blocks: the queue is unbounded so
// transport goroutines delivering messages are never held up by a slow
// callback.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	timers  map[*Timer]struct{}
	running bool
	done    bool
	err     error

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	finished chan struct{}
	finOnce  sync.Once

	logger *logger.Logger
}

// New creates a loop. log may be nil.
func New(log *logger.Logger) *Loop {
	if log == nil {
		log = logger.NewNop()
	}
	return &Loop{
		timers:   make(map[*Timer]struct{}),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
		logger:   log.With("component", "event_loop"),
	}
}

// Run processes posted functions until Stop or Fail is called or ctx ends.
// It returns nil after Stop, the error given to Fail, or ctx.Err(). Run may be
// called only once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "event loop already running")
	}
	if l.done {
		err := l.err
		l.mu.Unlock()
		return err
	}
	l.running = true
	l.mu.Unlock()

	l.logger.Debug("Event loop started")
	err := l.run(ctx)
	l.shutdown(err)
	l.logger.Debug("Event loop stopped", "error", err)
	return err
}

func (l *Loop) run(ctx context.Context) error {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-l.quit:
				return l.failure()
			default:
			}
			l.invoke(fn)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return l.failure()
		case <-l.wake:
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic in loop callback", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (l *Loop) failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) shutdown(err error) {
	l.mu.Lock()
	l.done = true
	l.running = false
	if l.err == nil {
		l.err = err
	}
	l.queue = nil
	timers := make([]*Timer, 0, len(l.timers))
	for t := range l.timers {
		timers = append(timers, t)
	}
	l.timers = make(map[*Timer]struct{})
	l.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	l.quitOnce.Do(func() { close(l.quit) })
	l.finOnce.Do(func() { close(l.finished) })
}

// Post schedules fn to run on the loop goroutine. Functions run in the order
// they were posted. Posting before Run is allowed.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "event loop is stopped")
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop makes Run return nil. Queued functions that have not started are
// discarded.
func (l *Loop) Stop() {
	l.halt(nil)
}

// Fail makes Run return err. Only the first failure is kept.
func (l *Loop) Fail(err error) {
	l.halt(err)
}

func (l *Loop) halt(err error) {
	l.mu.Lock()
	if err != nil && l.err == nil {
		l.err = err
	}
	idle := !l.running && !l.done
	l.mu.Unlock()

	if idle {
		// Run was never called, nobody else will clean up
		l.shutdown(nil)
		return
	}
	l.quitOnce.Do(func() { close(l.quit) })
}

// Done is closed once the loop has stopped for any reason
func (l *Loop) Done() <-chan struct{} {
	return l.quit
}

// Finished is closed after Run has returned and its timers are stopped
func (l *Loop) Finished() <-chan struct{} {
	return l.finished
}

// Err returns the failure that stopped the loop, if any
func (l *Loop) Err() error {
	return l.failure()
}

// AfterFunc runs fn on the loop once d has elapsed
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	return l.newTimer(d, 0, fn)
}

// Every runs fn on the loop every d until the timer is stopped
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	return l.newTimer(d, d, fn)
}

// Pending returns the number of queued functions and active timers
func (l *Loop) Pending() (queued, timers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue), len(l.timers)
}

func (l *Loop) newTimer(d, period time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn, period: period}

	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		t.stopped = true
		return t
	}
	l.timers[t] = struct{}{}
	l.mu.Unlock()

	t.mu.Lock()
	t.t = time.AfterFunc(d, t.expired)
	t.mu.Unlock()
	return t
}

func (l *Loop) forget(t *Timer) {
	l.mu.Lock()
	delete(l.timers, t)
	l.mu.Unlock()
}

// Timer is a one-shot or periodic timer whose callback runs on the loop
type Timer struct {
	loop   *Loop
	fn     func()
	period time.Duration

	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

// Stop cancels the timer. It returns true if the timer was active. A stopped
// timer never runs its callback, even if its expiry was already queued on
// the loop.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
	t.mu.Unlock()

	t.loop.forget(t)
	return true
}

// Active reports whether the timer can still fire
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// expired runs on the runtime timer goroutine and hands off to the loop
func (t *Timer) expired() {
	if err := t.loop.Post(t.fire); err != nil {
		t.Stop()
	}
}

// fire runs on the loop goroutine
func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.period == 0 {
		t.stopped = true
	}
	t.mu.Unlock()

	if t.period == 0 {
		t.loop.forget(t)
	}

	t.loop.invoke(t.fn)

	if t.period > 0 {
		t.mu.Lock()
		if !t.stopped {
			t.t.Reset(t.period)
		}
		t.mu.Unlock()
	}
}
