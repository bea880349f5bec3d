package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func createTestManager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()
	m := New(timeout, logger.NewNop())
	t.Cleanup(m.Stop)
	return m
}

func TestNew(t *testing.T) {
	m := createTestManager(t, 0)
	assert.Equal(t, StateRunning, m.State())
	assert.False(t, m.IsShuttingDown())
	assert.Equal(t, DefaultTimeout, m.timeout)
	assert.NoError(t, m.Context().Err())
	assert.Contains(t, m.String(), "state: running")
}

func TestShutdownRunsHooksInReverse(t *testing.T) {
	m := createTestManager(t, time.Second)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Hook {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	m.AddHook("bus", record("bus"))
	m.AddHook("session", record("session"))

	require.NoError(t, m.Shutdown(context.Background(), "test"))
	assert.Equal(t, []string{"session", "bus"}, order)
	assert.Equal(t, StateComplete, m.State())
	assert.Equal(t, "test", m.Reason())
	assert.Error(t, m.Context().Err())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done was not closed")
	}
}

func TestShutdownOnlyOnce(t *testing.T) {
	m := createTestManager(t, time.Second)
	calls := 0
	m.AddHook("count", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, m.Shutdown(context.Background(), "first"))
	err := m.Shutdown(context.Background(), "second")
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "first", m.Reason())
}

func TestFailingHookDoesNotStopOthers(t *testing.T) {
	m := createTestManager(t, time.Second)
	ran := false
	m.AddHook("last", func(ctx context.Context) error {
		ran = true
		return nil
	})
	m.AddHook("broken", func(ctx context.Context) error {
		return errors.New("boom")
	})

	err := m.Shutdown(context.Background(), "test")
	assert.True(t, types.IsErrCode(err, types.ErrCodePartialFailure))
	assert.True(t, ran)
	assert.Equal(t, StateComplete, m.State())
}

func TestShutdownTimeoutCancelsRemainingHooks(t *testing.T) {
	m := createTestManager(t, 50*time.Millisecond)
	ran := false
	m.AddHook("never", func(ctx context.Context) error {
		ran = true
		return nil
	})
	m.AddHook("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := m.Shutdown(context.Background(), "test")
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
	assert.False(t, ran)
}

func TestWaitCompletion(t *testing.T) {
	m := createTestManager(t, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WaitCompletion(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))

	go m.Shutdown(context.Background(), "test")
	assert.NoError(t, m.WaitCompletion(context.Background()))
}

func TestSignalTriggersShutdown(t *testing.T) {
	m := createTestManager(t, time.Second)
	m.Start()
	m.Start()

	m.signalChan <- syscall.SIGTERM

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not trigger shutdown")
	}
	assert.Equal(t, "signal received: terminated", m.Reason())
}
