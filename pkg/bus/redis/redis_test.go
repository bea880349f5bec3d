package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *recorder) handle(t string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, t+"="+string(payload))
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

// createTestClient dials an in-process redis server
func createTestClient(t *testing.T, mr *miniredis.Miniredis) (*Client, *recorder) {
	t.Helper()
	cfg := config.DefaultBusConfig()
	cfg.Transport = config.TransportRedis
	cfg.URL = "redis://" + mr.Addr()
	cfg.KeepAlive = 50 * time.Millisecond

	c, err := Dial(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	rec := &recorder{}
	c.SetHandler(rec.handle)
	return c, rec
}

// waitLast waits until last is the newest recorded message and returns all
// of them. Messages from one publisher arrive in order, so everything
// published before last has been seen by then.
func waitLast(t *testing.T, rec *recorder, last string) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		got := rec.all()
		return len(got) > 0 && got[len(got)-1] == last
	}, 2*time.Second, 5*time.Millisecond)
	return rec.all()
}

func waitPatterns(t *testing.T, mr *miniredis.Miniredis, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return mr.PubSubNumPat() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestClientOptions(t *testing.T) {
	cfg := config.DefaultBusConfig()
	cfg.URL = "redis://:urlpass@10.0.0.5:6380/2"
	cfg.ClientID = "brick"
	cfg.DB = 3

	opts, err := clientOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6380", opts.Addr)
	assert.Equal(t, "urlpass", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, "brick", opts.ClientName)

	cfg.URL = "http://nope"
	_, err = clientOptions(cfg)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	sub, rec := createTestClient(t, mr)
	pub, _ := createTestClient(t, mr)
	ctx := context.Background()

	require.NoError(t, sub.Subscribe(ctx, "sbrick/+/sp/#"))
	assert.Equal(t, 1, mr.PubSubNumPat())

	require.NoError(t, pub.Publish(ctx, "sbrick/1/sp/battery", []byte(`7.4`)))
	require.NoError(t, pub.Publish(ctx, "sbrick/1/sp", []byte(`"root"`)))
	require.NoError(t, pub.Publish(ctx, "sbrick/1/spx/battery", []byte(`0`)))
	require.NoError(t, pub.Publish(ctx, "sbrick/1/rr/drive", []byte(`0`)))
	require.NoError(t, pub.Publish(ctx, "sbrick/2/sp/end", []byte(`1`)))

	got := waitLast(t, rec, "sbrick/2/sp/end=1")
	assert.Equal(t, []string{`sbrick/1/sp/battery=7.4`, `sbrick/1/sp="root"`, "sbrick/2/sp/end=1"}, got)
}

func TestOverlappingPatternsDeliverOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	sub, rec := createTestClient(t, mr)
	pub, _ := createTestClient(t, mr)
	ctx := context.Background()

	require.NoError(t, sub.Subscribe(ctx, "a/#"))
	require.NoError(t, sub.Subscribe(ctx, "a/+/c"))
	require.NoError(t, sub.Subscribe(ctx, "a/#"))

	for round := 0; round < 20; round++ {
		require.NoError(t, pub.Publish(ctx, "a/b/c", []byte(`1`)))
	}
	require.NoError(t, pub.Publish(ctx, "a/end", []byte(`0`)))
	got := waitLast(t, rec, "a/end=0")
	assert.Len(t, got, 21)

	// the remaining pattern keeps delivering, still once per publish
	require.NoError(t, sub.Unsubscribe(ctx, "a/#"))
	require.NoError(t, pub.Publish(ctx, "a/b/c", []byte(`2`)))
	require.NoError(t, pub.Publish(ctx, "a/x/c", []byte(`3`)))
	got = waitLast(t, rec, "a/x/c=3")
	assert.Equal(t, []string{"a/b/c=2", "a/x/c=3"}, got[21:])

	require.NoError(t, sub.Unsubscribe(ctx, "a/+/c"))
	require.NoError(t, sub.Unsubscribe(ctx, "a/+/c"))
	waitPatterns(t, mr, 0)
}

func TestOneServerSubscriptionPerClient(t *testing.T) {
	mr := miniredis.RunT(t)
	sub, _ := createTestClient(t, mr)
	ctx := context.Background()

	require.NoError(t, sub.Subscribe(ctx, "+"))
	require.NoError(t, sub.Subscribe(ctx, "#"))
	require.NoError(t, sub.Subscribe(ctx, "sbrick/1/rr/drive/12345"))
	assert.Equal(t, 1, mr.PubSubNumPat())

	require.NoError(t, sub.Unsubscribe(ctx, "+"))
	require.NoError(t, sub.Unsubscribe(ctx, "#"))
	assert.Equal(t, 1, mr.PubSubNumPat())

	require.NoError(t, sub.Unsubscribe(ctx, "sbrick/1/rr/drive/12345"))
	waitPatterns(t, mr, 0)

	// subscribing again after the last pattern went away
	require.NoError(t, sub.Subscribe(ctx, "x/#"))
	assert.Equal(t, 1, mr.PubSubNumPat())
}

func TestInvalidInput(t *testing.T) {
	mr := miniredis.RunT(t)
	c, _ := createTestClient(t, mr)
	ctx := context.Background()

	assert.True(t, types.IsErrCode(c.Publish(ctx, "a/#", nil), types.ErrCodeInvalidArgument))
	assert.True(t, types.IsErrCode(c.Subscribe(ctx, "a/#/b"), types.ErrCodeInvalidArgument))
}

func TestCloseIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	c, _ := createTestClient(t, mr)

	lost := false
	c.OnConnectionLost(func(error) { lost = true })
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, lost)

	err := c.Publish(context.Background(), "a/b", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestServerLossIsReported(t *testing.T) {
	mr := miniredis.RunT(t)
	c, _ := createTestClient(t, mr)

	lost := make(chan error, 1)
	c.OnConnectionLost(func(err error) { lost <- err })
	mr.Close()

	select {
	case err := <-lost:
		assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss was not reported")
	}
}

func TestDialUnreachableServer(t *testing.T) {
	cfg := config.DefaultBusConfig()
	cfg.URL = "redis://127.0.0.1:1/0"
	cfg.ConnectTimeout = 300 * time.Millisecond

	_, err := Dial(context.Background(), cfg, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}
