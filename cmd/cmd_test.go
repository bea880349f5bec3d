package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/ipc"
	"github.com/billm/m2mipc/pkg/transport"
	"github.com/billm/m2mipc/pkg/types"
)

// syncBuffer is a bytes.Buffer safe for a writer and a reader goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// isolateConfig keeps tests away from the user's config file
func isolateConfig(t *testing.T) {
	t.Helper()
	config.SetTestConfigPath(filepath.Join(t.TempDir(), "config.yaml"))
	t.Cleanup(func() { config.SetTestConfigPath("") })
}

// executeCommand runs the CLI on the memory transport and returns stdout
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	isolateConfig(t)

	root := NewRootCmd()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetErr(&syncBuffer{})
	root.SetArgs(append([]string{"--transport", "memory", "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

// createTestOptions returns initialized options for the memory transport
func createTestOptions(t *testing.T) *options {
	t.Helper()
	isolateConfig(t)

	opts := &options{transport: config.TransportMemory, logLevel: "error"}
	require.NoError(t, opts.init())
	return opts
}

// startEchoSession serves base on the shared memory broker
func startEchoSession(t *testing.T, base string, stream int) {
	t.Helper()
	client := transport.MemoryBroker().Connect("echo-" + types.GenerateID().Short())
	s, err := ipc.New(client, config.DefaultIPCConfig(), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.RegisterServer(base, stream, echoServer))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(context.Background())
	}()
	t.Cleanup(func() {
		s.Close()
		<-done
		client.Close()
	})
}

func TestInitAppliesFlags(t *testing.T) {
	isolateConfig(t)

	opts := &options{transport: "NATS", logLevel: "debug", clientID: "brick-7", dockerHost: "tcp://10.0.0.2:2375"}
	require.NoError(t, opts.init())
	assert.Equal(t, config.TransportNATS, opts.cfg.Bus.Transport)
	assert.Equal(t, config.DefaultURLFor(config.TransportNATS), opts.cfg.Bus.URL)
	assert.Equal(t, "brick-7", opts.cfg.Bus.ClientID)
	assert.Equal(t, "debug", opts.cfg.Logging.Level)
	assert.Equal(t, "tcp://10.0.0.2:2375", opts.cfg.Broker.DockerHost)

	opts = &options{cfgFile: filepath.Join(t.TempDir(), "missing.yaml")}
	assert.Error(t, opts.init())

	opts = &options{logLevel: "chatty"}
	assert.Error(t, opts.init())
}

func TestRequestAgainstEchoServer(t *testing.T) {
	startEchoSession(t, "sbrick/1/rr/drive", 2)

	out, err := executeCommand(t, "request",
		"--topic", "sbrick/1/rr/drive",
		"--payload", `{"speed":3}`,
		"--timeout", "2s")
	require.NoError(t, err)

	var resp ipc.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, ipc.StatusDone, resp.Status)
	assert.JSONEq(t, `{"speed":3}`, string(resp.Payload))
	require.Len(t, resp.Parts, 2)
	assert.JSONEq(t, `{"part":1,"of":2}`, string(resp.Parts[0]))
	assert.JSONEq(t, `{"part":2,"of":2}`, string(resp.Parts[1]))
}

func TestRequestTimeout(t *testing.T) {
	out, err := executeCommand(t, "request", "--topic", "nobody/rr/home", "--timeout", "50ms")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTimeout))
	assert.Equal(t, 2, exitCode(err))

	var resp ipc.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, ipc.StatusTimeout, resp.Status)
	assert.Equal(t, "null", string(resp.Payload))
}

func TestCommandValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"request without topic", []string{"request"}},
		{"request with bad payload", []string{"request", "--topic", "a/rr/b", "--payload", "{"}},
		{"publish without topic", []string{"publish"}},
		{"publish to a pattern", []string{"publish", "--topic", "a/#"}},
		{"listen without topic", []string{"listen"}},
		{"serve without topic", []string{"serve"}},
		{"serve with negative stream", []string{"serve", "--topic", "a/rr/b", "--stream", "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCommand(t, tt.args...)
			assert.Error(t, err)
			assert.Equal(t, 1, exitCode(err))
		})
	}
}

func TestPublishAndListen(t *testing.T) {
	opts := createTestOptions(t)
	out := &syncBuffer{}
	ready := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- runListen(context.Background(), opts, "sbrick/+/sp/#", 2, out, ready)
	}()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("listen stopped early: %v", err)
	}

	_, err := executeCommand(t, "publish", "--topic", "sbrick/1/sp/battery", "--payload", `{"volts":7.4}`)
	require.NoError(t, err)
	_, err = executeCommand(t, "publish", "--topic", "sbrick/2/rr/drive", "--payload", `1`)
	require.NoError(t, err)
	_, err = executeCommand(t, "publish", "--topic", "sbrick/2/sp")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not stop after two messages")
	}

	lines := bytes.Split(bytes.TrimSpace([]byte(out.String())), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second listenedMessage
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "sbrick/1/sp/battery", first.Topic)
	assert.JSONEq(t, `{"volts":7.4}`, string(first.Payload))
	assert.Equal(t, "sbrick/2/sp", second.Topic)
	assert.Equal(t, "null", string(second.Payload))
}

func TestServeStopsWithContext(t *testing.T) {
	opts := createTestOptions(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- runServe(ctx, opts, []string{"svc/rr/echo"}, 0)
	}()

	// the server answers once registered
	require.Eventually(t, func() bool {
		out, err := executeCommand(t, "request", "--topic", "svc/rr/echo", "--payload", `"hi"`, "--timeout", "200ms")
		return err == nil && bytes.Contains([]byte(out), []byte(`"hi"`))
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestParsePayload(t *testing.T) {
	p, err := parsePayload("")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = parsePayload(`[1,2]`)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`[1,2]`), p)

	_, err = parsePayload(`nope`)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}
