package container

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/types"
)

func TestBrokerContainerConfig(t *testing.T) {
	cfg := config.DefaultBrokerConfig()
	cfg.Port = 11883

	containerConfig, hostConfig, err := brokerContainerConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultBrokerImage, containerConfig.Image)
	assert.Equal(t, []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"}, []string(containerConfig.Cmd))
	assert.Contains(t, containerConfig.ExposedPorts, nat.Port("1883/tcp"))
	assert.Equal(t, "true", containerConfig.Labels[LabelManaged])
	assert.Equal(t, "broker", containerConfig.Labels[LabelRole])

	bindings := hostConfig.PortBindings[nat.Port("1883/tcp")]
	require.Len(t, bindings, 1)
	assert.Equal(t, "127.0.0.1", bindings[0].HostIP)
	assert.Equal(t, "11883", bindings[0].HostPort)
}

func TestBrokerFilter(t *testing.T) {
	args := brokerFilter("m2mipc-mosquitto")
	assert.Equal(t, []string{"^/m2mipc-mosquitto$"}, args.Get("name"))
	assert.Equal(t, []string{LabelManaged + "=true"}, args.Get("label"))
}

func TestDecodePullProgress(t *testing.T) {
	log := logger.NewNop()

	stream := `{"status":"Pulling from library/eclipse-mosquitto","id":"2"}
{"status":"Downloading","id":"abc"}
{"status":"Digest: sha256:deadbeef"}`
	assert.NoError(t, decodePullProgress(strings.NewReader(stream), log))

	err := decodePullProgress(strings.NewReader(`{"error":"manifest unknown"}`), log)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInternal))
	assert.Contains(t, err.Error(), "manifest unknown")

	err = decodePullProgress(strings.NewReader(`{"status":`), log)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInternal))
}

func TestWaitReady(t *testing.T) {
	t.Run("listening", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				conn.Close()
			}
		}()

		assert.NoError(t, waitReady(context.Background(), ln.Addr().String(), time.Second))
	})

	t.Run("nothing listening", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		ln.Close()

		err = waitReady(context.Background(), addr, 300*time.Millisecond)
		assert.True(t, types.IsErrCode(err, types.ErrCodeTimeout))
	})
}

func TestNewLauncherValidation(t *testing.T) {
	c := &Client{}

	_, err := NewLauncher(nil, config.DefaultBrokerConfig(), logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	cfg := config.DefaultBrokerConfig()
	cfg.Port = 0
	_, err = NewLauncher(c, cfg, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	cfg = config.DefaultBrokerConfig()
	cfg.ContainerName = ""
	_, err = NewLauncher(c, cfg, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	cfg = config.DefaultBrokerConfig()
	cfg.Port = 2883
	l, err := NewLauncher(c, cfg, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2883", l.Address())
	assert.Equal(t, "tcp://127.0.0.1:2883", l.URL())
}

func TestNewClientUnreachableDaemon(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = NewClient(ctx, "tcp://"+addr, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}
