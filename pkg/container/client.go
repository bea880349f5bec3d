// Package container starts and stops the local development broker in docker.
package container

import (
	"context"
	"sync"
	"time"

	"github.com/docker/docker/client"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/types"
)

// apiTimeout bounds every docker API call that is not an image pull
const apiTimeout = 30 * time.Second

// Client wraps the Docker client with connection management
type Client struct {
	cli    *client.Client
	host   string
	logger *logger.Logger
	mu     sync.RWMutex
	closed bool
}

// NewClient creates a new Docker client for host and verifies the daemon is
// reachable
func NewClient(ctx context.Context, host string, log *logger.Logger) (*Client, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if host == "" {
		host = config.DefaultDockerHost
	}

	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to create Docker client", err)
	}

	c := &Client{
		cli:    cli,
		host:   host,
		logger: log.With("component", "docker_client"),
	}

	pingCtx, cancel := c.WithTimeout(ctx)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.logger.Info("Docker client initialized", "host", host, "version", cli.ClientVersion())
	return c, nil
}

// Ping verifies the connection to the Docker daemon
func (c *Client) Ping(ctx context.Context) error {
	if c.isClosed() {
		return types.NewError(types.ErrCodeUnavailable, "Docker client is closed")
	}
	if _, err := c.cli.Ping(ctx); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "Docker daemon ping failed", err)
	}
	return nil
}

// WithTimeout derives a context bounded by the docker API timeout
func (c *Client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, apiTimeout)
}

// Close closes the Docker client. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.cli.Close(); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close Docker client", err)
	}
	c.logger.Debug("Docker client closed")
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
