package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/go-connections/nat"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/internal/logger"
	"github.com/billm/m2mipc/pkg/types"
)

const (
	// LabelManaged marks containers created by the launcher
	LabelManaged = "m2mipc.managed"
	// LabelRole names the job of a managed container
	LabelRole = "m2mipc.role"

	brokerRole     = "broker"
	brokerPort     = "1883"
	pullTimeout    = 5 * time.Minute
	stopTimeout    = 10
	readyPollEvery = 200 * time.Millisecond
)

// mosquitto 2 only listens on loopback unless given a config file
var brokerCmd = []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"}

// BrokerStatus describes the broker container
type BrokerStatus struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	State   string `json:"state"`
	Running bool   `json:"running"`
	Address string `json:"address"`
}

// Launcher manages the lifecycle of a local MQTT broker container
type Launcher struct {
	client *Client
	cfg    config.BrokerConfig
	logger *logger.Logger
}

// NewLauncher creates a launcher for the broker described by cfg
func NewLauncher(client *Client, cfg config.BrokerConfig, log *logger.Logger) (*Launcher, error) {
	if client == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "docker client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ContainerName == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "broker container name cannot be empty")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	return &Launcher{
		client: client,
		cfg:    cfg,
		logger: log.With("component", "broker_launcher", "container", cfg.ContainerName),
	}, nil
}

// Address returns the host address the broker listens on
func (l *Launcher) Address() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(l.cfg.Port))
}

// URL returns the MQTT URL of the broker
func (l *Launcher) URL() string {
	return "tcp://" + l.Address()
}

// Up starts the broker, creating the container and pulling the image when
// needed, and waits until the broker accepts connections. Up on a running
// broker only waits for readiness.
func (l *Launcher) Up(ctx context.Context) (*BrokerStatus, error) {
	existing, err := l.find(ctx)
	if err != nil {
		return nil, err
	}

	id := ""
	switch {
	case existing != nil && existing.Running:
		l.logger.Info("Broker already running", "container_id", existing.ID)
		id = existing.ID
	case existing != nil:
		id = existing.ID
		if err := l.start(ctx, id); err != nil {
			return nil, err
		}
	default:
		if id, err = l.create(ctx); err != nil {
			return nil, err
		}
		if err := l.start(ctx, id); err != nil {
			return nil, err
		}
	}

	if err := waitReady(ctx, l.Address(), l.cfg.StartTimeout); err != nil {
		return nil, err
	}
	l.logger.Info("Broker is ready", "container_id", id, "url", l.URL())
	return l.Status(ctx)
}

// Down stops and removes the broker container. Down without a broker is a
// no-op.
func (l *Launcher) Down(ctx context.Context) error {
	existing, err := l.find(ctx)
	if err != nil {
		return err
	}
	if existing == nil {
		l.logger.Info("No broker container to remove")
		return nil
	}

	timeoutCtx, cancel := l.client.WithTimeout(ctx)
	defer cancel()

	if existing.Running {
		timeout := stopTimeout
		if err := l.client.cli.ContainerStop(timeoutCtx, existing.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to stop broker container", err)
		}
		l.logger.Info("Broker stopped", "container_id", existing.ID)
	}
	if err := l.client.cli.ContainerRemove(timeoutCtx, existing.ID, container.RemoveOptions{Force: true}); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to remove broker container", err)
	}
	l.logger.Info("Broker removed", "container_id", existing.ID)
	return nil
}

// Status reports the broker container. A missing container is reported with
// state "absent".
func (l *Launcher) Status(ctx context.Context) (*BrokerStatus, error) {
	existing, err := l.find(ctx)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return &BrokerStatus{
			Name:    l.cfg.ContainerName,
			Image:   l.cfg.Image,
			State:   "absent",
			Address: l.Address(),
		}, nil
	}
	return existing, nil
}

// find looks up the managed broker container by name
func (l *Launcher) find(ctx context.Context) (*BrokerStatus, error) {
	timeoutCtx, cancel := l.client.WithTimeout(ctx)
	defer cancel()

	list, err := l.client.cli.ContainerList(timeoutCtx, container.ListOptions{
		All:     true,
		Filters: brokerFilter(l.cfg.ContainerName),
	})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to list containers", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	c := list[0]
	return &BrokerStatus{
		ID:      c.ID,
		Name:    l.cfg.ContainerName,
		Image:   c.Image,
		State:   c.State,
		Running: c.State == "running",
		Address: l.Address(),
	}, nil
}

func (l *Launcher) create(ctx context.Context) (string, error) {
	exists, err := l.imageExists(ctx)
	if err != nil {
		l.logger.Warn("Failed to check image existence", "error", err)
	} else if !exists {
		if err := l.pullImage(ctx); err != nil {
			return "", err
		}
	}

	containerConfig, hostConfig, err := brokerContainerConfig(l.cfg)
	if err != nil {
		return "", err
	}

	timeoutCtx, cancel := l.client.WithTimeout(ctx)
	defer cancel()

	resp, err := l.client.cli.ContainerCreate(timeoutCtx, containerConfig, hostConfig, nil, nil, l.cfg.ContainerName)
	if err != nil {
		return "", types.WrapError(types.ErrCodeInternal, "failed to create broker container", err)
	}
	l.logger.Info("Broker container created",
		"container_id", resp.ID,
		"image", l.cfg.Image,
		"warnings", len(resp.Warnings))
	return resp.ID, nil
}

func (l *Launcher) start(ctx context.Context, id string) error {
	timeoutCtx, cancel := l.client.WithTimeout(ctx)
	defer cancel()

	if err := l.client.cli.ContainerStart(timeoutCtx, id, container.StartOptions{}); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to start broker container", err)
	}
	l.logger.Info("Broker container started", "container_id", id)
	return nil
}

func (l *Launcher) imageExists(ctx context.Context) (bool, error) {
	timeoutCtx, cancel := l.client.WithTimeout(ctx)
	defer cancel()

	filter := filters.NewArgs()
	filter.Add("reference", l.cfg.Image)
	images, err := l.client.cli.ImageList(timeoutCtx, image.ListOptions{Filters: filter})
	if err != nil {
		return false, types.WrapError(types.ErrCodeInternal, "failed to list images", err)
	}
	return len(images) > 0, nil
}

func (l *Launcher) pullImage(ctx context.Context) error {
	l.logger.Info("Pulling image", "image", l.cfg.Image)

	timeoutCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	reader, err := l.client.cli.ImagePull(timeoutCtx, l.cfg.Image, image.PullOptions{})
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to pull image", err)
	}
	defer reader.Close()

	if err := decodePullProgress(reader, l.logger); err != nil {
		return err
	}
	l.logger.Info("Image pulled successfully", "image", l.cfg.Image)
	return nil
}

// decodePullProgress drains the JSON message stream of an image pull
func decodePullProgress(r io.Reader, log *logger.Logger) error {
	decoder := json.NewDecoder(r)
	for {
		var jm struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}
		if err := decoder.Decode(&jm); err != nil {
			if err == io.EOF {
				return nil
			}
			return types.WrapError(types.ErrCodeInternal, "failed to decode pull progress", err)
		}
		if jm.Error != "" {
			return types.NewError(types.ErrCodeInternal, "image pull error: "+jm.Error)
		}
		if jm.Status != "" && jm.ID != "" {
			log.Debug("Image pull progress", "id", jm.ID, "status", jm.Status)
		}
	}
}

// brokerContainerConfig builds the docker configuration of the broker container
func brokerContainerConfig(cfg config.BrokerConfig) (*container.Config, *container.HostConfig, error) {
	port, err := nat.NewPort("tcp", brokerPort)
	if err != nil {
		return nil, nil, types.WrapError(types.ErrCodeInternal, "invalid broker port", err)
	}

	containerConfig := &container.Config{
		Image:        cfg.Image,
		Cmd:          brokerCmd,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelRole:    brokerRole,
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(cfg.Port)}},
		},
	}
	return containerConfig, hostConfig, nil
}

// brokerFilter selects the managed container named name
func brokerFilter(name string) filters.Args {
	return filters.NewArgs(
		filters.Arg("name", fmt.Sprintf("^/%s$", name)),
		filters.Arg("label", LabelManaged+"=true"),
	)
}

// waitReady polls addr until it accepts TCP connections or timeout elapses
func waitReady(ctx context.Context, addr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = config.DefaultBrokerStartTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	ticker := time.NewTicker(readyPollEvery)
	defer ticker.Stop()

	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeTimeout, "broker did not become ready at "+addr, err)
		case <-ticker.C:
		}
	}
}
