package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/m2mipc/pkg/types"
)

// Config represents the complete configuration for an m2mipc process
type Config struct {
	Bus     BusConfig     `json:"bus" yaml:"bus"`
	IPC     IPCConfig     `json:"ipc" yaml:"ipc"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Broker  BrokerConfig  `json:"broker" yaml:"broker"`
}

// BusConfig contains the publish/subscribe transport configuration
type BusConfig struct {
	Transport      string        `json:"transport" yaml:"transport"` // mqtt, nats, amqp, redis, memory
	URL            string        `json:"url" yaml:"url"`
	ClientID       string        `json:"client_id" yaml:"client_id"`
	Username       string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string        `json:"password,omitempty" yaml:"password,omitempty"`
	KeepAlive      time.Duration `json:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	QoS            int           `json:"qos" yaml:"qos"` // mqtt only
	CleanSession   bool          `json:"clean_session" yaml:"clean_session"`
	Exchange       string        `json:"exchange" yaml:"exchange"` // amqp only
	DB             int           `json:"db" yaml:"db"`             // redis only
}

// IPCConfig contains request/response layer configuration
type IPCConfig struct {
	RequestSegment    string        `json:"request_segment" yaml:"request_segment"`
	ReplySegment      string        `json:"reply_segment" yaml:"reply_segment"`
	SuffixMin         int           `json:"suffix_min" yaml:"suffix_min"`
	SuffixMax         int           `json:"suffix_max" yaml:"suffix_max"`
	MaxSuffixAttempts int           `json:"max_suffix_attempts" yaml:"max_suffix_attempts"`
	DefaultTimeout    time.Duration `json:"default_timeout" yaml:"default_timeout"`
	TickInterval      time.Duration `json:"tick_interval" yaml:"tick_interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// BrokerConfig contains the configuration of the local development broker
// started through docker
type BrokerConfig struct {
	DockerHost    string        `json:"docker_host" yaml:"docker_host"`
	Image         string        `json:"image" yaml:"image"`
	ContainerName string        `json:"container_name" yaml:"container_name"`
	Port          int           `json:"port" yaml:"port"`
	StartTimeout  time.Duration `json:"start_timeout" yaml:"start_timeout"`
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	// Bus overrides
	if v := os.Getenv(EnvBusTransport); v != "" {
		cfg.Bus.setTransport(v)
	}
	if v := os.Getenv(EnvBusURL); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv(EnvBusClientID); v != "" {
		cfg.Bus.ClientID = v
	}
	if v := os.Getenv(EnvBusUsername); v != "" {
		cfg.Bus.Username = v
	}
	if v := os.Getenv(EnvBusPassword); v != "" {
		cfg.Bus.Password = v
	}
	if v := os.Getenv(EnvBusQoS); v != "" {
		qos, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvBusQoS, err)
		}
		cfg.Bus.QoS = qos
	}

	// IPC overrides
	if v := os.Getenv(EnvIPCDefaultTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvIPCDefaultTimeout, err)
		}
		cfg.IPC.DefaultTimeout = d
	}

	// Logging overrides
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	// Broker overrides
	if v := os.Getenv(EnvDockerHost); v != "" {
		cfg.Broker.DockerHost = v
	}
	if v := os.Getenv(EnvBrokerImage); v != "" {
		cfg.Broker.Image = v
	}
	if v := os.Getenv(EnvBrokerPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvBrokerPort, err)
		}
		cfg.Broker.Port = port
	}

	return nil
}

// setTransport switches the transport and, when the URL is still the default
// of the previous transport, the URL along with it
func (c *BusConfig) setTransport(transport string) {
	transport = strings.ToLower(transport)
	if c.URL == "" || c.URL == DefaultURLFor(c.Transport) {
		c.URL = DefaultURLFor(transport)
	}
	c.Transport = transport
}

// Load creates a new Config from the default config file when it exists,
// falling back to defaults, and then applies environment variable overrides
func Load() (*Config, error) {
	configPath, err := GetDefaultConfigPath()
	if err != nil {
		configPath = ""
	}
	return LoadWithPath(configPath)
}

// LoadWithPath is Load with an explicit config file. A missing file is not an
// error for the default path but is for one named explicitly.
func LoadWithPath(path string) (*Config, error) {
	var cfg *Config

	if path != "" {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			loaded, err := LoadFromFile(path)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		case !os.IsNotExist(statErr):
			return nil, fmt.Errorf("failed to check config file: %w", statErr)
		case !isDefaultPath(path):
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, statErr)
		}
	}

	if cfg == nil {
		cfg = New()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func isDefaultPath(path string) bool {
	def, err := GetDefaultConfigPath()
	return err == nil && def == path
}

// New returns a configuration populated with defaults
func New() *Config {
	return &Config{
		Bus:     DefaultBusConfig(),
		IPC:     DefaultIPCConfig(),
		Logging: DefaultLoggingConfig(),
		Broker:  DefaultBrokerConfig(),
	}
}

// applyDefaults fills zero-valued fields with their defaults, field by field
// so that partial YAML documents stay valid
func applyDefaults(cfg *Config) {
	defaultBus := DefaultBusConfig()
	if cfg.Bus.Transport == "" {
		cfg.Bus.Transport = defaultBus.Transport
	}
	if cfg.Bus.URL == "" {
		cfg.Bus.URL = DefaultURLFor(cfg.Bus.Transport)
	}
	if cfg.Bus.KeepAlive == 0 {
		cfg.Bus.KeepAlive = defaultBus.KeepAlive
	}
	if cfg.Bus.ConnectTimeout == 0 {
		cfg.Bus.ConnectTimeout = defaultBus.ConnectTimeout
	}
	if cfg.Bus.Exchange == "" {
		cfg.Bus.Exchange = defaultBus.Exchange
	}

	defaultIPC := DefaultIPCConfig()
	if cfg.IPC.RequestSegment == "" {
		cfg.IPC.RequestSegment = defaultIPC.RequestSegment
	}
	if cfg.IPC.ReplySegment == "" {
		cfg.IPC.ReplySegment = defaultIPC.ReplySegment
	}
	if cfg.IPC.SuffixMin == 0 && cfg.IPC.SuffixMax == 0 {
		cfg.IPC.SuffixMin = defaultIPC.SuffixMin
		cfg.IPC.SuffixMax = defaultIPC.SuffixMax
	}
	if cfg.IPC.MaxSuffixAttempts == 0 {
		cfg.IPC.MaxSuffixAttempts = defaultIPC.MaxSuffixAttempts
	}
	if cfg.IPC.DefaultTimeout == 0 {
		cfg.IPC.DefaultTimeout = defaultIPC.DefaultTimeout
	}
	if cfg.IPC.TickInterval == 0 {
		cfg.IPC.TickInterval = defaultIPC.TickInterval
	}

	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultBroker := DefaultBrokerConfig()
	if cfg.Broker.DockerHost == "" {
		cfg.Broker.DockerHost = defaultBroker.DockerHost
	}
	if cfg.Broker.Image == "" {
		cfg.Broker.Image = defaultBroker.Image
	}
	if cfg.Broker.ContainerName == "" {
		cfg.Broker.ContainerName = defaultBroker.ContainerName
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = defaultBroker.Port
	}
	if cfg.Broker.StartTimeout == 0 {
		cfg.Broker.StartTimeout = defaultBroker.StartTimeout
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Bus.Validate(); err != nil {
		return err
	}
	if err := c.IPC.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return c.Broker.Validate()
}

// Validate validates the bus configuration
func (c BusConfig) Validate() error {
	switch c.Transport {
	case TransportMQTT, TransportNATS, TransportAMQP, TransportRedis:
		if c.URL == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "bus url cannot be empty for transport "+c.Transport)
		}
		if _, err := url.Parse(c.URL); err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid bus url", err)
		}
	case TransportMemory:
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid bus transport: %s (must be mqtt, nats, amqp, redis or memory)", c.Transport))
	}
	if c.QoS < 0 || c.QoS > 2 {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid qos: %d (must be 0, 1 or 2)", c.QoS))
	}
	if c.KeepAlive < 0 || c.ConnectTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "bus durations cannot be negative")
	}
	return nil
}

// Validate validates the IPC configuration
func (c IPCConfig) Validate() error {
	if c.RequestSegment == "" || c.ReplySegment == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "request and reply segments cannot be empty")
	}
	if c.RequestSegment == c.ReplySegment {
		return types.NewError(types.ErrCodeInvalidArgument, "request and reply segments must differ")
	}
	if c.SuffixMin < 0 || c.SuffixMax <= c.SuffixMin {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid suffix range [%d, %d)", c.SuffixMin, c.SuffixMax))
	}
	if c.MaxSuffixAttempts <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max suffix attempts must be positive")
	}
	if c.DefaultTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "default timeout cannot be negative")
	}
	if c.TickInterval < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "tick interval cannot be negative")
	}
	return nil
}

// Validate validates the logging configuration
func (c LoggingConfig) Validate() error {
	validLogLevels := map[string]bool{
		"debug":   true,
		"info":    true,
		"warn":    true,
		"warning": true,
		"error":   true,
	}
	if !validLogLevels[c.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Format))
	}
	return nil
}

// Validate validates the broker configuration
func (c BrokerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("broker port %d is out of range (1~65535)", c.Port))
	}
	if c.Image == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "broker image cannot be empty")
	}
	return nil
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// Flags win over the YAML file and environment variables.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	// Bus overrides
	if opts.Transport != "" {
		c.Bus.setTransport(opts.Transport)
	}
	if opts.URL != "" {
		c.Bus.URL = opts.URL
	}
	if opts.ClientID != "" {
		c.Bus.ClientID = opts.ClientID
	}

	// Logging overrides
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}

	// Broker overrides
	if opts.DockerHost != "" {
		c.Broker.DockerHost = opts.DockerHost
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	// Bus options
	Transport string
	URL       string
	ClientID  string

	// Logging options
	LogLevel  string
	LogFormat string
	LogOutput string

	// Docker options
	DockerHost string
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Bus: %s, IPC: %s, Logging: %s, Broker: %s}",
		c.Bus.String(), c.IPC.String(), c.Logging.String(), c.Broker.String())
}

// String returns a string representation of the bus config, without credentials
func (c BusConfig) String() string {
	return fmt.Sprintf("BusConfig{Transport: %s, URL: %s, ClientID: %s, QoS: %d}",
		c.Transport, c.URL, c.ClientID, c.QoS)
}

// String returns a string representation of the IPC config
func (c IPCConfig) String() string {
	return fmt.Sprintf("IPCConfig{Segments: %s->%s, Suffix: [%d, %d), DefaultTimeout: %s}",
		c.RequestSegment, c.ReplySegment, c.SuffixMin, c.SuffixMax, c.DefaultTimeout)
}

// String returns a string representation of the logging config
func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

// String returns a string representation of the broker config
func (c BrokerConfig) String() string {
	return fmt.Sprintf("BrokerConfig{Image: %s, Container: %s, Port: %d}", c.Image, c.ContainerName, c.Port)
}

// RestartRequired lists the settings that differ between prev and next but are
// bound when the bus connection and IPC session are created. Logging and the
// default request timeout are applied live and never listed.
func RestartRequired(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var changed []string
	if prev.Bus != next.Bus {
		changed = append(changed, "bus")
	}
	if prev.IPC.RequestSegment != next.IPC.RequestSegment || prev.IPC.ReplySegment != next.IPC.ReplySegment {
		changed = append(changed, "ipc.segments")
	}
	if prev.IPC.SuffixMin != next.IPC.SuffixMin || prev.IPC.SuffixMax != next.IPC.SuffixMax ||
		prev.IPC.MaxSuffixAttempts != next.IPC.MaxSuffixAttempts {
		changed = append(changed, "ipc.suffix")
	}
	if prev.IPC.TickInterval != next.IPC.TickInterval {
		changed = append(changed, "ipc.tick_interval")
	}
	if prev.Broker != next.Broker {
		changed = append(changed, "broker")
	}
	return changed
}
