package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/billm/m2mipc/pkg/types"
)

// isolateDefaultPath points the default config path at a file that does not
// exist so a developer's own config cannot leak into tests
func isolateDefaultPath(t *testing.T) {
	t.Helper()
	SetTestConfigPath(filepath.Join(t.TempDir(), "absent.yaml"))
	t.Cleanup(func() { SetTestConfigPath("") })
}

func TestLoadDefaults(t *testing.T) {
	isolateDefaultPath(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bus.Transport != DefaultBusTransport {
		t.Errorf("Bus.Transport = %s, want %s", cfg.Bus.Transport, DefaultBusTransport)
	}
	if cfg.Bus.URL != DefaultBusURL {
		t.Errorf("Bus.URL = %s, want %s", cfg.Bus.URL, DefaultBusURL)
	}
	if cfg.IPC.DefaultTimeout != DefaultRequestTimeout {
		t.Errorf("IPC.DefaultTimeout = %s, want %s", cfg.IPC.DefaultTimeout, DefaultRequestTimeout)
	}
}

func TestConfigPrecedence(t *testing.T) {
	isolateDefaultPath(t)
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
bus:
  transport: mqtt
  url: tcp://from-file:1883
  client_id: file-client
logging:
  level: warn
`)

	// File only
	cfg, err := LoadWithPath(path)
	if err != nil {
		t.Fatalf("LoadWithPath() error = %v", err)
	}
	if cfg.Bus.URL != "tcp://from-file:1883" {
		t.Errorf("file: Bus.URL = %s", cfg.Bus.URL)
	}

	// Env beats file
	t.Setenv(EnvBusURL, "tcp://from-env:1883")
	t.Setenv(EnvIPCDefaultTimeout, "750ms")
	cfg, err = LoadWithPath(path)
	if err != nil {
		t.Fatalf("LoadWithPath() error = %v", err)
	}
	if cfg.Bus.URL != "tcp://from-env:1883" {
		t.Errorf("env: Bus.URL = %s", cfg.Bus.URL)
	}
	if cfg.IPC.DefaultTimeout != 750*time.Millisecond {
		t.Errorf("env: IPC.DefaultTimeout = %s", cfg.IPC.DefaultTimeout)
	}
	if cfg.Bus.ClientID != "file-client" {
		t.Errorf("env: Bus.ClientID = %s, want file value", cfg.Bus.ClientID)
	}

	// Flags beat env
	cfg.ApplyOverrides(OverrideOptions{URL: "tcp://from-flag:1883", LogLevel: "debug", Transport: "MQTT"})
	if cfg.Bus.URL != "tcp://from-flag:1883" {
		t.Errorf("flag: Bus.URL = %s", cfg.Bus.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("flag: Logging.Level = %s", cfg.Logging.Level)
	}
	if cfg.Bus.Transport != TransportMQTT {
		t.Errorf("flag: Bus.Transport = %s", cfg.Bus.Transport)
	}
}

func TestLoadWithPathMissingExplicitFile(t *testing.T) {
	isolateDefaultPath(t)

	_, err := LoadWithPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Fatalf("LoadWithPath() error = %v, want NOT_FOUND", err)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	isolateDefaultPath(t)

	tests := []struct {
		env   string
		value string
	}{
		{EnvBusQoS, "three"},
		{EnvBusQoS, "3"},
		{EnvIPCDefaultTimeout, "soon"},
		{EnvBrokerPort, "0"},
		{EnvBusTransport, "smoke-signals"},
		{EnvLogFormat, "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.env+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s expected error", tt.env, tt.value)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"memory without url", func(c *Config) { c.Bus.Transport = TransportMemory; c.Bus.URL = "" }, false},
		{"mqtt without url", func(c *Config) { c.Bus.URL = "" }, true},
		{"negative qos", func(c *Config) { c.Bus.QoS = -1 }, true},
		{"empty reply segment", func(c *Config) { c.IPC.ReplySegment = "" }, true},
		{"inverted suffix range", func(c *Config) { c.IPC.SuffixMin, c.IPC.SuffixMax = 500, 100 }, true},
		{"zero attempts", func(c *Config) { c.IPC.MaxSuffixAttempts = 0 }, true},
		{"negative timeout", func(c *Config) { c.IPC.DefaultTimeout = -time.Second }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, true},
		{"port zero", func(c *Config) { c.Broker.Port = 0 }, true},
		{"empty image", func(c *Config) { c.Broker.Image = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
				t.Errorf("Validate() error code = %s, want INVALID_ARGUMENT", types.GetErrorCode(err))
			}
		})
	}
}

func TestStringHidesCredentials(t *testing.T) {
	cfg := New()
	cfg.Bus.Username = "sbrick"
	cfg.Bus.Password = "hunter2"

	s := cfg.String()
	if strings.Contains(s, "hunter2") {
		t.Errorf("String() leaks password: %s", s)
	}
	if !strings.Contains(s, "rr->rr_resp") {
		t.Errorf("String() missing segments: %s", s)
	}
}
