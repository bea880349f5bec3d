package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/billm/m2mipc/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{
			name: "valid json config to stdout",
			cfg: config.LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			wantErr: false,
		},
		{
			name: "valid text config to stderr",
			cfg: config.LoggingConfig{
				Level:  "debug",
				Format: "text",
				Output: "stderr",
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			cfg: config.LoggingConfig{
				Level:  "invalid",
				Format: "json",
				Output: "stdout",
			},
			wantErr: true,
		},
		{
			name: "invalid log format",
			cfg: config.LoggingConfig{
				Level:  "info",
				Format: "xml",
				Output: "stdout",
			},
			wantErr: true,
		},
		{
			name: "empty output defaults to stderr",
			cfg: config.LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && logger == nil {
				t.Error("New() returned nil logger without error")
			}
		})
	}
}

func TestNewDefaultLogger(t *testing.T) {
	logger, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault() error = %v", err)
	}
	if logger.GetLevel() != LevelInfo {
		t.Errorf("NewDefault() level = %v, want %v", logger.GetLevel(), LevelInfo)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"DEBUG", LevelDebug},
		{" Warn ", LevelWarn},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel(verbose) expected error")
	}
}

func TestJSONOutputWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}

	log.With("component", "ipc_session").Info("request sent", "topic", "sbrick/01/rr/get_adc/54321")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if entry["component"] != "ipc_session" {
		t.Errorf("component = %v, want ipc_session", entry["component"])
	}
	if entry["msg"] != "request sent" {
		t.Errorf("msg = %v, want request sent", entry["msg"])
	}
}

func TestSetLevelAppliesToDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	root, err := NewWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	child := root.With("component", "event_loop")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug message written at info level: %s", buf.String())
	}

	root.SetLevel(LevelDebug)
	child.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug message missing after SetLevel: %s", buf.String())
	}
	if !child.Enabled(LevelDebug) {
		t.Error("child should report debug enabled")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "m2mipc.log")
	log, err := New(config.LoggingConfig{Level: "info", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Info("written to file")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Close is idempotent
	if err := log.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing message: %s", data)
	}
}

func TestNop(t *testing.T) {
	log := NewNop()
	log.Error("discarded")
	if log.GetLevel() != LevelError {
		t.Errorf("NewNop() level = %v, want %v", log.GetLevel(), LevelError)
	}
}

func TestGlobal(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	prev := Global()
	SetGlobal(log)
	defer SetGlobal(prev)

	Global().Info("through global", "k", "v")
	if !strings.Contains(buf.String(), "through global") {
		t.Errorf("global logger did not write: %s", buf.String())
	}
}

func TestRawJSONPayloadAttr(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := NewWithWriter(config.LoggingConfig{Level: "debug", Format: format}, &buf)
			if err != nil {
				t.Fatalf("NewWithWriter() error = %v", err)
			}
			log.Debug("Request received", "payload", json.RawMessage(`{"port":"A"}`))
			if !strings.Contains(buf.String(), "port") {
				t.Errorf("payload not rendered as JSON text: %s", buf.String())
			}
		})
	}
}
