package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultIPCConfig(t *testing.T) {
	cfg := DefaultIPCConfig()

	if cfg.RequestSegment != "rr" || cfg.ReplySegment != "rr_resp" {
		t.Errorf("segments = %s/%s, want rr/rr_resp", cfg.RequestSegment, cfg.ReplySegment)
	}
	if cfg.SuffixMin != 10000 || cfg.SuffixMax != 99999 {
		t.Errorf("suffix range = [%d, %d), want [10000, 99999)", cfg.SuffixMin, cfg.SuffixMax)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default IPC config invalid: %v", err)
	}
}

func TestDefaultConfigValid(t *testing.T) {
	if err := New().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	SetTestConfigPath("/tmp/custom.yaml")
	path, err := GetDefaultConfigPath()
	SetTestConfigPath("")
	if err != nil || path != "/tmp/custom.yaml" {
		t.Fatalf("GetDefaultConfigPath() = %s, %v", path, err)
	}

	path, err = GetDefaultConfigPath()
	if err != nil {
		t.Skipf("no user config dir: %v", err)
	}
	if filepath.Base(path) != "config.yaml" || filepath.Base(filepath.Dir(path)) != "m2mipc" {
		t.Errorf("GetDefaultConfigPath() = %s", path)
	}
}
