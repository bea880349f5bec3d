package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/billm/m2mipc/pkg/types"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(?::-([^}]*))?\}`)

// interpolateEnvVars replaces ${VAR} with the variable's value and
// ${VAR:-default} with the default when VAR is unset or empty
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// LoadFromFile loads configuration from a YAML file.
//
// Placeholders are expanded on the raw document before decoding, so any
// field may come from the environment, durations and ports included:
//
//	bus:
//	  url: tcp://${BROKER_HOST:-127.0.0.1}:1883
//	ipc:
//	  default_timeout: ${REQUEST_TIMEOUT:-5s}
//
// Unknown keys are rejected so a misspelled setting does not silently fall
// back to its default. Missing settings are filled with defaults and the
// result is validated.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml or .yml extension, got: "+ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}

	cfg, err := decode([]byte(interpolateEnvVars(string(data))), path)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "configuration validation failed for "+path, err)
	}
	return cfg, nil
}

// decode strictly decodes a single YAML document
func decode(data []byte, path string) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, types.NewError(types.ErrCodeInvalid, "configuration file contains no YAML content: "+path)
		}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return nil, types.WrapError(types.ErrCodeInvalid, "invalid settings in "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+path, err)
	}
	return &cfg, nil
}
