package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where both binaries look for the config file unless
// DATC_CONFIG overrides it.
const DefaultPath = "config.yaml"

// Path resolves the config file location from the environment.
func Path() string {
	if p := os.Getenv("DATC_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, defaults, environment-overrides and validates the config file.
// A missing file is an error: the service refuses to guess where the cache
// should live.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s does not exist (generate one with configgen)", path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML. Split from Load for tests and for the
// configgen tool.
func Parse(data []byte) (*Config, error) {
	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&fc)
	applyEnv(&fc)

	cfg := &Config{FileConfig: fc}
	if err := parseDurations(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Upgrade parses raw YAML (which may be empty) and fills in every default,
// returning the file shape ready to be written back. Unlike Parse it applies
// no environment overrides and no semantic validation: the result is a
// template for the operator to finish, not a runnable config.
func Upgrade(data []byte) (*FileConfig, error) {
	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&fc)
	return &fc, nil
}

// applyEnv layers environment overrides on top of the file values.
// Precedence: env > file > defaults.
func applyEnv(fc *FileConfig) {
	if v := os.Getenv("DATC_HOST"); v != "" {
		fc.Server.Host = v
	}
	if v := os.Getenv("DATC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			fc.Server.Port = port
		}
	}
	if v := os.Getenv("DATC_REDIS_HOST"); v != "" {
		fc.Redis.Host = v
	}
	if v := os.Getenv("DATC_REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			fc.Redis.Port = port
		}
	}
	if v := os.Getenv("DATC_REDIS_PASSWORD"); v != "" {
		fc.Redis.Password = v
	}
	if v := os.Getenv("DATC_STORAGE_PATH"); v != "" {
		fc.ThumbnailStorage.Path = v
	}
	if v := os.Getenv("DATC_STATUS_AUTH_PASSWORD"); v != "" {
		fc.StatusAuthPassword = v
	}
	if v := os.Getenv("DATC_FRONT_AUTH"); v != "" {
		fc.FrontAuth = v
	}
	if v := os.Getenv("DATC_PROXY_TOKEN"); v != "" {
		fc.ProxyToken = v
	}
	if v := os.Getenv("DATC_LOG_LEVEL"); v != "" {
		fc.LogLevel = v
	}
	if v := os.Getenv("DATC_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			fc.Debug = debug
		}
	}
}
