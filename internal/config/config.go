// Package config loads and validates the service configuration.
//
// The configuration lives in a single YAML file shared by the API server and
// the generation workers. Both processes must observe identical settings, so
// there is no runtime reload: a config change means a restart.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ServerSection configures the listen addresses of the two processes.
type ServerSection struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	WorkerHealthCheckPort int    `yaml:"worker_health_check_port"`
	UniqueWorkerNames     bool   `yaml:"unique_worker_names"`
}

// StorageSection configures the on-disk artifact store and its cleanup.
type StorageSection struct {
	Path               string  `yaml:"path"`
	MaxSize            int64   `yaml:"max_size"`
	CleanupMultiplier  float64 `yaml:"cleanup_multiplier"`
	RedisOffsetAllowed int     `yaml:"redis_offset_allowed"`

	MaxBeforeAsyncGeneration     int    `yaml:"max_before_async_generation"`
	MaxQueueSize                 int64  `yaml:"max_queue_size"`
	TimeoutBeforeAsyncGeneration string `yaml:"timeout_before_async_generation"`
	CleanupInterval              string `yaml:"cleanup_interval"`
}

// RedisSection configures the coordination store connection.
type RedisSection struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// NsigHelperSection configures the connection to the signing helper.
// Exactly one of TCP or Unix is used; Unix wins when both are set.
type NsigHelperSection struct {
	TCP  string `yaml:"tcp,omitempty"`
	Unix string `yaml:"unix,omitempty"`
}

// YTAuthSection carries upstream authentication material.
type YTAuthSection struct {
	VisitorData  string            `yaml:"visitorData,omitempty"`
	NsigHelper   NsigHelperSection `yaml:"nsig_helper"`
	MaxPlayerAge string            `yaml:"max_player_age"`
}

// ProxySection describes one statically configured proxy.
type ProxySection struct {
	URL         string `yaml:"url"`
	CountryCode string `yaml:"country_code,omitempty"`
}

// TelemetrySection configures trace export.
type TelemetrySection struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// FileConfig is the YAML shape of config.yaml.
type FileConfig struct {
	Server           ServerSection  `yaml:"server"`
	ThumbnailStorage StorageSection `yaml:"thumbnail_storage"`
	Redis            RedisSection   `yaml:"redis"`

	DefaultMaxHeight   int    `yaml:"default_max_height"`
	StatusAuthPassword string `yaml:"status_auth_password"`

	YTAuth YTAuthSection `yaml:"yt_auth"`

	TryFloatie      *bool `yaml:"try_floatie"`
	TryYtdlp        *bool `yaml:"try_ytdlp"`
	SkipLocalFfmpeg bool  `yaml:"skip_local_ffmpeg"`

	ProxyURLs  []ProxySection `yaml:"proxy_urls"`
	ProxyToken string         `yaml:"proxy_token,omitempty"`

	FrontAuth  string `yaml:"front_auth,omitempty"`
	ProjectURL string `yaml:"project_url"`

	FFmpegPath string `yaml:"ffmpeg_path"`
	YtdlpPath  string `yaml:"ytdlp_path"`

	LogLevel string `yaml:"log_level"`
	Debug    bool   `yaml:"debug"`

	Telemetry TelemetrySection `yaml:"telemetry"`
}

// Config is the runtime view: the file shape plus parsed and derived fields.
type Config struct {
	FileConfig

	TimeoutBeforeAsync time.Duration
	CleanupInterval    time.Duration
	MaxPlayerAge       time.Duration
}

// ListenAddr returns the API server bind address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// WorkerHealthAddr returns the worker health endpoint bind address.
func (c *Config) WorkerHealthAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.WorkerHealthCheckPort))
}

// RedisAddr returns the coordination store address.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))
}

// FloatieEnabled reports whether the upstream player API provider is active.
func (c *Config) FloatieEnabled() bool {
	return c.TryFloatie == nil || *c.TryFloatie
}

// YtdlpEnabled reports whether the yt-dlp fallback provider is active.
func (c *Config) YtdlpEnabled() bool {
	return c.TryYtdlp == nil || *c.TryYtdlp
}

// CleanupTarget returns the byte count cleanup evicts down to.
func (c *Config) CleanupTarget() int64 {
	return int64(float64(c.ThumbnailStorage.MaxSize) * c.ThumbnailStorage.CleanupMultiplier)
}

func applyDefaults(fc *FileConfig) {
	if fc.Server.Host == "" {
		fc.Server.Host = "0.0.0.0"
	}
	if fc.Server.Port == 0 {
		fc.Server.Port = 3001
	}
	if fc.Server.WorkerHealthCheckPort == 0 {
		fc.Server.WorkerHealthCheckPort = 3002
	}
	if fc.ThumbnailStorage.Path == "" {
		fc.ThumbnailStorage.Path = "./cache"
	}
	if fc.ThumbnailStorage.MaxSize == 0 {
		fc.ThumbnailStorage.MaxSize = 50_000_000_000
	}
	if fc.ThumbnailStorage.CleanupMultiplier == 0 {
		fc.ThumbnailStorage.CleanupMultiplier = 0.9
	}
	if fc.ThumbnailStorage.RedisOffsetAllowed == 0 {
		fc.ThumbnailStorage.RedisOffsetAllowed = 100
	}
	if fc.ThumbnailStorage.MaxBeforeAsyncGeneration == 0 {
		fc.ThumbnailStorage.MaxBeforeAsyncGeneration = 2
	}
	if fc.ThumbnailStorage.MaxQueueSize == 0 {
		fc.ThumbnailStorage.MaxQueueSize = 500
	}
	if fc.ThumbnailStorage.TimeoutBeforeAsyncGeneration == "" {
		fc.ThumbnailStorage.TimeoutBeforeAsyncGeneration = "8s"
	}
	if fc.ThumbnailStorage.CleanupInterval == "" {
		fc.ThumbnailStorage.CleanupInterval = "60m"
	}
	if fc.Redis.Host == "" {
		fc.Redis.Host = "localhost"
	}
	if fc.Redis.Port == 0 {
		fc.Redis.Port = 6379
	}
	if fc.DefaultMaxHeight == 0 {
		fc.DefaultMaxHeight = 720
	}
	if fc.YTAuth.MaxPlayerAge == "" {
		fc.YTAuth.MaxPlayerAge = "12h"
	}
	if fc.ProjectURL == "" {
		fc.ProjectURL = "https://github.com/mini-bomba/DeArrowThumbnailCache"
	}
	if fc.FFmpegPath == "" {
		fc.FFmpegPath = "ffmpeg"
	}
	if fc.YtdlpPath == "" {
		fc.YtdlpPath = "yt-dlp"
	}
	if fc.LogLevel == "" {
		fc.LogLevel = "info"
	}
	if fc.Telemetry.Exporter == "" {
		fc.Telemetry.Exporter = "grpc"
	}
	if fc.Telemetry.Endpoint == "" {
		fc.Telemetry.Endpoint = "localhost:4317"
	}
	if fc.Telemetry.SamplingRate == 0 {
		fc.Telemetry.SamplingRate = 1.0
	}
}

func parseDurations(c *Config) error {
	var err error
	c.TimeoutBeforeAsync, err = time.ParseDuration(c.ThumbnailStorage.TimeoutBeforeAsyncGeneration)
	if err != nil {
		return fmt.Errorf("parse timeout_before_async_generation: %w", err)
	}
	c.CleanupInterval, err = time.ParseDuration(c.ThumbnailStorage.CleanupInterval)
	if err != nil {
		return fmt.Errorf("parse cleanup_interval: %w", err)
	}
	c.MaxPlayerAge, err = time.ParseDuration(c.YTAuth.MaxPlayerAge)
	if err != nil {
		return fmt.Errorf("parse max_player_age: %w", err)
	}
	return nil
}
