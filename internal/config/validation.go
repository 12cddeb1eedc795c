package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/validate"
)

// Validate checks a parsed Config for consistency before either process
// starts. It fails fast: a half-usable config is worse than a crash at boot.
func Validate(cfg *Config) error {
	v := validate.New()

	v.Port("server.port", cfg.Server.Port)
	v.Port("server.worker_health_check_port", cfg.Server.WorkerHealthCheckPort)
	if cfg.Server.Port == cfg.Server.WorkerHealthCheckPort {
		v.AddError("server.worker_health_check_port", "must differ from server.port", cfg.Server.WorkerHealthCheckPort)
	}

	v.NotEmpty("thumbnail_storage.path", cfg.ThumbnailStorage.Path)
	if cfg.ThumbnailStorage.MaxSize <= 0 {
		v.AddError("thumbnail_storage.max_size", "must be positive", cfg.ThumbnailStorage.MaxSize)
	}
	if m := cfg.ThumbnailStorage.CleanupMultiplier; m <= 0 || m > 1 {
		v.AddError("thumbnail_storage.cleanup_multiplier", "must be in (0, 1]", m)
	}
	v.NonNegative("thumbnail_storage.redis_offset_allowed", cfg.ThumbnailStorage.RedisOffsetAllowed)
	v.NonNegative("thumbnail_storage.max_before_async_generation", cfg.ThumbnailStorage.MaxBeforeAsyncGeneration)
	if cfg.ThumbnailStorage.MaxQueueSize <= 0 {
		v.AddError("thumbnail_storage.max_queue_size", "must be positive", cfg.ThumbnailStorage.MaxQueueSize)
	}
	if cfg.TimeoutBeforeAsync <= 0 {
		v.AddError("thumbnail_storage.timeout_before_async_generation", "must be positive", cfg.ThumbnailStorage.TimeoutBeforeAsyncGeneration)
	}
	if cfg.CleanupInterval <= 0 {
		v.AddError("thumbnail_storage.cleanup_interval", "must be positive", cfg.ThumbnailStorage.CleanupInterval)
	}

	v.NotEmpty("redis.host", cfg.Redis.Host)
	v.Port("redis.port", cfg.Redis.Port)

	v.Positive("default_max_height", cfg.DefaultMaxHeight)

	if !cfg.FloatieEnabled() && !cfg.YtdlpEnabled() {
		v.AddError("try_floatie", "at least one playback resolver must be enabled", false)
	}
	if cfg.FloatieEnabled() {
		if cfg.YTAuth.NsigHelper.TCP == "" && cfg.YTAuth.NsigHelper.Unix == "" {
			v.AddError("yt_auth.nsig_helper", "tcp or unix address required when try_floatie is enabled", "")
		}
		if cfg.MaxPlayerAge <= 0 {
			v.AddError("yt_auth.max_player_age", "must be positive", cfg.YTAuth.MaxPlayerAge)
		}
	}

	if cfg.ProxyToken != "" && len(cfg.ProxyURLs) > 0 {
		v.AddError("proxy_token", "mutually exclusive with proxy_urls", "")
	}
	for i, p := range cfg.ProxyURLs {
		field := fmt.Sprintf("proxy_urls[%d].url", i)
		v.URL(field, p.URL, []string{"http"})
		v.Custom(field, p.URL, func(val any) error {
			u, err := url.Parse(val.(string))
			if err != nil {
				return err
			}
			if u.User == nil {
				return fmt.Errorf("proxy URL must carry credentials")
			}
			return nil
		})
	}

	v.URL("project_url", cfg.ProjectURL, []string{"http", "https"})

	v.NotEmpty("ffmpeg_path", cfg.FFmpegPath)
	if cfg.YtdlpEnabled() {
		v.NotEmpty("ytdlp_path", cfg.YtdlpPath)
	}

	v.OneOf("log_level", strings.ToLower(cfg.LogLevel), []string{"trace", "debug", "info", "warn", "error"})

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		if r := cfg.Telemetry.SamplingRate; r < 0 || r > 1 {
			v.AddError("telemetry.sampling_rate", "must be in [0, 1]", r)
		}
	}

	if !v.IsValid() {
		return v.Err()
	}
	return nil
}
