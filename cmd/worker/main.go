package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/cleanup"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coord"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/extract"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/generate"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/innertube"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/proxies"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/ratelimit"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/resolve"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/signer"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/store"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/telemetry"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/validation"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/version"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/worker"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/ytdlp"
)

const service = "thumbnail-worker"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	concurrency := flag.Int("concurrency", 1, "job slots per worker process")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: service,
		Version: version.Version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := *configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str(log.FieldPath, path).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: service,
		Version: version.Version,
		Debug:   cfg.Debug,
	})
	logger = log.WithComponent("main")
	logger.Info().
		Str(log.FieldEvent, "config.loaded").
		Str(log.FieldPath, path).
		Msg("configuration loaded")

	tel, err := telemetry.NewProvider(ctx, cfg.Telemetry, service, version.Version)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "telemetry.init_failed").
			Msg("failed to initialize trace export")
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn().
				Err(err).
				Str(log.FieldEvent, "telemetry.shutdown_failed").
				Msg("trace export shutdown failed")
		}
	}()

	co, err := coord.New(coord.Config{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, log.WithComponent("coord"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "coord.connect_failed").
			Str("addr", cfg.RedisAddr()).
			Msg("failed to reach the coordination store")
	}
	defer func() { _ = co.Close() }()

	if err := validation.CheckStorage(cfg.ThumbnailStorage.Path); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "startup.check_failed").
			Msg("pre-flight checks failed")
	}
	if err := validation.CheckTools(cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "startup.check_failed").
			Msg("pre-flight checks failed")
	}

	st, err := store.New(cfg.ThumbnailStorage.Path)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "store.init_failed").
			Str(log.FieldPath, cfg.ThumbnailStorage.Path).
			Msg("failed to open the thumbnail store")
	}

	// Validation guarantees at least one resolver and, when the player API
	// path is enabled, a signing helper address.
	var providers []resolve.Provider
	if cfg.FloatieEnabled() {
		sign, err := signer.New(cfg.YTAuth.NsigHelper, log.Base())
		if err != nil {
			logger.Fatal().
				Err(err).
				Str(log.FieldEvent, "signer.init_failed").
				Msg("failed to set up the signing helper client")
		}
		defer func() { _ = sign.Close() }()
		providers = append(providers, resolve.Limited(
			innertube.New(cfg, sign, log.Base()),
			ratelimit.NewEgress("floatie", 5, 10),
		))
	}
	if cfg.YtdlpEnabled() {
		providers = append(providers, resolve.Limited(
			ytdlp.New(cfg, log.Base()),
			ratelimit.NewEgress("ytdlp", 5, 10),
		))
	}
	resolver := resolve.New(log.Base(), providers...)

	pool := proxies.New(cfg, co, log.Base())
	extractor := extract.New(cfg, log.Base())
	cleaner := cleanup.New(cfg, co, st, log.Base())

	gen := generate.New(cfg, generate.Deps{
		Coord:     co,
		Store:     st,
		Resolver:  resolver,
		Proxies:   pool,
		Extractor: extractor,
		OnStorageFull: func(ctx context.Context) {
			if err := cleaner.Run(ctx, "threshold"); err != nil {
				logger.Warn().
					Err(err).
					Str(log.FieldEvent, "cleanup.threshold_failed").
					Msg("threshold cleanup pass failed")
			}
		},
	}, log.Base())

	w := worker.New(cfg, co, gen, cleaner, *concurrency, log.Base())

	logger.Info().
		Str(log.FieldEvent, "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("worker_id", w.ID()).
		Int("concurrency", *concurrency).
		Msg("starting thumbnail worker")

	if err := w.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "worker.failed").
			Msg("worker failed")
	}

	logger.Info().Str(log.FieldEvent, "shutdown").Msg("worker exiting")
}
