package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/api"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coord"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/store"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/telemetry"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/validation"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/version"
)

const service = "thumbnail-api"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
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

	st, err := store.New(cfg.ThumbnailStorage.Path)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "store.init_failed").
			Str(log.FieldPath, cfg.ThumbnailStorage.Path).
			Msg("failed to open the thumbnail store")
	}

	logger.Info().
		Str(log.FieldEvent, "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.ListenAddr()).
		Msg("starting thumbnail api")

	srv := api.New(cfg, api.Deps{Coord: co, Store: st}, log.Base())
	if err := srv.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "api.failed").
			Msg("api server failed")
	}

	logger.Info().Str(log.FieldEvent, "shutdown").Msg("server exiting")
}
