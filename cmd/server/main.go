package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"catalog-media-backend/internal/api"
	"catalog-media-backend/internal/blob"
	"catalog-media-backend/internal/catalog"
	"catalog-media-backend/internal/config"
	"catalog-media-backend/internal/image"
	"catalog-media-backend/internal/jobs"
	"catalog-media-backend/internal/locks"
	"catalog-media-backend/internal/store"
	"catalog-media-backend/internal/upload"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log = newLogger(cfg)

	ctx := context.Background()

	if err := store.Migrate(ctx, cfg.Database.URL); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	db, err := store.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	blobs, err := blob.NewStore(cfg.Blob.Root)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob store")
	}

	variants, err := cfg.VariantSpecs()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid variant configuration")
	}

	lk := locks.NewKeyed()
	processor := image.NewProcessor(db, blobs, lk, variants, cfg.Image.JPEGQuality, log)
	runner := jobs.NewRunner(db, processor.Process, jobs.Config{
		Workers: cfg.Job.Workers,
		Tries:   cfg.Job.Tries,
		Timeout: cfg.JobTimeout(),
	}, log)
	if err := runner.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start job runner")
	}

	uploads := upload.NewService(db, blobs, lk, runner, log)
	resolver := catalog.NewResolver(db, blobs, lk, runner, cfg.ReadyWait(), log)
	handler := api.NewHandler(uploads, resolver, log)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("catalog media backend listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	runner.Stop()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.Log.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
