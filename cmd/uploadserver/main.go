package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/server/chunkstore"
	"github.com/bitrise-io/go-chunkupload/server/handler"
	"github.com/bitrise-io/go-chunkupload/server/publish"
	"github.com/bitrise-io/go-chunkupload/server/reassembly"
	"github.com/bitrise-io/go-chunkupload/server/storage"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := log.NewLogger()
	if err := run(logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	cfg, err := config.LoadServer(env.NewRepository())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.EnableDebugLog(cfg.Verbose)

	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := chunkstore.New(
		cfg.UploadDir,
		reassembly.New(cfg.UploadDir, cfg.PublicBaseURL, logger),
		logger,
		chunkstore.Config{OutputExtension: cfg.ChunkOutputExt},
	)

	files := storage.New(cfg.UploadDir, cfg.PublicBaseURL, logger)

	handlerConfig := handler.Config{
		Root:         cfg.UploadDir,
		Chunks:       store,
		Files:        files,
		Rules:        cfg.Rules,
		MaxChunkSize: cfg.MaxChunkSize,
		MaxBatchSize: cfg.MaxBatchSize,
	}
	if cfg.S3.Enabled() {
		publisher, err := publish.NewS3Publisher(ctx, publish.S3Params{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     string(cfg.S3.AWSAccessKeyID),
			SecretAccessKey: string(cfg.S3.AWSSecretAccessKey),
		}, logger)
		if err != nil {
			return fmt.Errorf("create s3 publisher: %w", err)
		}
		handlerConfig.Publisher = publisher
		logger.Infof("Mirroring artifacts to s3://%s/%s", cfg.S3.Bucket, cfg.S3.Prefix)
	}
	h := handler.New(handlerConfig, logger)

	go sweep(ctx, cfg.StaleAfter, logger, store, files)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Serving %s on %s", cfg.UploadDir, cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	h.Wait()
	logger.Donef("Stopped")

	return nil
}

type staleCleaner interface {
	CleanupStale(olderThan time.Duration) (int, error)
}

// sweep periodically drops transfers that stopped receiving chunks and interrupted uploads.
func sweep(ctx context.Context, staleAfter time.Duration, logger log.Logger, cleaners ...staleCleaner) {
	interval := staleAfter / 2
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cleaner := range cleaners {
				if _, err := cleaner.CleanupStale(staleAfter); err != nil {
					logger.Warnf("Stale upload cleanup failed: %s", err)
				}
			}
		}
	}
}
