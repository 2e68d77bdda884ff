// Command kindred runs the self-hosted family media library: content
// store, ingestion pipeline, vector search and the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kindredlabs/kindred/internal/auth"
	"github.com/kindredlabs/kindred/internal/config"
	"github.com/kindredlabs/kindred/internal/embedding"
	"github.com/kindredlabs/kindred/internal/logging"
	"github.com/kindredlabs/kindred/internal/pipeline"
	"github.com/kindredlabs/kindred/internal/registry"
	"github.com/kindredlabs/kindred/internal/search"
	"github.com/kindredlabs/kindred/internal/server"
	"github.com/kindredlabs/kindred/internal/store"
	"github.com/kindredlabs/kindred/internal/thumbnail"
	"github.com/kindredlabs/kindred/internal/vectorindex"
)

// Exit codes, stable for process supervisors.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStorageError = 2
	exitIndexError   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}
	defer logging.Sync(logger)

	logger.Info("starting kindred",
		zap.String("content_root", cfg.Content.Root),
		zap.String("vector_db", cfg.Qdrant.URL),
		zap.Int("port", cfg.Server.Port))

	files, err := store.New(cfg.Content.Root, logger)
	if err != nil {
		logger.Error("content root unusable", zap.Error(err))
		return exitStorageError
	}

	reg, err := registry.Open(files.RegistryPath(), logger)
	if err != nil {
		logger.Error("registry unusable", zap.Error(err))
		return exitStorageError
	}
	defer reg.Close()

	host, port, err := cfg.Qdrant.HostPort()
	if err != nil {
		logger.Error("vector db url invalid", zap.Error(err))
		return exitConfigError
	}
	index, err := vectorindex.New(vectorindex.Config{
		Host:       host,
		Port:       port,
		APIKey:     cfg.Qdrant.APIKey,
		UseTLS:     cfg.Qdrant.UseTLS,
		Collection: cfg.Qdrant.Collection,
		Dimension:  uint64(cfg.Embedding.Dimension),
	}, logger)
	if err != nil {
		logger.Error("vector index client failed", zap.Error(err))
		return exitIndexError
	}
	defer index.Close()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = index.EnsureCollection(bootCtx, cfg.Qdrant.FixDimensionOnMismatch)
	bootCancel()
	if err != nil {
		if cfg.Server.RequireIndexOnStart {
			logger.Error("vector index bootstrap failed", zap.Error(err))
			return exitIndexError
		}
		// Search and indexing degrade until the index comes back;
		// uploads keep landing on disk.
		logger.Warn("vector index unavailable at startup, continuing degraded", zap.Error(err))
	}

	embedder, err := embedding.NewService(embedding.Config{
		BaseURL:         cfg.Embedding.BaseURL,
		APIKey:          cfg.Embedding.APIKey,
		Model:           cfg.Embedding.Model,
		Dimension:       cfg.Embedding.Dimension,
		TextRatePerSec:  cfg.Embedding.TextRatePerSec,
		ImageRatePerSec: cfg.Embedding.ImageRatePerSec,
		CallTimeout:     cfg.Embedding.CallTimeout,
		MaxRetries:      cfg.Embedding.MaxRetries,
	}, logger)
	if err != nil {
		logger.Error("embedding client failed", zap.Error(err))
		return exitConfigError
	}

	authSvc, err := auth.New(auth.Config{
		JWTSecret: cfg.Auth.JWTSecret,
		Username:  cfg.Auth.DefaultUser,
		Password:  cfg.Auth.DefaultPassword,
		TokenTTL:  cfg.Auth.TokenTTL,
	})
	if err != nil {
		logger.Error("auth setup failed", zap.Error(err))
		return exitConfigError
	}

	thumbs := thumbnail.New(cfg.Content.ThumbnailSize, cfg.Content.FFmpegPath, logger)

	pipe := pipeline.New(pipeline.Config{
		WorkerCount:          cfg.Pipeline.WorkerCount,
		QueueSize:            cfg.Pipeline.QueueSize,
		MaxEmbeddingAttempts: cfg.Pipeline.MaxEmbeddingAttempts,
		RetryBackoff:         cfg.Pipeline.RetryBackoff,
	}, reg, files, thumbs, embedder, index, logger)

	engine := search.New(search.Config{
		TextToTextThreshold:  cfg.Search.TextToTextThreshold,
		TextToImageThreshold: cfg.Search.TextToImageThreshold,
		ImageSearchThreshold: cfg.Search.ImageSearchThreshold,
		DefaultLimit:         cfg.Search.DefaultLimit,
	}, embedder, index, logger)

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		MaxFileSize:     cfg.Content.MaxFileSize,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger, authSvc, reg, files, thumbs, pipe, engine, index, embedder)

	pipe.Start()
	defer pipe.Stop()

	// Re-queue anything a previous run left mid-flight.
	recCtx, recCancel := context.WithTimeout(context.Background(), time.Minute)
	if err := pipe.Reconcile(recCtx); err != nil {
		logger.Warn("startup reconciliation incomplete", zap.Error(err))
	}
	recCancel()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			return exitConfigError
		}
		return exitOK
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	logger.Info("stopped")
	return exitOK
}
