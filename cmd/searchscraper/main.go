// Package main wires together the search scraping service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/ndelaney/searchscraper/internal/api"
	"github.com/ndelaney/searchscraper/internal/clock/system"
	"github.com/ndelaney/searchscraper/internal/config"
	"github.com/ndelaney/searchscraper/internal/dataset"
	"github.com/ndelaney/searchscraper/internal/discovery"
	"github.com/ndelaney/searchscraper/internal/extraction"
	"github.com/ndelaney/searchscraper/internal/id/uuid"
	"github.com/ndelaney/searchscraper/internal/jobs"
	"github.com/ndelaney/searchscraper/internal/logging"
	"github.com/ndelaney/searchscraper/internal/metrics"
	"github.com/ndelaney/searchscraper/internal/pool"
	memorypublisher "github.com/ndelaney/searchscraper/internal/publisher/memory"
	pubsubpublisher "github.com/ndelaney/searchscraper/internal/publisher/pubsub"
	"github.com/ndelaney/searchscraper/internal/search"
	gcsstorage "github.com/ndelaney/searchscraper/internal/storage/gcs"
	memorystorage "github.com/ndelaney/searchscraper/internal/storage/memory"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build blob store: %w", err)
	}
	appender, closeAppender, err := buildDatasetAppender(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build dataset appender: %w", err)
	}
	defer closeAppender()

	publisher, topic, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}
	defer closePublisher()

	registry := pool.NewRegistry(
		discoveryFactory(cfg, logger),
		extractionFactory(cfg, logger),
		blobs,
		pool.RegistryConfig{
			QueueDepth:    cfg.Pool.QueueDepth,
			DiscoverySize: cfg.Pool.DiscoveryWorkers,
			IdleTTL:       time.Duration(cfg.Pool.IdleTTLSecs) * time.Second,
		},
		clock,
		logger.Named("registry"),
	)
	go registry.RunSweeper(ctx)

	store := jobs.NewStore(clock, idGen, registry, jobs.Options{
		Publisher: publisher,
		Topic:     topic,
		Dataset:   appender,
	}, logger.Named("jobs"))

	grace := time.Duration(cfg.Drain.GraceSecs) * time.Second
	drain := jobs.NewDrainController(store.Governor(), grace, logger.Named("drain"))
	drainSignals := make(chan os.Signal, 1)
	signal.Notify(drainSignals, syscall.SIGUSR1)
	go drain.Run(ctx, drainSignals)

	server := api.NewServer(store, registry, cfg, logger.Named("api"))
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining")
	drain.Trigger()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	registry.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}

func discoveryFactory(cfg config.Config, logger *zap.Logger) pool.DiscoveryFactory {
	return func(pc search.PoolConfig) (search.DiscoveryEngine, error) {
		return discovery.New(discovery.Config{
			BaseURL:    cfg.Discovery.BaseURL,
			UserAgent:  cfg.Discovery.UserAgent,
			Timeout:    time.Duration(cfg.Discovery.TimeoutSecs) * time.Second,
			MaxRetries: cfg.Discovery.MaxRetries,
			ProxyURL:   cfg.Discovery.ProxyGroupURLs[pc.ProxyGroup],
		}, logger.Named("discovery"))
	}
}

func extractionFactory(cfg config.Config, logger *zap.Logger) pool.ExtractionFactory {
	return func(pc search.PoolConfig) (search.ExtractionEngine, error) {
		return extraction.New(extraction.Config{
			UserAgent:           cfg.Discovery.UserAgent,
			PageTimeout:         pc.PageTimeout,
			RenderWait:          pc.RenderWait,
			RemoveCookieBanners: pc.RemoveCookieBanners,
			OutputFormats:       pc.OutputFormats,
			MaxRetries:          pc.MaxRetries,
			ProxyURL:            cfg.Discovery.ProxyGroupURLs[pc.ProxyGroup],
		}, logger.Named("extraction"))
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config) (search.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsstorage.New(client, gcsstorage.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func buildDatasetAppender(ctx context.Context, cfg config.Config, logger *zap.Logger) (search.DatasetAppender, func(), error) {
	switch cfg.Dataset.Backend {
	case "postgres":
		appender, err := dataset.NewPostgresAppender(ctx, dataset.PostgresConfig{
			DSN:   cfg.Dataset.DSN,
			Table: cfg.Dataset.Table,
		})
		if err != nil {
			return nil, nil, err
		}
		return appender, appender.Close, nil
	default:
		appender, err := dataset.NewFSAppender(cfg.Dataset.Dir, logger.Named("dataset"))
		if err != nil {
			return nil, nil, err
		}
		return appender, func() {}, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (search.Publisher, string, func(), error) {
	if !cfg.PubSub.Enabled {
		return memorypublisher.New(), "job-events", func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", nil, fmt.Errorf("pubsub client: %w", err)
	}
	publisher, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, "", nil, err
	}
	closeFn := func() {
		_ = client.Close()
	}
	return publisher, cfg.PubSub.TopicName, closeFn, nil
}
