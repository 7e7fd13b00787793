// Command crawld runs the fetch orchestration service.
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

	"go.uber.org/zap"

	"github.com/jfaulkner/crawld/internal/admission"
	"github.com/jfaulkner/crawld/internal/api"
	"github.com/jfaulkner/crawld/internal/blockctl"
	"github.com/jfaulkner/crawld/internal/clock/system"
	"github.com/jfaulkner/crawld/internal/config"
	"github.com/jfaulkner/crawld/internal/crawler"
	"github.com/jfaulkner/crawld/internal/extract"
	"github.com/jfaulkner/crawld/internal/fetcher"
	collyfetcher "github.com/jfaulkner/crawld/internal/fetcher/colly"
	"github.com/jfaulkner/crawld/internal/fetcher/headless"
	"github.com/jfaulkner/crawld/internal/logging"
	"github.com/jfaulkner/crawld/internal/orchestrator"
	"github.com/jfaulkner/crawld/internal/patterns"
	"github.com/jfaulkner/crawld/internal/progress"
	memorypub "github.com/jfaulkner/crawld/internal/publisher/memory"
	gcppub "github.com/jfaulkner/crawld/internal/publisher/pubsub"
	"github.com/jfaulkner/crawld/internal/ratelimit"
	"github.com/jfaulkner/crawld/internal/retry"
	"github.com/jfaulkner/crawld/internal/storage/gcs"
	"github.com/jfaulkner/crawld/internal/storage/local"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "crawld: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := progress.NewStore(cfg.Progress.Dir)
	if err != nil {
		return err
	}

	patternStore, err := buildPatternStore(ctx, cfg)
	if err != nil {
		return err
	}
	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	agents := fetcher.NewAgentPool()
	plain := collyfetcher.New(collyfetcher.Config{
		Timeout:   cfg.HTTP.Timeout,
		UserAgent: cfg.HTTP.UserAgent,
	}, agents)

	var alt crawler.Fetcher
	if cfg.Headless.Enabled {
		alt = headless.New(headless.Config{
			ProxyURL: cfg.Headless.ProxyURL,
			Timeout:  cfg.Headless.Timeout,
		}, agents)
	}

	orch := orchestrator.New(orchestrator.Config{
		Workers:      cfg.Orchestrator.Workers,
		QueueSize:    cfg.Orchestrator.QueueSize,
		CommitEvery:  cfg.Progress.CommitEvery,
		MaxPages:     cfg.Orchestrator.MaxPages,
		SeriesScan:   cfg.Orchestrator.SeriesScan,
		MaxSeriesHop: cfg.Orchestrator.MaxSeriesHop,
		Topic:        cfg.Publisher.Topic,
	}, orchestrator.Deps{
		Fetcher:    plain,
		AltFetcher: alt,
		Extractor:  extract.New(),
		Limiter: ratelimit.New(ratelimit.Config{
			GlobalRate:        cfg.RateLimit.GlobalRate,
			GlobalBurst:       cfg.RateLimit.GlobalBurst,
			PerDomainRate:     cfg.RateLimit.PerDomainRate,
			PerDomainBurst:    cfg.RateLimit.PerDomainBurst,
			MaxTrackedDomains: cfg.RateLimit.MaxTrackedDomains,
		}),
		Admission: admission.New(admission.Config{
			GlobalMax:    cfg.Concurrency.GlobalMax,
			PerDomainMax: cfg.Concurrency.PerDomainMax,
		}),
		Retry: retry.New(retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
		}),
		Blocks: blockctl.New(blockctl.Config{
			SuccessesToRecover: cfg.Block.SuccessesToRecover,
		}, logger),
		Store:     store,
		Patterns:  patternStore,
		Publisher: publisher,
		Blobs:     blobs,
		Clock:     system.New(),
		Logger:    logger,
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.New(orch, ctx, logger).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildPatternStore(ctx context.Context, cfg config.Config) (crawler.PatternStore, error) {
	switch cfg.Patterns.Backend {
	case "file":
		return patterns.NewFileStore(cfg.Patterns.FilePath)
	case "postgres":
		return patterns.NewPostgresStore(ctx, cfg.Patterns.PostgresDSN)
	default:
		return patterns.NewMemoryStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (crawler.Publisher, error) {
	if cfg.Publisher.Backend == "pubsub" {
		return gcppub.New(ctx, cfg.Publisher.ProjectID, cfg.Publisher.Topic)
	}
	return memorypub.New(), nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (crawler.BlobStore, error) {
	if cfg.Storage.Backend == "gcs" {
		return gcs.New(ctx, cfg.Storage.Bucket)
	}
	return local.New(cfg.Storage.LocalDir)
}
