// Package main wires together the analysis service binary.
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
	"go.uber.org/zap"

	"github.com/seoscope/seoscope/internal/analyzer"
	"github.com/seoscope/seoscope/internal/api"
	"github.com/seoscope/seoscope/internal/cache"
	"github.com/seoscope/seoscope/internal/clock/system"
	"github.com/seoscope/seoscope/internal/config"
	"github.com/seoscope/seoscope/internal/database"
	dbmemory "github.com/seoscope/seoscope/internal/database/memory"
	dbpostgres "github.com/seoscope/seoscope/internal/database/postgres"
	dbsqlite "github.com/seoscope/seoscope/internal/database/sqlite"
	"github.com/seoscope/seoscope/internal/extract"
	"github.com/seoscope/seoscope/internal/fetcher/httpfetch"
	"github.com/seoscope/seoscope/internal/hash/sha256"
	"github.com/seoscope/seoscope/internal/id/uuid"
	"github.com/seoscope/seoscope/internal/janitor"
	"github.com/seoscope/seoscope/internal/logging"
	"github.com/seoscope/seoscope/internal/metrics"
	"github.com/seoscope/seoscope/internal/publisher"
	pubsubpublisher "github.com/seoscope/seoscope/internal/publisher/pubsub"
	"github.com/seoscope/seoscope/internal/ratelimit"
	"github.com/seoscope/seoscope/internal/ssrf"
	"github.com/seoscope/seoscope/internal/storage"
	gcsstorage "github.com/seoscope/seoscope/internal/storage/gcs"
	localstorage "github.com/seoscope/seoscope/internal/storage/local"
	memorystorage "github.com/seoscope/seoscope/internal/storage/memory"
	"github.com/seoscope/seoscope/internal/urlcheck"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()

	entries, requests, historyStore, closeDB, err := buildDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer closeDB()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("blob store init: %w", err)
	}
	defer func() {
		if closeErr := blobs.Close(); closeErr != nil {
			logger.Warn("blob store close failed", zap.Error(closeErr))
		}
	}()

	events, eventTopic, closeEvents, err := buildPublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("publisher init: %w", err)
	}
	defer closeEvents()

	hasher := sha256.New()
	clock := system.New()
	ids := uuid.New()

	validator := urlcheck.New(urlcheck.Config{
		MaxURLLength: cfg.Validator.MaxURLLength,
		AllowedPorts: cfg.Validator.AllowedPorts,
		AllowLocal:   cfg.Validator.AllowLocal,
	})
	guard, err := ssrf.New(ssrf.Config{ExtraBlockedCIDRs: cfg.SSRF.ExtraBlockedCIDRs}, nil, logger)
	if err != nil {
		return fmt.Errorf("ssrf guard init: %w", err)
	}
	fetcher := httpfetch.New(httpfetch.Config{
		ConnectTimeout: cfg.ConnectTimeout(),
		TotalTimeout:   cfg.TotalTimeout(),
		MaxRedirects:   cfg.Fetch.MaxRedirects,
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
		UserAgent:      cfg.Fetch.UserAgent,
		PerHostRPS:     cfg.Fetch.PerHostRPS,
		PerHostBurst:   cfg.Fetch.PerHostBurst,
	}, validator, guard, logger)
	extractor := extract.New()

	cacheStore := cache.New(cache.Config{
		Enabled:     cfg.Cache.Enabled,
		TTL:         cfg.CacheTTL(),
		MaxRawBytes: cfg.Cache.MaxRawBytes,
	}, entries, blobs, hasher, clock, logger)

	limiter, err := ratelimit.New(ratelimit.Config{
		Enabled:   cfg.RateLimit.Enabled,
		Limit:     cfg.RateLimit.Limit,
		Window:    cfg.RateWindow(),
		Retention: cfg.RateRetention(),
		Whitelist: cfg.RateLimit.Whitelist,
	}, requests, clock, logger)
	if err != nil {
		return fmt.Errorf("rate limiter init: %w", err)
	}

	coordinator := analyzer.NewCoordinator(
		analyzer.Config{
			EventTopic:     eventTopic,
			HistoryEnabled: cfg.History.Enabled,
		},
		validator, fetcher, extractor, cacheStore, limiter,
		historyStore, events, clock, ids, logger,
	)

	jan := janitor.New(janitor.Config{
		CacheSpec:   cfg.Cleanup.CacheSpec,
		RecordsSpec: cfg.Cleanup.RecordsSpec,
	}, cacheStore, limiter, logger)
	if err := jan.Start(); err != nil {
		return fmt.Errorf("janitor start: %w", err)
	}
	defer jan.Stop()

	srv := api.NewServer(coordinator, cacheStore, historyStore, cfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// buildDatabase selects the structured store backend. The sqlite and
// postgres backends back all three stores with one connection; the memory
// backend uses independent stores.
func buildDatabase(ctx context.Context, cfg config.Config) (database.EntryStore, database.RequestStore, database.HistoryStore, func(), error) {
	switch cfg.Database.Provider {
	case "memory":
		return dbmemory.NewEntryStore(), dbmemory.NewRequestStore(), dbmemory.NewHistoryStore(), func() {}, nil
	case "sqlite":
		db, err := dbsqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		closeFn := func() {
			if err := db.Close(); err != nil {
				zap.L().Warn("sqlite close failed", zap.Error(err))
			}
		}
		return db, db, db, closeFn, nil
	case "postgres":
		db, err := dbpostgres.New(ctx, dbpostgres.Config{
			DSN:      cfg.Database.DSN,
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		closeFn := func() {
			if err := db.Close(); err != nil {
				zap.L().Warn("postgres close failed", zap.Error(err))
			}
		}
		return db, db, db, closeFn, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown database provider %q", cfg.Database.Provider)
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config) (storage.BlobStore, error) {
	if !cfg.Cache.Enabled {
		return storage.NoOpStore{}, nil
	}
	switch cfg.Storage.Provider {
	case "memory":
		return memorystorage.NewBlobStore(), nil
	case "local":
		return localstorage.New(localstorage.Config{BaseDir: cfg.Storage.BaseDir})
	case "gcs":
		return gcsstorage.New(ctx, gcsstorage.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

// buildPublisher returns the completion-event publisher and the topic to
// publish on; an empty topic disables publishing in the coordinator.
func buildPublisher(ctx context.Context, cfg config.Config) (analyzer.Publisher, string, func(), error) {
	if !cfg.PubSub.Enabled {
		return publisher.NoOp{}, "", func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", nil, err
	}
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, "", nil, err
	}
	closeFn := func() {
		if err := pub.Close(); err != nil {
			zap.L().Warn("pubsub close failed", zap.Error(err))
		}
	}
	return pub, cfg.PubSub.TopicName, closeFn, nil
}
