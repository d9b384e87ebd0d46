// Package app wires configuration into the services used by the binaries.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/proxylens/proxylens/internal/config"
	"github.com/proxylens/proxylens/internal/handler"
	"github.com/proxylens/proxylens/internal/pkg/logger"
	"github.com/proxylens/proxylens/internal/repository"
	"github.com/proxylens/proxylens/internal/service"
	"github.com/proxylens/proxylens/internal/worker"
)

type App struct {
	Store     service.Store
	Ingestion *service.IngestionService
	Summaries *service.SummaryService
	Anomalies *service.AnomalyFeed
	// Reviewer is nil when AI review is disabled.
	Reviewer *service.AIReviewer
	Checks   map[string]handler.Pinger

	pool    *worker.Pool
	closers []func() error
}

type Option func(*options)

type options struct {
	manualReview bool
}

// WithManualReview stops ingestion from scheduling AI reviews; the caller
// runs them through Reviewer instead.
func WithManualReview() Option {
	return func(o *options) { o.manualReview = true }
}

// Build connects every configured backend, falling back to in-memory
// implementations when a backend is not configured or unreachable.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Checks: map[string]handler.Pinger{}}

	// Store (Postgres > Memory)
	var store service.Store
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to DB, falling back to memory", "error", err)
		} else {
			logger.Info("Connected to PostgreSQL")
			a.closers = append(a.closers, db.Close)
			if cfg.Database.AutoMigrate {
				if err := repository.AutoMigrate(db); err != nil {
					_ = db.Close()
					return nil, err
				}
			}
			store = repository.NewPostgresStore(db)
		}
	}
	if store == nil {
		store = service.NewMemoryStore()
	}
	a.Store = store
	a.Checks["store"] = store

	// Summary cache (Redis > Memory)
	var cache service.SummaryCache
	if cfg.Redis.Addr != "" {
		client, err := repository.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Error("Failed to connect to Redis, falling back to memory", "error", err)
		} else {
			logger.Info("Connected to Redis")
			a.closers = append(a.closers, client.Close)
			a.Checks["redis"] = handler.PingFunc(func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			})
			ttl := time.Duration(cfg.Redis.SummaryTTLSeconds) * time.Second
			cache = repository.NewRedisSummaryCache(redis.UniversalClient(client), ttl)
		}
	}
	if cache == nil {
		cache = service.NewMemorySummaryCache()
	}

	var archiver service.RawArchiver
	if cfg.Archive.S3Bucket != "" {
		s3a, err := repository.NewS3Archiver(ctx, cfg.Archive)
		if err != nil {
			logger.Error("S3 archive disabled", "error", err)
		} else {
			archiver = s3a
		}
	}

	var trigger service.ReviewTrigger
	if cfg.AI.Enabled {
		a.pool = worker.NewPool(cfg.AI.Workers, cfg.AI.QueueSize)
		var limiter *rate.Limiter
		if cfg.AI.RequestsPerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(cfg.AI.RequestsPerSecond), 1)
		}
		judge := service.NewOpenAIJudge(service.OpenAIJudgeConfig{
			APIKey:  cfg.AI.APIKey,
			BaseURL: cfg.AI.BaseURL,
			Timeout: cfg.AI.Timeout(),
		})
		a.Reviewer = service.NewAIReviewer(store, judge, a.pool, limiter, service.ReviewConfig{
			Model:          cfg.AI.Model,
			MaxEvents:      cfg.AI.MaxEvents,
			ChunkSize:      cfg.AI.ChunkSize,
			MaxReasonChars: cfg.AI.MaxReasonChars,
			Timeout:        cfg.AI.Timeout(),
		})
		if !o.manualReview {
			trigger = a.Reviewer
		}
	}

	a.Ingestion = service.NewIngestionService(store, service.NewScorer(nil), trigger, archiver, cfg.Ingest.MaxFileBytes)
	a.Summaries = service.NewSummaryService(store, cache)
	a.Anomalies = service.NewAnomalyFeed(store)
	return a, nil
}

// Close drains queued reviews, then releases backend connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.pool != nil {
		if err := a.pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
