// Package app wires the application components together.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/docuchat/docuchat/db"
	"github.com/docuchat/docuchat/internal/answer"
	"github.com/docuchat/docuchat/internal/config"
	"github.com/docuchat/docuchat/internal/embed"
	"github.com/docuchat/docuchat/internal/index"
	"github.com/docuchat/docuchat/internal/ingest"
	"github.com/docuchat/docuchat/internal/log"
	"github.com/docuchat/docuchat/internal/pipeline"
	"github.com/docuchat/docuchat/internal/provider"
	"github.com/docuchat/docuchat/internal/retrieve"
)

// App holds the assembled components and the resources they share.
type App struct {
	Config       *config.Config
	Logger       log.Logger
	Pool         *pgxpool.Pool
	Redis        *redis.Client
	Service      *pipeline.Service
	Worker       *pipeline.Worker
	Retriever    *retrieve.Retriever
	Orchestrator *answer.Orchestrator

	cleanups []func()
}

// New builds the application: it validates configuration, migrates the
// database and connects every component.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = log.NewNop()
	}

	a := &App{Config: cfg, Logger: logger}

	pool, err := providePool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool
	a.cleanups = append(a.cleanups, pool.Close)

	rdb, err := provideRedis(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Redis = rdb
	a.cleanups = append(a.cleanups, func() { _ = rdb.Close() })

	models, err := provider.New(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing model provider: %w", err)
	}

	processor, err := ingest.NewProcessor(ingest.Config{
		MaxSize: cfg.Chunking.MaxSize,
		Overlap: cfg.Chunking.Overlap,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	gateway := embed.NewGateway(models, embed.Config{
		BatchSize:         cfg.Embedding.BatchSize,
		MaxAttempts:       cfg.Embedding.MaxAttempts,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Timeout:           cfg.Embedding.Timeout(),
	}, logger)

	vector := index.NewVector(pool, logger)
	lexical := index.NewLexical(pool, logger)
	store := pipeline.NewStore(pool, logger)
	queue := pipeline.NewQueue(rdb)
	lease := pipeline.NewLease(rdb, cfg.Pipeline.LeaseTTL())
	cache := retrieve.NewCache(rdb, cfg.Retrieval.CacheTTL(), logger)

	a.Service = pipeline.NewService(store, queue, lease, logger)
	a.Worker = pipeline.NewWorker(pipeline.WorkerConfig{
		Workers:          cfg.Pipeline.Workers,
		StageMaxAttempts: cfg.Pipeline.StageMaxAttempts,
		RetryBaseDelay:   cfg.Pipeline.RetryBaseDelay(),
		SupersededTTL:    cfg.Pipeline.SupersededTTL(),
	}, store, processor, gateway, vector, lexical, queue, lease, cache, logger)

	a.Retriever = retrieve.NewRetriever(retrieve.Config{
		TopK:             cfg.Retrieval.TopK,
		ExpansionFactor:  cfg.Retrieval.ExpansionFactor,
		VectorWeight:     cfg.Retrieval.VectorWeight,
		LexicalWeight:    cfg.Retrieval.LexicalWeight,
		MinCombinedScore: cfg.Retrieval.MinCombinedScore,
		QueryTimeout:     cfg.Retrieval.QueryTimeout(),
	}, gateway, vector, lexical, cache, logger)

	a.Orchestrator = answer.NewOrchestrator(answer.Config{
		ContextBudget: cfg.Generation.ContextBudget,
		Timeout:       cfg.Generation.Timeout(),
	}, a.Retriever, store, models, logger)

	return a, nil
}

// Close releases pooled resources in reverse construction order.
func (a *App) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

func provideRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}
