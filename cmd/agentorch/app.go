package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/agentorch/api/handlers"
	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/engine"
	"github.com/BaSui01/agentorch/engine/backend"
	"github.com/BaSui01/agentorch/engine/cache"
	"github.com/BaSui01/agentorch/internal/database"
	"github.com/BaSui01/agentorch/internal/metrics"
	"github.com/BaSui01/agentorch/internal/runstore"
	"github.com/BaSui01/agentorch/internal/telemetry"
	"github.com/BaSui01/agentorch/orchestrator"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
)

// mongoJournalID 结果缓存在 MongoDB 集合中的文档 ID 前缀
const mongoJournalID = "result-cache"

// =============================================================================
// 🧩 App 组件装配
// =============================================================================

// App 持有一次进程生命周期内的全部组件
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	metrics   *metrics.Collector
	telemetry *telemetry.Providers

	adapter      *engine.Adapter
	orchestrator *orchestrator.Orchestrator

	store *runstore.Store
	pool  *database.PoolManager
	redis *redis.Client
	mongo *mongo.Client

	checks []handlers.HealthCheck
}

// NewApp 按配置装配：指标 → 追踪 → 后端 → 缓存 journal → 执行适配器 → 运行记录 → 编排器。
// 任一步失败都会释放已创建的组件。
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewCollectorWithRegisterer("agentorch", a.registry, logger)

	a.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	be, err := backend.New(backend.Config{
		Kind:         cfg.Backend.Kind,
		Name:         cfg.Backend.Name,
		URL:          cfg.Backend.URL,
		APIKey:       cfg.Backend.APIKey,
		Timeout:      cfg.Backend.Timeout,
		RateLimit:    cfg.Backend.RateLimit,
		Burst:        cfg.Backend.Burst,
		DockerBinary: cfg.Backend.DockerBinary,
		DockerArgs:   cfg.Backend.DockerArgs,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create backend: %w", err)
	}

	opts := []engine.Option{
		engine.WithMetrics(a.metrics),
		engine.WithTracer(telemetry.Tracer()),
	}
	journal, err := a.openJournal(ctx)
	if err != nil {
		return nil, err
	}
	if journal != nil {
		opts = append(opts, engine.WithJournal(journal))
	}

	a.adapter, err = engine.NewAdapter(ctx, engine.ConfigFromSettings(cfg), be, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("create execution adapter: %w", err)
	}

	orchOpts := []orchestrator.Option{orchestrator.WithEngine(a.adapter.Name(), a.adapter)}
	if cfg.Database.Enabled {
		a.store, a.pool, err = runstore.Open(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("open run store: %w", err)
		}
		if err = runstore.EnsureSchema(ctx, cfg.Database, a.store, logger); err != nil {
			return nil, fmt.Errorf("prepare run store schema: %w", err)
		}
		a.checks = append(a.checks, handlers.NewPingCheck("database", a.pool.Ping))
		orchOpts = append(orchOpts, orchestrator.WithSink(a.store))
	}
	a.orchestrator = orchestrator.New(logger, orchOpts...)

	logger.Info("application assembled",
		zap.String("backend", a.adapter.Name()),
		zap.String("backend_kind", cfg.Backend.Kind),
		zap.String("cache_store", cfg.Cache.Store),
		zap.Bool("run_store", a.store != nil),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)
	return a, nil
}

// openJournal 按 cache.store 打开结果缓存 journal。memory 与 file 返回 nil：
// 前者不持久化，后者由引擎根据 CachePath 自行创建。
func (a *App) openJournal(ctx context.Context) (cache.Journal, error) {
	cfg := a.cfg
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	switch cfg.Cache.Store {
	case "redis":
		client, err := cache.DialRedis(ctx, cache.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			TLS:          cfg.Redis.TLS,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.checks = append(a.checks, handlers.NewPingCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		return cache.NewRedisJournal(client, cfg.Cache.RedisKey), nil
	case "mongo":
		client, coll, err := cache.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Cache.MongoCollection)
		if err != nil {
			return nil, err
		}
		a.mongo = client
		a.checks = append(a.checks, handlers.NewPingCheck("mongo", func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}))
		return cache.NewMongoJournal(coll, mongoJournalID+":"+cfg.Backend.Name), nil
	default:
		return nil, nil
	}
}

// Orchestrator 返回编排器
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Close 逆序释放组件：先停运行，再关适配器、存储与连接，最后刷新追踪数据
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.orchestrator != nil {
		if err := a.orchestrator.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close orchestrator: %w", err))
		}
	}
	if a.adapter != nil {
		if err := a.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close adapter: %w", err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close mongo: %w", err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	return errors.Join(errs...)
}
