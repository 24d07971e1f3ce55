// Package app 三个进程共用的依赖装配
package app

import (
	"context"

	"RunEngine/internal/config"
	"RunEngine/internal/db"
	"RunEngine/internal/endpoint"
	"RunEngine/internal/events"
	"RunEngine/internal/forceyield"
	"RunEngine/internal/queue"
	"RunEngine/internal/ratelimit"
	"RunEngine/internal/repo"
	"RunEngine/internal/runqueue"
	"RunEngine/internal/service"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type App struct {
	Config      config.AppConfig
	Pool        *pgxpool.Pool // memory 模式下为 nil
	Store       repo.Store
	Redis       *redis.Client
	Queue       *queue.RedisQueue
	Limiter     *ratelimit.Limiter
	Coordinator *forceyield.Coordinator
	Engine      *service.Engine
	Log         *zap.Logger
}

func openStore(ctx context.Context, cfg config.AppConfig) (repo.Store, *pgxpool.Pool, error) {
	switch cfg.StoreDriver {
	case "memory":
		return repo.NewMemoryStore(), nil, nil
	case "postgres", "":
		pool, err := db.Init(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "postgres init")
		}
		if err := db.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo.NewPgStore(pool), pool, nil
	default:
		return nil, nil, errors.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// New 连接存储与 Redis 并组装执行引擎
func New(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (*App, error) {
	mode, err := runqueue.ParseMode(cfg.MarqsMode)
	if err != nil {
		return nil, err
	}
	store, pool, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rdb, err := queue.Connect(ctx, cfg.RedisURL)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, errors.Wrap(err, "redis init")
	}

	q := queue.NewRedisQueue(rdb, cfg.DefaultQueue())
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisAdmission(rdb, cfg.RateLimitWindow), rdb, cfg.RateLimitRetryDelay, log.Named("ratelimit"))
	runs := runqueue.NewSelector(mode,
		runqueue.NewWorkerRunQueue(q, limiter, cfg.DefaultQueue()),
		runqueue.NewKeyedRunQueue(rdb))
	coord := forceyield.NewCoordinator(store, log.Named("forceyield"))

	eng := service.NewEngine(service.EngineDeps{
		Store:     store,
		Jobs:      q,
		RunQueue:  runs,
		QueueName: cfg.DefaultQueue(),
		API:       endpoint.NewClient(cfg.Limits.DevExecutionTimeout),
		Sink:      events.NewRedisStreamSink(rdb, 0),
		InFlight:  coord,
		Limits:    cfg.Limits,
		Log:       log,
	})

	return &App{
		Config:      cfg,
		Pool:        pool,
		Store:       store,
		Redis:       rdb,
		Queue:       q,
		Limiter:     limiter,
		Coordinator: coord,
		Engine:      eng,
		Log:         log,
	}, nil
}

// Handlers worker 的 job 处理表，执行 job 经过限流
func (a *App) Handlers() queue.Registry {
	return a.Engine.Handlers().Wrap(a.Limiter.WrapTask)
}

func (a *App) Close() {
	_ = a.Redis.Close()
	if a.Pool != nil {
		a.Pool.Close()
	}
}
