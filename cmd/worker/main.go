package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"RunEngine/internal/app"
	"RunEngine/internal/config"
	"RunEngine/internal/logger"
	"RunEngine/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logger.Init(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, FilePath: cfg.LogFile})
	defer logger.Sync()
	log := logger.Named("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a, err := app.New(initCtx, cfg, logger.L())
	cancel()
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}
	defer a.Close()

	workerID := uuid.NewString()
	log.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Strings("queues", cfg.QueueNames),
		zap.Int("concurrency", cfg.WorkerConcurrency))

	runner := worker.NewRunner(a.Queue, a.Handlers(), workerID, cfg.QueueNames, cfg.LeaseTTL, log.Named("runner"))
	pool := worker.NewPool(ctx, cfg.WorkerConcurrency)
	pool.Start()
	for i := 0; i < pool.Size(); i++ {
		pool.Submit(runner.Consume)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.StartDelayedMover(gctx, a.Queue, cfg.QueueNames, workerID, cfg.DelayedMoverInterval, log.Named("delayed"))
		return nil
	})
	g.Go(func() error {
		worker.StartLeaseReaper(gctx, a.Queue, cfg.QueueNames, workerID, cfg.LeaseTTL, cfg.LeaseTTL/2, log.Named("reaper"))
		return nil
	})
	g.Go(func() error {
		worker.StartHeartbeat(gctx, a.Redis, workerID, cfg.QueueNames, cfg.LeaseTTL, cfg.LeaseTTL/3)
		return nil
	})

	<-ctx.Done()
	log.Info("shutdown signal received")

	// 先标记正在等待 endpoint 的 run，让它们尽快 yield
	hookCtx, hookCancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.Coordinator.ShutdownHook(hookCtx)
	hookCancel()

	pool.Stop()
	if err := g.Wait(); err != nil {
		log.Error("background loop failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("worker stopped")
}
