package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"RunEngine/internal/app"
	"RunEngine/internal/config"
	"RunEngine/internal/logger"
	"RunEngine/internal/scheduler"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger.Init(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, FilePath: cfg.LogFile})
	defer logger.Sync()
	log := logger.Named("scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a, err := app.New(initCtx, cfg, logger.L())
	cancel()
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}
	defer a.Close()

	sched, err := scheduler.NewScheduler(a.Store, a.Engine.Runs, a.Redis, cfg.SchedulerInterval, cfg.SchedulerTimezone, log)
	if err != nil {
		log.Fatal("new scheduler failed", zap.Error(err))
	}
	if err := sched.Run(ctx); err != nil {
		log.Error("scheduler exited", zap.Error(err))
	}
}
