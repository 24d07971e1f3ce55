package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"RunEngine/internal/app"
	"RunEngine/internal/config"
	httphandler "RunEngine/internal/http/handler"
	"RunEngine/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logger.Init(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, FilePath: cfg.LogFile})
	defer logger.Sync()
	log := logger.Named("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a, err := app.New(initCtx, cfg, logger.L())
	cancel()
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}
	defer a.Close()

	var pinger httphandler.Pinger
	if a.Pool != nil {
		pinger = a.Pool
	}
	gin.SetMode(gin.ReleaseMode)
	router := httphandler.NewRouter(httphandler.Handlers{
		Health:   httphandler.NewHealthHandler(pinger, a.Redis),
		Metrics:  httphandler.NewMetricsHandler(a.Redis, log),
		Queue:    httphandler.NewQueueHandler(a.Queue),
		Schedule: httphandler.NewScheduleHandler(a.Engine.Schedules),
		Runs:     httphandler.New(a.Engine.Runs, a.Engine.Tasks, a.Engine.CancelRun),
		Worker:   httphandler.NewWorkerHandler(a.Redis),
	}, log.Named("http"))

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting api server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal("api server failed", zap.Error(err))
	}
	log.Info("api server stopped")
}
