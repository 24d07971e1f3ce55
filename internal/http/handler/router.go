package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handlers struct {
	Health   *HealthHandler
	Metrics  *MetricsHandler
	Queue    *QueueHandler
	Schedule *ScheduleHandler
	Runs     *Handler
	Worker   *WorkerHandler
}

// accessLog 每个请求一行日志
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func NewRouter(h Handlers, log *zap.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog(log))

	engine.GET("/healthz", h.Health.Healthz)
	engine.GET("/readyz", h.Health.Readyz)
	engine.GET("/metrics", h.Metrics.Prometheus())

	api := engine.Group("/api/v1")
	{
		api.POST("/runs", h.Runs.TriggerRun)
		api.GET("/runs/:id", h.Runs.GetRun)
		api.POST("/runs/:id/cancel", h.Runs.CancelRun)
		api.POST("/runs/:id/tasks", h.Runs.RecordTask)
		api.GET("/runs/:id/tasks/:taskId", h.Runs.GetTask)
		api.POST("/runs/:id/tasks/:taskId/callback", h.Runs.CompleteCallback)

		api.POST("/schedules", h.Schedule.CreateSchedule)
		api.GET("/schedules", h.Schedule.ListSchedules)
		api.POST("/schedules/:id/toggle", h.Schedule.ToggleSchedule)

		api.GET("/queues/:name/dlq", h.Queue.ListDLQ)
		api.POST("/queues/:name/dlq/replay", h.Queue.ReplayDLQ)
		api.GET("/jobs/:key", h.Queue.GetJob)

		api.GET("/workers", h.Worker.ListWorkers)
		api.GET("/metrics/scheduler", h.Metrics.GetSchedulerMetrics)
		api.GET("/metrics/worker", h.Metrics.GetWorkerMetrics)
	}
	return engine
}
