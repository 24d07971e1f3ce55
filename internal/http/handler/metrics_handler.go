package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type MetricsHandler struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewMetricsHandler(rdb *redis.Client, log *zap.Logger) *MetricsHandler {
	return &MetricsHandler{rdb: rdb, log: log}
}

// GET /metrics
func (h *MetricsHandler) Prometheus() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// GET /api/v1/metrics/scheduler
func (h *MetricsHandler) GetSchedulerMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	last, err := h.rdb.HGetAll(ctx, "metrics:scheduler:last").Result()
	if err != nil {
		h.log.Error("get scheduler metrics failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	ticks, err := h.rdb.Get(ctx, "metrics:scheduler:ticks").Int64()
	if err != nil && err != redis.Nil {
		h.log.Error("get scheduler ticks failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ticks": ticks,
		"last":  last, // time, enabled_count, catchup_count, triggered_count
	})
}

// GET /api/v1/metrics/worker
func (h *MetricsHandler) GetWorkerMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	type item struct {
		Worker string `json:"worker"`
		Queue  string `json:"queue"`
		Metric string `json:"metric"`
		Value  int64  `json:"value"`
	}
	list := []item{}
	iter := h.rdb.Scan(ctx, 0, "metrics:worker:*", 1000).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// metrics:worker:{id}:{queue}:{metric}
		parts := strings.Split(k, ":")
		if len(parts) < 5 {
			continue
		}
		val, _ := h.rdb.Get(ctx, k).Int64()
		list = append(list, item{Worker: parts[2], Queue: parts[3], Metric: parts[4], Value: val})
	}
	if err := iter.Err(); err != nil {
		h.log.Error("scan worker metrics failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": list, "count": len(list)})
}
