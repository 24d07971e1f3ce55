package handler

import (
	"errors"
	"net/http"
	"strconv"

	"RunEngine/internal/queue"

	"github.com/gin-gonic/gin"
)

type QueueHandler struct {
	q *queue.RedisQueue
}

func NewQueueHandler(q *queue.RedisQueue) *QueueHandler {
	return &QueueHandler{q: q}
}

// GET /api/v1/queues/:name/dlq
func (h *QueueHandler) ListDLQ(c *gin.Context) {
	name := c.Param("name")
	count := int64(50)
	if v, err := strconv.Atoi(c.Query("count")); err == nil && v > 0 {
		count = int64(v)
	}
	items, err := h.q.ListDLQ(c.Request.Context(), name, 0, count-1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list dlq failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": name, "count": len(items), "items": items})
}

type ReplayDLQRequest struct {
	Count            int  `json:"count"`
	OverridePriority *int `json:"override_priority"`
}

// POST /api/v1/queues/:name/dlq/replay
func (h *QueueHandler) ReplayDLQ(c *gin.Context) {
	name := c.Param("name")
	var req ReplayDLQRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Count <= 0 {
		req.Count = 1
	}
	moved, err := h.q.ReplayDLQ(c.Request.Context(), name, req.Count, req.OverridePriority)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay dlq failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": name, "moved": moved})
}

// GET /api/v1/jobs/:key
func (h *QueueHandler) GetJob(c *gin.Context) {
	job, err := h.q.Get(c.Request.Context(), c.Param("key"))
	if errors.Is(err, queue.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get job failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}
