package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"RunEngine/internal/repo"
	"RunEngine/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ScheduleHandler struct {
	svc *service.ScheduleService
}

func NewScheduleHandler(svc *service.ScheduleService) *ScheduleHandler {
	return &ScheduleHandler{svc: svc}
}

type createScheduleRequest struct {
	JobVersionID string          `json:"job_version_id" binding:"required"`
	CronExpr     string          `json:"cron_expr" binding:"required"`
	Timezone     string          `json:"timezone"`
	Enabled      *bool           `json:"enabled"` // 默认 true
	Payload      json.RawMessage `json:"payload"`
}

// POST /api/v1/schedules
func (h *ScheduleHandler) CreateSchedule(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	vid, err := uuid.Parse(req.JobVersionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job_version_id"})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	id, err := h.svc.CreateSchedule(c.Request.Context(), service.CreateScheduleParams{
		JobVersionID: vid,
		CronExpr:     req.CronExpr,
		Timezone:     req.Timezone,
		Enabled:      enabled,
		Payload:      req.Payload,
	})
	switch {
	case repo.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "job version not found"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"schedule_id": id.String()})
}

type scheduleDTO struct {
	ID              string  `json:"id"`
	JobVersionID    string  `json:"job_version_id"`
	CronExpr        string  `json:"cron_expr"`
	Timezone        string  `json:"timezone"`
	Enabled         bool    `json:"enabled"`
	LastTriggeredAt *string `json:"last_triggered_at,omitempty"`
}

// GET /api/v1/schedules?enabled=true/false
func (h *ScheduleHandler) ListSchedules(c *gin.Context) {
	var enabledPtr *bool
	if v := c.Query("enabled"); v != "" {
		val := v == "true"
		enabledPtr = &val
	}
	schedules, err := h.svc.ListSchedules(c.Request.Context(), enabledPtr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]scheduleDTO, 0, len(schedules))
	for _, s := range schedules {
		var last *string
		if s.LastTriggeredAt != nil {
			str := s.LastTriggeredAt.Format(time.RFC3339)
			last = &str
		}
		out = append(out, scheduleDTO{
			ID:              s.ID.String(),
			JobVersionID:    s.JobVersionID.String(),
			CronExpr:        s.CronExpr,
			Timezone:        s.Timezone,
			Enabled:         s.Enabled,
			LastTriggeredAt: last,
		})
	}
	c.JSON(http.StatusOK, gin.H{"schedules": out})
}

type toggleScheduleRequest struct {
	Enabled bool `json:"enabled"`
}

// POST /api/v1/schedules/:id/toggle
func (h *ScheduleHandler) ToggleSchedule(c *gin.Context) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req toggleScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.ToggleSchedule(c.Request.Context(), id, req.Enabled); err != nil {
		if repo.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": idStr, "enabled": req.Enabled})
}
