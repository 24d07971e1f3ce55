package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"RunEngine/internal/repo"
	"RunEngine/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler run 与 task 的对外接口
type Handler struct {
	runs   *service.RunService
	tasks  *service.TaskService
	cancel *service.CancelRunService
}

func New(runs *service.RunService, tasks *service.TaskService, cancel *service.CancelRunService) *Handler {
	return &Handler{runs: runs, tasks: tasks, cancel: cancel}
}

type TriggerRunRequest struct {
	JobVersionID string          `json:"job_version_id" binding:"required"`
	EventName    string          `json:"event_name" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	Context      json.RawMessage `json:"context"`
	AccountID    string          `json:"account_id"`
	IsTest       bool            `json:"is_test"`
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}

// POST /api/v1/runs
func (h *Handler) TriggerRun(c *gin.Context) {
	var req TriggerRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}
	vid, err := uuid.Parse(req.JobVersionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job_version_id"})
		return
	}

	run, err := h.runs.TriggerRun(c.Request.Context(), service.TriggerRunParams{
		JobVersionID: vid,
		EventName:    req.EventName,
		Payload:      req.Payload,
		Context:      req.Context,
		AccountID:    req.AccountID,
		IsTest:       req.IsTest,
	})
	if repo.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job version not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "trigger run failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run_id": run.ID, "status": run.Status})
}

// GET /api/v1/runs/:id
func (h *Handler) GetRun(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	run, task, err := h.runs.GetRunWithLatestTask(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	resp := gin.H{"run": run}
	if task != nil {
		resp["latest_task"] = task
	}
	c.JSON(http.StatusOK, resp)
}

// POST /api/v1/runs/:id/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.cancel.Call(c.Request.Context(), id); err != nil {
		if repo.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel run failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "canceled": true})
}

// POST /api/v1/runs/:id/tasks
func (h *Handler) RecordTask(c *gin.Context) {
	runID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req service.WireTask
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == uuid.Nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task"})
		return
	}
	task, err := h.tasks.RecordTask(c.Request.Context(), runID, req)
	if repo.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "record task failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

// GET /api/v1/runs/:id/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	runID, ok := parseID(c, "id")
	if !ok {
		return
	}
	taskID, ok := parseID(c, "taskId")
	if !ok {
		return
	}
	task, err := h.tasks.GetTask(c.Request.Context(), runID, taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// POST /api/v1/runs/:id/tasks/:taskId/callback，请求体原样作为 task 输出
func (h *Handler) CompleteCallback(c *gin.Context) {
	runID, ok := parseID(c, "id")
	if !ok {
		return
	}
	taskID, ok := parseID(c, "taskId")
	if !ok {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || (len(body) > 0 && !json.Valid(body)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callback body must be JSON"})
		return
	}
	err = h.tasks.CompleteCallback(c.Request.Context(), runID, taskID, body)
	switch {
	case repo.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, service.ErrTaskNotWaiting):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "complete callback failed", "detail": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"task_id": taskID, "completed": true})
	}
}
