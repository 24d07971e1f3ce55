package service

import (
	"encoding/json"
	"time"

	"RunEngine/internal/domain"

	"github.com/google/uuid"
)

// ExecutionStatus endpoint 响应体中的 status 判别字段
type ExecutionStatus string

const (
	StatusSuccess                         ExecutionStatus = "SUCCESS"
	StatusResumeWithTask                  ExecutionStatus = "RESUME_WITH_TASK"
	StatusResumeWithParallelTask          ExecutionStatus = "RESUME_WITH_PARALLEL_TASK"
	StatusError                           ExecutionStatus = "ERROR"
	StatusRetryWithTask                   ExecutionStatus = "RETRY_WITH_TASK"
	StatusCanceled                        ExecutionStatus = "CANCELED"
	StatusUnresolvedAuthError             ExecutionStatus = "UNRESOLVED_AUTH_ERROR"
	StatusInvalidPayload                  ExecutionStatus = "INVALID_PAYLOAD"
	StatusYieldExecution                  ExecutionStatus = "YIELD_EXECUTION"
	StatusAutoYieldExecution              ExecutionStatus = "AUTO_YIELD_EXECUTION"
	StatusAutoYieldExecutionWithCompleted ExecutionStatus = "AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK"
	StatusAutoYieldRateLimit              ExecutionStatus = "AUTO_YIELD_RATE_LIMIT"
)

// WireTask 响应中携带的 task 描述
type WireTask struct {
	ID                 uuid.UUID                 `json:"id"`
	ParentID           *uuid.UUID                `json:"parentId,omitempty"`
	Name               string                    `json:"name"`
	IdempotencyKey     string                    `json:"idempotencyKey"`
	Status             domain.TaskStatus         `json:"status"`
	Noop               bool                      `json:"noop"`
	Output             json.RawMessage           `json:"output,omitempty"`
	CallbackURL        string                    `json:"callbackUrl,omitempty"`
	CallbackTimeoutAt  *time.Time                `json:"callbackTimeoutAt,omitempty"`
	Operation          string                    `json:"operation,omitempty"`
	ChildExecutionMode domain.ChildExecutionMode `json:"childExecutionMode,omitempty"`
	DelayUntil         *time.Time                `json:"delayUntil,omitempty"`
}

type ErrorWithStack struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

type AutoYieldData struct {
	Location      string `json:"location"`
	TimeRemaining int64  `json:"timeRemaining"`
	TimeElapsed   int64  `json:"timeElapsed"`
	Limit         int64  `json:"limit,omitempty"`
}

// ExecutionResponse 各 status 的字段合集，按 Status 取用
type ExecutionResponse struct {
	Status ExecutionStatus `json:"status"`

	Output json.RawMessage `json:"output,omitempty"`
	Task   *WireTask       `json:"task,omitempty"`
	Error  *ErrorWithStack `json:"error,omitempty"`

	// RESUME_WITH_PARALLEL_TASK
	ChildErrors []ExecutionResponse `json:"childErrors,omitempty"`
	// RETRY_WITH_TASK
	RetryAt *time.Time `json:"retryAt,omitempty"`
	// UNRESOLVED_AUTH_ERROR
	Issues json.RawMessage `json:"issues,omitempty"`
	// INVALID_PAYLOAD
	Errors json.RawMessage `json:"errors,omitempty"`
	// YIELD_EXECUTION
	Key string `json:"key,omitempty"`
	// AUTO_YIELD_EXECUTION
	AutoYieldData
	// AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK
	ID         *uuid.UUID      `json:"id,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Data       *AutoYieldData  `json:"data,omitempty"`
	// AUTO_YIELD_RATE_LIMIT，毫秒时间戳
	Reset int64 `json:"reset,omitempty"`
}

// RunMetadata x-trigger-run-metadata 响应头
type RunMetadata struct {
	SuccessSubscription bool `json:"successSubscription"`
	FailedSubscription  bool `json:"failedSubscription"`
}

func (w *WireTask) toTask(runID uuid.UUID, now time.Time) *domain.Task {
	t := &domain.Task{
		ID:                 w.ID,
		RunID:              runID,
		ParentID:           w.ParentID,
		Name:               w.Name,
		IdempotencyKey:     w.IdempotencyKey,
		Status:             w.Status,
		Noop:               w.Noop,
		Output:             w.Output,
		CallbackURL:        w.CallbackURL,
		CallbackTimeoutAt:  w.CallbackTimeoutAt,
		Operation:          w.Operation,
		ChildExecutionMode: w.ChildExecutionMode,
		DelayUntil:         w.DelayUntil,
		StartedAt:          &now,
		CreatedAt:          now,
	}
	if t.IdempotencyKey == "" {
		t.IdempotencyKey = w.ID.String()
	}
	if t.Status == "" {
		t.Status = domain.TaskStatusWaiting
	}
	return t
}
