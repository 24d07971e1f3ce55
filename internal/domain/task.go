package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusWaiting   TaskStatus = "WAITING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusErrored   TaskStatus = "ERRORED"
	TaskStatusCanceled  TaskStatus = "CANCELED"
)

func (s TaskStatus) IsFinal() bool {
	return s == TaskStatusCompleted || s == TaskStatusErrored || s == TaskStatusCanceled
}

type ChildExecutionMode string

const (
	ChildExecutionSerial   ChildExecutionMode = "SERIAL"
	ChildExecutionParallel ChildExecutionMode = "PARALLEL"
)

// Task 由用户代码在 run 内记录的幂等步骤
type Task struct {
	ID                 uuid.UUID          `json:"id"`
	RunID              uuid.UUID          `json:"run_id"`
	ParentID           *uuid.UUID         `json:"parent_id,omitempty"`
	Name               string             `json:"name"`
	IdempotencyKey     string             `json:"idempotency_key"`
	Status             TaskStatus         `json:"status"`
	Noop               bool               `json:"noop"`
	Output             json.RawMessage    `json:"output,omitempty"`
	CallbackURL        string             `json:"callback_url,omitempty"`
	CallbackTimeoutAt  *time.Time         `json:"callback_timeout_at,omitempty"`
	Operation          string             `json:"operation,omitempty"`
	ChildExecutionMode ChildExecutionMode `json:"child_execution_mode"`
	DelayUntil         *time.Time         `json:"delay_until,omitempty"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// AwaitsExternalSignal 带 callback 或 operation 的任务只能由外部信号完成
func (t *Task) AwaitsExternalSignal() bool {
	return t.CallbackURL != "" || t.Operation != ""
}

type TaskUpdate struct {
	Status      *TaskStatus
	Output      json.RawMessage
	CompletedAt *time.Time
}

func TaskStatusPtr(s TaskStatus) *TaskStatus { return &s }

type TaskAttemptStatus string

const (
	TaskAttemptPending   TaskAttemptStatus = "PENDING"
	TaskAttemptStarted   TaskAttemptStatus = "STARTED"
	TaskAttemptCompleted TaskAttemptStatus = "COMPLETED"
	TaskAttemptErrored   TaskAttemptStatus = "ERRORED"
)

// TaskAttempt 同一个 task 任意时刻最多一个 PENDING
type TaskAttempt struct {
	ID        uuid.UUID         `json:"id"`
	TaskID    uuid.UUID         `json:"task_id"`
	Number    int               `json:"number"`
	Status    TaskAttemptStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
	RunAt     *time.Time        `json:"run_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
