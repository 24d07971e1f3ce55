// Package runqueue 把"执行一次 run"投递到具体的队列后端
// 旧路径是持久 worker 队列，新路径是按 env+queue 名分组的 keyed 队列（只作为投递目标）
package runqueue

import (
	"context"
	"time"

	"RunEngine/internal/domain"

	"github.com/google/uuid"
)

const JobPerformRunExecution = "performRunExecutionV3"

type Priority string

const (
	PriorityInitial Priority = "initial"
	PriorityResume  Priority = "resume"
)

// PerformRunPayload 执行 job 的负载
type PerformRunPayload struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type EnqueueRequest struct {
	Run          domain.Run
	Organization domain.Organization
	Environment  domain.Environment
	Job          domain.Job
	Version      domain.JobVersion
	Reason       string
	Priority     Priority
	RunAt        *time.Time
	// SkipRetrying 开发环境不在队列层重试
	SkipRetrying bool
}

type RunQueue interface {
	EnqueueRun(ctx context.Context, req EnqueueRequest) error
	DequeueRun(ctx context.Context, runID uuid.UUID) error
}

func ExecuteJobKey(runID uuid.UUID) string {
	return "job_run:EXECUTE_JOB:" + runID.String()
}
