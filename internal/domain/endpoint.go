package domain

import (
	"github.com/google/uuid"
)

type EnvironmentType string

const (
	EnvironmentDevelopment EnvironmentType = "DEVELOPMENT"
	EnvironmentStaging     EnvironmentType = "STAGING"
	EnvironmentProduction  EnvironmentType = "PRODUCTION"
)

type Organization struct {
	ID    uuid.UUID `json:"id"`
	Slug  string    `json:"slug"`
	Title string    `json:"title"`
	// RunsEnabled 为 false 时所有执行直接 ABORTED
	RunsEnabled                  bool  `json:"runs_enabled"`
	MaximumExecutionTimePerRunMs int64 `json:"maximum_execution_time_per_run_ms"`
	MaximumConcurrentRuns        int   `json:"maximum_concurrent_runs"`
	// V2MarqsEnabled 选择 keyed run queue
	V2MarqsEnabled bool `json:"v2_marqs_enabled"`
}

type Project struct {
	ID   uuid.UUID `json:"id"`
	Slug string    `json:"slug"`
	Name string    `json:"name"`
}

type Environment struct {
	ID     uuid.UUID       `json:"id"`
	Slug   string          `json:"slug"`
	Type   EnvironmentType `json:"type"`
	APIKey string          `json:"-"`
}

type Job struct {
	ID    uuid.UUID `json:"id"`
	Slug  string    `json:"slug"`
	Title string    `json:"title"`
}

type JobVersionStatus string

const (
	JobVersionActive   JobVersionStatus = "ACTIVE"
	JobVersionDisabled JobVersionStatus = "DISABLED"
)

type JobVersion struct {
	ID               uuid.UUID        `json:"id"`
	JobID            uuid.UUID        `json:"job_id"`
	Version          string           `json:"version"`
	Status           JobVersionStatus `json:"status"`
	EndpointID       uuid.UUID        `json:"endpoint_id"`
	EnvironmentID    uuid.UUID        `json:"environment_id"`
	OrganizationID   uuid.UUID        `json:"organization_id"`
	ProjectID        uuid.UUID        `json:"project_id"`
	ConcurrencyLimit int              `json:"concurrency_limit"`
	// 并发组，可为空
	ConcurrencyLimitGroupID    *uuid.UUID `json:"concurrency_limit_group_id,omitempty"`
	ConcurrencyLimitGroupName  string     `json:"concurrency_limit_group_name,omitempty"`
	ConcurrencyLimitGroupLimit int        `json:"concurrency_limit_group_limit,omitempty"`
}

// Endpoint 用户代码的 HTTP 入口，带可变调优参数
type Endpoint struct {
	ID                          uuid.UUID `json:"id"`
	Slug                        string    `json:"slug"`
	URL                         string    `json:"url"`
	Version                     string    `json:"version"`
	RunChunkExecutionLimit      int64     `json:"run_chunk_execution_limit"` // 毫秒
	StartTaskThreshold          int64     `json:"start_task_threshold"`
	BeforeExecuteTaskThreshold  int64     `json:"before_execute_task_threshold"`
	BeforeCompleteTaskThreshold int64     `json:"before_complete_task_threshold"`
	AfterCompleteTaskThreshold  int64     `json:"after_complete_task_threshold"`
}

type EndpointUpdate struct {
	Version                *string
	RunChunkExecutionLimit *int64
}

// SDK 协议版本（日期串，可直接按字典序比较）
const APIVersionLazyLoadedCachedTasks = "2023-09-29"

func (e *Endpoint) SupportsLazyLoadedCachedTasks() bool {
	return e.Version != "" && e.Version >= APIVersionLazyLoadedCachedTasks
}
