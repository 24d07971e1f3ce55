package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusPending              RunStatus = "PENDING"
	RunStatusQueued               RunStatus = "QUEUED"
	RunStatusWaitingToExecute     RunStatus = "WAITING_TO_EXECUTE"
	RunStatusWaitingToContinue    RunStatus = "WAITING_TO_CONTINUE"
	RunStatusStarted              RunStatus = "STARTED"
	RunStatusPreprocessing        RunStatus = "PREPROCESSING"
	RunStatusExecuting            RunStatus = "EXECUTING"
	RunStatusWaitingOnConnections RunStatus = "WAITING_ON_CONNECTIONS"

	// 终态
	RunStatusSuccess        RunStatus = "SUCCESS"
	RunStatusFailure        RunStatus = "FAILURE"
	RunStatusCanceled       RunStatus = "CANCELED"
	RunStatusAborted        RunStatus = "ABORTED"
	RunStatusTimedOut       RunStatus = "TIMED_OUT"
	RunStatusUnresolvedAuth RunStatus = "UNRESOLVED_AUTH"
	RunStatusInvalidPayload RunStatus = "INVALID_PAYLOAD"
)

// IsFinal 终态之后不允许再调度任何执行
func (s RunStatus) IsFinal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailure, RunStatusCanceled, RunStatusAborted,
		RunStatusTimedOut, RunStatusUnresolvedAuth, RunStatusInvalidPayload:
		return true
	}
	return false
}

// FinalRunStatuses 供按状态过滤的批量更新使用
func FinalRunStatuses() []string {
	return []string{
		string(RunStatusSuccess), string(RunStatusFailure), string(RunStatusCanceled), string(RunStatusAborted),
		string(RunStatusTimedOut), string(RunStatusUnresolvedAuth), string(RunStatusInvalidPayload),
	}
}

type Run struct {
	ID                    uuid.UUID       `json:"id"`
	Number                int             `json:"number"`
	Status                RunStatus       `json:"status"`
	JobID                 uuid.UUID       `json:"job_id"`
	VersionID             uuid.UUID       `json:"version_id"`
	EventID               uuid.UUID       `json:"event_id"`
	EnvironmentID         uuid.UUID       `json:"environment_id"`
	OrganizationID        uuid.UUID       `json:"organization_id"`
	ProjectID             uuid.UUID       `json:"project_id"`
	EndpointID            uuid.UUID       `json:"endpoint_id"`
	IsTest                bool            `json:"is_test"`
	Output                json.RawMessage `json:"output,omitempty"`
	Properties            json.RawMessage `json:"properties,omitempty"`
	ExecutionCount        int             `json:"execution_count"`
	ExecutionDuration     int64           `json:"execution_duration"` // 毫秒
	ExecutionFailureCount int             `json:"execution_failure_count"`
	YieldedExecutions     []string        `json:"yielded_executions"`
	ForceYieldImmediately bool            `json:"force_yield_immediately"`
	StartedAt             *time.Time      `json:"started_at,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// RunUpdate 只写入非空字段；Inc* 为增量
type RunUpdate struct {
	Status                *RunStatus
	Output                json.RawMessage
	StartedAt             *time.Time
	CompletedAt           *time.Time
	IncExecutionCount     int
	IncExecutionDuration  int64
	ExecutionFailureCount *int
	YieldedExecutions     []string
	ForceYieldImmediately *bool
}

func StatusPtr(s RunStatus) *RunStatus { return &s }

type RunConnection struct {
	ID          uuid.UUID       `json:"id"`
	RunID       uuid.UUID       `json:"run_id"`
	Key         string          `json:"key"`
	Integration string          `json:"integration"`
	AuthMethod  string          `json:"auth_method"`
	Resolved    bool            `json:"resolved"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

type EventRecord struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload"`
	Context       json.RawMessage `json:"context,omitempty"`
	SourceContext json.RawMessage `json:"source_context,omitempty"`
	AccountID     string          `json:"account_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// RunDetails 是一次执行所需的全部关联数据
type RunDetails struct {
	Run          Run
	Environment  Environment
	Organization Organization
	Project      Project
	Job          Job
	Version      JobVersion
	Endpoint     Endpoint
	Event        EventRecord
	Connections  []RunConnection
}

type SubscriptionEvent string

const (
	SubscriptionEventSuccess SubscriptionEvent = "SUCCESS"
	SubscriptionEventFailure SubscriptionEvent = "FAILURE"
)

type RunSubscription struct {
	ID          uuid.UUID         `json:"id"`
	RunID       uuid.UUID         `json:"run_id"`
	Event       SubscriptionEvent `json:"event"`
	EndpointID  uuid.UUID         `json:"endpoint_id"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type AutoYieldExecution struct {
	ID            uuid.UUID `json:"id"`
	RunID         uuid.UUID `json:"run_id"`
	Location      string    `json:"location"`
	TimeRemaining int64     `json:"time_remaining"`
	TimeElapsed   int64     `json:"time_elapsed"`
	Limit         int64     `json:"limit"`
	CreatedAt     time.Time `json:"created_at"`
}
