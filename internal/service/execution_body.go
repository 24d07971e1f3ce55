package service

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sort"
	"time"

	"RunEngine/internal/domain"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// no-op task 集合的 bloom 参数，endpoint 端按同样参数反序列化
const (
	NoopTasksSetBits   = 32_768
	NoopTasksSetHashes = 5
)

type CachedTask struct {
	ID             uuid.UUID         `json:"id"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Status         domain.TaskStatus `json:"status"`
	Noop           bool              `json:"noop"`
	Output         json.RawMessage   `json:"output,omitempty"`
	ParentID       *uuid.UUID        `json:"parentId,omitempty"`
}

type bodyEvent struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Context   json.RawMessage `json:"context,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type bodyJob struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

type bodyRun struct {
	ID                    uuid.UUID  `json:"id"`
	IsTest                bool       `json:"isTest"`
	IsRetry               bool       `json:"isRetry"`
	StartedAt             *time.Time `json:"startedAt,omitempty"`
	ForceYieldImmediately bool       `json:"forceYieldImmediately,omitempty"`
}

type bodyEnvironment struct {
	ID   uuid.UUID              `json:"id"`
	Slug string                 `json:"slug"`
	Type domain.EnvironmentType `json:"type"`
}

type bodyOrganization struct {
	ID    uuid.UUID `json:"id"`
	Slug  string    `json:"slug"`
	Title string    `json:"title"`
}

type bodyProject struct {
	ID   uuid.UUID `json:"id"`
	Slug string    `json:"slug"`
	Name string    `json:"name"`
}

type bodyAccount struct {
	ID string `json:"id"`
}

type AutoYieldConfig struct {
	StartTaskThreshold          int64 `json:"startTaskThreshold"`
	BeforeExecuteTaskThreshold  int64 `json:"beforeExecuteTaskThreshold"`
	BeforeCompleteTaskThreshold int64 `json:"beforeCompleteTaskThreshold"`
	AfterCompleteTaskThreshold  int64 `json:"afterCompleteTaskThreshold"`
}

// ExecutionBody EXECUTE_JOB 请求体；旧版 SDK 不带 cursor 和 noopTasksSet
type ExecutionBody struct {
	Event                  bodyEvent                  `json:"event"`
	Job                    bodyJob                    `json:"job"`
	Run                    bodyRun                    `json:"run"`
	Environment            bodyEnvironment            `json:"environment"`
	Organization           bodyOrganization           `json:"organization"`
	Project                bodyProject                `json:"project"`
	Account                *bodyAccount               `json:"account,omitempty"`
	Connections            map[string]json.RawMessage `json:"connections"`
	Source                 json.RawMessage            `json:"source,omitempty"`
	Tasks                  []CachedTask               `json:"tasks"`
	CachedTaskCursor       *uuid.UUID                 `json:"cachedTaskCursor,omitempty"`
	NoopTasksSet           string                     `json:"noopTasksSet,omitempty"`
	YieldedExecutions      []string                   `json:"yieldedExecutions"`
	RunChunkExecutionLimit int64                      `json:"runChunkExecutionLimit"`
	AutoYieldConfig        AutoYieldConfig            `json:"autoYieldConfig"`
}

func toCachedTask(t domain.Task) CachedTask {
	return CachedTask{
		ID:             t.ID,
		IdempotencyKey: t.IdempotencyKey,
		Status:         t.Status,
		Noop:           t.Noop,
		Output:         t.Output,
		ParentID:       t.ParentID,
	}
}

func cachedTaskSize(t CachedTask) int {
	b, err := json.Marshal(t)
	if err != nil {
		return 0
	}
	return len(b)
}

// prepareCachedTasksLegacy 按体积升序贪心装入，不返回 cursor
func prepareCachedTasksLegacy(tasks []domain.Task, maxBytes int) []CachedTask {
	type sized struct {
		task CachedTask
		size int
	}
	all := make([]sized, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != domain.TaskStatusCompleted {
			continue
		}
		ct := toCachedTask(t)
		all = append(all, sized{task: ct, size: cachedTaskSize(ct)})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].size < all[j].size })

	out := make([]CachedTask, 0, len(all))
	remaining := maxBytes
	for _, s := range all {
		if s.size <= remaining {
			out = append(out, s.task)
			remaining -= s.size
		}
	}
	return out
}

// prepareCachedTasksLazy 按创建顺序装入非 noop 任务，放不下时停止，
// cursor 指向第一个没装入的任务，endpoint 之后按需拉取
func prepareCachedTasksLazy(tasks []domain.Task, maxBytes int) ([]CachedTask, *uuid.UUID) {
	candidates := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == domain.TaskStatusCompleted && !t.Noop {
			candidates = append(candidates, t)
		}
	}
	out := make([]CachedTask, 0, len(candidates))
	remaining := maxBytes
	for i, t := range candidates {
		ct := toCachedTask(t)
		size := cachedTaskSize(ct)
		if size > remaining {
			cursor := candidates[i].ID
			return out, &cursor
		}
		out = append(out, ct)
		remaining -= size
	}
	return out, nil
}

// noopTasksSet 已完成的 noop 任务幂等键集合，base64 编码的 bloom filter
func noopTasksSet(tasks []domain.Task) (string, error) {
	filter := bloom.New(NoopTasksSetBits, NoopTasksSetHashes)
	for _, t := range tasks {
		if t.Status == domain.TaskStatusCompleted && t.Noop {
			filter.AddString(t.IdempotencyKey)
		}
	}
	var buf bytes.Buffer
	if _, err := filter.WriteTo(&buf); err != nil {
		return "", errors.Wrap(err, "encode noop tasks set")
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// buildExecutionBody completed 为 run 已完成的任务，按创建顺序
func buildExecutionBody(d *domain.RunDetails, completed []domain.Task, limits domain.Limits) (*ExecutionBody, error) {
	body := &ExecutionBody{
		Event: bodyEvent{
			ID:        d.Event.ID,
			Name:      d.Event.Name,
			Payload:   d.Event.Payload,
			Context:   d.Event.Context,
			Timestamp: d.Event.Timestamp,
		},
		Job: bodyJob{ID: d.Job.Slug, Version: d.Version.Version},
		Run: bodyRun{
			ID:                    d.Run.ID,
			IsTest:                d.Run.IsTest,
			StartedAt:             d.Run.StartedAt,
			ForceYieldImmediately: d.Run.ForceYieldImmediately,
		},
		Environment:            bodyEnvironment{ID: d.Environment.ID, Slug: d.Environment.Slug, Type: d.Environment.Type},
		Organization:           bodyOrganization{ID: d.Organization.ID, Slug: d.Organization.Slug, Title: d.Organization.Title},
		Project:                bodyProject{ID: d.Project.ID, Slug: d.Project.Slug, Name: d.Project.Name},
		Connections:            make(map[string]json.RawMessage, len(d.Connections)),
		Source:                 d.Event.SourceContext,
		YieldedExecutions:      d.Run.YieldedExecutions,
		RunChunkExecutionLimit: d.Endpoint.RunChunkExecutionLimit,
		AutoYieldConfig: AutoYieldConfig{
			StartTaskThreshold:          d.Endpoint.StartTaskThreshold,
			BeforeExecuteTaskThreshold:  d.Endpoint.BeforeExecuteTaskThreshold,
			BeforeCompleteTaskThreshold: d.Endpoint.BeforeCompleteTaskThreshold,
			AfterCompleteTaskThreshold:  d.Endpoint.AfterCompleteTaskThreshold,
		},
	}
	if body.YieldedExecutions == nil {
		body.YieldedExecutions = []string{}
	}
	if d.Event.AccountID != "" {
		body.Account = &bodyAccount{ID: d.Event.AccountID}
	}
	for _, c := range d.Connections {
		body.Connections[c.Key] = c.Credentials
	}

	if !d.Endpoint.SupportsLazyLoadedCachedTasks() {
		body.Tasks = prepareCachedTasksLegacy(completed, limits.CachedTasksMaxBytes)
		return body, nil
	}

	body.Tasks, body.CachedTaskCursor = prepareCachedTasksLazy(completed, limits.CachedTasksMaxBytes)
	set, err := noopTasksSet(completed)
	if err != nil {
		return nil, err
	}
	body.NoopTasksSet = set
	return body, nil
}
