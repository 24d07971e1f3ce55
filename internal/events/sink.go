// Package events 记录每次执行的开始/结束事件
package events

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const StreamKey = "run-executions"

type EventType string

const (
	EventStart  EventType = "start"
	EventFinish EventType = "finish"
)

type ExecutionEvent struct {
	OrganizationID          string
	ProjectID               string
	EnvironmentID           string
	JobID                   string
	RunID                   string
	EventTime               time.Time
	EventType               EventType
	DriftMs                 int64
	ConcurrencyLimitGroupID string
}

type Sink interface {
	Emit(ctx context.Context, ev ExecutionEvent) error
}

// RedisStreamSink 追加写入 Redis stream，长度近似裁剪
type RedisStreamSink struct {
	rdb    *redis.Client
	maxLen int64
}

func NewRedisStreamSink(rdb *redis.Client, maxLen int64) *RedisStreamSink {
	if maxLen <= 0 {
		maxLen = 100_000
	}
	return &RedisStreamSink{rdb: rdb, maxLen: maxLen}
}

func (s *RedisStreamSink) Emit(ctx context.Context, ev ExecutionEvent) error {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"organizationId":          ev.OrganizationID,
			"projectId":               ev.ProjectID,
			"environmentId":           ev.EnvironmentID,
			"jobId":                   ev.JobID,
			"runId":                   ev.RunID,
			"eventTime":               strconv.FormatInt(ev.EventTime.UnixMilli(), 10),
			"eventType":               string(ev.EventType),
			"drift":                   strconv.FormatInt(ev.DriftMs, 10),
			"concurrencyLimitGroupId": ev.ConcurrencyLimitGroupID,
		},
	}).Err()
}
