package queue

import (
	"context"
	"fmt"
	"time"
)

// Handler 处理一个已领取的 job
type Handler func(ctx context.Context, job *Job) error

// RescheduleError 让 job 在 RunAt 重新执行，不消耗重试次数
type RescheduleError struct {
	RunAt  time.Time
	Reason string
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("job rescheduled to %s: %s", e.RunAt.Format(time.RFC3339Nano), e.Reason)
}

// Registry job 类型到 handler 的映射
type Registry map[string]Handler

func (r Registry) Register(jobType string, h Handler) {
	r[jobType] = h
}

// Wrap 对所有 handler 套上中间件
func (r Registry) Wrap(mw func(Handler) Handler) Registry {
	out := make(Registry, len(r))
	for k, h := range r {
		out[k] = mw(h)
	}
	return out
}
