package ratelimit

import (
	"context"
	"strconv"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/metrics"
	"RunEngine/internal/queue"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func OrganizationFlag(orgID string) string {
	return "concurrency:org:" + orgID
}

func ConcurrencyGroupFlag(groupID string) string {
	return "concurrency:group:" + groupID
}

func JobVersionFlag(versionID string) string {
	return "concurrency:job-version:" + versionID
}

type Limiter struct {
	ac         AdmissionController
	rdb        *redis.Client
	retryDelay time.Duration
	now        func() time.Time
	log        *zap.Logger
}

func NewLimiter(ac AdmissionController, rdb *redis.Client, retryDelay time.Duration, log *zap.Logger) *Limiter {
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &Limiter{ac: ac, rdb: rdb, retryDelay: retryDelay, now: time.Now, log: log}
}

// FlagsForRun 计算一次执行需要预留的 flag，并写入各自容量
// 组织级总是存在；并发组优先于 job version 自身的并发上限
func (l *Limiter) FlagsForRun(ctx context.Context, org domain.Organization, version domain.JobVersion) []string {
	type limited struct {
		flag  string
		limit int
	}
	var items []limited
	if org.MaximumConcurrentRuns > 0 {
		items = append(items, limited{OrganizationFlag(org.ID.String()), org.MaximumConcurrentRuns})
	}
	if version.ConcurrencyLimitGroupID != nil && version.ConcurrencyLimitGroupLimit > 0 {
		items = append(items, limited{ConcurrencyGroupFlag(version.ConcurrencyLimitGroupID.String()), version.ConcurrencyLimitGroupLimit})
	} else if version.ConcurrencyLimit > 0 {
		items = append(items, limited{JobVersionFlag(version.ID.String()), version.ConcurrencyLimit})
	}

	flags := make([]string, 0, len(items))
	for _, it := range items {
		if err := l.rdb.Set(ctx, MaxSizeKey(it.flag), strconv.Itoa(it.limit), 0).Err(); err != nil {
			l.log.Warn("set rate limit max size failed", zap.String("flag", it.flag), zap.Error(err))
		}
		flags = append(flags, it.flag)
	}
	return flags
}

// WrapTask 执行前按顺序预留 job 上的所有 flag；任何一个已满则回滚并推迟 job
// Redis 出错时视为放行
func (l *Limiter) WrapTask(next queue.Handler) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		if len(job.Flags) == 0 {
			return next(ctx, job)
		}
		reserved := make([]string, 0, len(job.Flags))
		for _, flag := range job.Flags {
			ok, err := l.ac.TryReserve(ctx, flag, job.Key)
			if err != nil {
				l.log.Error("rate limiter reserve failed, admitting job", zap.String("flag", flag), zap.String("job", job.Key), zap.Error(err))
				continue
			}
			if !ok {
				if err := l.ac.Rollback(ctx, reserved, job.Key); err != nil {
					l.log.Error("rate limiter rollback failed", zap.Strings("flags", reserved), zap.Error(err))
				}
				metrics.RateLimitRejections.WithLabelValues(job.Type).Inc()
				l.log.Debug("job over capacity, rescheduling", zap.String("job", job.Key), zap.String("flag", flag))
				return &queue.RescheduleError{RunAt: l.now().Add(l.retryDelay), Reason: "flag " + flag + " at capacity"}
			}
			reserved = append(reserved, flag)
		}
		defer func() {
			for _, flag := range reserved {
				if err := l.ac.Release(ctx, flag, job.Key); err != nil {
					l.log.Error("rate limiter release failed", zap.String("flag", flag), zap.Error(err))
				}
			}
		}()
		return next(ctx, job)
	}
}
