package worker

import (
	"context"
	"errors"
	"time"

	"RunEngine/internal/lease"
	"RunEngine/internal/queue"

	"go.uber.org/zap"
)

var errLeaseExpired = errors.New("lease expired")

// ReapOnce 找出租约已消失的执行中 job：未达上限放回就绪队列，否则进入 DLQ
func ReapOnce(ctx context.Context, q *queue.RedisQueue, queues []string, leaseTTL time.Duration, log *zap.Logger) int {
	leaseMgr := lease.NewManager(q.Client())
	before := time.Now().Add(-2 * leaseTTL)
	reaped := 0
	for _, name := range queues {
		members, err := q.ListStaleRunning(ctx, name, before)
		if err != nil {
			log.Warn("lease reaper list stale jobs failed", zap.String("queue", name), zap.Error(err))
			continue
		}
		for _, member := range members {
			// 若租约键仍存在，说明可能还在执行，跳过
			held, err := leaseMgr.Held(ctx, lease.JobLease(member))
			if err != nil {
				log.Warn("lease reaper get lease key error", zap.Error(err))
				continue
			}
			if held {
				continue
			}
			key, rev := queue.ParseRunningMember(member)
			job, err := q.Get(ctx, key)
			if err != nil || job.Rev != rev {
				// job 已被覆盖或删除，只清理 running 残留
				_, _ = q.Client().ZRem(ctx, queue.RunningKey(name), member).Result()
				continue
			}
			if job.LastAttempt() {
				if _, err := q.Fail(ctx, job, errLeaseExpired); err != nil {
					log.Warn("lease reaper fail job failed", zap.String("job", key), zap.Error(err))
					continue
				}
				log.Warn("lease reaper: job moved to DLQ due to lease expired", zap.String("job", key))
			} else if ok, err := q.Requeue(ctx, name, key, rev); err != nil {
				log.Warn("lease reaper requeue failed", zap.String("job", key), zap.Error(err))
				continue
			} else if ok {
				log.Info("lease reaper: job re-enqueued", zap.String("job", key), zap.Int("attempt", job.Attempts))
			}
			reaped++
		}
	}
	return reaped
}

func StartLeaseReaper(ctx context.Context, q *queue.RedisQueue, queues []string, workerID string, leaseTTL, interval time.Duration, log *zap.Logger) {
	leaseMgr := lease.NewManager(q.Client())
	tkr := time.NewTicker(interval)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			lockName := lease.LockLease("lease_reaper", "all")
			if got, err := leaseMgr.Acquire(ctx, lockName, workerID, interval); err != nil || !got {
				continue
			}
			ReapOnce(ctx, q, queues, leaseTTL, log)
			_, _ = leaseMgr.Release(ctx, lockName, workerID)
		}
	}
}
