package worker

import (
	"context"
	"time"

	"RunEngine/internal/lease"
	"RunEngine/internal/queue"

	"go.uber.org/zap"
)

// StartDelayedMover 周期性把到期的延时 job 搬到就绪队列，多 worker 间用租约互斥
func StartDelayedMover(ctx context.Context, q *queue.RedisQueue, queues []string, workerID string, interval time.Duration, log *zap.Logger) {
	leaseMgr := lease.NewManager(q.Client())
	tkr := time.NewTicker(interval)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			for _, name := range queues {
				lockName := lease.LockLease("delayed_moved", name)
				got, err := leaseMgr.Acquire(ctx, lockName, workerID, 5*time.Second)
				if err != nil || !got {
					continue
				}
				moved, err := q.MoveDueDelayedToReadyAtomic(ctx, name, 100)
				if err != nil {
					log.Warn("move delayed failed", zap.String("queue", name), zap.Error(err))
				} else if moved > 0 {
					log.Debug("delayed moved to ready", zap.String("queue", name), zap.Int("count", moved))
				}
				_, _ = leaseMgr.Release(ctx, lockName, workerID)
			}
		}
	}
}
