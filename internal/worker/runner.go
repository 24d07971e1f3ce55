package worker

import (
	"context"
	"fmt"
	"time"

	"RunEngine/internal/lease"
	"RunEngine/internal/metrics"
	"RunEngine/internal/queue"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Runner struct {
	q            *queue.RedisQueue
	rdb          *redis.Client
	leaseMgr     *lease.Manager
	handlers     queue.Registry
	workerID     string
	queues       []string
	leaseTTL     time.Duration
	pollInterval time.Duration
	log          *zap.Logger
}

func NewRunner(q *queue.RedisQueue, handlers queue.Registry, workerID string, queues []string, leaseTTL time.Duration, log *zap.Logger) *Runner {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &Runner{
		q:            q,
		rdb:          q.Client(),
		leaseMgr:     lease.NewManager(q.Client()),
		handlers:     handlers,
		workerID:     workerID,
		queues:       queues,
		leaseTTL:     leaseTTL,
		pollInterval: 200 * time.Millisecond,
		log:          log,
	}
}

// Consume 持续领取并执行 job，直到 ctx 结束；正在执行的 job 不会被 ctx 取消
func (r *Runner) Consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		handled, err := r.ProcessOne(context.WithoutCancel(ctx))
		if err != nil {
			r.log.Warn("claim job failed", zap.Error(err))
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.pollInterval):
		}
	}
}

// ProcessOne 依次尝试各队列，领取并执行一个 job；没有 job 时返回 false
func (r *Runner) ProcessOne(ctx context.Context) (bool, error) {
	for _, q := range r.queues {
		job, err := r.q.Claim(ctx, q)
		if err != nil {
			return false, err
		}
		if job == nil {
			continue
		}
		r.handle(ctx, job)
		return true, nil
	}
	return false, nil
}

func (r *Runner) handle(ctx context.Context, job *queue.Job) {
	leaseName := lease.JobLease(job.Key + "#" + fmt.Sprint(job.Rev))
	if ok, err := r.leaseMgr.Acquire(ctx, leaseName, r.workerID, r.leaseTTL); err != nil || !ok {
		r.log.Warn("set lease failed or occupied", zap.String("job", job.Key), zap.Bool("ok", ok), zap.Error(err))
		return
	}
	// 续租协程
	renewCtx, cancel := context.WithCancel(ctx)
	go func() {
		tk := time.NewTicker(r.leaseTTL / 3)
		defer tk.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-tk.C:
				_, _ = r.leaseMgr.Renew(ctx, leaseName, r.workerID, r.leaseTTL)
			}
		}
	}()
	defer func() {
		cancel()
		_, _ = r.leaseMgr.Release(ctx, leaseName, r.workerID)
	}()

	err := r.run(ctx, job)

	var resched *queue.RescheduleError
	switch {
	case err == nil:
		if cerr := r.q.Complete(ctx, job); cerr != nil {
			r.log.Error("complete job failed", zap.String("job", job.Key), zap.Error(cerr))
		}
		r.count(ctx, job, "processed")
	case errors.As(err, &resched):
		if rerr := r.q.Reschedule(ctx, job, resched.RunAt, resched.Reason); rerr != nil {
			r.log.Error("reschedule job failed", zap.String("job", job.Key), zap.Error(rerr))
		}
		r.count(ctx, job, "rescheduled")
	default:
		res, ferr := r.q.Fail(ctx, job, err)
		if ferr != nil {
			r.log.Error("fail job failed", zap.String("job", job.Key), zap.Error(ferr))
		}
		if res == queue.RetryExhausted {
			r.log.Error("job moved to DLQ", zap.String("job", job.Key), zap.String("type", job.Type), zap.Error(err))
		} else {
			r.log.Warn("job failed, will retry", zap.String("job", job.Key), zap.Int("attempt", job.Attempts), zap.Error(err))
		}
		r.count(ctx, job, "failed")
	}
}

func (r *Runner) run(ctx context.Context, job *queue.Job) (err error) {
	h, ok := r.handlers[job.Type]
	if !ok {
		return errors.Errorf("no handler registered for job type %q", job.Type)
	}
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("job %s panicked: %v", job.Key, p)
		}
	}()
	return h(ctx, job)
}

// count 写入 Redis 计数与 Prometheus
func (r *Runner) count(ctx context.Context, job *queue.Job, metric string) {
	metrics.JobsHandled.WithLabelValues(job.Type, metric).Inc()
	_ = r.rdb.Incr(ctx, "metrics:worker:"+r.workerID+":"+job.Queue+":"+metric).Err()
}
