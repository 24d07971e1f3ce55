package runqueue

import (
	"context"

	"RunEngine/internal/domain"
	"RunEngine/internal/queue"

	"github.com/google/uuid"
)

// FlagSource 由限流器提供一次执行需要预留的 flag
type FlagSource interface {
	FlagsForRun(ctx context.Context, org domain.Organization, version domain.JobVersion) []string
}

type WorkerRunQueue struct {
	q       queue.JobQueue
	flags   FlagSource
	queueNm string
}

func NewWorkerRunQueue(q queue.JobQueue, flags FlagSource, queueName string) *WorkerRunQueue {
	return &WorkerRunQueue{q: q, flags: flags, queueNm: queueName}
}

// 数值越小越先被领取，resume 优先于新 run
func priorityValue(p Priority) int {
	if p == PriorityResume {
		return 0
	}
	return 1
}

func (w *WorkerRunQueue) EnqueueRun(ctx context.Context, req EnqueueRequest) error {
	opts := queue.EnqueueOptions{
		Queue:    w.queueNm,
		JobKey:   ExecuteJobKey(req.Run.ID),
		RunAt:    req.RunAt,
		Priority: priorityValue(req.Priority),
	}
	if w.flags != nil {
		opts.Flags = w.flags.FlagsForRun(ctx, req.Organization, req.Version)
	}
	if req.SkipRetrying {
		opts.MaxAttempts = 1
	}
	_, err := w.q.Enqueue(ctx, JobPerformRunExecution, PerformRunPayload{
		ID:     req.Run.ID.String(),
		Reason: req.Reason,
	}, opts)
	return err
}

func (w *WorkerRunQueue) DequeueRun(ctx context.Context, runID uuid.UUID) error {
	_, err := w.q.Dequeue(ctx, ExecuteJobKey(runID))
	return err
}
