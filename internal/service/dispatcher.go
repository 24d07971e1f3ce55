package service

import (
	"context"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/queue"
	"RunEngine/internal/runqueue"

	"github.com/google/uuid"
)

const (
	JobResumeRun               = "resumeRun"
	JobResumeTask              = "resumeTask"
	JobProcessCallbackTimeout  = "processCallbackTimeout"
	JobDeliverRunSubscriptions = "deliverRunSubscriptions"
)

func ResumeRunJobKey(runID uuid.UUID) string {
	return "run_resume:" + runID.String()
}

func ResumeTaskJobKey(taskID uuid.UUID) string {
	return "resume_task:" + taskID.String()
}

func CallbackTimeoutJobKey(taskID uuid.UUID) string {
	return "process_callback_timeout:" + taskID.String()
}

func DeliverSubscriptionsJobKey(runID uuid.UUID) string {
	return "deliver_run_subscriptions:" + runID.String()
}

// IDPayload 除执行 job 外的 job 负载
type IDPayload struct {
	ID string `json:"id"`
}

// Dispatcher 所有 job 的投递与撤销
type Dispatcher struct {
	jobs      queue.JobQueue
	runs      runqueue.RunQueue
	queueName string
}

func NewDispatcher(jobs queue.JobQueue, runs runqueue.RunQueue, queueName string) *Dispatcher {
	return &Dispatcher{jobs: jobs, runs: runs, queueName: queueName}
}

func (d *Dispatcher) EnqueueExecution(ctx context.Context, details *domain.RunDetails, priority runqueue.Priority, reason string, runAt *time.Time, skipRetrying bool) error {
	return d.runs.EnqueueRun(ctx, runqueue.EnqueueRequest{
		Run:          details.Run,
		Organization: details.Organization,
		Environment:  details.Environment,
		Job:          details.Job,
		Version:      details.Version,
		Reason:       reason,
		Priority:     priority,
		RunAt:        runAt,
		SkipRetrying: skipRetrying,
	})
}

func (d *Dispatcher) DequeueExecution(ctx context.Context, runID uuid.UUID) error {
	return d.runs.DequeueRun(ctx, runID)
}

// EnqueueResumeRun 未指定 runAt 时使用 run 的创建时间，即尽快执行
func (d *Dispatcher) EnqueueResumeRun(ctx context.Context, run domain.Run, runAt *time.Time) error {
	at := run.CreatedAt
	if runAt != nil {
		at = *runAt
	}
	_, err := d.jobs.Enqueue(ctx, JobResumeRun, IDPayload{ID: run.ID.String()}, queue.EnqueueOptions{
		Queue:  d.queueName,
		JobKey: ResumeRunJobKey(run.ID),
		RunAt:  &at,
	})
	return err
}

func (d *Dispatcher) DequeueResumeRun(ctx context.Context, runID uuid.UUID) error {
	_, err := d.jobs.Dequeue(ctx, ResumeRunJobKey(runID))
	return err
}

func (d *Dispatcher) EnqueueResumeTask(ctx context.Context, taskID uuid.UUID, runAt *time.Time) error {
	_, err := d.jobs.Enqueue(ctx, JobResumeTask, IDPayload{ID: taskID.String()}, queue.EnqueueOptions{
		Queue:  d.queueName,
		JobKey: ResumeTaskJobKey(taskID),
		RunAt:  runAt,
	})
	return err
}

func (d *Dispatcher) EnqueueCallbackTimeout(ctx context.Context, taskID uuid.UUID, at time.Time) error {
	_, err := d.jobs.Enqueue(ctx, JobProcessCallbackTimeout, IDPayload{ID: taskID.String()}, queue.EnqueueOptions{
		Queue:  d.queueName,
		JobKey: CallbackTimeoutJobKey(taskID),
		RunAt:  &at,
	})
	return err
}

func (d *Dispatcher) DequeueCallbackTimeout(ctx context.Context, taskID uuid.UUID) error {
	_, err := d.jobs.Dequeue(ctx, CallbackTimeoutJobKey(taskID))
	return err
}

func (d *Dispatcher) EnqueueDeliverSubscriptions(ctx context.Context, runID uuid.UUID) error {
	_, err := d.jobs.Enqueue(ctx, JobDeliverRunSubscriptions, IDPayload{ID: runID.String()}, queue.EnqueueOptions{
		Queue:       d.queueName,
		JobKey:      DeliverSubscriptionsJobKey(runID),
		MaxAttempts: 5,
	})
	return err
}
