package service

import (
	"context"
	"encoding/json"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/events"
	"RunEngine/internal/queue"
	"RunEngine/internal/repo"
	"RunEngine/internal/runqueue"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type EngineDeps struct {
	Store     repo.Store
	Jobs      queue.JobQueue
	RunQueue  runqueue.RunQueue
	QueueName string
	API       EndpointAPI
	Sink      events.Sink
	InFlight  InFlightRegistry
	Limits    domain.Limits
	Log       *zap.Logger
}

// Engine 进程内唯一的一组服务
type Engine struct {
	Dispatcher      *Dispatcher
	Perform         *PerformRunExecutionService
	ResumeRun       *ResumeRunService
	ResumeTask      *ResumeTaskService
	CallbackTimeout *ProcessCallbackTimeoutService
	CancelRun       *CancelRunService
	Deliver         *DeliverRunSubscriptionsService
	Runs            *RunService
	Tasks           *TaskService
	Schedules       *ScheduleService
}

func NewEngine(d EngineDeps) *Engine {
	dispatch := NewDispatcher(d.Jobs, d.RunQueue, d.QueueName)
	return &Engine{
		Dispatcher:      dispatch,
		Perform:         NewPerformRunExecutionService(d.Store, dispatch, d.API, d.Sink, d.InFlight, d.Limits, d.Log.Named("perform")),
		ResumeRun:       NewResumeRunService(d.Store, dispatch, d.Log.Named("resume_run")),
		ResumeTask:      NewResumeTaskService(d.Store, dispatch, d.Log.Named("resume_task")),
		CallbackTimeout: NewProcessCallbackTimeoutService(d.Store, dispatch, d.Log.Named("callback_timeout")),
		CancelRun:       NewCancelRunService(d.Store, dispatch, d.Log.Named("cancel_run")),
		Deliver:         NewDeliverRunSubscriptionsService(d.Store, d.API, d.Log.Named("deliver")),
		Runs:            NewRunService(d.Store, dispatch, d.Log.Named("runs")),
		Tasks:           NewTaskService(d.Store, dispatch, d.Log.Named("tasks")),
		Schedules:       NewScheduleService(d.Store),
	}
}

// Handlers worker 消费的全部 job 类型
func (e *Engine) Handlers() queue.Registry {
	reg := queue.Registry{}
	reg.Register(runqueue.JobPerformRunExecution, e.handlePerform)
	reg.Register(JobResumeRun, idHandler(e.ResumeRun.Call))
	reg.Register(JobResumeTask, idHandler(e.ResumeTask.Call))
	reg.Register(JobProcessCallbackTimeout, idHandler(e.CallbackTimeout.Call))
	reg.Register(JobDeliverRunSubscriptions, idHandler(e.Deliver.Call))
	return reg
}

func (e *Engine) handlePerform(ctx context.Context, job *queue.Job) error {
	var p runqueue.PerformRunPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errors.Wrapf(err, "decode %s payload", job.Type)
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return errors.Wrapf(err, "invalid run id %q", p.ID)
	}
	drift := time.Since(job.RunAt)
	if drift < 0 {
		drift = 0
	}
	return e.Perform.Call(ctx, PerformRunInput{ID: id, Reason: p.Reason, LastAttempt: job.LastAttempt()}, drift)
}

func idHandler(fn func(ctx context.Context, id uuid.UUID) error) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p IDPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return errors.Wrapf(err, "decode %s payload", job.Type)
		}
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return errors.Wrapf(err, "invalid id %q in %s", p.ID, job.Type)
		}
		return fn(ctx, id)
	}
}
