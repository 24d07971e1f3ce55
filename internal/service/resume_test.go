package service

import (
	"encoding/json"
	"testing"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/runqueue"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeRun_TransitionTable(t *testing.T) {
	cases := []struct {
		from     domain.RunStatus
		to       domain.RunStatus
		priority int
		stamped  bool
	}{
		{domain.RunStatusQueued, domain.RunStatusQueued, 1, true},
		{domain.RunStatusWaitingToExecute, domain.RunStatusWaitingToExecute, 0, false},
		{domain.RunStatusWaitingToContinue, domain.RunStatusWaitingToExecute, 0, false},
		{domain.RunStatusStarted, domain.RunStatusWaitingToExecute, 1, false},
		{domain.RunStatusPending, domain.RunStatusQueued, 1, true},
		{domain.RunStatusPreprocessing, domain.RunStatusQueued, 1, true},
	}
	for _, c := range cases {
		t.Run(string(c.from), func(t *testing.T) {
			f := newFixture(t)
			run := f.seedRun(func(r *domain.Run) { r.Status = c.from })

			require.NoError(t, f.engine.ResumeRun.Call(f.ctx, run.ID))

			got := f.run(run.ID)
			assert.Equal(t, c.to, got.Status)
			if c.stamped {
				require.NotNil(t, got.StartedAt)
				assert.True(t, got.StartedAt.Equal(f.clock.t))
			} else {
				assert.Nil(t, got.StartedAt)
			}

			job := f.queued(runqueue.ExecuteJobKey(run.ID))
			require.NotNil(t, job)
			assert.Equal(t, runqueue.JobPerformRunExecution, job.Type)
			assert.Equal(t, c.priority, job.Priority)
			assert.Equal(t, 25, job.MaxAttempts)

			var p runqueue.PerformRunPayload
			require.NoError(t, json.Unmarshal(job.Payload, &p))
			assert.Equal(t, run.ID.String(), p.ID)
			assert.Equal(t, string(c.from), p.Reason)
		})
	}
}

func TestResumeRun_TerminalStatusesAreNoop(t *testing.T) {
	f := newFixture(t)
	for _, st := range []domain.RunStatus{
		domain.RunStatusSuccess, domain.RunStatusFailure, domain.RunStatusCanceled, domain.RunStatusAborted,
		domain.RunStatusTimedOut, domain.RunStatusUnresolvedAuth, domain.RunStatusInvalidPayload,
	} {
		run := f.seedRun(func(r *domain.Run) { r.Status = st })
		require.NoError(t, f.engine.ResumeRun.Call(f.ctx, run.ID), st)
		assert.Equal(t, st, f.run(run.ID).Status)
		assert.Nil(t, f.queued(runqueue.ExecuteJobKey(run.ID)), st)
	}
	require.NoError(t, f.engine.ResumeRun.Call(f.ctx, uuid.New()))
}

func TestResumeRun_RejectsInvalidStates(t *testing.T) {
	f := newFixture(t)
	for _, st := range []domain.RunStatus{domain.RunStatusExecuting, domain.RunStatusWaitingOnConnections, "ARCHIVED"} {
		run := f.seedRun(func(r *domain.Run) { r.Status = st })
		err := f.engine.ResumeRun.Call(f.ctx, run.ID)
		require.Error(t, err, st)
		assert.True(t, errors.Is(err, ErrInvariant), st)
		assert.Nil(t, f.queued(runqueue.ExecuteJobKey(run.ID)))
	}
}

func TestResumeRun_DevelopmentSkipsRetrying(t *testing.T) {
	f := newFixture(t)
	f.env.Type = domain.EnvironmentDevelopment
	f.store.PutEnvironment(f.env)
	run := f.seedRun(nil)

	require.NoError(t, f.engine.ResumeRun.Call(f.ctx, run.ID))
	job := f.queued(runqueue.ExecuteJobKey(run.ID))
	require.NotNil(t, job)
	assert.Equal(t, 1, job.MaxAttempts)
}

func TestResumeRun_EnqueueDefaultsToCreatedAt(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(nil)

	require.NoError(t, f.engine.Dispatcher.EnqueueResumeRun(f.ctx, run, nil))
	job := f.queued(ResumeRunJobKey(run.ID))
	require.NotNil(t, job)
	assert.Equal(t, run.CreatedAt.UnixMilli(), job.RunAt.UnixMilli())

	later := f.clock.t.Add(time.Hour)
	require.NoError(t, f.engine.Dispatcher.EnqueueResumeRun(f.ctx, run, &later))
	job = f.queued(ResumeRunJobKey(run.ID))
	require.NotNil(t, job)
	assert.Equal(t, later.UnixMilli(), job.RunAt.UnixMilli(), "same key replaces the pending job")
}

func TestResumeTask(t *testing.T) {
	t.Run("noop task completes", func(t *testing.T) {
		f := newFixture(t)
		run := f.seedRun(func(r *domain.Run) { r.Status = domain.RunStatusWaitingToContinue })
		task := f.seedTask(run.ID, func(task *domain.Task) {
			task.Status = domain.TaskStatusWaiting
			task.Noop = true
		})

		require.NoError(t, f.engine.ResumeTask.Call(f.ctx, task.ID))
		got := f.task(task.ID)
		assert.Equal(t, domain.TaskStatusCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)
		assert.NotNil(t, f.queued(ResumeRunJobKey(run.ID)))
	})

	t.Run("waiting task starts running", func(t *testing.T) {
		f := newFixture(t)
		run := f.seedRun(func(r *domain.Run) { r.Status = domain.RunStatusWaitingToContinue })
		task := f.seedTask(run.ID, func(task *domain.Task) { task.Status = domain.TaskStatusWaiting })

		require.NoError(t, f.engine.ResumeTask.Call(f.ctx, task.ID))
		assert.Equal(t, domain.TaskStatusRunning, f.task(task.ID).Status)
		assert.NotNil(t, f.queued(ResumeRunJobKey(run.ID)))
	})

	t.Run("finished task keeps status", func(t *testing.T) {
		f := newFixture(t)
		run := f.seedRun(func(r *domain.Run) { r.Status = domain.RunStatusWaitingToContinue })
		task := f.seedTask(run.ID, func(task *domain.Task) { task.Status = domain.TaskStatusErrored })

		require.NoError(t, f.engine.ResumeTask.Call(f.ctx, task.ID))
		assert.Equal(t, domain.TaskStatusErrored, f.task(task.ID).Status)
		assert.NotNil(t, f.queued(ResumeRunJobKey(run.ID)))
	})

	t.Run("terminal run is left alone", func(t *testing.T) {
		f := newFixture(t)
		run := f.seedRun(func(r *domain.Run) { r.Status = domain.RunStatusCanceled })
		task := f.seedTask(run.ID, func(task *domain.Task) { task.Status = domain.TaskStatusWaiting })

		require.NoError(t, f.engine.ResumeTask.Call(f.ctx, task.ID))
		assert.Equal(t, domain.TaskStatusWaiting, f.task(task.ID).Status)
		assert.Nil(t, f.queued(ResumeRunJobKey(run.ID)))
		require.NoError(t, f.engine.ResumeTask.Call(f.ctx, uuid.New()))
	})
}

func TestResumeTask_ParallelSiblingsGateRun(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(func(r *domain.Run) { r.Status = domain.RunStatusWaitingToContinue })
	parent := f.seedTask(run.ID, func(task *domain.Task) { task.ChildExecutionMode = domain.ChildExecutionParallel })
	a := f.seedTask(run.ID, func(task *domain.Task) {
		task.ParentID = &parent.ID
		task.Status = domain.TaskStatusWaiting
		task.Noop = true
	})
	b := f.seedTask(run.ID, func(task *domain.Task) {
		task.ParentID = &parent.ID
		task.Status = domain.TaskStatusWaiting
		task.Noop = true
	})

	require.NoError(t, f.engine.ResumeTask.Call(f.ctx, a.ID))
	assert.Nil(t, f.queued(ResumeRunJobKey(run.ID)), "sibling b still waiting")

	require.NoError(t, f.engine.ResumeTask.Call(f.ctx, b.ID))
	assert.NotNil(t, f.queued(ResumeRunJobKey(run.ID)))
}

func TestResumeTask_SerialParentDoesNotGate(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(func(r *domain.Run) { r.Status = domain.RunStatusWaitingToContinue })
	parent := f.seedTask(run.ID, nil)
	a := f.seedTask(run.ID, func(task *domain.Task) {
		task.ParentID = &parent.ID
		task.Status = domain.TaskStatusWaiting
	})
	f.seedTask(run.ID, func(task *domain.Task) {
		task.ParentID = &parent.ID
		task.Status = domain.TaskStatusWaiting
	})

	require.NoError(t, f.engine.ResumeTask.Call(f.ctx, a.ID))
	assert.NotNil(t, f.queued(ResumeRunJobKey(run.ID)))
}

func recordCallbackTask(t *testing.T, f *fixture, runID uuid.UUID) *domain.Task {
	t.Helper()
	timeoutAt := f.clock.t.Add(time.Hour)
	task, err := f.engine.Tasks.RecordTask(f.ctx, runID, WireTask{
		ID: uuid.New(), Name: "await-webhook", IdempotencyKey: "hook-1", Status: domain.TaskStatusWaiting,
		CallbackURL: "https://api.example.com/callbacks/hook-1", CallbackTimeoutAt: &timeoutAt,
	})
	require.NoError(t, err)
	return task
}

func TestProcessCallbackTimeout(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(func(r *domain.Run) { r.Status = domain.RunStatusWaitingToContinue })
	task := recordCallbackTask(t, f, run.ID)
	require.NotNil(t, f.queued(CallbackTimeoutJobKey(task.ID)))
	require.NoError(t, f.store.InsertAttempt(f.ctx, &domain.TaskAttempt{ID: uuid.New(), TaskID: task.ID, Number: 1, Status: domain.TaskAttemptPending}))

	require.NoError(t, f.engine.CallbackTimeout.Call(f.ctx, task.ID))

	got := f.task(task.ID)
	assert.Equal(t, domain.TaskStatusErrored, got.Status)
	assert.JSONEq(t, `{"message":"Callback timed out"}`, string(got.Output))
	attempts, err := f.store.ListAttempts(f.ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.TaskAttemptErrored, attempts[0].Status)
	assert.NotNil(t, f.queued(ResumeTaskJobKey(task.ID)))

	// 已结束的 task 再次超时不做任何事
	require.NoError(t, f.engine.CallbackTimeout.Call(f.ctx, task.ID))
	assert.Equal(t, domain.TaskStatusErrored, f.task(task.ID).Status)
}

func TestCompleteCallback(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(func(r *domain.Run) { r.Status = domain.RunStatusWaitingToContinue })
	task := recordCallbackTask(t, f, run.ID)

	require.NoError(t, f.engine.Tasks.CompleteCallback(f.ctx, run.ID, task.ID, json.RawMessage(`{"approved":true}`)))
	got := f.task(task.ID)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.JSONEq(t, `{"approved":true}`, string(got.Output))
	assert.Nil(t, f.queued(CallbackTimeoutJobKey(task.ID)))
	assert.NotNil(t, f.queued(ResumeTaskJobKey(task.ID)))

	err := f.engine.Tasks.CompleteCallback(f.ctx, run.ID, task.ID, nil)
	assert.True(t, errors.Is(err, ErrTaskNotWaiting))

	plain := f.seedTask(run.ID, nil)
	err = f.engine.Tasks.CompleteCallback(f.ctx, run.ID, plain.ID, nil)
	assert.True(t, errors.Is(err, ErrTaskNotWaiting))
}

func TestRecordTask_IdempotentAndRejectsFinalRun(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(nil)
	wt := WireTask{ID: uuid.New(), Name: "fetch", IdempotencyKey: "fetch-1", Status: domain.TaskStatusRunning}

	first, err := f.engine.Tasks.RecordTask(f.ctx, run.ID, wt)
	require.NoError(t, err)
	wt.Name = "renamed"
	second, err := f.engine.Tasks.RecordTask(f.ctx, run.ID, wt)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "fetch", second.Name)

	done := f.seedRun(func(r *domain.Run) { r.Status = domain.RunStatusSuccess })
	_, err = f.engine.Tasks.RecordTask(f.ctx, done.ID, WireTask{ID: uuid.New(), Name: "late"})
	assert.Error(t, err)
}

func TestCancelRun_RemovesPendingWork(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(func(r *domain.Run) { r.Status = domain.RunStatusWaitingToExecute })
	waiting := f.seedTask(run.ID, func(task *domain.Task) { task.Status = domain.TaskStatusWaiting })
	done := f.seedTask(run.ID, func(task *domain.Task) { task.Status = domain.TaskStatusCompleted })

	require.NoError(t, f.engine.ResumeRun.Call(f.ctx, run.ID))
	require.NoError(t, f.engine.Dispatcher.EnqueueResumeRun(f.ctx, run, nil))
	require.NotNil(t, f.queued(runqueue.ExecuteJobKey(run.ID)))

	require.NoError(t, f.engine.CancelRun.Call(f.ctx, run.ID))

	got := f.run(run.ID)
	assert.Equal(t, domain.RunStatusCanceled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, domain.TaskStatusCanceled, f.task(waiting.ID).Status)
	assert.Equal(t, domain.TaskStatusCompleted, f.task(done.ID).Status)
	assert.Nil(t, f.queued(runqueue.ExecuteJobKey(run.ID)))
	assert.Nil(t, f.queued(ResumeRunJobKey(run.ID)))

	// 之后的恢复与执行都是空操作
	require.NoError(t, f.engine.ResumeRun.Call(f.ctx, run.ID))
	require.NoError(t, f.perform(run.ID, false))
	assert.Zero(t, f.api.calls())
	assert.Nil(t, f.queued(runqueue.ExecuteJobKey(run.ID)))

	require.NoError(t, f.engine.CancelRun.Call(f.ctx, run.ID))
	assert.Equal(t, domain.RunStatusCanceled, f.run(run.ID).Status)
}

func TestTriggerRun(t *testing.T) {
	f := newFixture(t)
	run, err := f.engine.Runs.TriggerRun(f.ctx, TriggerRunParams{
		JobVersionID: f.version.ID,
		EventName:    "invoice.paid",
		Payload:      json.RawMessage(`{"invoice":"inv_1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, run.Status)
	job := f.queued(ResumeRunJobKey(run.ID))
	require.NotNil(t, job)
	assert.Equal(t, f.clock.t.UnixMilli(), job.RunAt.UnixMilli())

	f.version.Status = domain.JobVersionDisabled
	f.store.PutJobVersion(f.version)
	_, err = f.engine.Runs.TriggerRun(f.ctx, TriggerRunParams{JobVersionID: f.version.ID, EventName: "invoice.paid"})
	assert.Error(t, err)
}

// drain 按队列顺序执行所有到期 job
func (f *fixture) drain(max int) int {
	f.t.Helper()
	reg := f.engine.Handlers()
	n := 0
	for ; n < max; n++ {
		job, err := f.q.Claim(f.ctx, "default")
		require.NoError(f.t, err)
		if job == nil {
			return n
		}
		h, ok := reg[job.Type]
		require.True(f.t, ok, job.Type)
		require.NoError(f.t, h(f.ctx, job), job.Type)
		require.NoError(f.t, f.q.Complete(f.ctx, job))
	}
	return n
}

func TestEngine_TriggerToSuccessThroughQueue(t *testing.T) {
	f := newFixture(t)
	run, err := f.engine.Runs.TriggerRun(f.ctx, TriggerRunParams{JobVersionID: f.version.ID, EventName: "invoice.paid"})
	require.NoError(t, err)

	// resumeRun -> performRunExecutionV3 -> deliverRunSubscriptions
	assert.Equal(t, 3, f.drain(10))

	got := f.run(run.ID)
	assert.Equal(t, domain.RunStatusSuccess, got.Status)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.Equal(t, 1, f.api.calls())
	assert.Equal(t, "invoice.paid", f.api.bodies[0].Event.Name)
}
