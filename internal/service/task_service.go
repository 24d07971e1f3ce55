package service

import (
	"context"
	"encoding/json"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/repo"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TaskService endpoint 在执行期间通过 API 记录/完成 task
type TaskService struct {
	store    repo.Store
	dispatch *Dispatcher
	now      func() time.Time
	log      *zap.Logger
}

func NewTaskService(store repo.Store, dispatch *Dispatcher, log *zap.Logger) *TaskService {
	return &TaskService{store: store, dispatch: dispatch, now: time.Now, log: log}
}

func (s *TaskService) WithClock(now func() time.Time) *TaskService {
	s.now = now
	return s
}

// RecordTask 幂等：同一个 id 已存在时直接返回已有记录
func (s *TaskService) RecordTask(ctx context.Context, runID uuid.UUID, wt WireTask) (*domain.Task, error) {
	var out *domain.Task
	err := runInTx(ctx, s.store, func(tx *txScope) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return errors.Errorf("run %s is already %s", runID, run.Status)
		}
		if t, err := tx.GetTask(ctx, wt.ID); err == nil {
			if t.RunID != runID {
				return errors.Wrapf(repo.ErrNotFound, "task %s", wt.ID)
			}
			out = t
			return nil
		} else if !repo.IsNotFound(err) {
			return err
		}

		t := wt.toTask(runID, s.now())
		if err := tx.InsertTask(ctx, t); err != nil {
			return err
		}
		scheduleCallbackTimeout(tx, s.dispatch, t)
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TaskService) GetTask(ctx context.Context, runID, taskID uuid.UUID) (*domain.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.RunID != runID {
		return nil, errors.Wrapf(repo.ErrNotFound, "task %s", taskID)
	}
	return t, nil
}

// CompleteCallback 外部回调到达：完成 WAITING 的 task，撤掉超时 job 并恢复
func (s *TaskService) CompleteCallback(ctx context.Context, runID, taskID uuid.UUID, output json.RawMessage) error {
	return runInTx(ctx, s.store, func(tx *txScope) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.RunID != runID {
			return errors.Wrapf(repo.ErrNotFound, "task %s", taskID)
		}
		if task.Status != domain.TaskStatusWaiting || task.CallbackURL == "" {
			return errors.Wrapf(ErrTaskNotWaiting, "task %s is %s", taskID, task.Status)
		}
		if err := completeTask(ctx, tx, taskID, output, s.now()); err != nil {
			return err
		}
		s.log.Info("task callback completed", zap.String("task_id", taskID.String()), zap.String("run_id", runID.String()))

		tx.afterCommit(func(ctx context.Context) error {
			return s.dispatch.DequeueCallbackTimeout(ctx, taskID)
		})
		tx.afterCommit(func(ctx context.Context) error {
			return s.dispatch.EnqueueResumeTask(ctx, taskID, nil)
		})
		return nil
	})
}
