package service

import (
	"context"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResumeTaskService 推进一个 task 并在合适时恢复它所属的 run
type ResumeTaskService struct {
	store    repo.Store
	dispatch *Dispatcher
	now      func() time.Time
	log      *zap.Logger
}

func NewResumeTaskService(store repo.Store, dispatch *Dispatcher, log *zap.Logger) *ResumeTaskService {
	return &ResumeTaskService{store: store, dispatch: dispatch, now: time.Now, log: log}
}

func (s *ResumeTaskService) WithClock(now func() time.Time) *ResumeTaskService {
	s.now = now
	return s
}

func (s *ResumeTaskService) Call(ctx context.Context, taskID uuid.UUID) error {
	return runInTx(ctx, s.store, func(tx *txScope) error {
		task, err := tx.GetTask(ctx, taskID)
		if repo.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		run, err := tx.GetRun(ctx, task.RunID)
		if repo.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return nil
		}

		if task.Status != domain.TaskStatusCompleted && task.Status != domain.TaskStatusErrored {
			u := domain.TaskUpdate{Status: domain.TaskStatusPtr(domain.TaskStatusRunning)}
			if task.Noop {
				now := s.now()
				u = domain.TaskUpdate{Status: domain.TaskStatusPtr(domain.TaskStatusCompleted), CompletedAt: &now}
			}
			if err := tx.UpdateTask(ctx, task.ID, u); err != nil {
				return err
			}
		}
		return resumeRunForTask(ctx, tx, s.dispatch, s.log, task, run)
	})
}

// resumeRunForTask PARALLEL 父任务下必须等所有兄弟任务结束才恢复 run
func resumeRunForTask(ctx context.Context, tx *txScope, dispatch *Dispatcher, log *zap.Logger, task *domain.Task, run *domain.Run) error {
	if task.ParentID != nil {
		parent, err := tx.GetTask(ctx, *task.ParentID)
		if err != nil && !repo.IsNotFound(err) {
			return err
		}
		if err == nil && parent.ChildExecutionMode == domain.ChildExecutionParallel {
			siblings, err := tx.ListChildTasks(ctx, parent.ID)
			if err != nil {
				return err
			}
			for _, sib := range siblings {
				if !sib.Status.IsFinal() {
					log.Debug("parallel sibling still active, not resuming run",
						zap.String("task_id", task.ID.String()),
						zap.String("sibling_id", sib.ID.String()),
						zap.String("sibling_status", string(sib.Status)))
					return nil
				}
			}
		}
	}
	r := *run
	tx.afterCommit(func(ctx context.Context) error {
		return dispatch.EnqueueResumeRun(ctx, r, nil)
	})
	return nil
}
