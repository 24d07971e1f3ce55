package service

import (
	"context"
	"encoding/json"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const callbackTimedOutMessage = "Callback timed out"

// ProcessCallbackTimeoutService 等待外部回调超时的 task 置为 ERRORED 并恢复
type ProcessCallbackTimeoutService struct {
	store    repo.Store
	dispatch *Dispatcher
	now      func() time.Time
	log      *zap.Logger
}

func NewProcessCallbackTimeoutService(store repo.Store, dispatch *Dispatcher, log *zap.Logger) *ProcessCallbackTimeoutService {
	return &ProcessCallbackTimeoutService{store: store, dispatch: dispatch, now: time.Now, log: log}
}

func (s *ProcessCallbackTimeoutService) Call(ctx context.Context, taskID uuid.UUID) error {
	return runInTx(ctx, s.store, func(tx *txScope) error {
		task, err := tx.GetTask(ctx, taskID)
		if repo.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if task.Status != domain.TaskStatusWaiting || task.CallbackURL == "" {
			return nil
		}

		pending, err := tx.GetPendingAttempt(ctx, task.ID)
		switch {
		case err == nil:
			if err := tx.UpdateAttempt(ctx, pending.ID, domain.TaskAttemptErrored, callbackTimedOutMessage); err != nil {
				return err
			}
		case !repo.IsNotFound(err):
			return err
		}

		output, _ := json.Marshal(ErrorWithStack{Message: callbackTimedOutMessage})
		now := s.now()
		err = tx.UpdateTask(ctx, task.ID, domain.TaskUpdate{
			Status:      domain.TaskStatusPtr(domain.TaskStatusErrored),
			Output:      output,
			CompletedAt: &now,
		})
		if err != nil {
			return err
		}
		s.log.Info("task callback timed out", zap.String("task_id", task.ID.String()), zap.String("run_id", task.RunID.String()))
		tx.afterCommit(func(ctx context.Context) error {
			return s.dispatch.EnqueueResumeTask(ctx, taskID, nil)
		})
		return nil
	})
}
