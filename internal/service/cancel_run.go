package service

import (
	"context"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CancelRunService struct {
	store    repo.Store
	dispatch *Dispatcher
	now      func() time.Time
	log      *zap.Logger
}

func NewCancelRunService(store repo.Store, dispatch *Dispatcher, log *zap.Logger) *CancelRunService {
	return &CancelRunService{store: store, dispatch: dispatch, now: time.Now, log: log}
}

// Call 取消 run 及其未结束的 task，并撤掉执行与恢复两个 job；已是终态的 run 不变
func (s *CancelRunService) Call(ctx context.Context, runID uuid.UUID) error {
	return runInTx(ctx, s.store, func(tx *txScope) error {
		run, err := tx.LockRun(ctx, runID)
		if repo.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return nil
		}

		now := s.now()
		err = tx.UpdateRun(ctx, runID, domain.RunUpdate{
			Status:      domain.StatusPtr(domain.RunStatusCanceled),
			CompletedAt: &now,
		})
		if err != nil {
			return err
		}
		n, err := tx.CancelRunTasks(ctx, runID, now)
		if err != nil {
			return err
		}
		s.log.Info("run canceled", zap.String("run_id", runID.String()), zap.Int("tasks_canceled", n))

		tx.afterCommit(func(ctx context.Context) error {
			return s.dispatch.DequeueExecution(ctx, runID)
		})
		tx.afterCommit(func(ctx context.Context) error {
			return s.dispatch.DequeueResumeRun(ctx, runID)
		})
		return nil
	})
}
