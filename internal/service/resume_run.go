package service

import (
	"context"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/repo"
	"RunEngine/internal/runqueue"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ResumeRunService 根据 run 当前状态决定以何种优先级再次执行
type ResumeRunService struct {
	store    repo.Store
	dispatch *Dispatcher
	now      func() time.Time
	log      *zap.Logger
}

func NewResumeRunService(store repo.Store, dispatch *Dispatcher, log *zap.Logger) *ResumeRunService {
	return &ResumeRunService{store: store, dispatch: dispatch, now: time.Now, log: log}
}

func (s *ResumeRunService) WithClock(now func() time.Time) *ResumeRunService {
	s.now = now
	return s
}

func (s *ResumeRunService) Call(ctx context.Context, runID uuid.UUID) error {
	return runInTx(ctx, s.store, func(tx *txScope) error {
		d, err := tx.GetRunDetails(ctx, runID)
		if repo.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		switch d.Run.Status {
		case domain.RunStatusAborted, domain.RunStatusCanceled, domain.RunStatusFailure, domain.RunStatusInvalidPayload,
			domain.RunStatusSuccess, domain.RunStatusTimedOut, domain.RunStatusUnresolvedAuth:
			return nil
		case domain.RunStatusQueued:
			if d.Run.StartedAt == nil {
				now := s.now()
				if err := tx.UpdateRun(ctx, runID, domain.RunUpdate{StartedAt: &now}); err != nil {
					return err
				}
			}
			s.execute(tx, d, runqueue.PriorityInitial)
		case domain.RunStatusWaitingToExecute:
			s.execute(tx, d, runqueue.PriorityResume)
		case domain.RunStatusWaitingToContinue:
			if err := s.setStatus(ctx, tx, runID, domain.RunStatusWaitingToExecute, false); err != nil {
				return err
			}
			s.execute(tx, d, runqueue.PriorityResume)
		case domain.RunStatusStarted:
			if err := s.setStatus(ctx, tx, runID, domain.RunStatusWaitingToExecute, false); err != nil {
				return err
			}
			s.execute(tx, d, runqueue.PriorityInitial)
		case domain.RunStatusPending, domain.RunStatusPreprocessing:
			if err := s.setStatus(ctx, tx, runID, domain.RunStatusQueued, true); err != nil {
				return err
			}
			s.execute(tx, d, runqueue.PriorityInitial)
		case domain.RunStatusExecuting, domain.RunStatusWaitingOnConnections:
			return errors.Wrapf(ErrInvariant, "cannot resume run %s in status %s", runID, d.Run.Status)
		default:
			return errors.Wrapf(ErrInvariant, "unknown status %q for run %s", d.Run.Status, runID)
		}
		return nil
	})
}

func (s *ResumeRunService) setStatus(ctx context.Context, tx *txScope, runID uuid.UUID, status domain.RunStatus, stampStarted bool) error {
	u := domain.RunUpdate{Status: domain.StatusPtr(status)}
	if stampStarted {
		now := s.now()
		u.StartedAt = &now
	}
	return tx.UpdateRun(ctx, runID, u)
}

// execute 开发环境不重试，尽快暴露本地 endpoint 断开等问题
func (s *ResumeRunService) execute(tx *txScope, d *domain.RunDetails, priority runqueue.Priority) {
	skipRetrying := d.Environment.Type == domain.EnvironmentDevelopment
	tx.afterCommit(func(ctx context.Context) error {
		s.log.Debug("enqueue run execution",
			zap.String("run_id", d.Run.ID.String()),
			zap.String("priority", string(priority)),
			zap.Bool("skip_retrying", skipRetrying))
		return s.dispatch.EnqueueExecution(ctx, d, priority, string(d.Run.Status), nil, skipRetrying)
	})
}
