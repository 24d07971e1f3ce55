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

type RunService struct {
	store    repo.Store
	dispatch *Dispatcher
	now      func() time.Time
	log      *zap.Logger
}

func NewRunService(store repo.Store, dispatch *Dispatcher, log *zap.Logger) *RunService {
	return &RunService{store: store, dispatch: dispatch, now: time.Now, log: log}
}

func (s *RunService) WithClock(now func() time.Time) *RunService {
	s.now = now
	return s
}

type TriggerRunParams struct {
	JobVersionID uuid.UUID
	EventName    string
	Payload      json.RawMessage
	Context      json.RawMessage
	AccountID    string
	IsTest       bool
}

// TriggerRun 记录事件并创建 PENDING run，提交后交给 ResumeRun 调度
func (s *RunService) TriggerRun(ctx context.Context, p TriggerRunParams) (*domain.Run, error) {
	v, err := s.store.GetJobVersion(ctx, p.JobVersionID)
	if err != nil {
		return nil, err
	}
	if v.Status == domain.JobVersionDisabled {
		return nil, errors.Errorf("job version %s is disabled", v.ID)
	}

	now := s.now()
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	ev := domain.EventRecord{
		ID:        uuid.New(),
		Name:      p.EventName,
		Payload:   payload,
		Context:   p.Context,
		AccountID: p.AccountID,
		Timestamp: now,
	}
	run := domain.Run{
		ID:             uuid.New(),
		Status:         domain.RunStatusPending,
		JobID:          v.JobID,
		VersionID:      v.ID,
		EventID:        ev.ID,
		EnvironmentID:  v.EnvironmentID,
		OrganizationID: v.OrganizationID,
		ProjectID:      v.ProjectID,
		EndpointID:     v.EndpointID,
		IsTest:         p.IsTest,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = runInTx(ctx, s.store, func(tx *txScope) error {
		if err := tx.InsertEvent(ctx, &ev); err != nil {
			return err
		}
		if err := tx.InsertRun(ctx, &run); err != nil {
			return err
		}
		tx.afterCommit(func(ctx context.Context) error {
			return s.dispatch.EnqueueResumeRun(ctx, run, nil)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("run triggered", zap.String("run_id", run.ID.String()), zap.String("job_version_id", v.ID.String()), zap.String("event", p.EventName))
	return &run, nil
}

// GetRunWithLatestTask 没有 task 不算错误
func (s *RunService) GetRunWithLatestTask(ctx context.Context, id uuid.UUID) (*domain.Run, *domain.Task, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	t, err := s.store.GetLatestTask(ctx, id)
	if err != nil {
		return run, nil, nil
	}
	return run, t, nil
}
