package service

import (
	"context"
	"encoding/json"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/repo"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// CronParser 带秒字段，调度器与校验共用
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type ScheduleService struct {
	store repo.Store
}

func NewScheduleService(store repo.Store) *ScheduleService {
	return &ScheduleService{store: store}
}

type CreateScheduleParams struct {
	JobVersionID uuid.UUID
	CronExpr     string
	Timezone     string
	Enabled      bool
	Payload      json.RawMessage
}

func (s *ScheduleService) CreateSchedule(ctx context.Context, params CreateScheduleParams) (uuid.UUID, error) {
	if _, err := CronParser.Parse(params.CronExpr); err != nil {
		return uuid.Nil, errors.Wrapf(err, "invalid cron expression %q", params.CronExpr)
	}
	tz := params.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return uuid.Nil, errors.Wrapf(err, "invalid timezone %q", tz)
	}
	if _, err := s.store.GetJobVersion(ctx, params.JobVersionID); err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	sch := domain.Schedule{
		ID:           id,
		JobVersionID: params.JobVersionID,
		CronExpr:     params.CronExpr,
		Timezone:     tz,
		Enabled:      params.Enabled,
		Payload:      params.Payload,
	}
	if err := s.store.CreateSchedule(ctx, &sch); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *ScheduleService) ListSchedules(ctx context.Context, enabled *bool) ([]domain.Schedule, error) {
	return s.store.ListSchedules(ctx, enabled)
}

func (s *ScheduleService) ToggleSchedule(ctx context.Context, id uuid.UUID, enabled bool) error {
	return s.store.ToggleScheduleEnabled(ctx, id, enabled)
}
