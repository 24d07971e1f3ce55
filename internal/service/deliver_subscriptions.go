package service

import (
	"context"
	"encoding/json"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RunNotification 投递给订阅 endpoint 的 run 终态通知
type RunNotification struct {
	ID          uuid.UUID        `json:"id"`
	OK          bool             `json:"ok"`
	Status      domain.RunStatus `json:"status"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Job         bodyJob          `json:"job"`
	IsTest      bool             `json:"isTest"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

type DeliverRunSubscriptionsService struct {
	store repo.Store
	api   EndpointAPI
	now   func() time.Time
	log   *zap.Logger
}

func NewDeliverRunSubscriptionsService(store repo.Store, api EndpointAPI, log *zap.Logger) *DeliverRunSubscriptionsService {
	return &DeliverRunSubscriptionsService{store: store, api: api, now: time.Now, log: log}
}

func subscriptionEventFor(status domain.RunStatus) domain.SubscriptionEvent {
	if status == domain.RunStatusSuccess {
		return domain.SubscriptionEventSuccess
	}
	return domain.SubscriptionEventFailure
}

// Call 只投递与 run 终态匹配且尚未投递的订阅；部分失败返回错误交给队列重试
func (s *DeliverRunSubscriptionsService) Call(ctx context.Context, runID uuid.UUID) error {
	d, err := s.store.GetRunDetails(ctx, runID)
	if repo.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !d.Run.Status.IsFinal() {
		return nil
	}
	want := subscriptionEventFor(d.Run.Status)

	subs, err := s.store.ListRunSubscriptions(ctx, runID)
	if err != nil {
		return err
	}
	note := RunNotification{
		ID:          d.Run.ID,
		OK:          d.Run.Status == domain.RunStatusSuccess,
		Status:      d.Run.Status,
		Output:      d.Run.Output,
		Job:         bodyJob{ID: d.Job.Slug, Version: d.Version.Version},
		IsTest:      d.Run.IsTest,
		StartedAt:   d.Run.StartedAt,
		CompletedAt: d.Run.CompletedAt,
	}

	var errs error
	for _, sub := range subs {
		if sub.Event != want || sub.DeliveredAt != nil {
			continue
		}
		ep, err := s.store.GetEndpoint(ctx, sub.EndpointID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := s.api.DeliverRunNotification(ctx, *ep, d.Environment, note); err != nil {
			s.log.Warn("deliver run notification failed", zap.String("run_id", runID.String()), zap.String("endpoint_id", ep.ID.String()), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		if err := s.store.MarkSubscriptionDelivered(ctx, sub.ID, s.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
