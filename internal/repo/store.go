package repo

import (
	"context"
	"time"

	"RunEngine/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("record not found")

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Queries 一次服务调用需要的全部读写；事务内外使用同一组方法
type Queries interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetRunDetails(ctx context.Context, id uuid.UUID) (*domain.RunDetails, error)
	InsertRun(ctx context.Context, r *domain.Run) error
	UpdateRun(ctx context.Context, id uuid.UUID, u domain.RunUpdate) error
	// LockRun 事务内读取 run 并持有行锁直到提交
	LockRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	// MarkRunExecuting 仅在 run 未到终态时置为 EXECUTING；返回是否发生了更新
	MarkRunExecuting(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
	SetForceYieldImmediately(ctx context.Context, ids []uuid.UUID) error
	InsertEvent(ctx context.Context, ev *domain.EventRecord) error

	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	InsertTask(ctx context.Context, t *domain.Task) error
	UpdateTask(ctx context.Context, id uuid.UUID, u domain.TaskUpdate) error
	ListCompletedTasks(ctx context.Context, runID uuid.UUID, limit int) ([]domain.Task, error)
	ListChildTasks(ctx context.Context, parentID uuid.UUID) ([]domain.Task, error)
	GetLatestTask(ctx context.Context, runID uuid.UUID) (*domain.Task, error)
	CancelRunTasks(ctx context.Context, runID uuid.UUID, at time.Time) (int, error)

	GetPendingAttempt(ctx context.Context, taskID uuid.UUID) (*domain.TaskAttempt, error)
	ListAttempts(ctx context.Context, taskID uuid.UUID) ([]domain.TaskAttempt, error)
	InsertAttempt(ctx context.Context, a *domain.TaskAttempt) error
	UpdateAttempt(ctx context.Context, id uuid.UUID, status domain.TaskAttemptStatus, errMsg string) error

	GetEndpoint(ctx context.Context, id uuid.UUID) (*domain.Endpoint, error)
	UpdateEndpoint(ctx context.Context, id uuid.UUID, u domain.EndpointUpdate) error
	GetJobVersion(ctx context.Context, id uuid.UUID) (*domain.JobVersion, error)

	UpsertRunSubscription(ctx context.Context, s *domain.RunSubscription) (bool, error)
	ListRunSubscriptions(ctx context.Context, runID uuid.UUID) ([]domain.RunSubscription, error)
	MarkSubscriptionDelivered(ctx context.Context, id uuid.UUID, at time.Time) error

	InsertAutoYieldExecution(ctx context.Context, a *domain.AutoYieldExecution) error

	CreateSchedule(ctx context.Context, s *domain.Schedule) error
	ListSchedules(ctx context.Context, enabled *bool) ([]domain.Schedule, error)
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	UpdateScheduleLastTriggeredAt(ctx context.Context, id uuid.UUID, t time.Time) error
	ToggleScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// Store 在 Queries 之外提供事务；fn 返回错误时整体回滚
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}
