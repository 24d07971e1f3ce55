package repo

import (
	"context"
	"time"

	"RunEngine/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// CreateSchedule 创建定时计划规则
func (q *pgQueries) CreateSchedule(ctx context.Context, s *domain.Schedule) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO schedules (id, job_version_id, cron_expr, timezone, enabled, payload, last_triggered_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.JobVersionID, s.CronExpr, s.Timezone, s.Enabled, s.Payload, s.LastTriggeredAt)
	return errors.Wrap(err, "create schedule")
}

// ListSchedules 简单按 enabled 过滤 （nil 表示不过滤）
func (q *pgQueries) ListSchedules(ctx context.Context, enabled *bool) ([]domain.Schedule, error) {
	query := `
		SELECT id, job_version_id, cron_expr, timezone, enabled, payload, last_triggered_at
        FROM schedules
	`
	args := []any{}
	if enabled != nil {
		query += " WHERE enabled=$1"
		args = append(args, *enabled)
	}
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	defer rows.Close()

	var res []domain.Schedule
	for rows.Next() {
		var s domain.Schedule
		if err := rows.Scan(
			&s.ID, &s.JobVersionID, &s.CronExpr, &s.Timezone, &s.Enabled, &s.Payload, &s.LastTriggeredAt,
		); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetSchedule 根据 ID 查询 schedule
func (q *pgQueries) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, job_version_id, cron_expr, timezone, enabled, payload, last_triggered_at
        FROM schedules
        WHERE id = $1
	`, id)
	var s domain.Schedule
	if err := row.Scan(
		&s.ID, &s.JobVersionID, &s.CronExpr, &s.Timezone, &s.Enabled, &s.Payload, &s.LastTriggeredAt,
	); err != nil {
		return nil, notFound(err, "get schedule")
	}
	return &s, nil
}

// UpdateScheduleLastTriggeredAt 更新定时计划规则的最后触发时间
func (q *pgQueries) UpdateScheduleLastTriggeredAt(ctx context.Context, id uuid.UUID, t time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE schedules
        SET last_triggered_at = $1
        WHERE id = $2
	`, t, id)
	return errors.Wrap(err, "update schedule last triggered")
}

// ToggleScheduleEnabled 启停一个 schedule
func (q *pgQueries) ToggleScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE schedules
        SET enabled = $1
        WHERE id = $2
	`, enabled, id)
	if err != nil {
		return errors.Wrap(err, "toggle schedule")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(ErrNotFound, "toggle schedule")
	}
	return nil
}
