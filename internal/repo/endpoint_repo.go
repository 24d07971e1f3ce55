package repo

import (
	"context"
	"time"

	"RunEngine/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func (q *pgQueries) GetEndpoint(ctx context.Context, id uuid.UUID) (*domain.Endpoint, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, slug, COALESCE(url, ''), version, run_chunk_execution_limit, start_task_threshold,
		       before_execute_task_threshold, before_complete_task_threshold, after_complete_task_threshold
		FROM endpoints WHERE id=$1
	`, id)
	var e domain.Endpoint
	if err := row.Scan(&e.ID, &e.Slug, &e.URL, &e.Version, &e.RunChunkExecutionLimit, &e.StartTaskThreshold,
		&e.BeforeExecuteTaskThreshold, &e.BeforeCompleteTaskThreshold, &e.AfterCompleteTaskThreshold); err != nil {
		return nil, notFound(err, "get endpoint")
	}
	return &e, nil
}

// UpdateEndpoint 更新协议版本或自适应的执行分片上限
func (q *pgQueries) UpdateEndpoint(ctx context.Context, id uuid.UUID, u domain.EndpointUpdate) error {
	_, err := q.db.Exec(ctx, `
		UPDATE endpoints
		SET version=COALESCE($2, version), run_chunk_execution_limit=COALESCE($3, run_chunk_execution_limit)
		WHERE id=$1
	`, id, u.Version, u.RunChunkExecutionLimit)
	return errors.Wrap(err, "update endpoint")
}

func (q *pgQueries) GetJobVersion(ctx context.Context, id uuid.UUID) (*domain.JobVersion, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, job_id, version, status, endpoint_id, environment_id, organization_id, project_id,
		       concurrency_limit, concurrency_limit_group_id, concurrency_limit_group_name, concurrency_limit_group_limit
		FROM job_versions WHERE id=$1
	`, id)
	var v domain.JobVersion
	var status string
	if err := row.Scan(&v.ID, &v.JobID, &v.Version, &status, &v.EndpointID, &v.EnvironmentID, &v.OrganizationID,
		&v.ProjectID, &v.ConcurrencyLimit, &v.ConcurrencyLimitGroupID, &v.ConcurrencyLimitGroupName,
		&v.ConcurrencyLimitGroupLimit); err != nil {
		return nil, notFound(err, "get job version")
	}
	v.Status = domain.JobVersionStatus(status)
	return &v, nil
}

// UpsertRunSubscription 已存在相同 (run, endpoint, event) 时不重复创建，返回是否新建
func (q *pgQueries) UpsertRunSubscription(ctx context.Context, s *domain.RunSubscription) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO run_subscriptions (id, run_id, event, endpoint_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, endpoint_id, event) DO NOTHING
	`, s.ID, s.RunID, string(s.Event), s.EndpointID, s.CreatedAt)
	if err != nil {
		return false, errors.Wrap(err, "upsert run subscription")
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) ListRunSubscriptions(ctx context.Context, runID uuid.UUID) ([]domain.RunSubscription, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, run_id, event, endpoint_id, delivered_at, created_at
		FROM run_subscriptions WHERE run_id=$1 ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "list run subscriptions")
	}
	defer rows.Close()
	var res []domain.RunSubscription
	for rows.Next() {
		var s domain.RunSubscription
		var event string
		if err := rows.Scan(&s.ID, &s.RunID, &event, &s.EndpointID, &s.DeliveredAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Event = domain.SubscriptionEvent(event)
		res = append(res, s)
	}
	return res, rows.Err()
}

func (q *pgQueries) MarkSubscriptionDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := q.db.Exec(ctx, `UPDATE run_subscriptions SET delivered_at=$2 WHERE id=$1`, id, at)
	return errors.Wrap(err, "mark subscription delivered")
}
