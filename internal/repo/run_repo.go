package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"RunEngine/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const runColumns = `id, number, status, job_id, version_id, event_id, environment_id, organization_id, project_id,
        endpoint_id, is_test, output, properties, execution_count, execution_duration, execution_failure_count,
        yielded_executions, force_yield_immediately, started_at, completed_at, created_at, updated_at`

func scanRun(row pgx.Row) (*domain.Run, error) {
	var r domain.Run
	var status string
	if err := row.Scan(
		&r.ID, &r.Number, &status, &r.JobID, &r.VersionID, &r.EventID, &r.EnvironmentID, &r.OrganizationID,
		&r.ProjectID, &r.EndpointID, &r.IsTest, &r.Output, &r.Properties, &r.ExecutionCount, &r.ExecutionDuration,
		&r.ExecutionFailureCount, &r.YieldedExecutions, &r.ForceYieldImmediately, &r.StartedAt, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Status = domain.RunStatus(status)
	return &r, nil
}

// GetRun 根据 ID 查询 run
func (q *pgQueries) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	r, err := scanRun(q.db.QueryRow(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "get run")
	}
	return r, nil
}

func (q *pgQueries) LockRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	r, err := scanRun(q.db.QueryRow(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "lock run")
	}
	return r, nil
}

// MarkRunExecuting started_at 只在第一次执行时写入
func (q *pgQueries) MarkRunExecuting(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE job_runs SET status=$2, started_at=COALESCE(started_at, $3), updated_at=NOW()
		WHERE id=$1 AND status <> ALL($4)
	`, id, string(domain.RunStatusExecuting), startedAt, domain.FinalRunStatuses())
	if err != nil {
		return false, errors.Wrap(err, "mark run executing")
	}
	return tag.RowsAffected() > 0, nil
}

// GetRunDetails 一次执行需要的全部关联数据
func (q *pgQueries) GetRunDetails(ctx context.Context, id uuid.UUID) (*domain.RunDetails, error) {
	run, err := q.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &domain.RunDetails{Run: *run}

	var envType string
	row := q.db.QueryRow(ctx, `
		SELECT o.id, o.slug, o.title, o.runs_enabled, o.maximum_execution_time_per_run_ms, o.maximum_concurrent_runs, o.v2_marqs_enabled,
		       p.id, p.slug, p.name,
		       e.id, e.slug, e.type, e.api_key,
		       j.id, j.slug, j.title
		FROM organizations o, projects p, runtime_environments e, jobs j
		WHERE o.id=$1 AND p.id=$2 AND e.id=$3 AND j.id=$4
	`, run.OrganizationID, run.ProjectID, run.EnvironmentID, run.JobID)
	if err := row.Scan(
		&d.Organization.ID, &d.Organization.Slug, &d.Organization.Title, &d.Organization.RunsEnabled,
		&d.Organization.MaximumExecutionTimePerRunMs, &d.Organization.MaximumConcurrentRuns, &d.Organization.V2MarqsEnabled,
		&d.Project.ID, &d.Project.Slug, &d.Project.Name,
		&d.Environment.ID, &d.Environment.Slug, &envType, &d.Environment.APIKey,
		&d.Job.ID, &d.Job.Slug, &d.Job.Title,
	); err != nil {
		return nil, notFound(err, "get run owners")
	}
	d.Environment.Type = domain.EnvironmentType(envType)

	version, err := q.GetJobVersion(ctx, run.VersionID)
	if err != nil {
		return nil, err
	}
	d.Version = *version

	ep, err := q.GetEndpoint(ctx, run.EndpointID)
	if err != nil {
		return nil, err
	}
	d.Endpoint = *ep

	row = q.db.QueryRow(ctx, `
		SELECT id, name, payload, context, source_context, account_id, timestamp
		FROM event_records WHERE id=$1
	`, run.EventID)
	if err := row.Scan(&d.Event.ID, &d.Event.Name, &d.Event.Payload, &d.Event.Context, &d.Event.SourceContext,
		&d.Event.AccountID, &d.Event.Timestamp); err != nil {
		return nil, notFound(err, "get run event")
	}

	rows, err := q.db.Query(ctx, `
		SELECT id, run_id, key, integration, auth_method, resolved, credentials
		FROM run_connections WHERE run_id=$1 ORDER BY key
	`, id)
	if err != nil {
		return nil, errors.Wrap(err, "list run connections")
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.RunConnection
		if err := rows.Scan(&c.ID, &c.RunID, &c.Key, &c.Integration, &c.AuthMethod, &c.Resolved, &c.Credentials); err != nil {
			return nil, err
		}
		d.Connections = append(d.Connections, c)
	}
	return d, rows.Err()
}

// InsertRun 向 job_runs 插入一条新的 run
func (q *pgQueries) InsertRun(ctx context.Context, r *domain.Run) error {
	if r.YieldedExecutions == nil {
		r.YieldedExecutions = []string{}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO job_runs (id, number, status, job_id, version_id, event_id, environment_id, organization_id,
		    project_id, endpoint_id, is_test, properties, yielded_executions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`, r.ID, r.Number, string(r.Status), r.JobID, r.VersionID, r.EventID, r.EnvironmentID, r.OrganizationID,
		r.ProjectID, r.EndpointID, r.IsTest, r.Properties, r.YieldedExecutions, r.CreatedAt)
	return errors.Wrap(err, "insert run")
}

// UpdateRun 只更新 RunUpdate 中给出的字段
func (q *pgQueries) UpdateRun(ctx context.Context, id uuid.UUID, u domain.RunUpdate) error {
	sets := []string{"updated_at=NOW()"}
	args := []any{id}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if u.Status != nil {
		add("status=$%d", string(*u.Status))
	}
	if u.Output != nil {
		add("output=$%d", u.Output)
	}
	if u.StartedAt != nil {
		add("started_at=$%d", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		add("completed_at=$%d", *u.CompletedAt)
	}
	if u.IncExecutionCount != 0 {
		add("execution_count=execution_count+$%d", u.IncExecutionCount)
	}
	if u.IncExecutionDuration != 0 {
		add("execution_duration=execution_duration+$%d", u.IncExecutionDuration)
	}
	if u.ExecutionFailureCount != nil {
		add("execution_failure_count=$%d", *u.ExecutionFailureCount)
	}
	if u.YieldedExecutions != nil {
		add("yielded_executions=$%d", u.YieldedExecutions)
	}
	if u.ForceYieldImmediately != nil {
		add("force_yield_immediately=$%d", *u.ForceYieldImmediately)
	}
	tag, err := q.db.Exec(ctx, `UPDATE job_runs SET `+strings.Join(sets, ", ")+` WHERE id=$1`, args...)
	if err != nil {
		return errors.Wrap(err, "update run")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(ErrNotFound, "update run")
	}
	return nil
}

// SetForceYieldImmediately 批量标记 run 尽快 yield
func (q *pgQueries) SetForceYieldImmediately(ctx context.Context, ids []uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		UPDATE job_runs SET force_yield_immediately=TRUE, updated_at=NOW() WHERE id = ANY($1)
	`, ids)
	return errors.Wrap(err, "set force yield")
}

func (q *pgQueries) InsertEvent(ctx context.Context, ev *domain.EventRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO event_records (id, name, payload, context, source_context, account_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.Name, ev.Payload, ev.Context, ev.SourceContext, ev.AccountID, ev.Timestamp)
	return errors.Wrap(err, "insert event")
}

func (q *pgQueries) InsertAutoYieldExecution(ctx context.Context, a *domain.AutoYieldExecution) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO auto_yield_executions (id, run_id, location, time_remaining, time_elapsed, "limit", created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.RunID, a.Location, a.TimeRemaining, a.TimeElapsed, a.Limit, a.CreatedAt)
	return errors.Wrap(err, "insert auto yield execution")
}
