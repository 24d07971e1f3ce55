package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

func Init(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	//连接测试
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
        id UUID PRIMARY KEY,
        slug TEXT NOT NULL UNIQUE,
        title TEXT NOT NULL,
        runs_enabled BOOLEAN NOT NULL DEFAULT TRUE,
        maximum_execution_time_per_run_ms BIGINT NOT NULL DEFAULT 0,
        maximum_concurrent_runs INT NOT NULL DEFAULT 0,
        v2_marqs_enabled BOOLEAN NOT NULL DEFAULT FALSE
    );`,
	`CREATE TABLE IF NOT EXISTS projects (
        id UUID PRIMARY KEY,
        slug TEXT NOT NULL,
        name TEXT NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS runtime_environments (
        id UUID PRIMARY KEY,
        slug TEXT NOT NULL,
        type TEXT NOT NULL,
        api_key TEXT NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS jobs (
        id UUID PRIMARY KEY,
        slug TEXT NOT NULL,
        title TEXT NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS endpoints (
        id UUID PRIMARY KEY,
        slug TEXT NOT NULL,
        url TEXT,
        version TEXT NOT NULL DEFAULT '',
        run_chunk_execution_limit BIGINT NOT NULL DEFAULT 60000,
        start_task_threshold BIGINT NOT NULL DEFAULT 750,
        before_execute_task_threshold BIGINT NOT NULL DEFAULT 1500,
        before_complete_task_threshold BIGINT NOT NULL DEFAULT 750,
        after_complete_task_threshold BIGINT NOT NULL DEFAULT 750
    );`,
	`CREATE TABLE IF NOT EXISTS job_versions (
        id UUID PRIMARY KEY,
        job_id UUID NOT NULL REFERENCES jobs(id),
        version TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'ACTIVE',
        endpoint_id UUID NOT NULL REFERENCES endpoints(id),
        environment_id UUID NOT NULL REFERENCES runtime_environments(id),
        organization_id UUID NOT NULL REFERENCES organizations(id),
        project_id UUID NOT NULL REFERENCES projects(id),
        concurrency_limit INT NOT NULL DEFAULT 0,
        concurrency_limit_group_id UUID,
        concurrency_limit_group_name TEXT NOT NULL DEFAULT '',
        concurrency_limit_group_limit INT NOT NULL DEFAULT 0
    );`,
	`CREATE TABLE IF NOT EXISTS event_records (
        id UUID PRIMARY KEY,
        name TEXT NOT NULL,
        payload JSONB NOT NULL DEFAULT '{}',
        context JSONB,
        source_context JSONB,
        account_id TEXT NOT NULL DEFAULT '',
        timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS job_runs (
        id UUID PRIMARY KEY,
        number INT NOT NULL DEFAULT 0,
        status TEXT NOT NULL,
        job_id UUID NOT NULL REFERENCES jobs(id),
        version_id UUID NOT NULL REFERENCES job_versions(id),
        event_id UUID NOT NULL REFERENCES event_records(id),
        environment_id UUID NOT NULL,
        organization_id UUID NOT NULL,
        project_id UUID NOT NULL,
        endpoint_id UUID NOT NULL,
        is_test BOOLEAN NOT NULL DEFAULT FALSE,
        output JSONB,
        properties JSONB,
        execution_count INT NOT NULL DEFAULT 0,
        execution_duration BIGINT NOT NULL DEFAULT 0,
        execution_failure_count INT NOT NULL DEFAULT 0,
        yielded_executions TEXT[] NOT NULL DEFAULT '{}',
        force_yield_immediately BOOLEAN NOT NULL DEFAULT FALSE,
        started_at TIMESTAMPTZ,
        completed_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS run_connections (
        id UUID PRIMARY KEY,
        run_id UUID NOT NULL REFERENCES job_runs(id),
        key TEXT NOT NULL,
        integration TEXT NOT NULL,
        auth_method TEXT NOT NULL DEFAULT '',
        resolved BOOLEAN NOT NULL DEFAULT FALSE,
        credentials JSONB
    );`,
	`CREATE TABLE IF NOT EXISTS tasks (
        id UUID PRIMARY KEY,
        run_id UUID NOT NULL REFERENCES job_runs(id),
        parent_id UUID REFERENCES tasks(id),
        name TEXT NOT NULL,
        idempotency_key TEXT NOT NULL,
        status TEXT NOT NULL,
        noop BOOLEAN NOT NULL DEFAULT FALSE,
        output JSONB,
        callback_url TEXT NOT NULL DEFAULT '',
        callback_timeout_at TIMESTAMPTZ,
        operation TEXT NOT NULL DEFAULT '',
        child_execution_mode TEXT NOT NULL DEFAULT 'SERIAL',
        delay_until TIMESTAMPTZ,
        started_at TIMESTAMPTZ,
        completed_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_run_idempotency ON tasks(run_id, idempotency_key);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);`,
	`CREATE TABLE IF NOT EXISTS task_attempts (
        id UUID PRIMARY KEY,
        task_id UUID NOT NULL REFERENCES tasks(id),
        number INT NOT NULL,
        status TEXT NOT NULL,
        error TEXT NOT NULL DEFAULT '',
        run_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_attempts_task_number ON task_attempts(task_id, number);`,
	`CREATE TABLE IF NOT EXISTS run_subscriptions (
        id UUID PRIMARY KEY,
        run_id UUID NOT NULL REFERENCES job_runs(id),
        event TEXT NOT NULL,
        endpoint_id UUID NOT NULL,
        delivered_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        UNIQUE (run_id, endpoint_id, event)
    );`,
	`CREATE TABLE IF NOT EXISTS auto_yield_executions (
        id UUID PRIMARY KEY,
        run_id UUID NOT NULL REFERENCES job_runs(id),
        location TEXT NOT NULL,
        time_remaining BIGINT NOT NULL,
        time_elapsed BIGINT NOT NULL,
        "limit" BIGINT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS schedules (
        id UUID PRIMARY KEY,
        job_version_id UUID NOT NULL REFERENCES job_versions(id),
        cron_expr TEXT NOT NULL,
        timezone TEXT NOT NULL,
        enabled BOOLEAN NOT NULL DEFAULT TRUE,
        payload JSONB,
        last_triggered_at TIMESTAMPTZ
    );`,
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, q := range ddl {
		if _, err := pool.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}
