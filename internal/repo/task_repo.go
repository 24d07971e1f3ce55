package repo

import (
	"context"
	"time"

	"RunEngine/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const taskColumns = `id, run_id, parent_id, name, idempotency_key, status, noop, output, callback_url, callback_timeout_at,
        operation, child_execution_mode, delay_until, started_at, completed_at, created_at`

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	var status, mode string
	if err := row.Scan(
		&t.ID, &t.RunID, &t.ParentID, &t.Name, &t.IdempotencyKey, &status, &t.Noop, &t.Output, &t.CallbackURL,
		&t.CallbackTimeoutAt, &t.Operation, &mode, &t.DelayUntil, &t.StartedAt, &t.CompletedAt, &t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.ChildExecutionMode = domain.ChildExecutionMode(mode)
	return &t, nil
}

func collectTasks(rows pgx.Rows, err error) ([]domain.Task, error) {
	if err != nil {
		return nil, errors.Wrap(err, "query tasks")
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}
	return res, rows.Err()
}

// GetTask 根据 ID 查询 task
func (q *pgQueries) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	t, err := scanTask(q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "get task")
	}
	return t, nil
}

// InsertTask 插入 task，同一个 run 内 idempotency_key 唯一
func (q *pgQueries) InsertTask(ctx context.Context, t *domain.Task) error {
	if t.ChildExecutionMode == "" {
		t.ChildExecutionMode = domain.ChildExecutionSerial
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO tasks (id, run_id, parent_id, name, idempotency_key, status, noop, output, callback_url,
		    callback_timeout_at, operation, child_execution_mode, delay_until, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, t.ID, t.RunID, t.ParentID, t.Name, t.IdempotencyKey, string(t.Status), t.Noop, t.Output, t.CallbackURL,
		t.CallbackTimeoutAt, t.Operation, string(t.ChildExecutionMode), t.DelayUntil, t.StartedAt, t.CompletedAt, t.CreatedAt)
	return errors.Wrap(err, "insert task")
}

// UpdateTask 更新 task 状态/输出/完成时间
func (q *pgQueries) UpdateTask(ctx context.Context, id uuid.UUID, u domain.TaskUpdate) error {
	var status *string
	if u.Status != nil {
		s := string(*u.Status)
		status = &s
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE tasks
		SET status=COALESCE($2, status), output=COALESCE($3, output), completed_at=COALESCE($4, completed_at)
		WHERE id=$1
	`, id, status, u.Output, u.CompletedAt)
	if err != nil {
		return errors.Wrap(err, "update task")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(ErrNotFound, "update task")
	}
	return nil
}

// ListCompletedTasks run 内已完成的 task，按创建顺序
func (q *pgQueries) ListCompletedTasks(ctx context.Context, runID uuid.UUID, limit int) ([]domain.Task, error) {
	return collectTasks(q.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE run_id=$1 AND status='COMPLETED'
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, runID, limit))
}

func (q *pgQueries) ListChildTasks(ctx context.Context, parentID uuid.UUID) ([]domain.Task, error) {
	return collectTasks(q.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE parent_id=$1 ORDER BY created_at ASC
	`, parentID))
}

// GetLatestTask run 内最后创建的 task
func (q *pgQueries) GetLatestTask(ctx context.Context, runID uuid.UUID) (*domain.Task, error) {
	t, err := scanTask(q.db.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE run_id=$1 ORDER BY created_at DESC LIMIT 1
	`, runID))
	if err != nil {
		return nil, notFound(err, "get latest task")
	}
	return t, nil
}

// CancelRunTasks 把 run 内未结束的 task 全部置为 CANCELED
func (q *pgQueries) CancelRunTasks(ctx context.Context, runID uuid.UUID, at time.Time) (int, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE tasks SET status='CANCELED', completed_at=$2
		WHERE run_id=$1 AND status IN ('PENDING','RUNNING','WAITING')
	`, runID, at)
	if err != nil {
		return 0, errors.Wrap(err, "cancel run tasks")
	}
	return int(tag.RowsAffected()), nil
}
