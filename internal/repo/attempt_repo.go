package repo

import (
	"context"

	"RunEngine/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// GetPendingAttempt 查询 task 当前的 PENDING attempt（最多一个）
func (q *pgQueries) GetPendingAttempt(ctx context.Context, taskID uuid.UUID) (*domain.TaskAttempt, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, task_id, number, status, error, run_at, created_at
		FROM task_attempts WHERE task_id=$1 AND status='PENDING'
		ORDER BY number DESC LIMIT 1
	`, taskID)
	var a domain.TaskAttempt
	var status string
	if err := row.Scan(&a.ID, &a.TaskID, &a.Number, &status, &a.Error, &a.RunAt, &a.CreatedAt); err != nil {
		return nil, notFound(err, "get pending attempt")
	}
	a.Status = domain.TaskAttemptStatus(status)
	return &a, nil
}

// ListAttempts 按序号升序
func (q *pgQueries) ListAttempts(ctx context.Context, taskID uuid.UUID) ([]domain.TaskAttempt, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, task_id, number, status, error, run_at, created_at
		FROM task_attempts WHERE task_id=$1 ORDER BY number ASC
	`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "list attempts")
	}
	defer rows.Close()
	var res []domain.TaskAttempt
	for rows.Next() {
		var a domain.TaskAttempt
		var status string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Number, &status, &a.Error, &a.RunAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Status = domain.TaskAttemptStatus(status)
		res = append(res, a)
	}
	return res, rows.Err()
}

// InsertAttempt 插入一条新的 attempt 记录
func (q *pgQueries) InsertAttempt(ctx context.Context, a *domain.TaskAttempt) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO task_attempts (id, task_id, number, status, error, run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.TaskID, a.Number, string(a.Status), a.Error, a.RunAt, a.CreatedAt)
	return errors.Wrap(err, "insert attempt")
}

// UpdateAttempt 更新 attempt 状态与错误信息
func (q *pgQueries) UpdateAttempt(ctx context.Context, id uuid.UUID, status domain.TaskAttemptStatus, errMsg string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE task_attempts SET status=$2, error=$3 WHERE id=$1
	`, id, string(status), errMsg)
	return errors.Wrap(err, "update attempt")
}
