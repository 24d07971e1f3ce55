package service

import (
	"context"

	"RunEngine/internal/repo"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrInvariant 调用方违反了状态机约定，应当暴露而不是吞掉
var ErrInvariant = errors.New("run engine invariant violated")

// ErrTaskNotWaiting 外部回调到达时 task 已不在等待状态
var ErrTaskNotWaiting = errors.New("task is not waiting for a callback")

// txScope 一次事务内的查询，以及提交成功后才执行的入队动作
type txScope struct {
	repo.Queries
	after []func(ctx context.Context) error
}

func (t *txScope) afterCommit(fn func(ctx context.Context) error) {
	t.after = append(t.after, fn)
}

// runInTx 事务失败时丢弃所有入队动作；提交后依次执行
func runInTx(ctx context.Context, store repo.Store, fn func(tx *txScope) error) error {
	var scope *txScope
	err := store.InTx(ctx, func(q repo.Queries) error {
		scope = &txScope{Queries: q}
		return fn(scope)
	})
	if err != nil {
		return err
	}
	var errs error
	for _, f := range scope.after {
		errs = multierr.Append(errs, f(ctx))
	}
	return errs
}
