package worker

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"RunEngine/internal/lease"
	"RunEngine/internal/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRunner(t *testing.T, handlers queue.Registry) (*miniredis.Miniredis, *queue.RedisQueue, *Runner) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	q := queue.NewRedisQueue(rdb, "default")
	return s, q, NewRunner(q, handlers, "w1", []string{"default"}, time.Second, zap.NewNop())
}

func TestRunner_ProcessOne_Success(t *testing.T) {
	var got string
	handlers := queue.Registry{}
	handlers.Register("echo", func(ctx context.Context, job *queue.Job) error {
		got = string(job.Payload)
		return nil
	})
	s, q, r := setupRunner(t, handlers)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "echo", "hi", queue.EnqueueOptions{JobKey: "k"})
	require.NoError(t, err)

	handled, err := r.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, `"hi"`, got)
	assert.False(t, s.Exists(queue.JobKey("k")))
	assert.False(t, s.Exists(lease.LeaseKey(lease.JobLease("k#1"))), "lease released after run")

	v, err := s.Get("metrics:worker:w1:default:processed")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	handled, err = r.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestRunner_ProcessOne_RescheduleDoesNotConsumeAttempt(t *testing.T) {
	runAt := time.Now().Add(time.Minute)
	handlers := queue.Registry{}
	handlers.Register("limited", func(ctx context.Context, job *queue.Job) error {
		return &queue.RescheduleError{RunAt: runAt, Reason: "over capacity"}
	})
	s, q, r := setupRunner(t, handlers)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "limited", nil, queue.EnqueueOptions{JobKey: "k", MaxAttempts: 1})
	require.NoError(t, err)

	_, err = r.ProcessOne(ctx)
	require.NoError(t, err)

	job, err := q.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, job.Attempts)
	delayed, _ := s.ZMembers(queue.DelayedKey("default"))
	assert.Equal(t, []string{"k"}, delayed)
}

func TestRunner_ProcessOne_FailureAndPanic(t *testing.T) {
	handlers := queue.Registry{}
	handlers.Register("broken", func(ctx context.Context, job *queue.Job) error {
		return errors.New("broken")
	})
	handlers.Register("panics", func(ctx context.Context, job *queue.Job) error {
		panic("nope")
	})
	s, q, r := setupRunner(t, handlers)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "broken", nil, queue.EnqueueOptions{JobKey: "a", MaxAttempts: 3})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "panics", nil, queue.EnqueueOptions{JobKey: "b", MaxAttempts: 1})
	require.NoError(t, err)

	_, err = r.ProcessOne(ctx)
	require.NoError(t, err)
	_, err = r.ProcessOne(ctx)
	require.NoError(t, err)

	a, err := q.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "broken", a.LastError)

	dead, err := q.ListDLQ(ctx, "default", 0, -1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0], "panicked")

	v, _ := s.Get("metrics:worker:w1:default:failed")
	assert.Equal(t, "2", v)
}

func TestReapOnce_RequeuesJobWithExpiredLease(t *testing.T) {
	s, q, _ := setupRunner(t, queue.Registry{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "perform", nil, queue.EnqueueOptions{JobKey: "k"})
	require.NoError(t, err)
	job, err := q.Claim(ctx, "default")
	require.NoError(t, err)

	// 模拟 worker 崩溃：running 中残留且无租约
	require.NoError(t, q.Client().ZAdd(ctx, queue.RunningKey("default"), redis.Z{
		Score:  float64(time.Now().Add(-time.Minute).UnixMilli()),
		Member: "k#" + itoa(job.Rev),
	}).Err())

	n := ReapOnce(ctx, q, []string{"default"}, time.Second, zap.NewNop())
	assert.Equal(t, 1, n)
	ready, _ := s.ZMembers(queue.ReadyKey("default"))
	assert.Equal(t, []string{"k"}, ready)
}

func TestReapOnce_SkipsHeldLease(t *testing.T) {
	_, q, _ := setupRunner(t, queue.Registry{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "perform", nil, queue.EnqueueOptions{JobKey: "k"})
	require.NoError(t, err)
	job, err := q.Claim(ctx, "default")
	require.NoError(t, err)
	member := "k#" + itoa(job.Rev)
	require.NoError(t, q.Client().ZAdd(ctx, queue.RunningKey("default"), redis.Z{
		Score:  float64(time.Now().Add(-time.Minute).UnixMilli()),
		Member: member,
	}).Err())
	_, err = lease.NewManager(q.Client()).Acquire(ctx, lease.JobLease(member), "w2", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 0, ReapOnce(ctx, q, []string{"default"}, time.Second, zap.NewNop()))
}

func TestListWorkers(t *testing.T) {
	_, q, _ := setupRunner(t, queue.Registry{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartHeartbeat(ctx, q.Client(), "w1", []string{"default", "resume"}, time.Minute, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		ws, err := ListWorkers(context.Background(), q.Client())
		return err == nil && len(ws) == 1
	}, time.Second, 10*time.Millisecond)

	ws, err := ListWorkers(context.Background(), q.Client())
	require.NoError(t, err)
	assert.Equal(t, "w1", ws[0].ID)
	assert.Equal(t, []string{"default", "resume"}, ws[0].Queues)

	cancel()
	<-done
	ws, err = ListWorkers(context.Background(), q.Client())
	require.NoError(t, err)
	assert.Empty(t, ws)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestRunner_ProcessOne_UnknownJobType(t *testing.T) {
	_, q, r := setupRunner(t, queue.Registry{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "unknown", nil, queue.EnqueueOptions{JobKey: "u", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = r.ProcessOne(ctx)
	require.NoError(t, err)

	dead, err := q.ListDLQ(ctx, "default", 0, -1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0], "no handler registered for job type")
}
