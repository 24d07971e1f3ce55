package runqueue

import (
	"context"
	"testing"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFlags []string

func (f staticFlags) FlagsForRun(context.Context, domain.Organization, domain.JobVersion) []string {
	return f
}

func newRequest(org domain.Organization) EnqueueRequest {
	return EnqueueRequest{
		Run:          domain.Run{ID: uuid.New()},
		Organization: org,
		Environment:  domain.Environment{ID: uuid.New(), Type: domain.EnvironmentProduction},
		Job:          domain.Job{ID: uuid.New(), Slug: "send-email"},
		Version:      domain.JobVersion{ID: uuid.New()},
		Reason:       "EXECUTE_JOB",
		Priority:     PriorityInitial,
	}
}

func setupQueues(t *testing.T) (*miniredis.Miniredis, *queue.RedisQueue, *WorkerRunQueue, *KeyedRunQueue) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	q := queue.NewRedisQueue(rdb, "default")
	return s, q, NewWorkerRunQueue(q, staticFlags{"org-flag"}, "default"), NewKeyedRunQueue(rdb)
}

func TestWorkerRunQueue_EnqueueAndDequeue(t *testing.T) {
	_, q, w, _ := setupQueues(t)
	ctx := context.Background()
	req := newRequest(domain.Organization{ID: uuid.New()})
	req.SkipRetrying = true
	req.Priority = PriorityResume

	require.NoError(t, w.EnqueueRun(ctx, req))
	job, err := q.Get(ctx, ExecuteJobKey(req.Run.ID))
	require.NoError(t, err)
	assert.Equal(t, JobPerformRunExecution, job.Type)
	assert.Equal(t, 1, job.MaxAttempts)
	assert.Equal(t, 0, job.Priority)
	assert.Equal(t, []string{"org-flag"}, job.Flags)
	assert.JSONEq(t, `{"id":"`+req.Run.ID.String()+`","reason":"EXECUTE_JOB"}`, string(job.Payload))

	require.NoError(t, w.DequeueRun(ctx, req.Run.ID))
	_, err = q.Get(ctx, ExecuteJobKey(req.Run.ID))
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestKeyedRunQueue_ReenqueueMovesMessage(t *testing.T) {
	s, _, _, k := setupQueues(t)
	ctx := context.Background()
	req := newRequest(domain.Organization{ID: uuid.New()})

	require.NoError(t, k.EnqueueRun(ctx, req))
	jobQueue := KeyedQueueKey(req.Environment.ID, "send-email")
	members, _ := s.ZMembers(jobQueue)
	assert.Equal(t, []string{req.Run.ID.String()}, members)

	req.Version.ConcurrencyLimitGroupName = "emails"
	later := time.Now().Add(time.Minute)
	req.RunAt = &later
	require.NoError(t, k.EnqueueRun(ctx, req))

	assert.False(t, s.Exists(jobQueue))
	members, _ = s.ZMembers(KeyedQueueKey(req.Environment.ID, "emails"))
	assert.Equal(t, []string{req.Run.ID.String()}, members)

	require.NoError(t, k.DequeueRun(ctx, req.Run.ID))
	assert.False(t, s.Exists(KeyedMessageKey(req.Run.ID)))
	assert.False(t, s.Exists(KeyedQueueKey(req.Environment.ID, "emails")))

	// 不存在的消息 ack 为 no-op
	require.NoError(t, k.DequeueRun(ctx, uuid.New()))
}

func TestSelector_PicksByOrganizationFlag(t *testing.T) {
	s, q, w, k := setupQueues(t)
	ctx := context.Background()
	sel := NewSelector(ModeOrgFlag, w, k)

	legacyReq := newRequest(domain.Organization{ID: uuid.New()})
	require.NoError(t, sel.EnqueueRun(ctx, legacyReq))
	_, err := q.Get(ctx, ExecuteJobKey(legacyReq.Run.ID))
	require.NoError(t, err)
	assert.False(t, s.Exists(KeyedMessageKey(legacyReq.Run.ID)))

	keyedReq := newRequest(domain.Organization{ID: uuid.New(), V2MarqsEnabled: true})
	require.NoError(t, sel.EnqueueRun(ctx, keyedReq))
	assert.True(t, s.Exists(KeyedMessageKey(keyedReq.Run.ID)))
	_, err = q.Get(ctx, ExecuteJobKey(keyedReq.Run.ID))
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	// dequeue 总是撤销两个后端
	require.NoError(t, sel.DequeueRun(ctx, legacyReq.Run.ID))
	require.NoError(t, sel.DequeueRun(ctx, keyedReq.Run.ID))
	_, err = q.Get(ctx, ExecuteJobKey(legacyReq.Run.ID))
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	assert.False(t, s.Exists(KeyedMessageKey(keyedReq.Run.ID)))
}

func TestSelector_Modes(t *testing.T) {
	_, _, w, k := setupQueues(t)
	flagged := newRequest(domain.Organization{V2MarqsEnabled: true})

	assert.Same(t, w, NewSelector(ModeOff, w, k).pick(flagged))
	assert.Same(t, k, NewSelector(ModeAll, w, k).pick(newRequest(domain.Organization{})))

	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeOrgFlag, m)
	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}
