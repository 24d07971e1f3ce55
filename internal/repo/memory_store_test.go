package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"RunEngine/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRun(t *testing.T, s *MemoryStore) domain.Run {
	t.Helper()
	org := domain.Organization{ID: uuid.New(), RunsEnabled: true}
	env := domain.Environment{ID: uuid.New(), Type: domain.EnvironmentProduction}
	ep := domain.Endpoint{ID: uuid.New(), URL: "http://localhost"}
	v := domain.JobVersion{ID: uuid.New(), EndpointID: ep.ID}
	s.PutOrganization(org)
	s.PutEnvironment(env)
	s.PutEndpoint(ep)
	s.PutJobVersion(v)
	run := domain.Run{
		ID: uuid.New(), Status: domain.RunStatusQueued, OrganizationID: org.ID, EnvironmentID: env.ID,
		VersionID: v.ID, EndpointID: ep.ID, CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertRun(context.Background(), &run))
	return run
}

func TestMemoryStore_TxRollback(t *testing.T) {
	s := NewMemoryStore()
	run := seedRun(t, s)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(q Queries) error {
		require.NoError(t, q.UpdateRun(ctx, run.ID, domain.RunUpdate{Status: domain.StatusPtr(domain.RunStatusSuccess), IncExecutionCount: 1}))
		require.NoError(t, q.InsertTask(ctx, &domain.Task{ID: uuid.New(), RunID: run.ID, IdempotencyKey: "a"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, got.Status)
	assert.Equal(t, 0, got.ExecutionCount)
	_, err = s.GetLatestTask(ctx, run.ID)
	assert.True(t, IsNotFound(err))
}

func TestMemoryStore_TasksOrderAndCancel(t *testing.T) {
	s := NewMemoryStore()
	run := seedRun(t, s)
	ctx := context.Background()
	at := time.Now()

	ids := make([]uuid.UUID, 3)
	for i, st := range []domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusRunning, domain.TaskStatusWaiting} {
		ids[i] = uuid.New()
		require.NoError(t, s.InsertTask(ctx, &domain.Task{
			ID: ids[i], RunID: run.ID, IdempotencyKey: ids[i].String(), Status: st, CreatedAt: at,
		}))
	}

	latest, err := s.GetLatestTask(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[2], latest.ID)

	n, err := s.CancelRunTasks(ctx, run.ID, at)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	completed, err := s.ListCompletedTasks(ctx, run.ID, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, ids[0], completed[0].ID)

	err = s.InsertTask(ctx, &domain.Task{ID: uuid.New(), RunID: run.ID, IdempotencyKey: ids[0].String()})
	assert.Error(t, err, "idempotency key is unique per run")
}

func TestMemoryStore_SubscriptionUpsertIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	run := seedRun(t, s)
	ctx := context.Background()
	sub := domain.RunSubscription{ID: uuid.New(), RunID: run.ID, Event: domain.SubscriptionEventSuccess, EndpointID: run.EndpointID}

	created, err := s.UpsertRunSubscription(ctx, &sub)
	require.NoError(t, err)
	assert.True(t, created)
	sub.ID = uuid.New()
	created, err = s.UpsertRunSubscription(ctx, &sub)
	require.NoError(t, err)
	assert.False(t, created)

	subs, err := s.ListRunSubscriptions(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestMemoryStore_ForceYield(t *testing.T) {
	s := NewMemoryStore()
	run := seedRun(t, s)
	ctx := context.Background()

	require.NoError(t, s.SetForceYieldImmediately(ctx, []uuid.UUID{run.ID, uuid.New()}))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.ForceYieldImmediately)
}

func TestMemoryStore_MarkRunExecutingSkipsFinalRuns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	run := seedRun(t, s)
	ok, err := s.MarkRunExecuting(ctx, run.ID, first)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkRunExecuting(ctx, run.ID, first.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusExecuting, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(first), "started_at keeps the first execution")

	canceled := seedRun(t, s)
	require.NoError(t, s.UpdateRun(ctx, canceled.ID, domain.RunUpdate{Status: domain.StatusPtr(domain.RunStatusCanceled)}))
	ok, err = s.MarkRunExecuting(ctx, canceled.ID, first)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err = s.GetRun(ctx, canceled.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCanceled, got.Status)
	assert.Nil(t, got.StartedAt)

	_, err = s.MarkRunExecuting(ctx, uuid.New(), first)
	assert.True(t, IsNotFound(err))
}
