package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/endpoint"
	"RunEngine/internal/events"
	"RunEngine/internal/forceyield"
	"RunEngine/internal/queue"
	"RunEngine/internal/repo"
	"RunEngine/internal/runqueue"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type fakeAPI struct {
	mu      sync.Mutex
	respond func(body *ExecutionBody) (*endpoint.ExecuteJobResult, error)
	bodies  []*ExecutionBody
	notes   []RunNotification
}

func (f *fakeAPI) ExecuteJob(_ context.Context, _ domain.Endpoint, _ domain.Environment, body any) (*endpoint.ExecuteJobResult, error) {
	f.mu.Lock()
	b := body.(*ExecutionBody)
	f.bodies = append(f.bodies, b)
	respond := f.respond
	f.mu.Unlock()
	return respond(b)
}

func (f *fakeAPI) DeliverRunNotification(_ context.Context, _ domain.Endpoint, _ domain.Environment, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, payload.(RunNotification))
	return nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func jsonResult(status int, v any) *endpoint.ExecuteJobResult {
	b, _ := json.Marshal(v)
	return &endpoint.ExecuteJobResult{StatusCode: status, Header: http.Header{}, Body: b}
}

func respondWith(res *endpoint.ExecuteJobResult, err error) func(*ExecutionBody) (*endpoint.ExecuteJobResult, error) {
	return func(*ExecutionBody) (*endpoint.ExecuteJobResult, error) { return res, err }
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	mr     *miniredis.Miniredis
	q      *queue.RedisQueue
	store  *repo.MemoryStore
	api    *fakeAPI
	engine *Engine
	clock  *fakeClock
	yields *forceyield.Coordinator

	org     domain.Organization
	env     domain.Environment
	project domain.Project
	job     domain.Job
	version domain.JobVersion
	ep      domain.Endpoint
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithLimits(t, domain.DefaultLimits())
}

func newFixtureWithLimits(t *testing.T, limits domain.Limits) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.NewRedisQueue(rdb, "default").WithClock(clk.Now)
	store := repo.NewMemoryStore()
	api := &fakeAPI{respond: respondWith(jsonResult(200, map[string]string{"status": "SUCCESS"}), nil)}
	yields := forceyield.NewCoordinator(store, zap.NewNop())

	eng := NewEngine(EngineDeps{
		Store:     store,
		Jobs:      q,
		RunQueue:  runqueue.NewWorkerRunQueue(q, nil, "default"),
		QueueName: "default",
		API:       api,
		Sink:      events.NewRedisStreamSink(rdb, 0),
		InFlight:  yields,
		Limits:    limits,
		Log:       zap.NewNop(),
	})
	eng.Perform.WithClock(clk.Now)
	eng.ResumeRun.WithClock(clk.Now)
	eng.ResumeTask.WithClock(clk.Now)
	eng.Runs.WithClock(clk.Now)
	eng.Tasks.WithClock(clk.Now)

	f := &fixture{
		t: t, ctx: context.Background(), mr: mr, q: q, store: store, api: api, engine: eng, clock: clk, yields: yields,
		org:     domain.Organization{ID: uuid.New(), Slug: "acme", Title: "Acme", RunsEnabled: true},
		env:     domain.Environment{ID: uuid.New(), Slug: "prod", Type: domain.EnvironmentProduction, APIKey: "tr_prod_1"},
		project: domain.Project{ID: uuid.New(), Slug: "web", Name: "Web"},
		job:     domain.Job{ID: uuid.New(), Slug: "send-email", Title: "Send email"},
		ep: domain.Endpoint{
			ID: uuid.New(), Slug: "web", URL: "https://example.com/api/trigger", Version: "2023-11-01",
			RunChunkExecutionLimit: 60_000,
		},
	}
	f.version = domain.JobVersion{
		ID: uuid.New(), JobID: f.job.ID, Version: "1.0.0", Status: domain.JobVersionActive,
		EndpointID: f.ep.ID, EnvironmentID: f.env.ID, OrganizationID: f.org.ID, ProjectID: f.project.ID,
	}
	store.PutOrganization(f.org)
	store.PutEnvironment(f.env)
	store.PutProject(f.project)
	store.PutJob(f.job)
	store.PutEndpoint(f.ep)
	store.PutJobVersion(f.version)
	return f
}

func (f *fixture) seedRun(mut func(r *domain.Run)) domain.Run {
	f.t.Helper()
	ev := domain.EventRecord{ID: uuid.New(), Name: "user.created", Payload: json.RawMessage(`{"id":1}`), Timestamp: f.clock.t}
	require.NoError(f.t, f.store.InsertEvent(f.ctx, &ev))
	r := domain.Run{
		ID: uuid.New(), Status: domain.RunStatusQueued,
		JobID: f.job.ID, VersionID: f.version.ID, EventID: ev.ID, EnvironmentID: f.env.ID,
		OrganizationID: f.org.ID, ProjectID: f.project.ID, EndpointID: f.ep.ID,
		CreatedAt: f.clock.t.Add(-time.Minute),
	}
	if mut != nil {
		mut(&r)
	}
	require.NoError(f.t, f.store.InsertRun(f.ctx, &r))
	return r
}

func (f *fixture) seedTask(runID uuid.UUID, mut func(t *domain.Task)) domain.Task {
	f.t.Helper()
	task := domain.Task{
		ID: uuid.New(), RunID: runID, Name: "step", Status: domain.TaskStatusRunning,
		ChildExecutionMode: domain.ChildExecutionSerial, CreatedAt: f.clock.t.Add(-30 * time.Second),
	}
	task.IdempotencyKey = task.ID.String()
	if mut != nil {
		mut(&task)
	}
	require.NoError(f.t, f.store.InsertTask(f.ctx, &task))
	return task
}

func (f *fixture) run(id uuid.UUID) *domain.Run {
	f.t.Helper()
	r, err := f.store.GetRun(f.ctx, id)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) task(id uuid.UUID) *domain.Task {
	f.t.Helper()
	task, err := f.store.GetTask(f.ctx, id)
	require.NoError(f.t, err)
	return task
}

// queued 返回 key 对应的 job，不存在时为 nil
func (f *fixture) queued(key string) *queue.Job {
	f.t.Helper()
	j, err := f.q.Get(f.ctx, key)
	if errors.Is(err, queue.ErrJobNotFound) {
		return nil
	}
	require.NoError(f.t, err)
	return j
}

func (f *fixture) perform(runID uuid.UUID, lastAttempt bool) error {
	return f.engine.Perform.Call(f.ctx, PerformRunInput{ID: runID, Reason: "EXECUTE_JOB", LastAttempt: lastAttempt}, 0)
}
