package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/endpoint"
	"RunEngine/internal/queue"
	"RunEngine/internal/repo"
	"RunEngine/internal/runqueue"
	"RunEngine/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopAPI struct{}

func (nopAPI) ExecuteJob(context.Context, domain.Endpoint, domain.Environment, any) (*endpoint.ExecuteJobResult, error) {
	return &endpoint.ExecuteJobResult{StatusCode: 200, Header: http.Header{}, Body: []byte(`{"status":"SUCCESS"}`)}, nil
}

func (nopAPI) DeliverRunNotification(context.Context, domain.Endpoint, domain.Environment, any) error {
	return nil
}

type nopInFlight struct{}

func (nopInFlight) Register(uuid.UUID)   {}
func (nopInFlight) Deregister(uuid.UUID) {}

type testServer struct {
	router  *gin.Engine
	store   *repo.MemoryStore
	q       *queue.RedisQueue
	version domain.JobVersion
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(rdb, "default")
	store := repo.NewMemoryStore()

	eng := service.NewEngine(service.EngineDeps{
		Store:     store,
		Jobs:      q,
		RunQueue:  runqueue.NewWorkerRunQueue(q, nil, "default"),
		QueueName: "default",
		API:       nopAPI{},
		InFlight:  nopInFlight{},
		Limits:    domain.DefaultLimits(),
		Log:       zap.NewNop(),
	})

	org := domain.Organization{ID: uuid.New(), Slug: "acme", RunsEnabled: true}
	env := domain.Environment{ID: uuid.New(), Slug: "prod", Type: domain.EnvironmentProduction}
	project := domain.Project{ID: uuid.New(), Slug: "web"}
	job := domain.Job{ID: uuid.New(), Slug: "sync"}
	ep := domain.Endpoint{ID: uuid.New(), Slug: "web", URL: "https://example.com/api"}
	version := domain.JobVersion{
		ID: uuid.New(), JobID: job.ID, Version: "1.0.0", Status: domain.JobVersionActive,
		EndpointID: ep.ID, EnvironmentID: env.ID, OrganizationID: org.ID, ProjectID: project.ID,
	}
	store.PutOrganization(org)
	store.PutEnvironment(env)
	store.PutProject(project)
	store.PutJob(job)
	store.PutEndpoint(ep)
	store.PutJobVersion(version)

	router := NewRouter(Handlers{
		Health:   NewHealthHandler(nil, rdb),
		Metrics:  NewMetricsHandler(rdb, zap.NewNop()),
		Queue:    NewQueueHandler(q),
		Schedule: NewScheduleHandler(eng.Schedules),
		Runs:     New(eng.Runs, eng.Tasks, eng.CancelRun),
		Worker:   NewWorkerHandler(rdb),
	}, zap.NewNop())
	return &testServer{router: router, store: store, q: q, version: version}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, body := s.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ready"])
}

func TestRunLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/api/v1/runs", gin.H{
		"job_version_id": s.version.ID.String(),
		"event_name":     "order.created",
		"payload":        gin.H{"order": 42},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	runID := body["run_id"].(string)
	assert.Equal(t, string(domain.RunStatusPending), body["status"])

	job, err := s.q.Get(context.Background(), service.ResumeRunJobKey(uuid.MustParse(runID)))
	require.NoError(t, err)
	assert.Equal(t, service.JobResumeRun, job.Type)

	w, body = s.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, body["run"])

	taskID := uuid.New()
	timeoutAt := time.Now().Add(time.Hour)
	w, _ = s.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks", service.WireTask{
		ID: taskID, Name: "await-approval", IdempotencyKey: "approval", Status: domain.TaskStatusWaiting,
		CallbackURL: "https://example.com/cb", CallbackTimeoutAt: &timeoutAt,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = s.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/tasks/"+taskID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks/"+taskID.String()+"/callback", gin.H{"approved": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w, _ = s.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks/"+taskID.String()+"/callback", gin.H{"approved": true})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	run, err := s.store.GetRun(context.Background(), uuid.MustParse(runID))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCanceled, run.Status)

	w, _ = s.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/tasks", service.WireTask{ID: uuid.New(), Name: "late"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRunEndpoints_BadInput(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = s.do(t, http.MethodPost, "/api/v1/runs", gin.H{"job_version_id": uuid.NewString(), "event_name": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = s.do(t, http.MethodPost, "/api/v1/runs", gin.H{"event_name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScheduleEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodPost, "/api/v1/schedules", gin.H{
		"job_version_id": s.version.ID.String(), "cron_expr": "every day",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := s.do(t, http.MethodPost, "/api/v1/schedules", gin.H{
		"job_version_id": s.version.ID.String(), "cron_expr": "0 */5 * * * *", "timezone": "Europe/Berlin",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := body["schedule_id"].(string)

	w, _ = s.do(t, http.MethodPost, "/api/v1/schedules/"+id+"/toggle", gin.H{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = s.do(t, http.MethodGet, "/api/v1/schedules?enabled=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := body["schedules"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "Europe/Berlin", list[0].(map[string]any)["timezone"])
}

func TestQueueEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/api/v1/queues/default/dlq", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["count"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = s.do(t, http.MethodGet, "/api/v1/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["count"])
}
