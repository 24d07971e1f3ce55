package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"RunEngine/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type memState struct {
	orgs        map[uuid.UUID]domain.Organization
	projects    map[uuid.UUID]domain.Project
	envs        map[uuid.UUID]domain.Environment
	jobs        map[uuid.UUID]domain.Job
	endpoints   map[uuid.UUID]domain.Endpoint
	versions    map[uuid.UUID]domain.JobVersion
	events      map[uuid.UUID]domain.EventRecord
	runs        map[uuid.UUID]domain.Run
	connections map[uuid.UUID][]domain.RunConnection
	tasks       map[uuid.UUID]domain.Task
	taskSeq     map[uuid.UUID]int
	attempts    map[uuid.UUID]domain.TaskAttempt
	subs        map[uuid.UUID]domain.RunSubscription
	autoYields  []domain.AutoYieldExecution
	schedules   map[uuid.UUID]domain.Schedule
	seq         int
}

func newMemState() *memState {
	return &memState{
		orgs:        map[uuid.UUID]domain.Organization{},
		projects:    map[uuid.UUID]domain.Project{},
		envs:        map[uuid.UUID]domain.Environment{},
		jobs:        map[uuid.UUID]domain.Job{},
		endpoints:   map[uuid.UUID]domain.Endpoint{},
		versions:    map[uuid.UUID]domain.JobVersion{},
		events:      map[uuid.UUID]domain.EventRecord{},
		runs:        map[uuid.UUID]domain.Run{},
		connections: map[uuid.UUID][]domain.RunConnection{},
		tasks:       map[uuid.UUID]domain.Task{},
		taskSeq:     map[uuid.UUID]int{},
		attempts:    map[uuid.UUID]domain.TaskAttempt{},
		subs:        map[uuid.UUID]domain.RunSubscription{},
		schedules:   map[uuid.UUID]domain.Schedule{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone 值拷贝；所有写操作都替换整条记录，不原地修改切片
func (s *memState) clone() *memState {
	return &memState{
		orgs:        cloneMap(s.orgs),
		projects:    cloneMap(s.projects),
		envs:        cloneMap(s.envs),
		jobs:        cloneMap(s.jobs),
		endpoints:   cloneMap(s.endpoints),
		versions:    cloneMap(s.versions),
		events:      cloneMap(s.events),
		runs:        cloneMap(s.runs),
		connections: cloneMap(s.connections),
		tasks:       cloneMap(s.tasks),
		taskSeq:     cloneMap(s.taskSeq),
		attempts:    cloneMap(s.attempts),
		subs:        cloneMap(s.subs),
		autoYields:  append([]domain.AutoYieldExecution(nil), s.autoYields...),
		schedules:   cloneMap(s.schedules),
		seq:         s.seq,
	}
}

// MemoryStore 进程内实现，用于 STORE_DRIVER=memory 与测试；事务失败时整体回滚
type MemoryStore struct {
	*memQueries
	mu sync.Mutex
	st *memState
}

type memQueries struct {
	s    *MemoryStore
	inTx bool
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{st: newMemState()}
	s.memQueries = &memQueries{s: s}
	return s
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.st.clone()
	if err := fn(&memQueries{s: s, inTx: true}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (q *memQueries) lock() func() {
	if q.inTx {
		return func() {}
	}
	q.s.mu.Lock()
	return q.s.mu.Unlock
}

func (q *memQueries) state() *memState {
	return q.s.st
}

func missing(what string) error {
	return errors.Wrap(ErrNotFound, what)
}

// 以下 Put* 用于初始化 run 依赖的归属数据

func (s *MemoryStore) PutOrganization(o domain.Organization) {
	defer s.lock()()
	s.st.orgs[o.ID] = o
}

func (s *MemoryStore) PutProject(p domain.Project) {
	defer s.lock()()
	s.st.projects[p.ID] = p
}

func (s *MemoryStore) PutEnvironment(e domain.Environment) {
	defer s.lock()()
	s.st.envs[e.ID] = e
}

func (s *MemoryStore) PutJob(j domain.Job) {
	defer s.lock()()
	s.st.jobs[j.ID] = j
}

func (s *MemoryStore) PutEndpoint(e domain.Endpoint) {
	defer s.lock()()
	s.st.endpoints[e.ID] = e
}

func (s *MemoryStore) PutJobVersion(v domain.JobVersion) {
	defer s.lock()()
	s.st.versions[v.ID] = v
}

func (s *MemoryStore) PutConnection(c domain.RunConnection) {
	defer s.lock()()
	s.st.connections[c.RunID] = append(append([]domain.RunConnection(nil), s.st.connections[c.RunID]...), c)
}

// AutoYieldExecutions 某个 run 记录的自动 yield 遥测
func (s *MemoryStore) AutoYieldExecutions(runID uuid.UUID) []domain.AutoYieldExecution {
	defer s.lock()()
	var out []domain.AutoYieldExecution
	for _, a := range s.st.autoYields {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out
}

func (q *memQueries) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	defer q.lock()()
	r, ok := q.state().runs[id]
	if !ok {
		return nil, missing("get run")
	}
	r.YieldedExecutions = append([]string(nil), r.YieldedExecutions...)
	return &r, nil
}

func (q *memQueries) GetRunDetails(ctx context.Context, id uuid.UUID) (*domain.RunDetails, error) {
	defer q.lock()()
	st := q.state()
	r, ok := st.runs[id]
	if !ok {
		return nil, missing("get run")
	}
	r.YieldedExecutions = append([]string(nil), r.YieldedExecutions...)
	d := &domain.RunDetails{Run: r}
	var found bool
	if d.Organization, found = st.orgs[r.OrganizationID]; !found {
		return nil, missing("get run organization")
	}
	if d.Environment, found = st.envs[r.EnvironmentID]; !found {
		return nil, missing("get run environment")
	}
	if d.Version, found = st.versions[r.VersionID]; !found {
		return nil, missing("get job version")
	}
	if d.Endpoint, found = st.endpoints[r.EndpointID]; !found {
		return nil, missing("get endpoint")
	}
	d.Project = st.projects[r.ProjectID]
	d.Job = st.jobs[r.JobID]
	d.Event = st.events[r.EventID]
	d.Connections = append([]domain.RunConnection(nil), st.connections[id]...)
	return d, nil
}

func (q *memQueries) InsertRun(_ context.Context, r *domain.Run) error {
	defer q.lock()()
	if _, dup := q.state().runs[r.ID]; dup {
		return errors.Errorf("insert run: duplicate id %s", r.ID)
	}
	cp := *r
	cp.YieldedExecutions = append([]string{}, r.YieldedExecutions...)
	cp.UpdatedAt = cp.CreatedAt
	q.state().runs[r.ID] = cp
	return nil
}

func (q *memQueries) UpdateRun(_ context.Context, id uuid.UUID, u domain.RunUpdate) error {
	defer q.lock()()
	r, ok := q.state().runs[id]
	if !ok {
		return missing("update run")
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Output != nil {
		r.Output = u.Output
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		r.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		r.CompletedAt = &t
	}
	r.ExecutionCount += u.IncExecutionCount
	r.ExecutionDuration += u.IncExecutionDuration
	if u.ExecutionFailureCount != nil {
		r.ExecutionFailureCount = *u.ExecutionFailureCount
	}
	if u.YieldedExecutions != nil {
		r.YieldedExecutions = append([]string(nil), u.YieldedExecutions...)
	}
	if u.ForceYieldImmediately != nil {
		r.ForceYieldImmediately = *u.ForceYieldImmediately
	}
	r.UpdatedAt = time.Now()
	q.state().runs[id] = r
	return nil
}

// LockRun 事务内 InTx 已持有整个 store 的锁
func (q *memQueries) LockRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return q.GetRun(ctx, id)
}

func (q *memQueries) MarkRunExecuting(_ context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	defer q.lock()()
	r, ok := q.state().runs[id]
	if !ok {
		return false, missing("mark run executing")
	}
	if r.Status.IsFinal() {
		return false, nil
	}
	r.Status = domain.RunStatusExecuting
	if r.StartedAt == nil {
		t := startedAt
		r.StartedAt = &t
	}
	r.UpdatedAt = time.Now()
	q.state().runs[id] = r
	return true, nil
}

func (q *memQueries) SetForceYieldImmediately(_ context.Context, ids []uuid.UUID) error {
	defer q.lock()()
	for _, id := range ids {
		if r, ok := q.state().runs[id]; ok {
			r.ForceYieldImmediately = true
			q.state().runs[id] = r
		}
	}
	return nil
}

func (q *memQueries) InsertEvent(_ context.Context, ev *domain.EventRecord) error {
	defer q.lock()()
	q.state().events[ev.ID] = *ev
	return nil
}

func (q *memQueries) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	defer q.lock()()
	t, ok := q.state().tasks[id]
	if !ok {
		return nil, missing("get task")
	}
	return &t, nil
}

func (q *memQueries) InsertTask(_ context.Context, t *domain.Task) error {
	defer q.lock()()
	st := q.state()
	for _, existing := range st.tasks {
		if existing.RunID == t.RunID && existing.IdempotencyKey == t.IdempotencyKey {
			return errors.Errorf("insert task: duplicate idempotency key %q", t.IdempotencyKey)
		}
	}
	if t.ChildExecutionMode == "" {
		t.ChildExecutionMode = domain.ChildExecutionSerial
	}
	st.seq++
	st.tasks[t.ID] = *t
	st.taskSeq[t.ID] = st.seq
	return nil
}

func (q *memQueries) UpdateTask(_ context.Context, id uuid.UUID, u domain.TaskUpdate) error {
	defer q.lock()()
	t, ok := q.state().tasks[id]
	if !ok {
		return missing("update task")
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Output != nil {
		t.Output = u.Output
	}
	if u.CompletedAt != nil {
		at := *u.CompletedAt
		t.CompletedAt = &at
	}
	q.state().tasks[id] = t
	return nil
}

// sortedTasks 按创建时间，其次插入顺序
func (st *memState) sortedTasks(keep func(domain.Task) bool) []domain.Task {
	var out []domain.Task
	for _, t := range st.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return st.taskSeq[out[i].ID] < st.taskSeq[out[j].ID]
	})
	return out
}

func (q *memQueries) ListCompletedTasks(_ context.Context, runID uuid.UUID, limit int) ([]domain.Task, error) {
	defer q.lock()()
	out := q.state().sortedTasks(func(t domain.Task) bool {
		return t.RunID == runID && t.Status == domain.TaskStatusCompleted
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *memQueries) ListChildTasks(_ context.Context, parentID uuid.UUID) ([]domain.Task, error) {
	defer q.lock()()
	return q.state().sortedTasks(func(t domain.Task) bool {
		return t.ParentID != nil && *t.ParentID == parentID
	}), nil
}

func (q *memQueries) GetLatestTask(_ context.Context, runID uuid.UUID) (*domain.Task, error) {
	defer q.lock()()
	out := q.state().sortedTasks(func(t domain.Task) bool { return t.RunID == runID })
	if len(out) == 0 {
		return nil, missing("get latest task")
	}
	return &out[len(out)-1], nil
}

func (q *memQueries) CancelRunTasks(_ context.Context, runID uuid.UUID, at time.Time) (int, error) {
	defer q.lock()()
	n := 0
	for id, t := range q.state().tasks {
		if t.RunID != runID {
			continue
		}
		switch t.Status {
		case domain.TaskStatusPending, domain.TaskStatusRunning, domain.TaskStatusWaiting:
			t.Status = domain.TaskStatusCanceled
			completed := at
			t.CompletedAt = &completed
			q.state().tasks[id] = t
			n++
		}
	}
	return n, nil
}

func (q *memQueries) GetPendingAttempt(_ context.Context, taskID uuid.UUID) (*domain.TaskAttempt, error) {
	defer q.lock()()
	var found *domain.TaskAttempt
	for _, a := range q.state().attempts {
		if a.TaskID == taskID && a.Status == domain.TaskAttemptPending {
			if found == nil || a.Number > found.Number {
				cp := a
				found = &cp
			}
		}
	}
	if found == nil {
		return nil, missing("get pending attempt")
	}
	return found, nil
}

func (q *memQueries) ListAttempts(_ context.Context, taskID uuid.UUID) ([]domain.TaskAttempt, error) {
	defer q.lock()()
	var out []domain.TaskAttempt
	for _, a := range q.state().attempts {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (q *memQueries) InsertAttempt(_ context.Context, a *domain.TaskAttempt) error {
	defer q.lock()()
	for _, existing := range q.state().attempts {
		if existing.TaskID == a.TaskID && existing.Number == a.Number {
			return errors.Errorf("insert attempt: duplicate number %d", a.Number)
		}
	}
	q.state().attempts[a.ID] = *a
	return nil
}

func (q *memQueries) UpdateAttempt(_ context.Context, id uuid.UUID, status domain.TaskAttemptStatus, errMsg string) error {
	defer q.lock()()
	a, ok := q.state().attempts[id]
	if !ok {
		return missing("update attempt")
	}
	a.Status = status
	a.Error = errMsg
	q.state().attempts[id] = a
	return nil
}

func (q *memQueries) GetEndpoint(_ context.Context, id uuid.UUID) (*domain.Endpoint, error) {
	defer q.lock()()
	e, ok := q.state().endpoints[id]
	if !ok {
		return nil, missing("get endpoint")
	}
	return &e, nil
}

func (q *memQueries) UpdateEndpoint(_ context.Context, id uuid.UUID, u domain.EndpointUpdate) error {
	defer q.lock()()
	e, ok := q.state().endpoints[id]
	if !ok {
		return missing("update endpoint")
	}
	if u.Version != nil {
		e.Version = *u.Version
	}
	if u.RunChunkExecutionLimit != nil {
		e.RunChunkExecutionLimit = *u.RunChunkExecutionLimit
	}
	q.state().endpoints[id] = e
	return nil
}

func (q *memQueries) GetJobVersion(_ context.Context, id uuid.UUID) (*domain.JobVersion, error) {
	defer q.lock()()
	v, ok := q.state().versions[id]
	if !ok {
		return nil, missing("get job version")
	}
	return &v, nil
}

func (q *memQueries) UpsertRunSubscription(_ context.Context, s *domain.RunSubscription) (bool, error) {
	defer q.lock()()
	for _, existing := range q.state().subs {
		if existing.RunID == s.RunID && existing.EndpointID == s.EndpointID && existing.Event == s.Event {
			return false, nil
		}
	}
	q.state().subs[s.ID] = *s
	return true, nil
}

func (q *memQueries) ListRunSubscriptions(_ context.Context, runID uuid.UUID) ([]domain.RunSubscription, error) {
	defer q.lock()()
	var out []domain.RunSubscription
	for _, s := range q.state().subs {
		if s.RunID == runID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *memQueries) MarkSubscriptionDelivered(_ context.Context, id uuid.UUID, at time.Time) error {
	defer q.lock()()
	s, ok := q.state().subs[id]
	if !ok {
		return missing("mark subscription delivered")
	}
	s.DeliveredAt = &at
	q.state().subs[id] = s
	return nil
}

func (q *memQueries) InsertAutoYieldExecution(_ context.Context, a *domain.AutoYieldExecution) error {
	defer q.lock()()
	q.state().autoYields = append(q.state().autoYields, *a)
	return nil
}

func (q *memQueries) CreateSchedule(_ context.Context, s *domain.Schedule) error {
	defer q.lock()()
	q.state().schedules[s.ID] = *s
	return nil
}

func (q *memQueries) ListSchedules(_ context.Context, enabled *bool) ([]domain.Schedule, error) {
	defer q.lock()()
	var out []domain.Schedule
	for _, s := range q.state().schedules {
		if enabled == nil || s.Enabled == *enabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (q *memQueries) GetSchedule(_ context.Context, id uuid.UUID) (*domain.Schedule, error) {
	defer q.lock()()
	s, ok := q.state().schedules[id]
	if !ok {
		return nil, missing("get schedule")
	}
	return &s, nil
}

func (q *memQueries) UpdateScheduleLastTriggeredAt(_ context.Context, id uuid.UUID, t time.Time) error {
	defer q.lock()()
	s, ok := q.state().schedules[id]
	if !ok {
		return missing("update schedule last triggered")
	}
	s.LastTriggeredAt = &t
	q.state().schedules[id] = s
	return nil
}

func (q *memQueries) ToggleScheduleEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	defer q.lock()()
	s, ok := q.state().schedules[id]
	if !ok {
		return missing("toggle schedule")
	}
	s.Enabled = enabled
	q.state().schedules[id] = s
	return nil
}
