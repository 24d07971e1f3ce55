package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"slices"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/endpoint"
	"RunEngine/internal/events"
	"RunEngine/internal/metrics"
	"RunEngine/internal/repo"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EndpointAPI 用户 endpoint 的出站调用
type EndpointAPI interface {
	ExecuteJob(ctx context.Context, ep domain.Endpoint, env domain.Environment, body any) (*endpoint.ExecuteJobResult, error)
	DeliverRunNotification(ctx context.Context, ep domain.Endpoint, env domain.Environment, payload any) error
}

// InFlightRegistry 记录正在等待 HTTP 响应的 run
type InFlightRegistry interface {
	Register(runID uuid.UUID)
	Deregister(runID uuid.UUID)
}

type PerformRunInput struct {
	ID          uuid.UUID
	Reason      string
	LastAttempt bool
}

// RetryDelay 第 failures 次可重试失败后的退避时间
func RetryDelay(l domain.Limits, failures int) time.Duration {
	return time.Duration(float64(l.RetryBaseDelay) * math.Pow(l.RetryFactor, float64(failures)))
}

func errorOutput(msg string) json.RawMessage {
	b, _ := json.Marshal(ErrorWithStack{Message: msg})
	return b
}

type PerformRunExecutionService struct {
	store    repo.Store
	dispatch *Dispatcher
	api      EndpointAPI
	sink     events.Sink
	inflight InFlightRegistry
	timeouts TimeoutDetector
	limits   domain.Limits
	now      func() time.Time
	log      *zap.Logger
}

func NewPerformRunExecutionService(store repo.Store, dispatch *Dispatcher, api EndpointAPI, sink events.Sink,
	inflight InFlightRegistry, limits domain.Limits, log *zap.Logger) *PerformRunExecutionService {
	return &PerformRunExecutionService{
		store:    store,
		dispatch: dispatch,
		api:      api,
		sink:     sink,
		inflight: inflight,
		timeouts: DefaultTimeoutDetector,
		limits:   limits,
		now:      time.Now,
		log:      log,
	}
}

func (s *PerformRunExecutionService) WithTimeoutDetector(d TimeoutDetector) *PerformRunExecutionService {
	s.timeouts = d
	return s
}

func (s *PerformRunExecutionService) WithClock(now func() time.Time) *PerformRunExecutionService {
	s.now = now
	return s
}

func (s *PerformRunExecutionService) apply(ctx context.Context, fn func(tx *txScope) error) error {
	return runInTx(ctx, s.store, fn)
}

// Call 执行一次 run：前置检查、请求 endpoint、按响应推进 run 状态
func (s *PerformRunExecutionService) Call(ctx context.Context, in PerformRunInput, drift time.Duration) error {
	d, err := s.store.GetRunDetails(ctx, in.ID)
	if repo.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.Run.Status.IsFinal() {
		return s.ensureDelivery(ctx, &d.Run)
	}
	log := s.log.With(zap.String("run_id", in.ID.String()), zap.String("reason", in.Reason))

	if status, msg, failed := s.checkPreconditions(d); failed {
		log.Info("run precondition failed", zap.String("status", string(status)), zap.String("message", msg))
		return s.finish(ctx, d, string(status), func(tx *txScope) error {
			return s.failRun(ctx, tx, d, status, errorOutput(msg), 0, 0)
		})
	}

	for _, c := range d.Connections {
		if !c.Resolved {
			msg := fmt.Sprintf("Could not resolve all connections for run %s, connection %q is missing", d.Run.ID, c.Key)
			return s.finish(ctx, d, "unresolved_connections", func(tx *txScope) error {
				return s.failRun(ctx, tx, d, domain.RunStatusFailure, errorOutput(msg), 0, 0)
			})
		}
	}

	completed, err := s.store.ListCompletedTasks(ctx, d.Run.ID, s.limits.CompletedTasksFetchLimit)
	if err != nil {
		return err
	}
	body, err := buildExecutionBody(d, completed, s.limits)
	if err != nil {
		return err
	}

	marked, err := s.store.MarkRunExecuting(ctx, d.Run.ID, s.now())
	if err != nil {
		return err
	}
	if !marked {
		log.Info("run reached a final status before executing")
		return nil
	}

	started := s.now()
	res, callErr := s.execute(ctx, d, body, drift)
	durationMs := s.now().Sub(started).Milliseconds()

	latest, err := s.store.GetRun(ctx, d.Run.ID)
	if err != nil {
		return err
	}
	if latest.Status == domain.RunStatusCanceled {
		log.Info("run canceled while executing, dropping endpoint response")
		metrics.RunOutcomes.WithLabelValues("canceled_in_flight").Inc()
		return nil
	}

	if callErr != nil {
		log.Warn("endpoint execute job failed", zap.Error(callErr))
		return s.finish(ctx, d, "connection_error", func(tx *txScope) error {
			return s.failWithRetry(ctx, tx, d, in, errorOutput(callErr.Error()), durationMs)
		})
	}

	s.syncEndpointVersion(ctx, d, res)
	s.recordSubscriptions(ctx, d, res)

	if !res.OK() {
		if s.timeouts.IsTimeoutLike(res) {
			log.Info("endpoint response looks like a function timeout", zap.Int("status_code", res.StatusCode))
			return s.finish(ctx, d, "timeout_like", func(tx *txScope) error {
				return s.resumeAfterTimeout(ctx, tx, d, started, durationMs)
			})
		}
		output := errorBodyOutput(res)
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusRequestTimeout {
			return s.finish(ctx, d, "client_error", func(tx *txScope) error {
				return s.failRun(ctx, tx, d, domain.RunStatusFailure, output, durationMs, 1)
			})
		}
		return s.finish(ctx, d, "server_error", func(tx *txScope) error {
			return s.failWithRetry(ctx, tx, d, in, output, durationMs)
		})
	}

	var resp ExecutionResponse
	if err := json.Unmarshal(res.Body, &resp); err != nil || resp.Status == "" {
		msg := fmt.Sprintf("Endpoint responded with %d status code but the body is not a valid execution response", res.StatusCode)
		return s.finish(ctx, d, "invalid_response", func(tx *txScope) error {
			return s.failRun(ctx, tx, d, domain.RunStatusFailure, errorOutput(msg), durationMs, 1)
		})
	}
	return s.finish(ctx, d, string(resp.Status), func(tx *txScope) error {
		return s.handleOutcome(ctx, tx, d, &resp, durationMs, 1)
	})
}

// ensureDelivery 终态 run 仍有未投递的订阅时补投递 job；提交后入队失败的重试走到这里
func (s *PerformRunExecutionService) ensureDelivery(ctx context.Context, run *domain.Run) error {
	if run.Status == domain.RunStatusCanceled {
		return nil
	}
	subs, err := s.store.ListRunSubscriptions(ctx, run.ID)
	if err != nil {
		return err
	}
	want := subscriptionEventFor(run.Status)
	for _, sub := range subs {
		if sub.Event == want && sub.DeliveredAt == nil {
			return s.dispatch.EnqueueDeliverSubscriptions(ctx, run.ID)
		}
	}
	return nil
}

// finish 在一个事务里落地结果，成功后计数；run 已被其他路径终结时丢弃结果
func (s *PerformRunExecutionService) finish(ctx context.Context, d *domain.RunDetails, outcome string, fn func(tx *txScope) error) error {
	dropped := false
	err := s.apply(ctx, func(tx *txScope) error {
		run, err := tx.LockRun(ctx, d.Run.ID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			dropped = true
			return nil
		}
		return fn(tx)
	})
	if err != nil {
		return err
	}
	if dropped {
		s.log.Info("run already final, dropping execution result", zap.String("run_id", d.Run.ID.String()), zap.String("outcome", outcome))
		outcome = "dropped_final"
	}
	metrics.RunOutcomes.WithLabelValues(outcome).Inc()
	return nil
}

func (s *PerformRunExecutionService) checkPreconditions(d *domain.RunDetails) (domain.RunStatus, string, bool) {
	switch {
	case !d.Organization.RunsEnabled:
		return domain.RunStatusAborted, "Runs are disabled for this organization", true
	case d.Endpoint.URL == "":
		return domain.RunStatusFailure, "Endpoint has no URL set", true
	case d.Version.Status == domain.JobVersionDisabled:
		return domain.RunStatusAborted, "Job version has been disabled", true
	case d.Organization.MaximumExecutionTimePerRunMs > 0 && d.Run.ExecutionDuration >= d.Organization.MaximumExecutionTimePerRunMs:
		return domain.RunStatusTimedOut, fmt.Sprintf("Execution timed out after %d ms", d.Run.ExecutionDuration), true
	case d.Run.ExecutionCount >= s.limits.MaxJobRunExecutionCount:
		return domain.RunStatusTimedOut, fmt.Sprintf("Execution timed out after %d executions", d.Run.ExecutionCount), true
	}
	return "", "", false
}

func (s *PerformRunExecutionService) execute(ctx context.Context, d *domain.RunDetails, body *ExecutionBody, drift time.Duration) (*endpoint.ExecuteJobResult, error) {
	s.inflight.Register(d.Run.ID)
	defer s.inflight.Deregister(d.Run.ID)

	s.emit(ctx, d, events.EventStart, drift)
	start := time.Now()
	res, err := s.api.ExecuteJob(ctx, d.Endpoint, d.Environment, body)
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
	s.emit(ctx, d, events.EventFinish, drift)
	return res, err
}

func (s *PerformRunExecutionService) emit(ctx context.Context, d *domain.RunDetails, typ events.EventType, drift time.Duration) {
	if s.sink == nil {
		return
	}
	ev := events.ExecutionEvent{
		OrganizationID: d.Organization.ID.String(),
		ProjectID:      d.Project.ID.String(),
		EnvironmentID:  d.Environment.ID.String(),
		JobID:          d.Job.ID.String(),
		RunID:          d.Run.ID.String(),
		EventTime:      s.now(),
		EventType:      typ,
		DriftMs:        drift.Milliseconds(),
	}
	if d.Version.ConcurrencyLimitGroupID != nil {
		ev.ConcurrencyLimitGroupID = d.Version.ConcurrencyLimitGroupID.String()
	}
	if err := s.sink.Emit(ctx, ev); err != nil {
		s.log.Warn("emit execution event failed", zap.String("run_id", ev.RunID), zap.String("type", string(typ)), zap.Error(err))
	}
}

func (s *PerformRunExecutionService) syncEndpointVersion(ctx context.Context, d *domain.RunDetails, res *endpoint.ExecuteJobResult) {
	v := res.Header.Get(endpoint.HeaderVersion)
	if v == "" || v == d.Endpoint.Version {
		return
	}
	if err := s.store.UpdateEndpoint(ctx, d.Endpoint.ID, domain.EndpointUpdate{Version: &v}); err != nil {
		s.log.Warn("update endpoint version failed", zap.String("endpoint_id", d.Endpoint.ID.String()), zap.Error(err))
		return
	}
	d.Endpoint.Version = v
}

func (s *PerformRunExecutionService) recordSubscriptions(ctx context.Context, d *domain.RunDetails, res *endpoint.ExecuteJobResult) {
	raw := res.Header.Get(endpoint.HeaderRunMetadata)
	if raw == "" {
		return
	}
	var meta RunMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		s.log.Warn("invalid run metadata header", zap.String("run_id", d.Run.ID.String()), zap.Error(err))
		return
	}
	var wanted []domain.SubscriptionEvent
	if meta.SuccessSubscription {
		wanted = append(wanted, domain.SubscriptionEventSuccess)
	}
	if meta.FailedSubscription {
		wanted = append(wanted, domain.SubscriptionEventFailure)
	}
	for _, ev := range wanted {
		sub := &domain.RunSubscription{
			ID:         uuid.New(),
			RunID:      d.Run.ID,
			Event:      ev,
			EndpointID: d.Endpoint.ID,
			CreatedAt:  s.now(),
		}
		if _, err := s.store.UpsertRunSubscription(ctx, sub); err != nil {
			s.log.Warn("upsert run subscription failed", zap.String("run_id", d.Run.ID.String()), zap.Error(err))
		}
	}
}

func errorBodyOutput(res *endpoint.ExecuteJobResult) json.RawMessage {
	var body ErrorWithStack
	if err := json.Unmarshal(res.Body, &body); err == nil && body.Message != "" {
		b, _ := json.Marshal(body)
		return b
	}
	return errorOutput(fmt.Sprintf("Endpoint responded with %d status code", res.StatusCode))
}

// handleOutcome 按响应 status 分派；dur/inc 为本次计入 run 的耗时与执行次数
func (s *PerformRunExecutionService) handleOutcome(ctx context.Context, tx *txScope, d *domain.RunDetails, resp *ExecutionResponse, dur int64, inc int) error {
	switch resp.Status {
	case StatusSuccess:
		return s.completeWithSuccess(ctx, tx, d, resp.Output, dur, inc)
	case StatusResumeWithTask:
		return s.resumeWithTask(ctx, tx, d, resp.Task, dur, inc)
	case StatusResumeWithParallelTask:
		return s.resumeWithParallelTask(ctx, tx, d, resp, dur, inc)
	case StatusError:
		return s.failWithTaskError(ctx, tx, d, resp, dur, inc)
	case StatusRetryWithTask:
		return s.retryWithTask(ctx, tx, d, resp, dur, inc)
	case StatusCanceled:
		return nil
	case StatusUnresolvedAuthError:
		return s.failRun(ctx, tx, d, domain.RunStatusUnresolvedAuth, resp.Issues, dur, inc)
	case StatusInvalidPayload:
		return s.failRun(ctx, tx, d, domain.RunStatusInvalidPayload, resp.Errors, dur, inc)
	case StatusYieldExecution:
		return s.resumeYielded(ctx, tx, d, resp.Key, dur, inc)
	case StatusAutoYieldExecution:
		return s.resumeAutoYielded(ctx, tx, d, resp.AutoYieldData, dur, inc)
	case StatusAutoYieldExecutionWithCompleted:
		return s.resumeAutoYieldedWithCompletedTask(ctx, tx, d, resp, dur, inc)
	case StatusAutoYieldRateLimit:
		return s.rescheduleRun(ctx, tx, d, time.UnixMilli(resp.Reset), dur, inc)
	default:
		return errors.Wrapf(ErrInvariant, "unhandled execution status %q for run %s", resp.Status, d.Run.ID)
	}
}

func (s *PerformRunExecutionService) completeWithSuccess(ctx context.Context, tx *txScope, d *domain.RunDetails, output json.RawMessage, dur int64, inc int) error {
	return s.terminate(ctx, tx, d, domain.RunUpdate{
		Status:               domain.StatusPtr(domain.RunStatusSuccess),
		Output:               output,
		IncExecutionCount:    inc,
		IncExecutionDuration: dur,
	})
}

// failRun 写入失败终态
func (s *PerformRunExecutionService) failRun(ctx context.Context, tx *txScope, d *domain.RunDetails, status domain.RunStatus, output json.RawMessage, dur int64, inc int) error {
	return s.terminate(ctx, tx, d, domain.RunUpdate{
		Status:               domain.StatusPtr(status),
		Output:               output,
		IncExecutionCount:    inc,
		IncExecutionDuration: dur,
	})
}

// terminate 写入终态并投递订阅通知
func (s *PerformRunExecutionService) terminate(ctx context.Context, tx *txScope, d *domain.RunDetails, u domain.RunUpdate) error {
	now := s.now()
	u.CompletedAt = &now
	if err := tx.UpdateRun(ctx, d.Run.ID, u); err != nil {
		return err
	}
	tx.afterCommit(func(ctx context.Context) error {
		return s.dispatch.EnqueueDeliverSubscriptions(ctx, d.Run.ID)
	})
	return nil
}

// failWithRetry 可重试失败：最后一次机会或失败次数到上限时终止，否则指数退避后恢复
func (s *PerformRunExecutionService) failWithRetry(ctx context.Context, tx *txScope, d *domain.RunDetails, in PerformRunInput, output json.RawMessage, dur int64) error {
	failures := d.Run.ExecutionFailureCount + 1
	if in.LastAttempt || failures >= s.limits.MaxExecutionFailures {
		return s.terminate(ctx, tx, d, domain.RunUpdate{
			Status:                domain.StatusPtr(domain.RunStatusFailure),
			Output:                output,
			ExecutionFailureCount: &failures,
			IncExecutionCount:     1,
			IncExecutionDuration:  dur,
		})
	}
	err := tx.UpdateRun(ctx, d.Run.ID, domain.RunUpdate{
		Status:                domain.StatusPtr(domain.RunStatusWaitingToExecute),
		ExecutionFailureCount: &failures,
		IncExecutionCount:     1,
		IncExecutionDuration:  dur,
	})
	if err != nil {
		return err
	}
	at := s.now().Add(RetryDelay(s.limits, failures))
	tx.afterCommit(func(ctx context.Context) error {
		return s.dispatch.EnqueueResumeRun(ctx, d.Run, &at)
	})
	return nil
}

func (s *PerformRunExecutionService) waitToExecute(ctx context.Context, tx *txScope, d *domain.RunDetails, dur int64, inc int, runAt *time.Time) error {
	err := tx.UpdateRun(ctx, d.Run.ID, domain.RunUpdate{
		Status:               domain.StatusPtr(domain.RunStatusWaitingToExecute),
		IncExecutionCount:    inc,
		IncExecutionDuration: dur,
	})
	if err != nil {
		return err
	}
	tx.afterCommit(func(ctx context.Context) error {
		return s.dispatch.EnqueueResumeRun(ctx, d.Run, runAt)
	})
	return nil
}

func (s *PerformRunExecutionService) waitToContinue(ctx context.Context, tx *txScope, d *domain.RunDetails, dur int64, inc int) error {
	return tx.UpdateRun(ctx, d.Run.ID, domain.RunUpdate{
		Status:               domain.StatusPtr(domain.RunStatusWaitingToContinue),
		IncExecutionCount:    inc,
		IncExecutionDuration: dur,
	})
}

// ensureTask endpoint 报告的 task 不存在时补建；带 callback 的新 task 同时登记超时
func (s *PerformRunExecutionService) ensureTask(ctx context.Context, tx *txScope, runID uuid.UUID, wt *WireTask) (*domain.Task, error) {
	task, err := tx.GetTask(ctx, wt.ID)
	if err == nil {
		if task.RunID != runID {
			return nil, errors.Wrapf(ErrInvariant, "task %s belongs to run %s, not %s", task.ID, task.RunID, runID)
		}
		return task, nil
	}
	if !repo.IsNotFound(err) {
		return nil, err
	}
	task = wt.toTask(runID, s.now())
	if err := tx.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	scheduleCallbackTimeout(tx, s.dispatch, task)
	return task, nil
}

func scheduleCallbackTimeout(tx *txScope, dispatch *Dispatcher, task *domain.Task) {
	if task.CallbackURL == "" || task.CallbackTimeoutAt == nil || task.Status != domain.TaskStatusWaiting {
		return
	}
	id, at := task.ID, *task.CallbackTimeoutAt
	tx.afterCommit(func(ctx context.Context) error {
		return dispatch.EnqueueCallbackTimeout(ctx, id, at)
	})
}

func (s *PerformRunExecutionService) resumeWithTask(ctx context.Context, tx *txScope, d *domain.RunDetails, wt *WireTask, dur int64, inc int) error {
	if wt == nil {
		return errors.Wrapf(ErrInvariant, "%s response without task for run %s", StatusResumeWithTask, d.Run.ID)
	}
	task, err := s.ensureTask(ctx, tx, d.Run.ID, wt)
	if err != nil {
		return err
	}
	if err := s.waitToContinue(ctx, tx, d, dur, inc); err != nil {
		return err
	}
	// operation/callback 任务等外部信号（完成或超时）再恢复
	if !task.AwaitsExternalSignal() {
		id, delay := task.ID, task.DelayUntil
		tx.afterCommit(func(ctx context.Context) error {
			return s.dispatch.EnqueueResumeTask(ctx, id, delay)
		})
	}
	return nil
}

// resumeWithParallelTask 本次往返的耗时与次数只记一次，子任务结果随后依次重放
func (s *PerformRunExecutionService) resumeWithParallelTask(ctx context.Context, tx *txScope, d *domain.RunDetails, resp *ExecutionResponse, dur int64, inc int) error {
	if resp.Task != nil {
		if _, err := s.ensureTask(ctx, tx, d.Run.ID, resp.Task); err != nil {
			return err
		}
	}
	if err := s.waitToContinue(ctx, tx, d, dur, inc); err != nil {
		return err
	}
	for i := range resp.ChildErrors {
		if err := s.handleOutcome(ctx, tx, d, &resp.ChildErrors[i], 0, 0); err != nil {
			return err
		}
		run, err := tx.GetRun(ctx, d.Run.ID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			break
		}
	}
	return nil
}

func (s *PerformRunExecutionService) failWithTaskError(ctx context.Context, tx *txScope, d *domain.RunDetails, resp *ExecutionResponse, dur int64, inc int) error {
	output := errorOutput("Unknown error")
	if resp.Error != nil {
		output, _ = json.Marshal(resp.Error)
	}
	if resp.Task != nil {
		now := s.now()
		err := tx.UpdateTask(ctx, resp.Task.ID, domain.TaskUpdate{
			Status:      domain.TaskStatusPtr(domain.TaskStatusErrored),
			Output:      output,
			CompletedAt: &now,
		})
		if err != nil && !repo.IsNotFound(err) {
			return err
		}
	}
	return s.failRun(ctx, tx, d, domain.RunStatusFailure, output, dur, inc)
}

// retryWithTask 旧的 PENDING attempt 先置为 ERRORED，再建新的，保证同一时刻只有一个 PENDING
func (s *PerformRunExecutionService) retryWithTask(ctx context.Context, tx *txScope, d *domain.RunDetails, resp *ExecutionResponse, dur int64, inc int) error {
	if resp.Task == nil {
		return errors.Wrapf(ErrInvariant, "%s response without task for run %s", StatusRetryWithTask, d.Run.ID)
	}
	task, err := s.ensureTask(ctx, tx, d.Run.ID, resp.Task)
	if err != nil {
		return err
	}
	msg := ""
	if resp.Error != nil {
		msg = resp.Error.Message
	}

	attempts, err := tx.ListAttempts(ctx, task.ID)
	if err != nil {
		return err
	}
	next := 1
	for _, a := range attempts {
		if a.Number >= next {
			next = a.Number + 1
		}
		if a.Status == domain.TaskAttemptPending {
			if err := tx.UpdateAttempt(ctx, a.ID, domain.TaskAttemptErrored, msg); err != nil {
				return err
			}
		}
	}
	err = tx.InsertAttempt(ctx, &domain.TaskAttempt{
		ID:        uuid.New(),
		TaskID:    task.ID,
		Number:    next,
		Status:    domain.TaskAttemptPending,
		RunAt:     resp.RetryAt,
		CreatedAt: s.now(),
	})
	if err != nil {
		return err
	}
	if err := tx.UpdateTask(ctx, task.ID, domain.TaskUpdate{Status: domain.TaskStatusPtr(domain.TaskStatusWaiting)}); err != nil {
		return err
	}
	if err := s.waitToContinue(ctx, tx, d, dur, inc); err != nil {
		return err
	}
	id, at := task.ID, resp.RetryAt
	tx.afterCommit(func(ctx context.Context) error {
		return s.dispatch.EnqueueResumeTask(ctx, id, at)
	})
	return nil
}

func (s *PerformRunExecutionService) resumeYielded(ctx context.Context, tx *txScope, d *domain.RunDetails, key string, dur int64, inc int) error {
	if len(d.Run.YieldedExecutions)+1 > s.limits.MaxRunYieldedExecutions {
		msg := fmt.Sprintf("Run has yielded too many times, the maximum is %d", s.limits.MaxRunYieldedExecutions)
		return s.failRun(ctx, tx, d, domain.RunStatusFailure, errorOutput(msg), dur, inc)
	}
	yielded := append(slices.Clone(d.Run.YieldedExecutions), key)
	err := tx.UpdateRun(ctx, d.Run.ID, domain.RunUpdate{
		Status:               domain.StatusPtr(domain.RunStatusWaitingToExecute),
		IncExecutionCount:    inc,
		IncExecutionDuration: dur,
		YieldedExecutions:    yielded,
	})
	if err != nil {
		return err
	}
	d.Run.YieldedExecutions = yielded
	tx.afterCommit(func(ctx context.Context) error {
		return s.dispatch.EnqueueResumeRun(ctx, d.Run, nil)
	})
	return nil
}

func (s *PerformRunExecutionService) resumeAutoYielded(ctx context.Context, tx *txScope, d *domain.RunDetails, data AutoYieldData, dur int64, inc int) error {
	err := tx.InsertAutoYieldExecution(ctx, &domain.AutoYieldExecution{
		ID:            uuid.New(),
		RunID:         d.Run.ID,
		Location:      data.Location,
		TimeRemaining: data.TimeRemaining,
		TimeElapsed:   data.TimeElapsed,
		Limit:         data.Limit,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return err
	}
	return s.waitToExecute(ctx, tx, d, dur, inc, nil)
}

func (s *PerformRunExecutionService) resumeAutoYieldedWithCompletedTask(ctx context.Context, tx *txScope, d *domain.RunDetails, resp *ExecutionResponse, dur int64, inc int) error {
	if resp.ID != nil {
		if err := completeTask(ctx, tx, *resp.ID, resp.Output, s.now()); err != nil {
			if !repo.IsNotFound(err) {
				return err
			}
			s.log.Warn("auto yield completed unknown task", zap.String("run_id", d.Run.ID.String()), zap.String("task_id", resp.ID.String()))
		}
	}
	data := AutoYieldData{}
	if resp.Data != nil {
		data = *resp.Data
	}
	return s.resumeAutoYielded(ctx, tx, d, data, dur, inc)
}

func (s *PerformRunExecutionService) rescheduleRun(ctx context.Context, tx *txScope, d *domain.RunDetails, at time.Time, dur int64, inc int) error {
	return s.waitToExecute(ctx, tx, d, dur, inc, &at)
}

// resumeAfterTimeout 超时期间有新 task 产生说明在推进，缩小分片时长后恢复；否则判定卡死
func (s *PerformRunExecutionService) resumeAfterTimeout(ctx context.Context, tx *txScope, d *domain.RunDetails, started time.Time, dur int64) error {
	latest, err := tx.GetLatestTask(ctx, d.Run.ID)
	if err != nil && !repo.IsNotFound(err) {
		return err
	}
	if err != nil || latest.CreatedAt.Before(started) || latest.Status == domain.TaskStatusRunning {
		return s.failRun(ctx, tx, d, domain.RunStatusTimedOut, errorOutput(timeoutMessage(latest, dur)), dur, 1)
	}

	limit := dur - 10_000
	if lo := s.limits.MinRunChunkExecutionLimit.Milliseconds(); limit < lo {
		limit = lo
	}
	if hi := s.limits.MaxRunChunkExecutionLimit.Milliseconds(); limit > hi {
		limit = hi
	}
	if err := tx.UpdateEndpoint(ctx, d.Endpoint.ID, domain.EndpointUpdate{RunChunkExecutionLimit: &limit}); err != nil {
		return err
	}
	return s.waitToExecute(ctx, tx, d, dur, 1, nil)
}

func timeoutMessage(latest *domain.Task, dur int64) string {
	switch {
	case latest == nil:
		return fmt.Sprintf("Function timeout detected in %dms without any task creation. The code before the first task took too long to run.", dur)
	case latest.Status == domain.TaskStatusRunning:
		return fmt.Sprintf("Function timeout detected in %dms while executing task %q. Try splitting the work in this task into smaller tasks.", dur, latest.Name)
	default:
		return fmt.Sprintf("Function timeout detected in %dms after task %q. The code after this task took too long to run.", dur, latest.Name)
	}
}

// completeTask task 置为 COMPLETED，待定的 attempt 一并完成
func completeTask(ctx context.Context, tx *txScope, taskID uuid.UUID, output json.RawMessage, now time.Time) error {
	err := tx.UpdateTask(ctx, taskID, domain.TaskUpdate{
		Status:      domain.TaskStatusPtr(domain.TaskStatusCompleted),
		Output:      output,
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}
	pending, err := tx.GetPendingAttempt(ctx, taskID)
	if repo.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return tx.UpdateAttempt(ctx, pending.ID, domain.TaskAttemptCompleted, "")
}
