package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"RunEngine/internal/domain"
	"RunEngine/internal/repo"
	"RunEngine/internal/service"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 定时触发产生的事件名
const ScheduledEventName = "trigger.scheduled"

const (
	maxCatchupWindows  = 10
	maxCatchupDuration = time.Hour
)

// Trigger 为一个 job 版本创建 run
type Trigger interface {
	TriggerRun(ctx context.Context, p service.TriggerRunParams) (*domain.Run, error)
}

// Scheduler 周期扫描启用的 schedule，按 cron 创建 run
type Scheduler struct {
	store    repo.Store
	trigger  Trigger
	rdb      *redis.Client
	interval time.Duration
	timezone *time.Location
	now      func() time.Time
	log      *zap.Logger
}

func NewScheduler(store repo.Store, trigger Trigger, rdb *redis.Client, interval time.Duration, tz string, log *zap.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:    store,
		trigger:  trigger,
		rdb:      rdb,
		interval: interval,
		timezone: loc,
		now:      time.Now,
		log:      log,
	}, nil
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run 每隔 interval 扫描一次，直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.TickOnce(ctx); err != nil {
				s.log.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// TickOnce 扫描所有启用的 schedule 并补齐最近漏掉的触发
func (s *Scheduler) TickOnce(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, &enabled)
	if err != nil {
		return err
	}
	now := s.now()

	totalCatchup := 0
	totalTriggered := 0
	for _, sch := range schedules {
		catchup, triggered, err := s.handleSchedule(ctx, sch, now)
		if err != nil {
			s.log.Warn("handle schedule failed", zap.String("schedule_id", sch.ID.String()), zap.Error(err))
			continue
		}
		totalCatchup += catchup
		totalTriggered += triggered
	}

	if s.rdb != nil {
		_ = s.rdb.Incr(ctx, "metrics:scheduler:ticks").Err()
		_ = s.rdb.HSet(ctx, "metrics:scheduler:last", map[string]any{
			"time":            now.In(s.timezone).Format(time.RFC3339),
			"enabled_count":   len(schedules),
			"catchup_count":   totalCatchup,
			"triggered_count": totalTriggered,
		}).Err()
	}

	s.log.Debug("scheduler tick",
		zap.Int("enabled", len(schedules)),
		zap.Int("catchup", totalCatchup),
		zap.Int("triggered", totalTriggered))
	return nil
}

func (s *Scheduler) location(sch domain.Schedule) *time.Location {
	if sch.Timezone == "" {
		return s.timezone
	}
	loc, err := time.LoadLocation(sch.Timezone)
	if err != nil {
		return s.timezone
	}
	return loc
}

// handleSchedule 最多补 10 个窗口，且只补最近 1 小时内的
func (s *Scheduler) handleSchedule(ctx context.Context, sch domain.Schedule, now time.Time) (int, int, error) {
	sched, err := service.CronParser.Parse(sch.CronExpr)
	if err != nil {
		return 0, 0, err
	}
	loc := s.location(sch)
	now = now.In(loc)
	cutoff := now.Add(-maxCatchupDuration)

	var last time.Time
	if sch.LastTriggeredAt != nil {
		last = sch.LastTriggeredAt.In(loc)
	} else {
		last = now.Add(-s.interval)
	}
	if last.Before(cutoff) {
		last = cutoff
	}

	catchup := 0
	triggered := 0
	for catchup < maxCatchupWindows {
		next := sched.Next(last)
		if next.After(now) {
			break
		}
		last = next

		if err := s.fire(ctx, sch, next, sch.LastTriggeredAt); err != nil {
			s.log.Warn("trigger schedule failed",
				zap.String("schedule_id", sch.ID.String()),
				zap.Time("at", next),
				zap.Error(err))
		} else {
			triggered++
		}
		if err := s.store.UpdateScheduleLastTriggeredAt(ctx, sch.ID, next); err != nil {
			return catchup, triggered, err
		}
		at := next
		sch.LastTriggeredAt = &at
		catchup++
	}
	return catchup, triggered, nil
}

type scheduledContext struct {
	ScheduleID    string     `json:"scheduleId"`
	Timestamp     time.Time  `json:"ts"`
	LastTimestamp *time.Time `json:"lastTimestamp,omitempty"`
}

func (s *Scheduler) fire(ctx context.Context, sch domain.Schedule, at time.Time, lastAt *time.Time) error {
	evCtx, err := json.Marshal(scheduledContext{ScheduleID: sch.ID.String(), Timestamp: at.UTC(), LastTimestamp: lastAt})
	if err != nil {
		return err
	}
	run, err := s.trigger.TriggerRun(ctx, service.TriggerRunParams{
		JobVersionID: sch.JobVersionID,
		EventName:    ScheduledEventName,
		Payload:      sch.Payload,
		Context:      evCtx,
	})
	if err != nil {
		return err
	}
	s.log.Info("schedule triggered",
		zap.String("schedule_id", sch.ID.String()),
		zap.String("run_id", run.ID.String()),
		zap.Time("at", at))
	return nil
}
