// Package forceyield 记录本进程正在执行的 run，进程退出时通知它们尽快 yield
package forceyield

import (
	"context"
	"sort"
	"sync"

	"RunEngine/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Flagger 批量设置 run 的 forceYieldImmediately
type Flagger interface {
	SetForceYieldImmediately(ctx context.Context, runIDs []uuid.UUID) error
}

type Coordinator struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
	flagger Flagger
	log     *zap.Logger
}

func NewCoordinator(flagger Flagger, log *zap.Logger) *Coordinator {
	return &Coordinator{running: make(map[uuid.UUID]struct{}), flagger: flagger, log: log}
}

func (c *Coordinator) Register(runID uuid.UUID) {
	c.mu.Lock()
	c.running[runID] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) Deregister(runID uuid.UUID) {
	c.mu.Lock()
	delete(c.running, runID)
	c.mu.Unlock()
}

// InFlight 当前登记的 run，按字符串排序
func (c *Coordinator) InFlight() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// ShutdownHook 收到终止信号时调用；尽力而为，错误只记录
func (c *Coordinator) ShutdownHook(ctx context.Context) {
	ids := c.InFlight()
	if len(ids) == 0 {
		return
	}
	if err := c.flagger.SetForceYieldImmediately(ctx, ids); err != nil {
		c.log.Error("force yield in-flight runs failed", zap.Int("count", len(ids)), zap.Error(err))
		return
	}
	metrics.ForcedYields.Add(float64(len(ids)))
	c.log.Info("flagged in-flight runs for forced yield", zap.Int("count", len(ids)))
}
