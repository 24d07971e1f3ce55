package domain

import "time"

// Limits 执行引擎的硬上限，可由配置覆盖
type Limits struct {
	MaxJobRunExecutionCount   int
	MaxRunYieldedExecutions   int
	MaxRunChunkExecutionLimit time.Duration
	MinRunChunkExecutionLimit time.Duration
	MaxExecutionFailures      int
	RetryBaseDelay            time.Duration
	RetryFactor               float64
	CachedTasksMaxBytes       int
	CompletedTasksFetchLimit  int
	DevExecutionTimeout       time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxJobRunExecutionCount:   250,
		MaxRunYieldedExecutions:   100,
		MaxRunChunkExecutionLimit: 120 * time.Second,
		MinRunChunkExecutionLimit: 10 * time.Second,
		MaxExecutionFailures:      10,
		RetryBaseDelay:            500 * time.Millisecond,
		RetryFactor:               1.5,
		CachedTasksMaxBytes:       3_500_000,
		CompletedTasksFetchLimit:  1000,
		DevExecutionTimeout:       5 * time.Minute,
	}
}
