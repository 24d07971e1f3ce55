package config

import (
	"strings"
	"time"

	"RunEngine/internal/domain"

	"github.com/spf13/viper"
)

type AppConfig struct {
	HTTPPort          string
	PostgresDSN       string
	RedisURL          string
	StoreDriver       string // postgres / memory
	QueueNames        []string
	WorkerConcurrency int

	LogLevel  string
	LogFormat string
	LogFile   string

	// keyed run queue 模式：off / org-flag / all
	MarqsMode string

	RateLimitWindow      time.Duration
	RateLimitRetryDelay  time.Duration
	LeaseTTL             time.Duration
	DelayedMoverInterval time.Duration
	SchedulerInterval    time.Duration
	SchedulerTimezone    string

	Limits domain.Limits
}

func Load() AppConfig {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("DATABASE_URL", "host=localhost port=5432 user=linhe dbname=run_engine sslmode=disable")
	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("QUEUE_NAMES", "default")
	v.SetDefault("WORKER_CONCURRENCY", 1)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("MARQS_MODE", "org-flag")
	v.SetDefault("RATE_LIMIT_WINDOW", "5m")
	v.SetDefault("RATE_LIMIT_RETRY_DELAY", "2s")
	v.SetDefault("LEASE_TTL", "30s")
	v.SetDefault("DELAYED_MOVER_INTERVAL", "250ms")
	v.SetDefault("SCHEDULER_TICK_INTERVAL", "10s")
	v.SetDefault("SCHEDULER_TIMEZONE", "Asia/Shanghai")

	defaults := domain.DefaultLimits()
	v.SetDefault("MAX_JOB_RUN_EXECUTION_COUNT", defaults.MaxJobRunExecutionCount)
	v.SetDefault("MAX_RUN_YIELDED_EXECUTIONS", defaults.MaxRunYieldedExecutions)
	v.SetDefault("MAX_RUN_CHUNK_EXECUTION_LIMIT", defaults.MaxRunChunkExecutionLimit.String())

	// 按逗号分割队列名
	var queues []string
	for _, q := range strings.Split(v.GetString("QUEUE_NAMES"), ",") {
		if trimmed := strings.TrimSpace(q); trimmed != "" {
			queues = append(queues, trimmed)
		}
	}
	if len(queues) == 0 {
		queues = []string{"default"}
	}

	concurrency := v.GetInt("WORKER_CONCURRENCY")
	if concurrency <= 0 {
		concurrency = 1
	}

	limits := defaults
	limits.MaxJobRunExecutionCount = v.GetInt("MAX_JOB_RUN_EXECUTION_COUNT")
	limits.MaxRunYieldedExecutions = v.GetInt("MAX_RUN_YIELDED_EXECUTIONS")
	limits.MaxRunChunkExecutionLimit = v.GetDuration("MAX_RUN_CHUNK_EXECUTION_LIMIT")

	return AppConfig{
		HTTPPort:             v.GetString("HTTP_PORT"),
		PostgresDSN:          v.GetString("DATABASE_URL"),
		RedisURL:             v.GetString("REDIS_URL"),
		StoreDriver:          v.GetString("STORE_DRIVER"),
		QueueNames:           queues,
		WorkerConcurrency:    concurrency,
		LogLevel:             v.GetString("LOG_LEVEL"),
		LogFormat:            v.GetString("LOG_FORMAT"),
		LogFile:              v.GetString("LOG_FILE"),
		MarqsMode:            v.GetString("MARQS_MODE"),
		RateLimitWindow:      v.GetDuration("RATE_LIMIT_WINDOW"),
		RateLimitRetryDelay:  v.GetDuration("RATE_LIMIT_RETRY_DELAY"),
		LeaseTTL:             v.GetDuration("LEASE_TTL"),
		DelayedMoverInterval: v.GetDuration("DELAYED_MOVER_INTERVAL"),
		SchedulerInterval:    v.GetDuration("SCHEDULER_TICK_INTERVAL"),
		SchedulerTimezone:    v.GetString("SCHEDULER_TIMEZONE"),
		Limits:               limits,
	}
}

// DefaultQueue 执行相关的 job 都进入第一个队列
func (c AppConfig) DefaultQueue() string {
	return c.QueueNames[0]
}
