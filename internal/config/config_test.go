package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, []string{"default"}, cfg.QueueNames)
	assert.Equal(t, 1, cfg.WorkerConcurrency)
	assert.Equal(t, "org-flag", cfg.MarqsMode)
	assert.Equal(t, 5*time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 250, cfg.Limits.MaxJobRunExecutionCount)
	assert.Equal(t, 120*time.Second, cfg.Limits.MaxRunChunkExecutionLimit)
	assert.Equal(t, "default", cfg.DefaultQueue())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QUEUE_NAMES", " runs, ,emails ")
	t.Setenv("WORKER_CONCURRENCY", "-3")
	t.Setenv("MAX_RUN_YIELDED_EXECUTIONS", "5000")
	t.Setenv("LEASE_TTL", "10s")

	cfg := Load()
	assert.Equal(t, []string{"runs", "emails"}, cfg.QueueNames)
	assert.Equal(t, 1, cfg.WorkerConcurrency)
	assert.Equal(t, 5000, cfg.Limits.MaxRunYieldedExecutions)
	assert.Equal(t, 10*time.Second, cfg.LeaseTTL)
	assert.Equal(t, "runs", cfg.DefaultQueue())
}
