package worker

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const heartbeatPrefix = "worker:"

func heartbeatKey(workerID string) string {
	return heartbeatPrefix + workerID + ":heartbeat"
}

// StartHeartbeat 周期刷新 Worker 心跳键（TTL=ttl，刷新间隔=interval）
func StartHeartbeat(ctx context.Context, rdb *redis.Client, workerID string, queues []string, ttl, interval time.Duration) {
	beat := func() {
		_ = rdb.Set(ctx, heartbeatKey(workerID), strings.Join(queues, ","), ttl).Err()
	}
	tkr := time.NewTicker(interval)
	defer tkr.Stop()
	beat()
	for {
		select {
		case <-ctx.Done():
			_ = rdb.Del(context.WithoutCancel(ctx), heartbeatKey(workerID)).Err()
			return
		case <-tkr.C:
			beat()
		}
	}
}

type WorkerInfo struct {
	ID     string   `json:"id"`
	Queues []string `json:"queues"`
	TTL    string   `json:"ttl"`
}

// ListWorkers 通过心跳键列出存活的 worker
func ListWorkers(ctx context.Context, rdb *redis.Client) ([]WorkerInfo, error) {
	var out []WorkerInfo
	iter := rdb.Scan(ctx, 0, heartbeatPrefix+"*:heartbeat", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimSuffix(strings.TrimPrefix(key, heartbeatPrefix), ":heartbeat")
		val, err := rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		ttl, _ := rdb.TTL(ctx, key).Result()
		out = append(out, WorkerInfo{ID: id, Queues: strings.Split(val, ","), TTL: ttl.String()})
	}
	return out, iter.Err()
}
