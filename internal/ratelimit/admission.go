// Package ratelimit 基于 Redis 滑动窗口的执行准入控制
// 每个 flag 对应一个 ZSET（jobID -> 预留时间），容量存于 {flag}:maxSize；
// 超出容量的 flag 记入全局 forbidden 集合，释放后低于容量再移除
package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const ForbiddenFlagsKey = "ratelimit:forbidden-flags"

func MaxSizeKey(flag string) string {
	return flag + ":maxSize"
}

// AdmissionController 两阶段准入：先预留，执行后释放；中途失败回滚已预留的 flag
type AdmissionController interface {
	TryReserve(ctx context.Context, flag, jobID string) (bool, error)
	Release(ctx context.Context, flag, jobID string) error
	Rollback(ctx context.Context, flags []string, jobID string) error
}

type RedisAdmission struct {
	rdb    *redis.Client
	window time.Duration
	now    func() time.Time
}

func NewRedisAdmission(rdb *redis.Client, window time.Duration) *RedisAdmission {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &RedisAdmission{rdb: rdb, window: window, now: time.Now}
}

func (a *RedisAdmission) WithClock(now func() time.Time) *RedisAdmission {
	a.now = now
	return a
}

// 清理窗口外成员 -> 计数 -> 未满则写入；已存在的 jobID 视为已预留
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - tonumber(ARGV[2]))
if redis.call('ZSCORE', KEYS[1], ARGV[3]) then
	return 1
end
local maxSize = tonumber(redis.call('GET', KEYS[2]) or '-1')
if maxSize >= 0 and redis.call('ZCARD', KEYS[1]) >= maxSize then
	redis.call('SADD', KEYS[3], ARGV[4])
	return 0
end
redis.call('ZADD', KEYS[1], now, ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

func (a *RedisAdmission) TryReserve(ctx context.Context, flag, jobID string) (bool, error) {
	n, err := reserveScript.Run(ctx, a.rdb,
		[]string{flag, MaxSizeKey(flag), ForbiddenFlagsKey},
		a.now().UnixMilli(), a.window.Milliseconds(), jobID, flag,
	).Int()
	if err != nil {
		return false, errors.Wrapf(err, "reserve flag %s", flag)
	}
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', tonumber(ARGV[2]) - tonumber(ARGV[3]))
local maxSize = tonumber(redis.call('GET', KEYS[2]) or '-1')
if maxSize < 0 or redis.call('ZCARD', KEYS[1]) < maxSize then
	redis.call('SREM', KEYS[3], ARGV[4])
end
return 1
`)

func (a *RedisAdmission) Release(ctx context.Context, flag, jobID string) error {
	err := releaseScript.Run(ctx, a.rdb,
		[]string{flag, MaxSizeKey(flag), ForbiddenFlagsKey},
		jobID, a.now().UnixMilli(), a.window.Milliseconds(), flag,
	).Err()
	return errors.Wrapf(err, "release flag %s", flag)
}

func (a *RedisAdmission) Rollback(ctx context.Context, flags []string, jobID string) error {
	for _, flag := range flags {
		if err := a.Release(ctx, flag, jobID); err != nil {
			return err
		}
	}
	return nil
}

// Forbidden 当前已满的 flag
func (a *RedisAdmission) Forbidden(ctx context.Context) ([]string, error) {
	return a.rdb.SMembers(ctx, ForbiddenFlagsKey).Result()
}
