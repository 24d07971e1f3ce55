package lease

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

func LeaseKey(name string) string {
	return "lease:" + name
}

// JobLease 执行中 job 的租约名
func JobLease(runningMember string) string {
	return "job:" + runningMember
}

// LockLease 后台搬运/回收循环使用的互斥锁
func LockLease(loop, queueName string) string {
	return "lock:" + loop + ":" + queueName
}

type Manager struct {
	rdb *redis.Client
}

func NewManager(rdb *redis.Client) *Manager {
	return &Manager{
		rdb: rdb,
	}
}

// Acquire 尝试设置租约（仅当不存在时成功），返回是否成功
func (m *Manager) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return m.rdb.SetNX(ctx, LeaseKey(name), holder, ttl).Result()
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
	return 0
end`)

// Renew 仅当持有者匹配时续租
func (m *Manager) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, m.rdb, []string{LeaseKey(name)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end`)

// Release 仅当持有者匹配时释放租约
func (m *Manager) Release(ctx context.Context, name, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.rdb, []string{LeaseKey(name)}, holder).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Held 租约是否仍存在
func (m *Manager) Held(ctx context.Context, name string) (bool, error) {
	n, err := m.rdb.Exists(ctx, LeaseKey(name)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
