// Package queue 提供基于 Redis 的持久任务队列实现
// 每个 job 以 key 唯一标识，同 key 再次入队会覆盖（以最后一次的 runAt 为准），不会产生重复
// 支持延时队列(delayed)、就绪队列(ready)、执行中(running)和死信队列(dlq)
package queue

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var ErrJobNotFound = errors.New("job not found")

// ReadyKey 就绪队列，ZSET，score = priority 优先，其次 runAt
func ReadyKey(queueName string) string {
	return "queue:" + queueName + ":ready"
}

// DelayedKey 延时队列，ZSET，score 为触发时间（毫秒）
func DelayedKey(queueName string) string {
	return "queue:" + queueName + ":delayed"
}

// RunningKey 执行中的 job，member 为 key#rev，score 为领取时间
func RunningKey(queueName string) string {
	return "queue:" + queueName + ":running"
}

// DLQKey 死信队列，List，存储重试耗尽的 job
func DLQKey(queueName string) string {
	return "queue:" + queueName + ":dlq"
}

const (
	jobKeyPrefix = "job:"
	revKey       = "job:rev"
	// priority 占 score 的高位，毫秒时间戳小于 1e13
	priorityWeight = 1e13
)

func JobKey(key string) string {
	return jobKeyPrefix + key
}

type Job struct {
	Key         string          `json:"key"`
	Type        string          `json:"type"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	RunAt       time.Time       `json:"run_at"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Attempts    int             `json:"attempts"`
	Flags       []string        `json:"flags,omitempty"`
	Rev         int64           `json:"rev"`
	LastError   string          `json:"last_error,omitempty"`
}

// LastAttempt 当前执行是否为最后一次机会
func (j *Job) LastAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

type EnqueueOptions struct {
	Queue       string
	RunAt       *time.Time
	JobKey      string
	MaxAttempts int
	Priority    int
	Flags       []string
}

// JobQueue 持久队列的最小接口
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (string, error)
	Dequeue(ctx context.Context, jobKey string) (bool, error)
}

type RedisQueue struct {
	rdb          *redis.Client
	defaultQueue string
	now          func() time.Time
}

func NewRedisQueue(rdb *redis.Client, defaultQueue string) *RedisQueue {
	if defaultQueue == "" {
		defaultQueue = "default"
	}
	return &RedisQueue{rdb: rdb, defaultQueue: defaultQueue, now: time.Now}
}

// WithClock 测试中替换时钟
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func (q *RedisQueue) Client() *redis.Client {
	return q.rdb
}

func (q *RedisQueue) DefaultQueue() string {
	return q.defaultQueue
}

func readyScore(priority int, runAtMs int64) float64 {
	return float64(priority)*priorityWeight + float64(runAtMs)
}

// 覆盖写入 job；到期直接进 ready，否则进 delayed
var enqueueScript = redis.NewScript(`
local rev = redis.call('INCR', KEYS[4])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
	'type', ARGV[2], 'payload', ARGV[3], 'run_at', ARGV[4], 'priority', ARGV[5],
	'max_attempts', ARGV[6], 'attempts', 0, 'flags', ARGV[7], 'queue', ARGV[9], 'rev', rev)
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
if tonumber(ARGV[4]) <= tonumber(ARGV[8]) then
	redis.call('ZADD', KEYS[3], ARGV[10], ARGV[1])
else
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
end
return rev
`)

// Enqueue 入队，返回 job key；未指定 key 时生成随机 key
func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal job payload")
	}
	queueName := opts.Queue
	if queueName == "" {
		queueName = q.defaultQueue
	}
	key := opts.JobKey
	if key == "" {
		key = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 25
	}
	now := q.now()
	runAt := now
	if opts.RunAt != nil {
		runAt = *opts.RunAt
	}
	runAtMs := runAt.UnixMilli()

	err = enqueueScript.Run(ctx, q.rdb,
		[]string{JobKey(key), DelayedKey(queueName), ReadyKey(queueName), revKey},
		key, jobType, string(raw), runAtMs, opts.Priority, maxAttempts,
		strings.Join(opts.Flags, ","), now.UnixMilli(), queueName, readyScore(opts.Priority, runAtMs),
	).Err()
	if err != nil {
		return "", errors.Wrapf(err, "enqueue job %s", key)
	}
	return key, nil
}

var dequeueScript = redis.NewScript(`
local q = redis.call('HGET', KEYS[1], 'queue')
if not q then return 0 end
redis.call('ZREM', 'queue:' .. q .. ':delayed', ARGV[1])
redis.call('ZREM', 'queue:' .. q .. ':ready', ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// Dequeue 移除尚未执行的 job；正在执行的 job 不受影响
func (q *RedisQueue) Dequeue(ctx context.Context, jobKey string) (bool, error) {
	n, err := dequeueScript.Run(ctx, q.rdb, []string{JobKey(jobKey)}, jobKey).Int()
	if err != nil {
		return false, errors.Wrapf(err, "dequeue job %s", jobKey)
	}
	return n == 1, nil
}

// Get 读取 job 当前状态
func (q *RedisQueue) Get(ctx context.Context, jobKey string) (*Job, error) {
	vals, err := q.rdb.HGetAll(ctx, JobKey(jobKey)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(jobKey, vals), nil
}

func parseJob(key string, vals map[string]string) *Job {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	runAtMs, _ := strconv.ParseInt(vals["run_at"], 10, 64)
	rev, _ := strconv.ParseInt(vals["rev"], 10, 64)
	j := &Job{
		Key:         key,
		Type:        vals["type"],
		Queue:       vals["queue"],
		Payload:     json.RawMessage(vals["payload"]),
		RunAt:       time.UnixMilli(runAtMs),
		Priority:    atoi(vals["priority"]),
		MaxAttempts: atoi(vals["max_attempts"]),
		Attempts:    atoi(vals["attempts"]),
		Rev:         rev,
		LastError:   vals["last_error"],
	}
	if f := vals["flags"]; f != "" {
		j.Flags = strings.Split(f, ",")
	}
	return j
}

func runningMember(key string, rev int64) string {
	return key + "#" + strconv.FormatInt(rev, 10)
}

// ParseRunningMember 拆分 running 集合的 member
func ParseRunningMember(member string) (string, int64) {
	i := strings.LastIndex(member, "#")
	if i < 0 {
		return member, 0
	}
	rev, _ := strconv.ParseInt(member[i+1:], 10, 64)
	return member[:i], rev
}

var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then return false end
local key = popped[1]
local jk = ARGV[2] .. key
if redis.call('EXISTS', jk) == 0 then return {key, 0} end
redis.call('HINCRBY', jk, 'attempts', 1)
local rev = redis.call('HGET', jk, 'rev')
redis.call('ZADD', KEYS[2], ARGV[1], key .. '#' .. rev)
return {key, 1}
`)

// Claim 从就绪队列领取一个 job，无 job 时返回 (nil, nil)
func (q *RedisQueue) Claim(ctx context.Context, queueName string) (*Job, error) {
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{ReadyKey(queueName), RunningKey(queueName)},
		q.now().UnixMilli(), jobKeyPrefix,
	).Slice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	key, _ := res[0].(string)
	if found, _ := res[1].(int64); found == 0 {
		// 已被 dequeue 的残留 member
		return nil, nil
	}
	return q.Get(ctx, key)
}

var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1] .. '#' .. ARGV[2])
if redis.call('HGET', KEYS[1], 'rev') == ARGV[2] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// Complete 执行成功后删除 job；执行期间被重新入队（rev 变化）的 job 保留
func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	return completeScript.Run(ctx, q.rdb,
		[]string{JobKey(job.Key), RunningKey(job.Queue)},
		job.Key, job.Rev,
	).Err()
}

var retryScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1] .. '#' .. ARGV[2])
if redis.call('HGET', KEYS[1], 'rev') ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'last_error', ARGV[5])
if ARGV[6] == '1' then
	redis.call('HINCRBY', KEYS[1], 'attempts', -1)
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
local maxAttempts = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
if attempts >= maxAttempts then
	redis.call('RPUSH', KEYS[4], ARGV[4])
	redis.call('DEL', KEYS[1])
	return 2
end
redis.call('HSET', KEYS[1], 'run_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// RetryResult 重试结果
type RetryResult int

const (
	RetrySkipped RetryResult = iota // 执行期间 job 已被覆盖
	RetryScheduled
	RetryExhausted // 进入死信队列
)

// Fail 处理失败：按指数退避重新进入延时队列，次数耗尽进入 DLQ
func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (RetryResult, error) {
	// 指数退避 base=5s, factor=2^(attempt-1)
	attempt := job.Attempts
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(2, float64(min(attempt-1, 10)))
	next := q.now().Add(time.Duration(factor * float64(5*time.Second)))
	return q.pushBack(ctx, job, next, cause.Error(), false)
}

// Reschedule 不消耗重试次数地推迟 job（用于限流）
func (q *RedisQueue) Reschedule(ctx context.Context, job *Job, runAt time.Time, reason string) error {
	_, err := q.pushBack(ctx, job, runAt, reason, true)
	return err
}

func (q *RedisQueue) pushBack(ctx context.Context, job *Job, runAt time.Time, reason string, refund bool) (RetryResult, error) {
	dead := *job
	dead.LastError = reason
	buf, _ := json.Marshal(dead)
	refundArg := "0"
	if refund {
		refundArg = "1"
	}
	n, err := retryScript.Run(ctx, q.rdb,
		[]string{JobKey(job.Key), RunningKey(job.Queue), DelayedKey(job.Queue), DLQKey(job.Queue)},
		job.Key, job.Rev, runAt.UnixMilli(), string(buf), reason, refundArg,
	).Int()
	if err != nil {
		return RetrySkipped, errors.Wrapf(err, "push back job %s", job.Key)
	}
	return RetryResult(n), nil
}

// Requeue 租约失效的 job 放回就绪队列
var requeueScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[2], ARGV[1] .. '#' .. ARGV[2])
if removed == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'rev') ~= ARGV[2] then return 0 end
local priority = tonumber(redis.call('HGET', KEYS[1], 'priority') or '0')
redis.call('ZADD', KEYS[3], priority * 1e13 + tonumber(ARGV[3]), ARGV[1])
return 1
`)

func (q *RedisQueue) Requeue(ctx context.Context, queueName, key string, rev int64) (bool, error) {
	n, err := requeueScript.Run(ctx, q.rdb,
		[]string{JobKey(key), RunningKey(queueName), ReadyKey(queueName)},
		key, rev, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return false, errors.Wrapf(err, "requeue job %s", key)
	}
	return n == 1, nil
}

// ListStaleRunning 领取时间早于 before 的执行中 job
func (q *RedisQueue) ListStaleRunning(ctx context.Context, queueName string, before time.Time) ([]string, error) {
	return q.rdb.ZRangeByScore(ctx, RunningKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
}

var moveDueScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, key in ipairs(items) do
	local jk = ARGV[3] .. key
	local priority = tonumber(redis.call('HGET', jk, 'priority') or '0')
	local runAt = tonumber(redis.call('HGET', jk, 'run_at') or ARGV[1])
	redis.call('ZREM', KEYS[1], key)
	redis.call('ZADD', KEYS[2], priority * 1e13 + runAt, key)
end
return #items
`)

// MoveDueDelayedToReadyAtomic 原子地将到期的延时 job 移动到就绪队列
func (q *RedisQueue) MoveDueDelayedToReadyAtomic(ctx context.Context, queueName string, limit int) (int, error) {
	n, err := moveDueScript.Run(ctx, q.rdb,
		[]string{DelayedKey(queueName), ReadyKey(queueName)},
		q.now().UnixMilli(), limit, jobKeyPrefix,
	).Int()
	if err != nil {
		return 0, errors.Wrap(err, "move due delayed jobs")
	}
	return n, nil
}

// ListDLQ 查看死信队列中的 job，不会移除
func (q *RedisQueue) ListDLQ(ctx context.Context, queueName string, start, stop int64) ([]string, error) {
	return q.rdb.LRange(ctx, DLQKey(queueName), start, stop).Result()
}

// ReplayDLQ 将死信 job 以原 key 重新入队，可覆盖优先级
func (q *RedisQueue) ReplayDLQ(ctx context.Context, queueName string, count int, overridePriority *int) (int, error) {
	moved := 0
	for i := 0; i < count; i++ {
		val, err := q.rdb.LPop(ctx, DLQKey(queueName)).Result()
		if err != nil {
			if err == redis.Nil {
				// 队列为空，结束循环
				break
			}
			return moved, err
		}
		var job Job
		if err := json.Unmarshal([]byte(val), &job); err != nil {
			return moved, errors.Wrap(err, "decode dlq job")
		}
		priority := job.Priority
		if overridePriority != nil {
			priority = *overridePriority
		}
		if _, err := q.Enqueue(ctx, job.Type, job.Payload, EnqueueOptions{
			Queue:       queueName,
			JobKey:      job.Key,
			MaxAttempts: job.MaxAttempts,
			Priority:    priority,
			Flags:       job.Flags,
		}); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Connect 建立 Redis 连接并 PING 验证
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}
