package runqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// KeyedQueueKey 每个环境下按队列名分组的 ZSET
func KeyedQueueKey(envID uuid.UUID, queueName string) string {
	return "marqs:env:" + envID.String() + ":queue:" + queueName
}

func KeyedMessageKey(runID uuid.UUID) string {
	return "marqs:message:" + runID.String()
}

// KeyedMessage 写入 keyed 队列的消息，由外部消费者读取
type KeyedMessage struct {
	RunID         string    `json:"runId"`
	Queue         string    `json:"queue"`
	EnvironmentID string    `json:"environmentId"`
	Reason        string    `json:"reason,omitempty"`
	Priority      Priority  `json:"priority"`
	Timestamp     time.Time `json:"timestamp"`
}

type KeyedRunQueue struct {
	rdb *redis.Client
	now func() time.Time
}

func NewKeyedRunQueue(rdb *redis.Client) *KeyedRunQueue {
	return &KeyedRunQueue{rdb: rdb, now: time.Now}
}

// QueueName 并发组名优先，否则使用 job slug
func QueueName(req EnqueueRequest) string {
	if req.Version.ConcurrencyLimitGroupName != "" {
		return req.Version.ConcurrencyLimitGroupName
	}
	return req.Job.Slug
}

var keyedEnqueueScript = redis.NewScript(`
local old = redis.call('GET', KEYS[2])
if old then
	local msg = cjson.decode(old)
	redis.call('ZREM', msg['queueKey'], ARGV[1])
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('SET', KEYS[2], ARGV[3])
return 1
`)

func (k *KeyedRunQueue) EnqueueRun(ctx context.Context, req EnqueueRequest) error {
	ts := k.now()
	if req.RunAt != nil {
		ts = *req.RunAt
	}
	queueKey := KeyedQueueKey(req.Environment.ID, QueueName(req))
	body, err := json.Marshal(struct {
		KeyedMessage
		QueueKey string `json:"queueKey"`
	}{
		KeyedMessage: KeyedMessage{
			RunID:         req.Run.ID.String(),
			Queue:         QueueName(req),
			EnvironmentID: req.Environment.ID.String(),
			Reason:        req.Reason,
			Priority:      req.Priority,
			Timestamp:     ts,
		},
		QueueKey: queueKey,
	})
	if err != nil {
		return errors.Wrap(err, "marshal keyed message")
	}
	err = keyedEnqueueScript.Run(ctx, k.rdb,
		[]string{queueKey, KeyedMessageKey(req.Run.ID)},
		req.Run.ID.String(), ts.UnixMilli(), string(body),
	).Err()
	return errors.Wrapf(err, "enqueue keyed run %s", req.Run.ID)
}

var keyedAckScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if not old then return 0 end
local msg = cjson.decode(old)
redis.call('ZREM', msg['queueKey'], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// DequeueRun 即 ack：删除消息及其在队列中的位置，不存在时为 no-op
func (k *KeyedRunQueue) DequeueRun(ctx context.Context, runID uuid.UUID) error {
	err := keyedAckScript.Run(ctx, k.rdb, []string{KeyedMessageKey(runID)}, runID.String()).Err()
	return errors.Wrapf(err, "ack keyed run %s", runID)
}
