package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolftown/canis/internal/domain"
)

func toDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

const (
	queueKey = "webhook:delivery:queue"
	retryKey = "webhook:delivery:retry"
)

// promoteRetriesScript atomically moves every member of the retry sorted
// set whose score (a Unix timestamp) has elapsed back onto the delivery
// queue, removing it from the sorted set in the same call so a concurrent
// worker can never pick it up twice.
var promoteRetriesScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #due == 0 then
	return 0
end
for _, member in ipairs(due) do
	redis.call('LPUSH', KEYS[2], member)
end
redis.call('ZREM', KEYS[1], unpack(due))
return #due
`)

// Queue is the Redis-backed delivery queue and retry schedule.
type Queue struct {
	redis *redis.Client
}

func NewQueue(redisClient *redis.Client) *Queue {
	return &Queue{redis: redisClient}
}

// Enqueue pushes a delivery item onto the immediate-delivery queue.
func (q *Queue) Enqueue(ctx context.Context, item *domain.WebhookDeliveryItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal delivery item: %w", err)
	}
	return q.redis.LPush(ctx, queueKey, data).Err()
}

// ScheduleRetry places a delivery item into the retry sorted set, scored by
// the Unix timestamp at which it becomes eligible for promotion.
func (q *Queue) ScheduleRetry(ctx context.Context, item *domain.WebhookDeliveryItem, deliverAtUnix float64) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal delivery item: %w", err)
	}
	return q.redis.ZAdd(ctx, retryKey, redis.Z{Score: deliverAtUnix, Member: data}).Err()
}

// PromoteDueRetries moves every retry entry due by nowUnix back onto the
// delivery queue and returns how many were promoted.
func (q *Queue) PromoteDueRetries(ctx context.Context, nowUnix float64) (int64, error) {
	res, err := promoteRetriesScript.Run(ctx, q.redis, []string{retryKey, queueKey}, nowUnix).Int64()
	if err != nil {
		return 0, fmt.Errorf("promote due retries: %w", err)
	}
	return res, nil
}

// Dequeue blocks up to timeout waiting for a delivery item, returning nil
// with no error on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeoutSeconds float64) (*domain.WebhookDeliveryItem, error) {
	res, err := q.redis.BRPop(ctx, toDuration(timeoutSeconds), queueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue delivery item: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply shape")
	}
	var item domain.WebhookDeliveryItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		return nil, fmt.Errorf("unmarshal delivery item: %w", err)
	}
	return &item, nil
}
