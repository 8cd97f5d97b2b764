package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/observability"
)

const defaultWakeupKey = "flowmesh:wakeups"

// RedisQueue stores wake-ups in a sorted set scored by due time in unix
// milliseconds. Members are run ids, so re-scheduling a run replaces its
// score instead of duplicating the entry.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger observability.Logger
}

// NewRedisQueue creates a queue over an existing Redis client.
func NewRedisQueue(client *redis.Client, key string, logger observability.Logger) *RedisQueue {
	if key == "" {
		key = defaultWakeupKey
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RedisQueue{client: client, key: key, logger: logger}
}

// Enqueue implements Queue. ZADD GT is deliberately not used; the latest
// schedule wins, matching the engine's single-writer-per-run model.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	err := q.client.ZAdd(ctx, q.key, &redis.Z{
		Score:  float64(msg.At.UnixMilli()),
		Member: msg.RunID.String(),
	}).Err()
	if err != nil {
		return errors.Wrap(err, "failed to enqueue wakeup")
	}
	return nil
}

// DequeueDue implements Queue. A member is returned only when this caller
// wins the ZREM, so concurrent workers never dispatch the same run twice.
func (q *RedisQueue) DequeueDue(ctx context.Context, now time.Time, max int) ([]Message, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(max),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read due wakeups")
	}

	var out []Message
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return out, errors.Wrap(err, "failed to claim wakeup")
		}
		if removed == 0 {
			continue // another worker claimed it
		}
		id, err := uuid.Parse(member)
		if err != nil {
			q.logger.Warn("dropping malformed wakeup member", map[string]interface{}{
				"member": member,
			})
			continue
		}
		out = append(out, Message{RunID: id, At: now})
	}
	return out, nil
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
