package taskqueue

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// Tasks live in a sorted set keyed
//
//	<prefix>tasks
//
// scored by NotBefore in Unix milliseconds. Members are gob-encoded Task
// structs. A task is claimed by whichever consumer removes it with ZREM.
type RedisQueue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "funnel:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "funnel:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Enqueue adds a task to the sorted set (ZADD).
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(t.NotBefore.UnixMilli()),
		Member: data,
	}).Err()
}

// Dequeue polls for the earliest due task until one is claimed or ctx is
// cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
			Count: 1,
		}).Result()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, err
		}

		if len(members) == 1 {
			removed, err := q.client.ZRem(ctx, q.key, members[0]).Result()
			if err != nil {
				return nil, err
			}
			if removed == 1 {
				return DecodeTask([]byte(members[0]))
			}
			// Another consumer won the race; look again right away.
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		slog.Warn("redis queue length failed", "key", q.key, "error", err)
		return 0
	}
	return int(n)
}
