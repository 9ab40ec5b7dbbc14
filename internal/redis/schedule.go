package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoPayload is returned by TakePayload when an item has no stored payload.
var ErrNoPayload = errors.New("scheduled item has no payload")

// ScheduledItem is one entry of a scheduled queue.
type ScheduledItem struct {
	ID    string
	DueAt time.Time
}

// ScheduledQueue is a time-ordered work queue on a Redis sorted set.
//
// Layout: sorted set "schedule:<name>" with member = item id and score = due time
// in Unix milliseconds. Optional payloads live in the hash "schedule:<name>:payload".
type ScheduledQueue struct {
	client     *Client
	name       string
	key        string
	payloadKey string
	logger     *zap.Logger
}

// NewScheduledQueue returns the queue stored under schedule:<name>.
func NewScheduledQueue(client *Client, name string, logger *zap.Logger) *ScheduledQueue {
	key := "schedule:" + name
	return &ScheduledQueue{
		client:     client,
		name:       name,
		key:        key,
		payloadKey: key + ":payload",
		logger:     logger.With(zap.String("queue", name)),
	}
}

// Name returns the queue name.
func (q *ScheduledQueue) Name() string {
	return q.name
}

// Schedule adds id with the given due time. Scheduling an id that is already
// queued replaces its due time.
func (q *ScheduledQueue) Schedule(ctx context.Context, id string, dueAt time.Time) error {
	err := q.client.rdb.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: id,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule %s on %s: %w", id, q.name, err)
	}
	return nil
}

// ScheduleWithPayload stores payload for id and schedules it in one transaction.
func (q *ScheduledQueue) ScheduleWithPayload(ctx context.Context, id string, dueAt time.Time, payload []byte) error {
	_, err := q.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.payloadKey, id, payload)
		pipe.ZAdd(ctx, q.key, redis.Z{Score: float64(dueAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule %s on %s: %w", id, q.name, err)
	}
	return nil
}

// Remove deletes id and its payload. Removing an absent id is not an error.
func (q *ScheduledQueue) Remove(ctx context.Context, id string) error {
	_, err := q.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key, id)
		pipe.HDel(ctx, q.payloadKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s from %s: %w", id, q.name, err)
	}
	return nil
}

// ClaimDue removes and returns up to limit items due at or before now,
// earliest first.
//
// Candidates are read with ZRANGEBYSCORE and each one is claimed with its own
// ZREM; a candidate whose ZREM removed nothing was taken by a concurrent caller
// and is skipped. No two callers ever receive the same item. An item claimed by
// a caller that then crashes is lost.
func (q *ScheduledQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]ScheduledItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	candidates, err := q.client.rdb.ZRangeByScoreWithScores(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range due items on %s: %w", q.name, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	pipe := q.client.rdb.Pipeline()
	removals := make([]*redis.IntCmd, len(candidates))
	for i, c := range candidates {
		removals[i] = pipe.ZRem(ctx, q.key, c.Member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("claim due items on %s: %w", q.name, err)
	}

	claimed := make([]ScheduledItem, 0, len(candidates))
	for i, c := range candidates {
		if removals[i].Val() != 1 {
			continue
		}
		claimed = append(claimed, ScheduledItem{
			ID:    memberID(c.Member),
			DueAt: time.UnixMilli(int64(c.Score)),
		})
	}

	if skipped := len(candidates) - len(claimed); skipped > 0 {
		q.logger.Debug("due items claimed by another worker", zap.Int("skipped", skipped))
	}

	return claimed, nil
}

// TakePayload returns and deletes the payload stored for id.
func (q *ScheduledQueue) TakePayload(ctx context.Context, id string) ([]byte, error) {
	var get *redis.StringCmd
	_, err := q.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGet(ctx, q.payloadKey, id)
		pipe.HDel(ctx, q.payloadKey, id)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("payload for %s: %w", id, ErrNoPayload)
	}
	if err != nil {
		return nil, fmt.Errorf("take payload %s from %s: %w", id, q.name, err)
	}
	return get.Bytes()
}

// Len returns the number of queued items.
func (q *ScheduledQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", q.name, err)
	}
	return n, nil
}

// Peek returns up to limit items in due order without claiming them.
func (q *ScheduledQueue) Peek(ctx context.Context, limit int) ([]ScheduledItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	entries, err := q.client.rdb.ZRangeWithScores(ctx, q.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", q.name, err)
	}

	items := make([]ScheduledItem, len(entries))
	for i, e := range entries {
		items[i] = ScheduledItem{ID: memberID(e.Member), DueAt: time.UnixMilli(int64(e.Score))}
	}
	return items, nil
}

func memberID(member interface{}) string {
	if s, ok := member.(string); ok {
		return s
	}
	return fmt.Sprint(member)
}
