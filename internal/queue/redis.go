// Package queue implements the retry queue: a durable FIFO of session
// snapshots that failed to reach the durable tier, kept in a Redis list so
// every process instance can drain it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/user/continuity/internal/types"
)

// DefaultMaxLen bounds the list when no explicit limit is configured.
const DefaultMaxLen = 10000

// Queue pushes on the left and pops on the right. When the list grows past
// maxLen the oldest items are trimmed and counted as dropped.
type Queue struct {
	client  redis.Cmdable
	key     string
	maxLen  int64
	dropped atomic.Int64
}

// New creates a Queue on key. maxLen <= 0 selects DefaultMaxLen.
func New(client redis.Cmdable, key string, maxLen int64) *Queue {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Queue{client: client, key: key, maxLen: maxLen}
}

// Push enqueues an item at the producer end.
func (q *Queue) Push(ctx context.Context, item *types.RetryQueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal retry item %s: %w", item.SessionID, err)
	}

	var pushed *redis.IntCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pushed = pipe.LPush(ctx, q.key, data)
		pipe.LTrim(ctx, q.key, 0, q.maxLen-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push retry item %s: %w: %v", item.SessionID, types.ErrUnavailable, err)
	}

	if over := pushed.Val() - q.maxLen; over > 0 {
		q.dropped.Add(over)
		slog.Warn("retry queue overflow, dropped oldest items",
			"dropped", over,
			"max_len", q.maxLen,
			"total_dropped", q.dropped.Load(),
		)
	}
	return nil
}

// Pop removes the oldest item. It returns (nil, nil) when the queue is empty.
func (q *Queue) Pop(ctx context.Context) (*types.RetryQueueItem, error) {
	data, err := q.client.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop retry item: %w: %v", types.ErrUnavailable, err)
	}

	var item types.RetryQueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode retry item: %w", err)
	}
	if item.Snapshot == nil {
		return nil, fmt.Errorf("decode retry item %s: missing snapshot", item.SessionID)
	}
	return &item, nil
}

// Requeue returns an item to the consumer end so it is retried next.
func (q *Queue) Requeue(ctx context.Context, item *types.RetryQueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal retry item %s: %w", item.SessionID, err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("requeue retry item %s: %w: %v", item.SessionID, types.ErrUnavailable, err)
	}
	return nil
}

// Len returns the current queue depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("retry queue length: %w: %v", types.ErrUnavailable, err)
	}
	return n, nil
}

// Dropped returns how many items this process trimmed on overflow.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

var _ types.RetryQueue = (*Queue)(nil)
