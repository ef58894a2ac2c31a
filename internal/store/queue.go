package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// QueueEntry is one dial target in the per-call transfer queue.
type QueueEntry struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func queueKey(c CallerID) string {
	return callerKey(c, "queue")
}

// QueueSet replaces the call's transfer queue with the given entries in
// order.
func (s *Store) QueueSet(ctx context.Context, caller CallerID, entries []QueueEntry) error {
	key := queueKey(caller)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("store: queue: marshal: %w", err)
		}
		pipe.RPush(ctx, key, data)
	}
	if len(entries) > 0 {
		pipe.Expire(ctx, key, TransientTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: queue: set: %w", err)
	}
	return nil
}

// QueuePush appends one entry to the transfer queue.
func (s *Store) QueuePush(ctx context.Context, caller CallerID, entry QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: queue: marshal: %w", err)
	}
	key := queueKey(caller)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, TransientTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: queue: push: %w", err)
	}
	return nil
}

// QueuePeek returns the head of the queue without removing it, nil when
// the queue is empty.
func (s *Store) QueuePeek(ctx context.Context, caller CallerID) (*QueueEntry, error) {
	data, err := s.rdb.LIndex(ctx, queueKey(caller), 0).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("store: queue: peek: %w", err)
	}
	var e QueueEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("store: queue: unmarshal: %w", err)
	}
	return &e, nil
}

// QueueAdvance removes the head of the queue.
func (s *Store) QueueAdvance(ctx context.Context, caller CallerID) error {
	err := s.rdb.LPop(ctx, queueKey(caller)).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("store: queue: advance: %w", err)
	}
	return nil
}

// QueueLen returns the number of remaining dial targets.
func (s *Store) QueueLen(ctx context.Context, caller CallerID) (int64, error) {
	n, err := s.rdb.LLen(ctx, queueKey(caller)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: queue: len: %w", err)
	}
	return n, nil
}
