package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis: one JSON value per message plus a
// sorted set indexed by failure time for ordering and age cleanup.
//
// Suitable when the deployment already runs Redis for the bus and the guard
// and the DLQ is small. Filters are applied client-side after the index
// narrows the time range.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis dead-letter store with the "dlq:" prefix.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "dlq:"}
}

// WithPrefix sets a custom key prefix. Returns the store for method chaining.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	if prefix != "" {
		s.prefix = prefix
	}
	return s
}

func (s *RedisStore) msgKey(id string) string { return s.prefix + "msg:" + id }
func (s *RedisStore) indexKey() string        { return s.prefix + "index" }

// Store adds a message.
func (s *RedisStore) Store(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.msgKey(msg.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(msg.FailedAt.UnixMilli()),
		Member: msg.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	return nil
}

// Get retrieves a message by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Message, error) {
	data, err := s.client.Get(ctx, s.msgKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return &msg, nil
}

// walk loads messages newest first and applies the filter.
func (s *RedisStore) walk(ctx context.Context, filter Filter, visit func(*Message) bool) error {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("scan dead letter index: %w", err)
	}
	for _, id := range ids {
		msg, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // index lagging a delete
			}
			return err
		}
		if !filter.matches(msg) {
			continue
		}
		if !visit(msg) {
			return nil
		}
	}
	return nil
}

// List returns messages matching the filter, newest failures first.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	var msgs []*Message
	skipped := 0
	err := s.walk(ctx, filter, func(msg *Message) bool {
		if skipped < filter.Offset {
			skipped++
			return true
		}
		msgs = append(msgs, msg)
		return filter.Limit <= 0 || len(msgs) < filter.Limit
	})
	return msgs, err
}

// Count returns the number of messages matching the filter.
func (s *RedisStore) Count(ctx context.Context, filter Filter) (int64, error) {
	var n int64
	err := s.walk(ctx, filter, func(*Message) bool {
		n++
		return true
	})
	return n, err
}

// MarkRetried records a replay.
func (s *RedisStore) MarkRetried(ctx context.Context, id string) error {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	msg.RetriedAt = &now

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := s.client.Set(ctx, s.msgKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("mark retried: %w", err)
	}
	return nil
}

// Delete removes a message.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.msgKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

// DeleteOlderThan removes messages that failed more than age ago.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	max := fmt.Sprintf("%d", cutoff)

	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf", Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan old dead letters: %w", err)
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
