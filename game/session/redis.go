package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "match:session:"
	minRedisTTL    = time.Second
)

// RedisStore keeps sessions in Redis, one JSON value per key with the TTL
// set from ExpiresAt. CompareAndSwap uses WATCH/MULTI so a concurrent
// writer aborts the transaction instead of overwriting.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisKey(id string) string {
	return redisKeyPrefix + strings.ToLower(strings.TrimSpace(id))
}

func ttlFor(s *Session) time.Duration {
	ttl := time.Until(s.ExpiresAt)
	if ttl < minRedisTTL {
		return minRedisTTL
	}
	return ttl
}

// Create stores s if the key is absent.
func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := r.rdb.SetNX(ctx, redisKey(s.ID), raw, ttlFor(s)).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

// Get loads a session.
func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	return r.get(ctx, r.rdb, redisKey(id))
}

func (r *RedisStore) get(ctx context.Context, c redis.Cmdable, key string) (*Session, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// CompareAndSwap writes s when the stored version equals expectedVersion.
func (r *RedisStore) CompareAndSwap(ctx context.Context, s *Session, expectedVersion int64) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	key := redisKey(s.ID)

	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := r.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, ttlFor(s))
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

// Delete removes a session.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := r.rdb.Del(ctx, redisKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
