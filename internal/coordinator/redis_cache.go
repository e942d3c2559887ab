package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "helpdesk:reqcache:"

// RedisCache shares the read cache between processes. Values expire via
// PX; an insertion-order list enforces the entry bound.
type RedisCache struct {
	client   *redis.Client
	prefix   string
	orderKey string
	ttl      time.Duration
	max      int
}

// NewRedisCache returns a RedisCache namespaced under prefix.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration, maxEntries int) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &RedisCache{
		client:   client,
		prefix:   prefix,
		orderKey: prefix + "order",
		ttl:      ttl,
		max:      maxEntries,
	}
}

func (r *RedisCache) entryKey(key string) string {
	return r.prefix + "entry:" + key
}

func (r *RedisCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	val, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return json.RawMessage(val), true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value json.RawMessage) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.entryKey(key), []byte(value), r.ttl)
		pipe.LRem(ctx, r.orderKey, 0, key)
		pipe.RPush(ctx, r.orderKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return r.evict(ctx)
}

func (r *RedisCache) evict(ctx context.Context) error {
	size, err := r.client.LLen(ctx, r.orderKey).Result()
	if err != nil {
		return fmt.Errorf("failed to size cache: %w", err)
	}
	for excess := size - int64(r.max); excess > 0; excess-- {
		oldest, err := r.client.LPop(ctx, r.orderKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("failed to evict cache entry: %w", err)
		}
		if err := r.client.Del(ctx, r.entryKey(oldest)).Err(); err != nil {
			return fmt.Errorf("failed to evict cache entry: %w", err)
		}
	}
	return nil
}

func (r *RedisCache) DeleteMatching(ctx context.Context, match func(key string) bool) error {
	keys, err := r.client.LRange(ctx, r.orderKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list cache keys: %w", err)
	}
	pipe := r.client.Pipeline()
	matched := 0
	for _, key := range keys {
		if !match(key) {
			continue
		}
		matched++
		pipe.Del(ctx, r.entryKey(key))
		pipe.LRem(ctx, r.orderKey, 0, key)
	}
	if matched == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate cache entries: %w", err)
	}
	return nil
}

func (r *RedisCache) Clear(ctx context.Context) error {
	return r.DeleteMatching(ctx, func(string) bool { return true })
}

// Keys returns keys whose entries have not expired, oldest first.
func (r *RedisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.client.LRange(ctx, r.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Exists(ctx, r.entryKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check cache keys: %w", err)
	}
	live := make([]string, 0, len(keys))
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			live = append(live, keys[i])
		}
	}
	return live, nil
}
