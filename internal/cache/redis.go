// Package cache holds the Redis pieces of epgvault: JSON read-through
// entries for the store, the per-scope refresh lock and the refresh queue.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN during invalidation.
const scanBatch = 100

// Redis is a go-redis client shared by the cache, lock and queue helpers.
type Redis struct {
	client *redis.Client
}

// New builds a client from a redis:// URL without contacting the server.
func New(rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Dial builds a client and checks the server answers.
func Dial(ctx context.Context, rawURL string) (*Redis, error) {
	r, err := New(rawURL)
	if err != nil {
		return nil, err
	}
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return r, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Lookup decodes the JSON entry at key into dst. A missing key reports
// false with a nil error.
func (r *Redis) Lookup(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return true, nil
}

// Put stores v as JSON under key for ttl.
func (r *Redis) Put(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return r.client.Set(ctx, key, raw, ttl).Err()
}

// Invalidate removes the exact keys plus every key matching one of the glob
// patterns. Patterns are expanded with SCAN; the first error stops the walk.
func (r *Redis) Invalidate(ctx context.Context, keys []string, patterns ...string) error {
	keys = append([]string(nil), keys...)
	for _, p := range patterns {
		iter := r.client.Scan(ctx, 0, p, scanBatch).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", p, err)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
