// Package redisstore is the Redis-backed edge cache shared by every worker
// replica. Keys are written under a namespace so several deployments can
// share one Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/nikmarch/overturemaps-duckdb/internal/cache"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
)

var _ cache.Interface = (*Client)(nil)

type settings struct {
	redis     redis.Options
	namespace string
}

type Option func(*settings)

// WithNamespace prefixes every key. Callers keep using unprefixed keys.
func WithNamespace(ns string) Option {
	return func(s *settings) { s.namespace = ns }
}

func WithPassword(pw string) Option {
	return func(s *settings) { s.redis.Password = pw }
}

type Client struct {
	rdb *redis.Client
	ns  string
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	s := &settings{redis: redis.Options{
		Addr:         addr,
		PoolSize:     16,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}}
	for _, f := range opts {
		f(s)
	}

	rdb := redis.NewClient(&s.redis)
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Client{rdb: rdb, ns: s.namespace}, nil
}

func (c *Client) key(k string) string { return c.ns + k }

// MGet returns the found keys, unprefixed, with their values.
func (c *Client) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}

	start := time.Now()
	vals, err := c.rdb.MGet(ctx, full...).Result()
	observability.ObserveCacheOp("mget", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d keys: %w", len(keys), err)
	}

	out := make(map[string][]byte, len(vals))
	for i, v := range vals {
		switch t := v.(type) {
		case nil:
		case string:
			out[keys[i]] = []byte(t)
		case []byte:
			out[keys[i]] = t
		default:
			out[keys[i]] = fmt.Append(nil, t)
		}
	}
	return out, nil
}

// Set stores val under key. A zero ttl keeps the value until it is cleared.
func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, c.key(key), val, ttl).Err()
	observability.ObserveCacheOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q (%d bytes): %w", key, len(val), err)
	}
	return nil
}

// Del removes keys with UNLINK; large index values are freed off the
// Redis main thread.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	start := time.Now()
	err := c.rdb.Unlink(ctx, full...).Err()
	observability.ObserveCacheOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis UNLINK %s: %w", strings.Join(keys, ","), err)
	}
	return nil
}

// Ping backs the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
