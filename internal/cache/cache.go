// Package cache defines the edge cache store shared by the index and catalog
// caches. Implementations live in redisstore and memstore.
package cache

import (
	"context"
	"time"
)

type Interface interface {
	// MGet returns only the keys that were found.
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Close() error
}
