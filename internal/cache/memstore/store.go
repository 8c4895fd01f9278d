// Package memstore is an in-process edge cache used when no Redis address is
// configured. Entries expire individually.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nikmarch/overturemaps-duckdb/internal/cache"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
)

var _ cache.Interface = (*Store)(nil)

type entry struct {
	val     []byte
	expires time.Time
}

type Store struct {
	mu  sync.Mutex
	lru *lru.Cache[string, entry]
	now func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(size int, opts ...Option) (*Store, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("memstore: %w", err)
	}
	s := &Store{lru: c, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	out := make(map[string][]byte, len(keys))
	now := s.now()

	s.mu.Lock()
	for _, k := range keys {
		e, ok := s.lru.Get(k)
		if !ok {
			continue
		}
		if !e.expires.IsZero() && !now.Before(e.expires) {
			s.lru.Remove(k)
			continue
		}
		out[k] = e.val
	}
	s.mu.Unlock()

	observability.ObserveCacheOp("mget", nil, time.Since(start).Seconds())
	return out, nil
}

// Set stores a copy of val. ttl<=0 means no expiry.
func (s *Store) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := entry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.lru.Add(key, e)
	s.mu.Unlock()
	observability.ObserveCacheOp("set", nil, 0)
	return nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, k := range keys {
		s.lru.Remove(k)
	}
	s.mu.Unlock()
	observability.ObserveCacheOp("del", nil, 0)
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.lru.Purge()
	s.mu.Unlock()
	return nil
}
