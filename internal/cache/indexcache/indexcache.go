// Package indexcache stores spatial indexes and catalog listings in the edge
// cache as JSON documents under coordinate-derived keys.
package indexcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nikmarch/overturemaps-duckdb/internal/cache"
	"github.com/nikmarch/overturemaps-duckdb/internal/cache/keys"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
)

type Options struct {
	IndexTTL   time.Duration
	CatalogTTL time.Duration
	// OpTimeout bounds each store round trip. Zero disables it.
	OpTimeout time.Duration
}

type Cache struct {
	store cache.Interface
	opts  Options
}

func New(store cache.Interface, opts Options) *Cache {
	if opts.IndexTTL <= 0 {
		opts.IndexTTL = time.Minute
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = time.Minute
	}
	return &Cache{store: store, opts: opts}
}

func (c *Cache) IndexTTL() time.Duration   { return c.opts.IndexTTL }
func (c *Cache) CatalogTTL() time.Duration { return c.opts.CatalogTTL }

func (c *Cache) GetIndex(ctx context.Context, coord model.Coordinate) (*model.Index, bool, error) {
	var idx model.Index
	ok, err := c.get(ctx, "index", keys.Index(coord), &idx)
	if err != nil || !ok {
		return nil, false, err
	}
	if idx.Files == nil {
		idx.Files = map[string]model.BBox{}
	}
	return &idx, true, nil
}

func (c *Cache) PutIndex(ctx context.Context, idx *model.Index) error {
	return c.put(ctx, keys.Index(idx.Coordinate), idx, c.opts.IndexTTL)
}

// ClearIndex removes the index and the cached key listing. Once it returns
// nil, GetIndex reports absent.
func (c *Cache) ClearIndex(ctx context.Context, coord model.Coordinate) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.store.Del(ctx, keys.Index(coord), keys.Listing(coord)); err != nil {
		return fmt.Errorf("clear index %s: %w", coord, err)
	}
	return nil
}

func (c *Cache) GetListing(ctx context.Context, coord model.Coordinate) ([]string, bool, error) {
	var out []string
	ok, err := c.get(ctx, "listing", keys.Listing(coord), &out)
	return out, ok, err
}

func (c *Cache) PutListing(ctx context.Context, coord model.Coordinate, files []string) error {
	return c.put(ctx, keys.Listing(coord), files, c.opts.CatalogTTL)
}

func (c *Cache) GetReleases(ctx context.Context) ([]string, bool, error) {
	var out []string
	ok, err := c.get(ctx, "releases", keys.Releases(), &out)
	return out, ok, err
}

func (c *Cache) PutReleases(ctx context.Context, releases []string) error {
	return c.put(ctx, keys.Releases(), releases, c.opts.CatalogTTL)
}

func (c *Cache) GetThemes(ctx context.Context, release string) ([]model.ThemeType, bool, error) {
	var out []model.ThemeType
	ok, err := c.get(ctx, "themes", keys.Themes(release), &out)
	return out, ok, err
}

func (c *Cache) PutThemes(ctx context.Context, release string, themes []model.ThemeType) error {
	return c.put(ctx, keys.Themes(release), themes, c.opts.CatalogTTL)
}

func (c *Cache) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.OpTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.OpTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Cache) get(ctx context.Context, kind, key string, dst any) (bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	m, err := c.store.MGet(ctx, []string{key})
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", kind, err)
	}
	raw, ok := m[key]
	if !ok {
		observability.IncCacheMiss(kind)
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		// A value we cannot read is treated as a miss so it gets rebuilt.
		observability.IncCacheMiss(kind)
		return false, nil
	}
	observability.IncCacheHit(kind)
	return true, nil
}

func (c *Cache) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.store.Set(ctx, key, b, ttl)
}
