// Package catalog answers "which releases exist" and "which theme/type
// pairs does a release hold" from delimiter listings, with caching.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
)

const releaseRoot = "release/"

type Lister interface {
	ListChildren(ctx context.Context, prefix string) (prefixes, keys []string, err error)
}

type Cache interface {
	GetReleases(ctx context.Context) ([]string, bool, error)
	PutReleases(ctx context.Context, releases []string) error
	GetThemes(ctx context.Context, release string) ([]model.ThemeType, bool, error)
	PutThemes(ctx context.Context, release string, themes []model.ThemeType) error
}

type Catalog struct {
	lister Lister
	cache  Cache
	log    *slog.Logger
}

func New(l Lister, c Cache, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{lister: l, cache: c, log: log}
}

// Releases returns release ids newest first. hit reports a cache hit.
func (c *Catalog) Releases(ctx context.Context) (releases []string, hit bool, err error) {
	if v, ok, err := c.cache.GetReleases(ctx); err != nil {
		c.log.WarnContext(ctx, "releases cache read failed", "err", err)
	} else if ok {
		return v, true, nil
	}

	prefixes, keys, err := c.lister.ListChildren(ctx, releaseRoot)
	if err != nil {
		return nil, false, err
	}
	set := map[string]struct{}{}
	for _, p := range prefixes {
		if v := releaseOf(p); v != "" {
			set[v] = struct{}{}
		}
	}
	// Some stores list objects instead of common prefixes.
	if len(set) == 0 {
		for _, k := range keys {
			if v := releaseOf(k); v != "" {
				set[v] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))

	if err := c.cache.PutReleases(ctx, out); err != nil {
		c.log.WarnContext(ctx, "releases cache write failed", "err", err)
	}
	return out, false, nil
}

// Themes returns the theme/type pairs of release sorted by theme, then type.
func (c *Catalog) Themes(ctx context.Context, release string) (themes []model.ThemeType, hit bool, err error) {
	if v, ok, err := c.cache.GetThemes(ctx, release); err != nil {
		c.log.WarnContext(ctx, "themes cache read failed", "err", err)
	} else if ok {
		return v, true, nil
	}

	themePrefixes, _, err := c.lister.ListChildren(ctx, releaseRoot+release+"/")
	if err != nil {
		return nil, false, err
	}
	out := []model.ThemeType{}
	for _, tp := range themePrefixes {
		theme := segmentValue(tp, "theme=")
		if theme == "" {
			continue
		}
		typePrefixes, _, err := c.lister.ListChildren(ctx, tp)
		if err != nil {
			return nil, false, err
		}
		for _, yp := range typePrefixes {
			if typ := segmentValue(yp, "type="); typ != "" {
				out = append(out, model.ThemeType{Theme: theme, Type: typ})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Theme != out[j].Theme {
			return out[i].Theme < out[j].Theme
		}
		return out[i].Type < out[j].Type
	})

	if err := c.cache.PutThemes(ctx, release, out); err != nil {
		c.log.WarnContext(ctx, "themes cache write failed", "err", err)
	}
	return out, false, nil
}

// releaseOf extracts <v> from "release/<v>/...".
func releaseOf(p string) string {
	rest, ok := strings.CutPrefix(p, releaseRoot)
	if !ok {
		return ""
	}
	v, _, found := strings.Cut(rest, "/")
	if !found {
		return ""
	}
	return v
}

// segmentValue finds the path segment starting with key and returns the rest.
func segmentValue(p, key string) string {
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if v, ok := strings.CutPrefix(seg, key); ok && v != "" {
			return v
		}
	}
	return ""
}
