// Package index builds per-coordinate spatial indexes from parquet footers,
// caches them, and resolves query boxes to candidate files.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
	"github.com/nikmarch/overturemaps-duckdb/internal/extract"
)

var tracer = otel.Tracer("github.com/nikmarch/overturemaps-duckdb/internal/index")

type Lister interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

type FooterReader interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

type Builder struct {
	lister      Lister
	footers     FooterReader
	concurrency int
	log         *slog.Logger
}

func NewBuilder(l Lister, f FooterReader, concurrency int, log *slog.Logger) *Builder {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Builder{lister: l, footers: f, concurrency: concurrency, log: log}
}

// Build lists the coordinate's files and indexes all of them. A listing
// failure is returned as is; per-file failures are absorbed.
func (b *Builder) Build(ctx context.Context, coord model.Coordinate) (*model.Index, error) {
	keys, err := b.lister.ListKeys(ctx, coord.Prefix())
	if err != nil {
		return nil, err
	}
	return b.BuildKeys(ctx, coord, keys)
}

// BuildKeys reads at most concurrency footers at a time. A file whose footer
// cannot be read or decoded gets the world box. The index is returned only
// when every file has been processed; cancellation yields an error and no
// index.
func (b *Builder) BuildKeys(ctx context.Context, coord model.Coordinate, keys []string) (*model.Index, error) {
	ctx, span := tracer.Start(ctx, "index.Build")
	defer span.End()
	span.SetAttributes(
		attribute.String("coordinate", coord.String()),
		attribute.Int("files", len(keys)),
	)

	start := time.Now()
	boxes := make([]model.BBox, len(keys))
	fallback := make([]bool, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bb, err := b.indexFile(gctx, key)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				b.log.WarnContext(ctx, "footer fallback to world bbox",
					"file", key, "file_index", i, "err", err)
				bb = model.World()
				fallback[i] = true
			}
			boxes[i] = bb
			observability.IncIndexFile(fallback[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observability.ObserveIndexBuild("canceled", time.Since(start).Seconds())
		return nil, fmt.Errorf("build index %s: %w", coord, err)
	}

	entries := make([]model.FileEntry, len(keys))
	nFallback := 0
	for i, k := range keys {
		entries[i] = model.FileEntry{Key: k, BBox: boxes[i]}
		if fallback[i] {
			nFallback++
		}
	}
	idx := model.NewIndex(coord, entries)
	idx.Fallbacks = nFallback

	observability.ObserveIndexBuild("ok", time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("fallbacks", nFallback))
	b.log.InfoContext(ctx, "index built",
		"files", len(keys), "fallbacks", nFallback, "duration", time.Since(start))
	return idx, nil
}

func (b *Builder) indexFile(ctx context.Context, key string) (model.BBox, error) {
	raw, err := b.footers.Read(ctx, key)
	if err != nil {
		return model.BBox{}, err
	}
	return extract.Extract(raw)
}
