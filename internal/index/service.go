package index

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nikmarch/overturemaps-duckdb/internal/cache/keys"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
	"github.com/nikmarch/overturemaps-duckdb/internal/logger"
)

// Store is the cache surface the service needs; indexcache.Cache implements it.
type Store interface {
	GetIndex(ctx context.Context, c model.Coordinate) (*model.Index, bool, error)
	PutIndex(ctx context.Context, idx *model.Index) error
	ClearIndex(ctx context.Context, c model.Coordinate) error
	GetListing(ctx context.Context, c model.Coordinate) ([]string, bool, error)
	PutListing(ctx context.Context, c model.Coordinate, files []string) error
}

// Snapshot is what a reader sees for one coordinate. When Ready is false the
// index is being built and Files holds the raw, unfiltered listing.
type Snapshot struct {
	Coordinate model.Coordinate
	Ready      bool
	Cached     bool
	Index      *model.Index
	Files      []string
}

type Options struct {
	// BuildTimeout bounds one background build. Zero means no bound.
	BuildTimeout time.Duration
}

// Service owns index lifecycles. Concurrent builds of one coordinate are
// collapsed into one; builds run on the service context so a departing
// client does not cancel work others wait on.
type Service struct {
	store   Store
	builder *Builder
	lister  Lister
	base    context.Context
	opts    Options
	log     *slog.Logger

	sf singleflight.Group

	// commitMu orders index writes against Clear; gens is bumped on Clear so
	// builds that started earlier do not write.
	commitMu sync.Mutex
	gens     map[string]uint64
}

func NewService(base context.Context, store Store, builder *Builder, lister Lister, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:   store,
		builder: builder,
		lister:  lister,
		base:    base,
		opts:    opts,
		log:     log,
		gens:    map[string]uint64{},
	}
}

// Snapshot returns the cached index, or starts a build. With wait the call
// blocks until the build finishes or ctx ends; without it the unfiltered
// listing is returned and the build continues in the background.
func (s *Service) Snapshot(ctx context.Context, coord model.Coordinate, wait bool) (Snapshot, error) {
	ctx = logger.WithCoordinate(ctx, coord.String())

	idx, ok, err := s.store.GetIndex(ctx, coord)
	if err != nil {
		s.log.WarnContext(ctx, "index cache read failed, treating as miss", "err", err)
	}
	if ok {
		return Snapshot{Coordinate: coord, Ready: true, Cached: true, Index: idx}, nil
	}

	if wait {
		idx, err := s.Build(ctx, coord)
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Coordinate: coord, Ready: true, Index: idx}, nil
	}

	files, err := s.listing(ctx, coord)
	if err != nil {
		return Snapshot{}, err
	}
	s.start(coord)
	return Snapshot{Coordinate: coord, Ready: false, Files: files}, nil
}

// Build joins or starts the build for coord and waits for it.
func (s *Service) Build(ctx context.Context, coord model.Coordinate) (*model.Index, error) {
	select {
	case res := <-s.start(coord):
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Index), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Clear drops the cached index and listing. Builds in flight for coord keep
// running for their current waiters but never write their result.
func (s *Service) Clear(ctx context.Context, coord model.Coordinate) error {
	key := keys.Index(coord)
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.gens[key]++
	s.sf.Forget(key)
	if err := s.store.ClearIndex(ctx, coord); err != nil {
		return err
	}
	s.log.InfoContext(logger.WithCoordinate(ctx, coord.String()), "index cleared")
	return nil
}

func (s *Service) generation(key string) uint64 {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.gens[key]
}

func (s *Service) start(coord model.Coordinate) <-chan singleflight.Result {
	key := keys.Index(coord)
	gen := s.generation(key)
	return s.sf.DoChan(key, func() (any, error) {
		ctx := logger.WithCoordinate(s.base, coord.String())
		ctx = logger.WithComponent(ctx, "index-builder")
		var cancel context.CancelFunc
		if s.opts.BuildTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, s.opts.BuildTimeout)
		} else {
			ctx, cancel = context.WithCancel(ctx)
		}
		defer cancel()

		files, err := s.listing(ctx, coord)
		if err != nil {
			s.log.ErrorContext(ctx, "index listing failed", "err", err)
			return nil, err
		}
		idx, err := s.builder.BuildKeys(ctx, coord, files)
		if err != nil {
			s.log.ErrorContext(ctx, "index build failed", "err", err)
			return nil, err
		}
		s.commit(ctx, key, gen, idx)
		return idx, nil
	})
}

func (s *Service) commit(ctx context.Context, key string, gen uint64, idx *model.Index) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.gens[key] != gen {
		s.log.InfoContext(ctx, "discarding index built before a clear")
		return
	}
	if err := s.store.PutIndex(ctx, idx); err != nil {
		s.log.WarnContext(ctx, "index cache write failed", "err", err)
	}
}

// listing returns the coordinate's keys, from cache when possible.
func (s *Service) listing(ctx context.Context, coord model.Coordinate) ([]string, error) {
	files, ok, err := s.store.GetListing(ctx, coord)
	if err != nil {
		s.log.WarnContext(ctx, "listing cache read failed", "err", err)
	}
	if ok {
		return files, nil
	}
	files, err = s.lister.ListKeys(ctx, coord.Prefix())
	if err != nil {
		return nil, err
	}
	if err := s.store.PutListing(ctx, coord, files); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WarnContext(ctx, "listing cache write failed", "err", err)
	}
	return files, nil
}

// Resolve filters a snapshot against q. A nil q selects every file.
func Resolve(snap Snapshot, q *model.BBox) Result {
	if !snap.Ready {
		return Result{Files: snap.Files, Total: len(snap.Files), Filtered: len(snap.Files), Building: true}
	}
	if snap.Index == nil {
		return Result{Files: []string{}}
	}
	if q == nil {
		k := snap.Index.Keys()
		return Result{Files: k, Total: len(k), Filtered: len(k)}
	}
	return Filter(snap.Index, *q)
}
