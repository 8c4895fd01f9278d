package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go/format"

	"github.com/nikmarch/overturemaps-duckdb/internal/cache/indexcache"
	"github.com/nikmarch/overturemaps-duckdb/internal/cache/memstore"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
	"github.com/nikmarch/overturemaps-duckdb/internal/objstore"
	"github.com/nikmarch/overturemaps-duckdb/internal/parquettest"
)

var coord = model.Coordinate{Release: "2025-01-22.0", Theme: "places", Type: "place"}

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeLister struct {
	keys  []string
	err   error
	calls atomic.Int32
}

func (l *fakeLister) ListKeys(_ context.Context, prefix string) ([]string, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	out := make([]string, 0, len(l.keys))
	for _, k := range l.keys {
		out = append(out, prefix+k)
	}
	return out, nil
}

// fakeFooters serves footers built from boxes; keys listed in fail error out
// and keys in raw return those bytes as-is.
type fakeFooters struct {
	t        *testing.T
	boxes    map[string]model.BBox
	fail     map[string]error
	raw      map[string][]byte
	delay    time.Duration
	block    chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
	reads    atomic.Int32
}

func (f *fakeFooters) Read(ctx context.Context, key string) ([]byte, error) {
	f.reads.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	if r, ok := f.raw[key]; ok {
		return r, nil
	}
	b, ok := f.boxes[key]
	if !ok {
		return nil, objstore.ErrNotFound
	}
	return parquettest.Footer(f.t, parquettest.Metadata(parquettest.BBoxGroup(b))), nil
}

func fixture(t *testing.T, n int) (*fakeLister, *fakeFooters) {
	l := &fakeLister{}
	f := &fakeFooters{t: t, boxes: map[string]model.BBox{}, fail: map[string]error{}}
	for i := range n {
		name := fmt.Sprintf("part-%03d.parquet", i)
		l.keys = append(l.keys, name)
		x := float64(i)
		f.boxes[coord.Prefix()+name] = model.BBox{XMin: x, XMax: x + 0.5, YMin: x, YMax: x + 0.5}
	}
	return l, f
}

func TestBuild_AllFilesIndexed(t *testing.T) {
	l, f := fixture(t, 12)
	b := NewBuilder(l, f, 4, quietLog())

	idx, err := b.Build(context.Background(), coord)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(idx.Files) != 12 || idx.Fallbacks != 0 {
		t.Fatalf("files=%d fallbacks=%d", len(idx.Files), idx.Fallbacks)
	}
	got := idx.Files[coord.Prefix()+"part-003.parquet"]
	if got != (model.BBox{XMin: 3, XMax: 3.5, YMin: 3, YMax: 3.5}) {
		t.Fatalf("bbox=%+v", got)
	}
	for k, bb := range idx.Files {
		if !bb.Valid() {
			t.Fatalf("invalid bbox for %s: %+v", k, bb)
		}
	}
}

func TestBuild_BoundedConcurrency(t *testing.T) {
	l, f := fixture(t, 20)
	f.delay = 5 * time.Millisecond
	b := NewBuilder(l, f, 3, quietLog())
	if _, err := b.Build(context.Background(), coord); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p := f.peak.Load(); p > 3 || p < 1 {
		t.Fatalf("peak concurrent footer reads=%d want 1..3", p)
	}
}

func TestBuild_PerFileFailureFallsBackToWorld(t *testing.T) {
	l, f := fixture(t, 3)
	bad := coord.Prefix() + "part-001.parquet"
	f.fail[bad] = errors.New("range read failed")
	b := NewBuilder(l, f, 2, quietLog())

	idx, err := b.Build(context.Background(), coord)
	if err != nil {
		t.Fatalf("Build must absorb per-file errors: %v", err)
	}
	if idx.Files[bad] != model.World() {
		t.Fatalf("failed file bbox=%+v want world", idx.Files[bad])
	}
	if idx.Fallbacks != 1 {
		t.Fatalf("fallbacks=%d want 1", idx.Fallbacks)
	}
	r := Filter(idx, model.BBox{XMin: 100, XMax: 101, YMin: 80, YMax: 81})
	if r.Filtered != 1 || r.Files[0] != bad {
		t.Fatalf("world-box file must survive any filter: %+v", r)
	}
}

func TestBuild_FooterWithoutBBoxStatsCountsAsFallback(t *testing.T) {
	l, f := fixture(t, 3)
	bare := coord.Prefix() + "part-002.parquet"
	f.raw = map[string][]byte{
		bare: parquettest.Footer(t, parquettest.Metadata([]parquettest.Stat{
			{Path: []string{"id"}, Type: format.ByteArray, Min: []byte("a"), Max: []byte("z")},
		})),
	}
	b := NewBuilder(l, f, 2, quietLog())

	idx, err := b.Build(context.Background(), coord)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx.Files[bare] != model.World() {
		t.Fatalf("bbox=%+v want world", idx.Files[bare])
	}
	if idx.Fallbacks != 1 {
		t.Fatalf("fallbacks=%d want 1", idx.Fallbacks)
	}
}

func TestBuild_ListingFailureIsFatal(t *testing.T) {
	l := &fakeLister{err: &objstore.ListingError{Prefix: coord.Prefix(), Err: errors.New("503")}}
	b := NewBuilder(l, &fakeFooters{t: t}, 2, quietLog())
	_, err := b.Build(context.Background(), coord)
	var le *objstore.ListingError
	if !errors.As(err, &le) {
		t.Fatalf("err=%v want ListingError", err)
	}
}

func TestBuild_CanceledYieldsNoIndex(t *testing.T) {
	l, f := fixture(t, 10)
	f.block = make(chan struct{})
	b := NewBuilder(l, f, 2, quietLog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		idx, err := b.Build(ctx, coord)
		if idx != nil {
			err = fmt.Errorf("partial index exposed: %d files", len(idx.Files))
		}
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("build did not stop after cancel")
	}
}

func TestBuild_Idempotent(t *testing.T) {
	l, f := fixture(t, 5)
	b := NewBuilder(l, f, 2, quietLog())
	a, _ := b.Build(context.Background(), coord)
	c, _ := b.Build(context.Background(), coord)
	for k, bb := range a.Files {
		if c.Files[k] != bb {
			t.Fatalf("rebuild changed %s: %+v vs %+v", k, bb, c.Files[k])
		}
	}
}

func TestFilter_WorldReturnsAllAndEdgesInclusive(t *testing.T) {
	idx := model.NewIndex(coord, []model.FileEntry{
		{Key: "a", BBox: model.BBox{XMin: 0, XMax: 1, YMin: 0, YMax: 1}},
		{Key: "b", BBox: model.BBox{XMin: 1, XMax: 2, YMin: 1, YMax: 2}},
		{Key: "c", BBox: model.BBox{XMin: 5, XMax: 6, YMin: 5, YMax: 6}},
	})
	all := Filter(idx, model.World())
	if all.Total != 3 || all.Filtered != 3 {
		t.Fatalf("world filter=%+v", all)
	}
	edge := Filter(idx, model.BBox{XMin: 2, XMax: 3, YMin: 2, YMax: 3})
	if edge.Filtered != 1 || edge.Files[0] != "b" {
		t.Fatalf("corner touch must match: %+v", edge)
	}
	none := Filter(idx, model.BBox{XMin: 10, XMax: 11, YMin: 10, YMax: 11})
	if none.Filtered != 0 || none.Total != 3 || none.Building {
		t.Fatalf("no-match result=%+v", none)
	}
}

func newService(t *testing.T, l *fakeLister, f *fakeFooters) (*Service, *indexcache.Cache) {
	t.Helper()
	st, _ := memstore.New(64)
	c := indexcache.New(st, indexcache.Options{IndexTTL: time.Hour, CatalogTTL: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc := NewService(ctx, c, NewBuilder(l, f, 4, quietLog()), l, Options{BuildTimeout: 5 * time.Second}, quietLog())
	return svc, c
}

func TestSnapshot_MissReturnsBuildingThenReady(t *testing.T) {
	l, f := fixture(t, 4)
	f.block = make(chan struct{})
	svc, _ := newService(t, l, f)
	ctx := context.Background()

	snap, err := svc.Snapshot(ctx, coord, false)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Ready || len(snap.Files) != 4 {
		t.Fatalf("expected building snapshot with raw listing, got %+v", snap)
	}
	r := Resolve(snap, &model.BBox{XMin: 100, XMax: 101, YMin: 0, YMax: 1})
	if !r.Building || r.Filtered != 4 {
		t.Fatalf("building result must be unfiltered: %+v", r)
	}

	close(f.block)
	snap, err = svc.Snapshot(ctx, coord, true)
	if err != nil {
		t.Fatalf("Snapshot(wait): %v", err)
	}
	if !snap.Ready || snap.Index == nil || len(snap.Index.Files) != 4 {
		t.Fatalf("expected ready snapshot, got %+v", snap)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ = svc.Snapshot(ctx, coord, false)
		if snap.Cached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("index never reached the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := l.calls.Load(); got != 1 {
		t.Fatalf("listing calls=%d want 1 (shared through the listing cache)", got)
	}
}

func TestBuild_ConcurrentCallersShareOneBuild(t *testing.T) {
	l, f := fixture(t, 6)
	f.block = make(chan struct{})
	svc, _ := newService(t, l, f)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Build(context.Background(), coord)
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.block)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
	}
	if got := f.reads.Load(); got != 6 {
		t.Fatalf("footer reads=%d want 6 (one build)", got)
	}
}

func TestClear_ThenGetIsAbsentAndRebuilds(t *testing.T) {
	l, f := fixture(t, 3)
	svc, c := newService(t, l, f)
	ctx := context.Background()

	if _, err := svc.Snapshot(ctx, coord, true); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	waitCached(t, c)

	if err := svc.Clear(ctx, coord); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := c.GetIndex(ctx, coord); ok {
		t.Fatalf("index must be absent right after Clear")
	}
	if err := svc.Clear(ctx, coord); err != nil {
		t.Fatalf("Clear must be idempotent: %v", err)
	}

	before := f.reads.Load()
	snap, err := svc.Snapshot(ctx, coord, true)
	if err != nil || !snap.Ready || snap.Cached {
		t.Fatalf("expected fresh build after clear: %+v err=%v", snap, err)
	}
	if f.reads.Load() == before {
		t.Fatalf("no footers read after clear; index was not rebuilt")
	}
}

func TestClear_DuringBuildDiscardsStaleResult(t *testing.T) {
	l, f := fixture(t, 3)
	f.block = make(chan struct{})
	svc, c := newService(t, l, f)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Build(ctx, coord)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := svc.Clear(ctx, coord); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	close(f.block)
	if err := <-done; err != nil {
		t.Fatalf("in-flight waiter should still get its result: %v", err)
	}
	if _, ok, _ := c.GetIndex(ctx, coord); ok {
		t.Fatalf("a build that started before Clear must not write")
	}
}

func TestSnapshot_ListingFailurePropagates(t *testing.T) {
	l := &fakeLister{err: &objstore.ListingError{Prefix: coord.Prefix(), Err: errors.New("denied")}}
	svc, _ := newService(t, l, &fakeFooters{t: t})
	_, err := svc.Snapshot(context.Background(), coord, false)
	var le *objstore.ListingError
	if !errors.As(err, &le) {
		t.Fatalf("err=%v want ListingError", err)
	}
}

func TestSnapshot_WaitHonorsRequestContext(t *testing.T) {
	l, f := fixture(t, 2)
	f.block = make(chan struct{})
	defer close(f.block)
	svc, _ := newService(t, l, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Snapshot(ctx, coord, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}

func waitCached(t *testing.T, c *indexcache.Cache) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := c.GetIndex(context.Background(), coord); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("index never reached the cache")
}
