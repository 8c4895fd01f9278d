package memstore

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestSetGet_ExpiresPerEntry(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s, err := New(8, WithClock(clk.now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	_ = s.Set(ctx, "short", []byte("a"), time.Minute)
	_ = s.Set(ctx, "long", []byte("b"), 24*time.Hour)

	clk.t = clk.t.Add(2 * time.Minute)
	got, err := s.MGet(ctx, []string{"short", "long"})
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}
	if _, ok := got["short"]; ok {
		t.Fatalf("short entry must have expired")
	}
	if string(got["long"]) != "b" {
		t.Fatalf("long=%q want b", got["long"])
	}
	if s.Len() != 1 {
		t.Fatalf("expired entry must be evicted on read, len=%d", s.Len())
	}
}

func TestSet_CopiesValue(t *testing.T) {
	s, _ := New(4)
	ctx := context.Background()
	buf := []byte("abc")
	_ = s.Set(ctx, "k", buf, 0)
	buf[0] = 'X'
	got, _ := s.MGet(ctx, []string{"k"})
	if string(got["k"]) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", got["k"])
	}
}

func TestDel_IsImmediate(t *testing.T) {
	s, _ := New(4)
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("v"), time.Hour)
	if err := s.Del(ctx, "k", "absent"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	got, _ := s.MGet(ctx, []string{"k"})
	if len(got) != 0 {
		t.Fatalf("got=%v want empty", got)
	}
}

func TestLRU_EvictsOldest(t *testing.T) {
	s, _ := New(2)
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"), 0)
	_ = s.Set(ctx, "b", []byte("2"), 0)
	_ = s.Set(ctx, "c", []byte("3"), 0)
	got, _ := s.MGet(ctx, []string{"a", "b", "c"})
	if _, ok := got["a"]; ok {
		t.Fatalf("oldest key should be evicted")
	}
	if len(got) != 2 {
		t.Fatalf("got=%v", got)
	}
}

func TestCanceledContext(t *testing.T) {
	s, _ := New(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.MGet(ctx, []string{"a"}); err == nil {
		t.Fatalf("expected error")
	}
}
