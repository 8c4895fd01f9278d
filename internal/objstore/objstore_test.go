package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/config"
	"github.com/nikmarch/overturemaps-duckdb/internal/objstore/s3test"
)

func newStore(t *testing.T, fake *s3test.Server, maxKeys int) *Store {
	t.Helper()
	st, err := New(Config{
		Endpoint: fake.Endpoint(),
		Bucket:   fake.Bucket(),
		Region:   "us-west-2",
		MaxKeys:  maxKeys,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

func TestListKeys_FollowsMarkersAcrossPages(t *testing.T) {
	fake := s3test.New(t, "overture")
	prefix := "release/r1/theme=places/type=place/"
	for i := range 7 {
		fake.Put(fmt.Sprintf("%spart-%02d.parquet", prefix, i), []byte("x"))
	}
	fake.Put("release/r1/theme=base/type=water/part-00.parquet", []byte("y"))

	st := newStore(t, fake, 3)
	keys, err := st.ListKeys(context.Background(), prefix)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 7 {
		t.Fatalf("keys=%d want 7: %v", len(keys), keys)
	}
	for i, k := range keys {
		if want := fmt.Sprintf("%spart-%02d.parquet", prefix, i); k != want {
			t.Fatalf("keys[%d]=%q want %q", i, k, want)
		}
	}
	if calls := fake.ListCalls(); calls != 3 {
		t.Fatalf("list calls=%d want 3 pages of max-keys=3", calls)
	}
}

func TestListKeys_EmptyPrefixIsNotAnError(t *testing.T) {
	fake := s3test.New(t, "overture")
	st := newStore(t, fake, 0)
	keys, err := st.ListKeys(context.Background(), "release/none/")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if keys == nil || len(keys) != 0 {
		t.Fatalf("keys=%v want empty non-nil", keys)
	}
}

func TestListKeys_PageFailureIsFatal(t *testing.T) {
	fake := s3test.New(t, "overture")
	for i := range 5 {
		fake.Put(fmt.Sprintf("p/%d", i), []byte("x"))
	}
	fake.FailListing(2, http.StatusForbidden)

	st := newStore(t, fake, 2)
	_, err := st.ListKeys(context.Background(), "p/")
	var le *ListingError
	if !errors.As(err, &le) {
		t.Fatalf("err=%v want *ListingError", err)
	}
	if le.Prefix != "p/" {
		t.Fatalf("prefix=%q", le.Prefix)
	}
}

func TestListChildren_SplitsPrefixesAndKeys(t *testing.T) {
	fake := s3test.New(t, "overture")
	fake.Put("release/2024-12-18.0/theme=places/type=place/a.parquet", []byte("x"))
	fake.Put("release/2025-01-22.0/theme=places/type=place/a.parquet", []byte("x"))
	fake.Put("release/2025-01-22.0/theme=base/type=water/a.parquet", []byte("x"))
	fake.Put("release/README", []byte("x"))

	st := newStore(t, fake, 1)
	prefixes, keys, err := st.ListChildren(context.Background(), "release/")
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(prefixes) != 2 || prefixes[0] != "release/2024-12-18.0/" || prefixes[1] != "release/2025-01-22.0/" {
		t.Fatalf("prefixes=%v", prefixes)
	}
	if len(keys) != 1 || keys[0] != "release/README" {
		t.Fatalf("keys=%v", keys)
	}
}

func TestSizeAndReadRange(t *testing.T) {
	fake := s3test.New(t, "overture")
	fake.Put("f", []byte("0123456789"))
	st := newStore(t, fake, 0)
	ctx := context.Background()

	n, err := st.Size(ctx, "f")
	if err != nil || n != 10 {
		t.Fatalf("Size=%d err=%v", n, err)
	}
	b, err := st.ReadRange(ctx, "f", 2, 5)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if string(b) != "2345" {
		t.Fatalf("range=%q want 2345", b)
	}
	if fake.FullGets() != 0 {
		t.Fatalf("range reads must not fetch the whole body")
	}

	if _, err := st.Size(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Size(missing) err=%v want ErrNotFound", err)
	}
	if _, err := st.ReadRange(ctx, "f", 5, 2); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}

func TestObjectURL(t *testing.T) {
	st, err := New(Config{Endpoint: "s3.example.com", Bucket: "b", Secure: true})
	if err != nil {
		t.Fatal(err)
	}
	got := st.ObjectURL("release/r1/theme=places/type=place/part 0.parquet")
	want := "https://s3.example.com/b/release/r1/theme=places/type=place/part%200.parquet"
	if got != want {
		t.Fatalf("url=%q want %q", got, want)
	}

	st2, _ := New(Config{Endpoint: "s3.example.com", Bucket: "b", PublicBaseURL: "https://cdn.example.com/"})
	if got := st2.ObjectURL("k"); got != "https://cdn.example.com/k" {
		t.Fatalf("public base url not used: %q", got)
	}
}

type recordingTransport struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	rt.reqs = append(rt.reqs, req)
	rt.mu.Unlock()
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Status:     "404 Not Found",
		Header:     http.Header{"Content-Type": {"application/xml"}},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func TestNew_DefaultConfigAddressesPublicBucket(t *testing.T) {
	s3 := config.Defaults().S3
	rt := &recordingTransport{}
	st, err := New(Config{
		Endpoint:      s3.Endpoint,
		Bucket:        s3.Bucket,
		Region:        s3.Region,
		Secure:        s3.Secure,
		PublicBaseURL: s3.PublicBaseURL,
		MaxKeys:       s3.ListMaxKeys,
		Transport:     rt,
	})
	if err != nil {
		t.Fatalf("New with default config: %v", err)
	}

	key := "release/2025-01-22.0/theme=base/type=water/part-0.parquet"
	if got := st.ObjectURL(key); got != "https://overturemaps-us-west-2.s3.amazonaws.com/"+key {
		t.Fatalf("ObjectURL=%s", got)
	}

	_, _ = st.Size(context.Background(), key)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.reqs) == 0 {
		t.Fatalf("no request reached the transport")
	}
	u := rt.reqs[0].URL
	// minio resolves Amazon hosts to dual-stack by default.
	if !strings.HasSuffix(u.Host, "us-west-2.amazonaws.com") || u.Path != "/overturemaps-us-west-2/"+key {
		t.Fatalf("request url=%s want path-style on the regional endpoint", u)
	}
}
