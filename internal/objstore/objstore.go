// Package objstore is the read-only object storage client: paginated prefix
// listing, size probes and byte-range reads against an S3-compatible bucket.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
)

var tracer = otel.Tracer("github.com/nikmarch/overturemaps-duckdb/internal/objstore")

// ListingError is fatal to whatever needed the listing; callers retry the
// whole operation later.
type ListingError struct {
	Prefix string
	Err    error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("list %q: %v", e.Prefix, e.Err)
}

func (e *ListingError) Unwrap() error { return e.Err }

// ErrNotFound is returned by Size and ReadRange for missing objects.
var ErrNotFound = errors.New("object not found")

type Config struct {
	Endpoint string
	Bucket   string
	Region   string
	Secure   bool
	// PublicBaseURL is the base the engine reads objects from. Empty derives
	// it from Endpoint and Bucket.
	PublicBaseURL string
	MaxKeys       int
	AccessKey     string
	SecretKey     string
	Transport     http.RoundTripper
}

type Store struct {
	core    *minio.Core
	bucket  string
	maxKeys int
	baseURL string
}

func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("objstore: endpoint and bucket are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		// Empty keys sign nothing, which is what a public bucket wants.
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: %w", err)
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 || maxKeys > 1000 {
		maxKeys = 1000
	}
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if cfg.Secure {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint + "/" + cfg.Bucket
	}
	return &Store{core: core, bucket: cfg.Bucket, maxKeys: maxKeys, baseURL: base}, nil
}

func (s *Store) Bucket() string { return s.bucket }

// BaseURL is the HTTP root of the bucket, without a trailing slash.
func (s *Store) BaseURL() string { return s.baseURL }

// ListKeys returns every object key under prefix in listing order. Pages are
// requested with max-keys and a continuation marker until the listing is no
// longer truncated. An empty prefix match is an empty slice, not an error.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "objstore.ListKeys")
	defer span.End()
	span.SetAttributes(attribute.String("prefix", prefix))

	start := time.Now()
	defer func() { observability.ObserveUpstreamLatency("s3_list", time.Since(start).Seconds()) }()

	out := []string{}
	for obj := range s.core.Client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
		MaxKeys:   s.maxKeys,
		UseV1:     true,
	}) {
		if obj.Err != nil {
			span.RecordError(obj.Err)
			span.SetStatus(codes.Error, "listing failed")
			return nil, &ListingError{Prefix: prefix, Err: obj.Err}
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		out = append(out, obj.Key)
	}
	if err := ctx.Err(); err != nil {
		return nil, &ListingError{Prefix: prefix, Err: err}
	}
	span.SetAttributes(attribute.Int("keys", len(out)))
	return out, nil
}

// ListChildren lists one level below prefix using "/" as delimiter. Common
// prefixes come back in prefixes, plain objects in keys, both sorted.
func (s *Store) ListChildren(ctx context.Context, prefix string) (prefixes, keys []string, err error) {
	start := time.Now()
	defer func() { observability.ObserveUpstreamLatency("s3_list", time.Since(start).Seconds()) }()

	for obj := range s.core.Client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
		MaxKeys:   s.maxKeys,
		UseV1:     true,
	}) {
		if obj.Err != nil {
			return nil, nil, &ListingError{Prefix: prefix, Err: obj.Err}
		}
		if strings.HasSuffix(obj.Key, "/") {
			prefixes = append(prefixes, obj.Key)
		} else {
			keys = append(keys, obj.Key)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, &ListingError{Prefix: prefix, Err: err}
	}
	sort.Strings(prefixes)
	sort.Strings(keys)
	return prefixes, keys, nil
}

// Size probes the object's content length without reading its body.
func (s *Store) Size(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	info, err := s.core.Client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	observability.ObserveUpstreamLatency("s3_head", time.Since(start).Seconds())
	if err != nil {
		return 0, mapErr(err)
	}
	return info.Size, nil
}

// ReadRange reads the inclusive byte range [start, end].
func (s *Store) ReadRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, err
	}
	t0 := time.Now()
	rc, _, _, err := s.core.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		observability.ObserveUpstreamLatency("s3_range", time.Since(t0).Seconds())
		return nil, mapErr(err)
	}
	defer rc.Close()

	want := end - start + 1
	b, err := io.ReadAll(io.LimitReader(rc, want))
	observability.ObserveUpstreamLatency("s3_range", time.Since(t0).Seconds())
	if err != nil {
		return nil, fmt.Errorf("read range %d-%d: %w", start, end, err)
	}
	if int64(len(b)) != want {
		return nil, fmt.Errorf("short range read: got %d bytes want %d", len(b), want)
	}
	return b, nil
}

// ObjectURL is the URL the query engine uses to read key.
func (s *Store) ObjectURL(key string) string {
	segs := strings.Split(key, "/")
	for i, p := range segs {
		segs[i] = url.PathEscape(p)
	}
	return s.baseURL + "/" + strings.Join(segs, "/")
}

func mapErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
