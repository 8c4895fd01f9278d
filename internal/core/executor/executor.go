// Package executor forwards raw object and listing requests to the object
// store and streams the responses back.
package executor

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
)

// passed lists the upstream response headers a client sees.
var passed = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"ETag",
	"Last-Modified",
}

type Executor struct {
	logger     *slog.Logger
	client     *http.Client
	base       *url.URL
	listingTTL time.Duration
	startNow   func() time.Time // for tests
}

// New proxies to base, the bucket root (e.g. https://bucket.s3.amazonaws.com
// or http://minio:9000/bucket). listingTTL feeds the Cache-Control of
// listing responses.
func New(logger *slog.Logger, client *http.Client, base string, listingTTL time.Duration) (*Executor, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse object store url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("object store url %q needs scheme and host", base)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger:     logger,
		client:     client,
		base:       u,
		listingTTL: listingTTL,
		startNow:   time.Now,
	}, nil
}

// isListing reports whether r is a bucket listing rather than an object read.
func isListing(r *http.Request) bool {
	return r.URL.Query().Has("prefix")
}

// ForwardObject proxies a GET or HEAD of r's path to the bucket. Only the
// Range header is forwarded upstream.
func (e *Executor) ForwardObject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.Contains(r.URL.Path, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	listing := isListing(r)
	start := e.startNow()

	rt := http.RoundTripper(http.DefaultTransport)
	if e.client != nil && e.client.Transport != nil {
		rt = e.client.Transport
	}

	proxy := &httputil.ReverseProxy{
		Transport:     rt,
		FlushInterval: -1,

		Rewrite: func(p *httputil.ProxyRequest) {
			rng := p.In.Header.Get("Range")
			p.Out.Header = http.Header{}
			if rng != "" {
				p.Out.Header.Set("Range", rng)
			}
			p.Out.URL.Scheme = e.base.Scheme
			p.Out.URL.Host = e.base.Host
			p.Out.URL.Path = e.base.Path + p.In.URL.Path
			p.Out.URL.RawPath = ""
			p.Out.URL.RawQuery = p.In.URL.RawQuery
			p.Out.Host = e.base.Host
		},

		ModifyResponse: func(resp *http.Response) error {
			dur := time.Since(start)
			kept := http.Header{}
			for _, h := range passed {
				if v := resp.Header.Get(h); v != "" {
					kept.Set(h, v)
				}
			}
			if kept.Get("Content-Type") == "" {
				kept.Set("Content-Type", "application/octet-stream")
			}
			if listing {
				kept.Set("Cache-Control", "public, s-maxage="+strconv.Itoa(int(e.listingTTL.Seconds())))
			} else {
				kept.Set("Cache-Control", "no-store")
			}
			resp.Header = kept

			e.logger.Debug("forward done",
				"status", resp.StatusCode,
				"listing", listing,
				"duration", dur.String())
			upstream := "s3_object"
			if listing {
				upstream = "s3_list"
			}
			observability.ObserveUpstreamLatency(upstream, dur.Seconds())
			return nil
		},

		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if r.Context().Err() != nil {
				return
			}
			e.logger.Error("reverse proxy error", "err", err)
			http.Error(w, "upstream proxy error: "+err.Error(), http.StatusBadGateway)
		},
	}

	proxy.ServeHTTP(w, r)
}
