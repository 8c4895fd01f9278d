// Package router holds the worker's HTTP handlers: catalog, file discovery,
// streaming queries and index maintenance.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nikmarch/overturemaps-duckdb/internal/cache/keys"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
	"github.com/nikmarch/overturemaps-duckdb/internal/engine"
	"github.com/nikmarch/overturemaps-duckdb/internal/index"
	"github.com/nikmarch/overturemaps-duckdb/internal/mapper"
	"github.com/nikmarch/overturemaps-duckdb/internal/stream"
)

type Catalog interface {
	Releases(ctx context.Context) ([]string, bool, error)
	Themes(ctx context.Context, release string) ([]model.ThemeType, bool, error)
}

type Indexer interface {
	Snapshot(ctx context.Context, coord model.Coordinate, wait bool) (index.Snapshot, error)
	Clear(ctx context.Context, coord model.Coordinate) error
}

type QueryRunner interface {
	Run(ctx context.Context, w *stream.Writer, q model.QueryRequest) (stream.Summary, error)
	Exec(ctx context.Context, file string, columns []string, where string, limit int) (*engine.Result, error)
}

// QueryObserver is told about every finished /query stream. It must not block.
type QueryObserver interface {
	QueryDone(ctx context.Context, q model.QueryRequest, sum stream.Summary, err error)
}

type Options struct {
	CatalogTTL time.Duration
	MaxRows    int
	MaxFiles   int
	// RetryAfter is advertised while an index is building.
	RetryAfter time.Duration
}

type Handlers struct {
	log    *slog.Logger
	cat    Catalog
	idx    Indexer
	runner QueryRunner
	cells  mapper.Interface
	obs    QueryObserver
	opts   Options
}

// New wires the handlers. cells and obs may be nil.
func New(log *slog.Logger, cat Catalog, idx Indexer, runner QueryRunner, cells mapper.Interface, obs QueryObserver, opts Options) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 2 * time.Second
	}
	return &Handlers{log: log, cat: cat, idx: idx, runner: runner, cells: cells, obs: obs, opts: opts}
}

// Releases serves GET /releases.
func (h *Handlers) Releases() http.HandlerFunc {
	return instrument("/releases", func(w http.ResponseWriter, r *http.Request) {
		rels, hit, err := h.cat.Releases(r.Context())
		if err != nil {
			h.upstreamError(w, r, "list releases", err)
			return
		}
		h.catalogHeaders(w, hit)
		writeJSON(w, http.StatusOK, rels)
	})
}

// Themes serves GET /themes?release=R.
func (h *Handlers) Themes() http.HandlerFunc {
	return instrument("/themes", func(w http.ResponseWriter, r *http.Request) {
		release := strings.TrimSpace(r.URL.Query().Get("release"))
		if release == "" {
			badRequest(w, missingRelease)
			return
		}
		if err := (model.Coordinate{Release: release, Theme: "x", Type: "x"}).Validate(); err != nil {
			badRequest(w, err.Error())
			return
		}
		themes, hit, err := h.cat.Themes(r.Context(), release)
		if err != nil {
			h.upstreamError(w, r, "list themes", err)
			return
		}
		h.catalogHeaders(w, hit)
		writeJSON(w, http.StatusOK, themes)
	})
}

// Files serves GET /files. While the index builds the answer is the
// unfiltered listing with 202 and X-Index-Status: building.
func (h *Handlers) Files() http.HandlerFunc {
	return instrument("/files", func(w http.ResponseWriter, r *http.Request) {
		v := r.URL.Query()
		coord, err := ParseCoordinate(v)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		q, err := ParseBBox(v)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		if cell := strings.TrimSpace(v.Get("cell")); cell != "" {
			if q != nil {
				badRequest(w, "cell and bbox parameters are mutually exclusive")
				return
			}
			if h.cells == nil {
				badRequest(w, "cell queries are not enabled")
				return
			}
			bb, err := h.cells.CellBBox(cell)
			if err != nil {
				badRequest(w, err.Error())
				return
			}
			q = &bb
		}
		wait, _ := strconv.ParseBool(v.Get("wait"))

		snap, err := h.idx.Snapshot(r.Context(), coord, wait)
		if err != nil {
			h.upstreamError(w, r, "resolve files", err)
			return
		}
		res := index.Resolve(snap, q)
		if res.Files == nil {
			res.Files = []string{}
		}

		hdr := w.Header()
		hdr.Set("X-Total-Files", strconv.Itoa(res.Total))
		hdr.Set("X-Filtered-Files", strconv.Itoa(res.Filtered))
		hdr.Set("X-Cache", cacheLabel(snap.Cached))
		hdr.Set("Cache-Control", "no-store")
		if res.Building {
			hdr.Set("X-Index-Status", "building")
			hdr.Set("Retry-After", strconv.Itoa(int(h.opts.RetryAfter.Seconds())))
			writeJSON(w, http.StatusAccepted, res.Files)
			return
		}
		hdr.Set("X-Index-Status", "ready")
		etag := `"` + keys.Sum(res.Files) + `"`
		hdr.Set("ETag", etag)
		if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeJSON(w, http.StatusOK, res.Files)
	})
}

// Query serves POST /query as a frame stream. Per-file failures travel as
// error frames, so the status is 200 once the body validates.
func (h *Handlers) Query() http.HandlerFunc {
	return instrument("/query", func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody(w, r)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		q, err := ParseQuery(body, h.opts.MaxRows, h.opts.MaxFiles)
		if err != nil {
			badRequest(w, err.Error())
			return
		}

		hdr := w.Header()
		hdr.Set("Content-Type", stream.ContentType)
		hdr.Set("Cache-Control", "no-store")
		hdr.Set("X-Content-Type-Options", "nosniff")
		if len(q.Files) == 0 {
			w.WriteHeader(http.StatusOK)
			return
		}
		hdr.Set("Trailer", "X-Row-Count, X-Error-Count, X-Retry-Count")
		w.WriteHeader(http.StatusOK)

		rc := http.NewResponseController(w)
		fw := stream.NewWriter(w, func() error {
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return err
			}
			return nil
		})
		sum, err := h.runner.Run(r.Context(), fw, q)

		hdr.Set("X-Row-Count", strconv.Itoa(sum.Rows))
		hdr.Set("X-Error-Count", strconv.Itoa(sum.Errors))
		hdr.Set("X-Retry-Count", strconv.Itoa(sum.Retries))

		if err != nil {
			h.log.WarnContext(r.Context(), "query stream ended early",
				"files", len(q.Files), "frames", fw.Frames(), "err", err)
		} else {
			h.log.InfoContext(r.Context(), "query stream done",
				"files", sum.Files, "rows", sum.Rows, "errors", sum.Errors,
				"retries", sum.Retries, "duration", sum.Duration.String())
		}
		if h.obs != nil {
			h.obs.QueryDone(context.WithoutCancel(r.Context()), q, sum, err)
		}
	})
}

// Exec serves POST /query/exec: one file, one payload.
func (h *Handlers) Exec() http.HandlerFunc {
	return instrument("/query/exec", func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody(w, r)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		q, err := ParseExec(body, h.opts.MaxRows)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		res, err := h.runner.Exec(r.Context(), q.Files[0], q.Columns, q.Where, q.Limit)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			h.log.WarnContext(r.Context(), "exec failed", "file", q.Files[0], "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		payload, err := res.Payload()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Row-Count", strconv.Itoa(res.NumRows()))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	})
}

// ClearIndex serves /index/clear. Clearing an absent index succeeds.
func (h *Handlers) ClearIndex() http.HandlerFunc {
	return instrument("/index/clear", func(w http.ResponseWriter, r *http.Request) {
		coord, err := ParseCoordinate(r.URL.Query())
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		if err := h.idx.Clear(r.Context(), coord); err != nil {
			h.log.ErrorContext(r.Context(), "index clear failed", "coordinate", coord.String(), "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, map[string]any{"cleared": coord})
	})
}

func (h *Handlers) catalogHeaders(w http.ResponseWriter, hit bool) {
	w.Header().Set("X-Cache", cacheLabel(hit))
	w.Header().Set("Cache-Control", "public, s-maxage="+strconv.Itoa(int(h.opts.CatalogTTL.Seconds())))
}

func (h *Handlers) upstreamError(w http.ResponseWriter, r *http.Request, what string, err error) {
	if r.Context().Err() != nil {
		return
	}
	h.log.ErrorContext(r.Context(), what+" failed", "err", err)
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
}

func cacheLabel(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// instrument records request count and latency per route.
func instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		fn(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
