package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
	"github.com/nikmarch/overturemaps-duckdb/internal/engine"
)

var tracer = otel.Tracer("github.com/nikmarch/overturemaps-duckdb/internal/stream")

// Locker hands out exclusive engine access.
type Locker interface {
	Acquire(ctx context.Context) (*engine.Guard, error)
}

// URLFunc maps a file key to the URL the engine reads.
type URLFunc func(key string) string

// Summary describes a finished query.
type Summary struct {
	Files    int           `json:"files"`
	Rows     int           `json:"rows"`
	Frames   int           `json:"frames"`
	Errors   int           `json:"errors"`
	Retries  int           `json:"retries"`
	Duration time.Duration `json:"-"`
}

type Executor struct {
	lock Locker
	url  URLFunc
	caps Caps
	log  *slog.Logger
}

func NewExecutor(lock Locker, url URLFunc, caps Caps, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{lock: lock, url: url, caps: caps.orDefault(), log: log}
}

// transition is the outcome of one scan step.
type transition int

const (
	advance transition = iota
	retrySameFile
	failAndAdvance
)

// state is Scanning(file, rows, cap).
type state struct {
	file int
	rows int
	cap  *rowCap
}

// Run scans q.Files in order and writes one frame per finished file. File
// failures become error frames; the returned error is reserved for a
// cancelled context or a broken writer. On cancellation no further frame is
// written.
func (e *Executor) Run(ctx context.Context, w *Writer, q model.QueryRequest) (Summary, error) {
	start := time.Now()
	st := state{cap: newRowCap(e.caps)}
	sum := Summary{Files: len(q.Files)}
	observability.SetRowCap(st.cap.cur)

	for st.file < len(q.Files) && st.rows < q.Limit {
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}

		attempt := st.cap.attempt(q.Limit - st.rows)
		res, err := e.scan(ctx, q, st.file, attempt)
		if err != nil && ctx.Err() != nil {
			sum.Duration = time.Since(start)
			return sum, ctx.Err()
		}

		var next transition
		switch {
		case err == nil:
			if len(res.Rows) > attempt {
				res.Rows = res.Rows[:attempt]
			}
			payload, perr := res.Payload()
			if perr != nil {
				err = perr
				next = failAndAdvance
				break
			}
			if werr := w.Write(DataFrame(payload)); werr != nil {
				sum.Duration = time.Since(start)
				return sum, werr
			}
			observability.IncFrame(KindData.String())
			st.rows += len(res.Rows)
			st.cap.grow()
			next = advance
		case engine.IsOutOfMemory(err) && st.cap.shrink(attempt):
			e.log.WarnContext(ctx, "engine out of memory, retrying file with smaller cap",
				"file", q.Files[st.file], "file_index", st.file, "attempt", attempt, "cap", st.cap.cur)
			next = retrySameFile
		default:
			next = failAndAdvance
		}

		switch next {
		case advance:
			st.file++
		case retrySameFile:
			sum.Retries++
		case failAndAdvance:
			e.log.WarnContext(ctx, "file scan failed",
				"file", q.Files[st.file], "file_index", st.file, "cap", st.cap.cur, "err", err)
			if werr := w.Write(ErrorFrame(st.file, err.Error())); werr != nil {
				sum.Duration = time.Since(start)
				return sum, werr
			}
			observability.IncFrame(KindError.String())
			sum.Errors++
			st.file++
		}
	}

	sum.Rows = st.rows
	sum.Frames = w.Frames()
	sum.Duration = time.Since(start)
	return sum, nil
}

// scan runs one bounded scan under the engine lock. The instance is torn
// down when the lock is released, so every file starts on a fresh engine.
func (e *Executor) scan(ctx context.Context, q model.QueryRequest, idx, limit int) (*engine.Result, error) {
	ctx, span := tracer.Start(ctx, "stream.scan")
	defer span.End()
	span.SetAttributes(
		attribute.String("file", q.Files[idx]),
		attribute.Int("file_index", idx),
		attribute.Int("limit", limit),
	)

	g, err := e.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer g.Release()

	res, err := g.Scan(ctx, engine.ScanRequest{
		URL:     e.url(q.Files[idx]),
		Columns: q.Columns,
		Where:   q.Where,
		Limit:   limit,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return nil, err
	}
	if res == nil {
		return nil, errors.New("engine returned no result")
	}
	span.SetAttributes(attribute.Int("rows", len(res.Rows)))
	return res, nil
}

// Exec runs a single scan outside the frame protocol.
func (e *Executor) Exec(ctx context.Context, file string, columns []string, where string, limit int) (*engine.Result, error) {
	res, err := e.scan(ctx, model.QueryRequest{Files: []string{file}, Columns: columns, Where: where, Limit: limit}, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("exec %s: %w", file, err)
	}
	return res, nil
}
