// Package engine serializes access to the embedded query engine. The engine
// is not reentrant: one Guard holds it at a time, and the instance behind it
// is rebuilt after every file so peak memory stays near one file's working
// set.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
)

// ErrOutOfMemory marks a scan that hit the engine's memory limit. The
// instance that produced it must not be reused.
var ErrOutOfMemory = errors.New("engine out of memory")

// ErrBusy is returned by TryAcquire when another caller holds the engine.
var ErrBusy = errors.New("engine busy")

// IsOutOfMemory also recognizes the engine's raw message for drivers that do
// not wrap ErrOutOfMemory.
func IsOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutOfMemory) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "out of memory")
}

// ScanRequest is one bounded scan over one file.
type ScanRequest struct {
	URL     string
	Columns []string
	Where   string
	Limit   int
}

// Result is a row-major result set.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (r *Result) NumRows() int { return len(r.Rows) }

// Payload encodes r as {"columns":[...],"rows":[[...],...]}.
func (r *Result) Payload() ([]byte, error) {
	if r.Rows == nil {
		r.Rows = [][]any{}
	}
	if r.Columns == nil {
		r.Columns = []string{}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}

// Scanner is one live engine instance.
type Scanner interface {
	Scan(ctx context.Context, req ScanRequest) (*Result, error)
	Close() error
}

// Factory creates a fresh engine instance.
type Factory func(ctx context.Context) (Scanner, error)

// Engine owns the single engine slot.
type Engine struct {
	sem     chan struct{}
	factory Factory
}

func New(f Factory) *Engine {
	return &Engine{sem: make(chan struct{}, 1), factory: f}
}

// Acquire blocks until the engine is free or ctx ends. The returned Guard
// must be released on every path.
func (e *Engine) Acquire(ctx context.Context) (*Guard, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// Both cases may be ready at once; prefer giving the slot back.
	if err := ctx.Err(); err != nil {
		<-e.sem
		return nil, err
	}
	return &Guard{e: e}, nil
}

func (e *Engine) TryAcquire() (*Guard, error) {
	select {
	case e.sem <- struct{}{}:
		return &Guard{e: e}, nil
	default:
		return nil, ErrBusy
	}
}

// Guard is exclusive access to the engine. It is not safe for concurrent use.
type Guard struct {
	e    *Engine
	sc   Scanner
	once sync.Once
}

// Scan runs req on the current instance, creating one if needed.
func (g *Guard) Scan(ctx context.Context, req ScanRequest) (*Result, error) {
	if g.sc == nil {
		sc, err := g.e.factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("start engine: %w", err)
		}
		g.sc = sc
	}
	start := time.Now()
	res, err := g.sc.Scan(ctx, req)
	outcome := "ok"
	switch {
	case err == nil:
	case IsOutOfMemory(err):
		outcome = "oom"
	case ctx.Err() != nil:
		outcome = "canceled"
	default:
		outcome = "error"
	}
	observability.ObserveEngineScan(outcome, time.Since(start).Seconds())
	return res, err
}

// Reset tears down the current instance; the next Scan starts a new one.
func (g *Guard) Reset() {
	if g.sc != nil {
		_ = g.sc.Close()
		g.sc = nil
	}
}

// Release resets the instance and frees the slot. Safe to call repeatedly.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.Reset()
		<-g.e.sem
	})
}
