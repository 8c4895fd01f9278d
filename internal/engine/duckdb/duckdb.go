// Package duckdb backs engine.Scanner with an in-process DuckDB database
// reading remote parquet through httpfs.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/duckdb/duckdb-go/v2"

	"github.com/nikmarch/overturemaps-duckdb/internal/engine"
)

type Config struct {
	MemoryLimit string // e.g. "100MB"
	Threads     int
	// S3Region and S3Endpoint are applied when scanning s3:// URLs.
	S3Region   string
	S3Endpoint string
}

// Factory returns an engine.Factory that opens a fresh in-memory database
// for every instance.
func Factory(cfg Config) engine.Factory {
	return func(ctx context.Context) (engine.Scanner, error) {
		return Open(ctx, cfg)
	}
}

type Scanner struct {
	db *sql.DB
}

func Open(ctx context.Context, cfg Config) (*Scanner, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// Settings are per connection; pin the pool to one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range setup(cfg) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("duckdb setup %q: %w", stmt, err)
		}
	}
	return &Scanner{db: db}, nil
}

func setup(cfg Config) []string {
	stmts := []string{"INSTALL httpfs", "LOAD httpfs"}
	if cfg.MemoryLimit != "" {
		stmts = append(stmts, "SET memory_limit="+engine.QuoteLiteral(cfg.MemoryLimit))
	}
	if cfg.Threads > 0 {
		stmts = append(stmts, fmt.Sprintf("SET threads=%d", cfg.Threads))
	}
	if cfg.S3Region != "" {
		stmts = append(stmts, "SET s3_region="+engine.QuoteLiteral(cfg.S3Region))
	}
	if cfg.S3Endpoint != "" {
		stmts = append(stmts, "SET s3_endpoint="+engine.QuoteLiteral(cfg.S3Endpoint))
	}
	return stmts
}

func (s *Scanner) Scan(ctx context.Context, req engine.ScanRequest) (*engine.Result, error) {
	q, err := engine.BuildSQL(req)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	return collect(rows)
}

// collect drains rows into a Result with JSON-ready values.
func collect(rows *sql.Rows) (*engine.Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, wrap(err)
	}
	res := &engine.Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrap(err)
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return res, nil
}

func (s *Scanner) Close() error { return s.db.Close() }

func wrap(err error) error {
	if strings.Contains(err.Error(), "Out of Memory") {
		return fmt.Errorf("%w: %v", engine.ErrOutOfMemory, err)
	}
	return err
}

// normalize maps driver values onto JSON-ready ones. MAP columns arrive as
// duckdb.Map at any depth, including inside STRUCT and LIST values.
func normalize(v any) any {
	switch x := v.(type) {
	case duckdb.Map:
		return normalizeMap(x)
	case map[any]any:
		return normalizeMap(x)
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case duckdb.Union:
		return map[string]any{"tag": x.Tag, "value": normalize(x.Value)}
	case duckdb.Decimal:
		if x.Value == nil {
			return nil
		}
		return x.Float64()
	case duckdb.UUID:
		return x.String()
	case duckdb.Interval:
		return map[string]any{"months": x.Months, "days": x.Days, "micros": x.Micros}
	default:
		return v
	}
}

func normalizeMap(x map[any]any) map[string]any {
	m := make(map[string]any, len(x))
	for k, e := range x {
		m[fmt.Sprint(normalize(k))] = normalize(e)
	}
	return m
}
