// Package footer fetches the raw footer of a remote parquet file using only a
// size probe and two byte-range reads.
package footer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/observability"
)

var tracer = otel.Tracer("github.com/nikmarch/overturemaps-duckdb/internal/footer")

// Magic terminates every parquet file and also starts it.
var Magic = []byte("PAR1")

const (
	trailerLen = 8
	// Header magic plus trailer; anything smaller cannot hold a footer.
	minFileLen = 4 + trailerLen
	// Larger footers are treated as corrupt rather than allocated.
	DefaultMaxFooterLen = 64 << 20
)

type Stage string

const (
	StageProbe   Stage = "probe"
	StageTrailer Stage = "trailer"
	StageFooter  Stage = "footer"
)

type Error struct {
	Key   string
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("footer %s (%s): %v", e.Key, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RangeSource is the subset of the object store the reader needs.
type RangeSource interface {
	Size(ctx context.Context, key string) (int64, error)
	ReadRange(ctx context.Context, key string, start, end int64) ([]byte, error)
}

type Reader struct {
	src    RangeSource
	maxLen int64
}

func NewReader(src RangeSource) *Reader {
	return &Reader{src: src, maxLen: DefaultMaxFooterLen}
}

// WithMaxLen returns a copy of r that rejects footers longer than n bytes.
func (r *Reader) WithMaxLen(n int64) *Reader {
	cp := *r
	cp.maxLen = n
	return &cp
}

// Read returns the thrift-encoded footer bytes of key. Every failure is an
// *Error naming the stage that failed.
func (r *Reader) Read(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "footer.Read")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	size, err := r.src.Size(ctx, key)
	if err != nil {
		return nil, r.fail(key, StageProbe, err)
	}
	if size < minFileLen {
		return nil, r.fail(key, StageProbe, fmt.Errorf("file too small: %d bytes", size))
	}

	trailer, err := r.src.ReadRange(ctx, key, size-trailerLen, size-1)
	if err != nil {
		return nil, r.fail(key, StageTrailer, err)
	}
	if len(trailer) != trailerLen {
		return nil, r.fail(key, StageTrailer, fmt.Errorf("trailer is %d bytes", len(trailer)))
	}
	if !bytes.Equal(trailer[4:], Magic) {
		return nil, r.fail(key, StageTrailer, fmt.Errorf("bad magic %q", trailer[4:]))
	}

	n := int64(binary.LittleEndian.Uint32(trailer[:4]))
	start := size - trailerLen - n
	if n == 0 || start < 4 {
		return nil, r.fail(key, StageFooter, fmt.Errorf("footer length %d out of bounds for size %d", n, size))
	}
	if r.maxLen > 0 && n > r.maxLen {
		return nil, r.fail(key, StageFooter, fmt.Errorf("footer length %d exceeds limit %d", n, r.maxLen))
	}
	span.SetAttributes(attribute.Int64("footer_len", n))

	b, err := r.src.ReadRange(ctx, key, start, size-trailerLen-1)
	if err != nil {
		return nil, r.fail(key, StageFooter, err)
	}
	if int64(len(b)) != n {
		return nil, r.fail(key, StageFooter, fmt.Errorf("footer is %d bytes want %d", len(b), n))
	}
	observability.IncFooterRead("ok")
	return b, nil
}

func (r *Reader) fail(key string, stage Stage, err error) error {
	observability.IncFooterRead(string(stage) + "_error")
	return &Error{Key: key, Stage: stage, Err: err}
}
