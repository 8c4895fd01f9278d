package stream

import "github.com/nikmarch/overturemaps-duckdb/internal/core/observability"

// Caps configures the adaptive per-file row cap.
type Caps struct {
	Baseline int
	Ceiling  int
	Floor    int
}

var DefaultCaps = Caps{Baseline: 5000, Ceiling: 10000, Floor: 500}

func (c Caps) orDefault() Caps {
	if c.Baseline <= 0 || c.Ceiling < c.Baseline || c.Floor <= 0 || c.Floor > c.Baseline {
		return DefaultCaps
	}
	return c
}

// rowCap is per query; it is never shared between requests.
type rowCap struct {
	caps Caps
	cur  int
}

func newRowCap(c Caps) *rowCap {
	c = c.orDefault()
	return &rowCap{caps: c, cur: c.Baseline}
}

// attempt is the LIMIT for the next scan given the rows still wanted.
func (r *rowCap) attempt(remaining int) int {
	return min(remaining, r.cur)
}

func (r *rowCap) grow() {
	if r.cur >= r.caps.Ceiling {
		return
	}
	r.cur = min(r.cur*2, r.caps.Ceiling)
	observability.IncRowCapAdjust("up")
	observability.SetRowCap(r.cur)
}

// shrink halves the cap after an out-of-memory scan of size attempt. It
// reports false when attempt was already at the floor and no retry is due.
func (r *rowCap) shrink(attempt int) bool {
	if attempt <= r.caps.Floor {
		return false
	}
	r.cur = max(r.caps.Floor, attempt/2)
	observability.IncRowCapAdjust("down")
	observability.SetRowCap(r.cur)
	return true
}
