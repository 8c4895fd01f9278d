// Package model defines core domain types shared across the service.
package model

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// BBox is an axis-aligned box in EPSG:4326 degrees.
type BBox struct {
	XMin float64 `json:"xmin"`
	XMax float64 `json:"xmax"`
	YMin float64 `json:"ymin"`
	YMax float64 `json:"ymax"`
}

// World is the "unknown extent" box. Files that could not be indexed get it
// so they are never pruned from a query.
func World() BBox {
	return BBox{XMin: -180, XMax: 180, YMin: -90, YMax: 90}
}

func (b BBox) Valid() bool {
	for _, v := range []float64{b.XMin, b.XMax, b.YMin, b.YMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.XMin <= b.XMax && b.YMin <= b.YMax
}

// Intersects uses inclusive edges: touching boxes intersect.
func (b BBox) Intersects(q BBox) bool {
	return b.XMax >= q.XMin && b.XMin <= q.XMax && b.YMax >= q.YMin && b.YMin <= q.YMax
}

func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.XMin, b.YMin, b.XMax, b.YMax)
}

// Coordinate identifies one immutable (release, theme, type) slice of the catalog.
type Coordinate struct {
	Release string `json:"release"`
	Theme   string `json:"theme"`
	Type    string `json:"type"`
}

func (c Coordinate) Validate() error {
	if c.Release == "" || c.Theme == "" || c.Type == "" {
		return errors.New("release, theme and type are required")
	}
	for _, s := range []string{c.Release, c.Theme, c.Type} {
		if strings.ContainsAny(s, "/\\'\"") || strings.Contains(s, "..") {
			return fmt.Errorf("invalid coordinate segment %q", s)
		}
	}
	return nil
}

// Prefix is the object key prefix holding the coordinate's files.
func (c Coordinate) Prefix() string {
	return "release/" + c.Release + "/theme=" + c.Theme + "/type=" + c.Type + "/"
}

func (c Coordinate) String() string {
	return c.Release + "/" + c.Theme + "/" + c.Type
}

// ThemeType is one entry of a release's catalog.
type ThemeType struct {
	Theme string `json:"theme"`
	Type  string `json:"type"`
}

// FileEntry is never mutated after the build that created it.
type FileEntry struct {
	Key  string `json:"key"`
	BBox BBox   `json:"bbox"`
}

// Index maps file key to bbox for exactly one coordinate. It is replaced as
// a whole on rebuild.
type Index struct {
	Coordinate Coordinate      `json:"coordinate"`
	Files      map[string]BBox `json:"files"`
	BuiltAt    time.Time       `json:"built_at"`
	Fallbacks  int             `json:"fallbacks"`
}

func NewIndex(c Coordinate, entries []FileEntry) *Index {
	idx := &Index{
		Coordinate: c,
		Files:      make(map[string]BBox, len(entries)),
		BuiltAt:    time.Now().UTC(),
	}
	for _, e := range entries {
		idx.Files[e.Key] = e.BBox
	}
	return idx
}

// Keys returns the indexed file keys in lexical order.
func (idx *Index) Keys() []string {
	out := make([]string, 0, len(idx.Files))
	for k := range idx.Files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// QueryRequest is one bounded scan over a list of files.
type QueryRequest struct {
	Files   []string `json:"files"`
	Columns []string `json:"columns"`
	Where   string   `json:"where"`
	Limit   int      `json:"limit"`
}
