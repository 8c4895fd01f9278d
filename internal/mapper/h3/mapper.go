package h3mapper

import (
	"errors"
	"fmt"
	"math"
	"strings"

	h3 "github.com/uber/h3-go/v4"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// CellBBox returns the bounding box of the cell's boundary in degrees.
// Cells crossing the antimeridian get the full longitude range.
func (m *Mapper) CellBBox(cell string) (model.BBox, error) {
	c, err := parseCell(cell)
	if err != nil {
		return model.BBox{}, err
	}
	boundary, err := c.Boundary()
	if err != nil {
		return model.BBox{}, fmt.Errorf("h3 boundary: %w", err)
	}
	if len(boundary) == 0 {
		return model.BBox{}, errors.New("h3 boundary is empty")
	}

	bb := model.BBox{
		XMin: math.Inf(1), XMax: math.Inf(-1),
		YMin: math.Inf(1), YMax: math.Inf(-1),
	}
	for _, ll := range boundary {
		bb.XMin = math.Min(bb.XMin, ll.Lng)
		bb.XMax = math.Max(bb.XMax, ll.Lng)
		bb.YMin = math.Min(bb.YMin, ll.Lat)
		bb.YMax = math.Max(bb.YMax, ll.Lat)
	}
	if bb.XMax-bb.XMin > 180 {
		bb.XMin, bb.XMax = -180, 180
	}

	// Polar cells: the pole lies inside the cell but not on its boundary.
	center, err := c.LatLng()
	if err == nil {
		bb.YMin = math.Min(bb.YMin, center.Lat)
		bb.YMax = math.Max(bb.YMax, center.Lat)
		if math.Abs(center.Lat) > 80 && bb.XMax-bb.XMin > 90 {
			bb.XMin, bb.XMax = -180, 180
			if center.Lat > 0 {
				bb.YMax = 90
			} else {
				bb.YMin = -90
			}
		}
	}
	return bb, nil
}

func parseCell(s string) (h3.Cell, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty h3 cell")
	}
	var c h3.Cell
	if err := c.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("parse cell: %w", err)
	}
	if !c.IsValid() {
		return 0, fmt.Errorf("invalid h3 cell %q", s)
	}
	return c, nil
}
