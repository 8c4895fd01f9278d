// Package mapper converts alternative query footprints into bounding boxes.
package mapper

import (
	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
)

type Interface interface {
	CellBBox(cell string) (model.BBox, error)
}
