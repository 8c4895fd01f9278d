// Package extract reduces parquet footer column statistics to a whole-file
// bounding box. It never prunes: anything it cannot read widens to the world
// box.
package extract

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go/encoding/thrift"
	"github.com/parquet-go/parquet-go/format"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
)

// ErrDecode reports footer bytes that are not valid file metadata.
var ErrDecode = errors.New("decode footer metadata")

// ErrNoStats reports a footer without any readable bbox statistics.
var ErrNoStats = errors.New("footer has no bbox statistics")

// Extract decodes footer and returns its bbox. The world box comes back with
// an error wrapping ErrDecode when the footer cannot be decoded, and with
// ErrNoStats when no bbox edge could be read.
func Extract(footer []byte) (model.BBox, error) {
	var md format.FileMetaData
	if err := thrift.Unmarshal(new(thrift.CompactProtocol), footer, &md); err != nil {
		return model.World(), fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b, found := FromMetadata(&md)
	if !found {
		return model.World(), ErrNoStats
	}
	return b, nil
}

// FromMetadata scans every row group for columns whose dotted, lowercased
// path contains xmin, xmax, ymin or ymax, taking the min of mins for the
// lower edges and the max of maxes for the upper ones. found is false when
// no edge could be read at all; the result is then the world box. A single
// missing edge falls back to the matching world edge, and a result that is
// not a valid box becomes the world box.
func FromMetadata(md *format.FileMetaData) (b model.BBox, found bool) {
	xmin, ymin := math.Inf(1), math.Inf(1)
	xmax, ymax := math.Inf(-1), math.Inf(-1)

	for _, rg := range md.RowGroups {
		for _, col := range rg.Columns {
			cm := &col.MetaData
			path := strings.ToLower(strings.Join(cm.PathInSchema, "."))
			if path == "" {
				continue
			}
			minRaw := firstNonEmpty(cm.Statistics.MinValue, cm.Statistics.Min)
			maxRaw := firstNonEmpty(cm.Statistics.MaxValue, cm.Statistics.Max)

			switch {
			case strings.Contains(path, "xmin"):
				if v, ok := decodeValue(cm.Type, minRaw); ok {
					xmin = math.Min(xmin, v)
				}
			case strings.Contains(path, "xmax"):
				if v, ok := decodeValue(cm.Type, maxRaw); ok {
					xmax = math.Max(xmax, v)
				}
			case strings.Contains(path, "ymin"):
				if v, ok := decodeValue(cm.Type, minRaw); ok {
					ymin = math.Min(ymin, v)
				}
			case strings.Contains(path, "ymax"):
				if v, ok := decodeValue(cm.Type, maxRaw); ok {
					ymax = math.Max(ymax, v)
				}
			}
		}
	}

	w := model.World()
	found = !math.IsInf(xmin, 1) || !math.IsInf(xmax, -1) || !math.IsInf(ymin, 1) || !math.IsInf(ymax, -1)
	if !found {
		return w, false
	}
	b = model.BBox{XMin: w.XMin, XMax: w.XMax, YMin: w.YMin, YMax: w.YMax}
	if !math.IsInf(xmin, 1) {
		b.XMin = xmin
	}
	if !math.IsInf(xmax, -1) {
		b.XMax = xmax
	}
	if !math.IsInf(ymin, 1) {
		b.YMin = ymin
	}
	if !math.IsInf(ymax, -1) {
		b.YMax = ymax
	}
	if !b.Valid() {
		return w, true
	}
	return b, true
}

func firstNonEmpty(a, b []byte) []byte {
	if len(a) > 0 {
		return a
	}
	return b
}

// decodeValue reads a statistics value by physical type, then by width, then
// as ASCII text. Non-finite results are rejected.
func decodeValue(t format.Type, raw []byte) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var v float64
	ok := false
	switch {
	case t == format.Double && len(raw) == 8:
		v, ok = math.Float64frombits(binary.LittleEndian.Uint64(raw)), true
	case t == format.Float && len(raw) == 4:
		v, ok = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))), true
	case t == format.Int32 && len(raw) == 4:
		v, ok = float64(int32(binary.LittleEndian.Uint32(raw))), true
	case t == format.Int64 && len(raw) == 8:
		v, ok = float64(int64(binary.LittleEndian.Uint64(raw))), true
	}
	if !ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); err == nil {
			v, ok = f, true
		}
	}
	if !ok {
		switch len(raw) {
		case 8:
			v, ok = math.Float64frombits(binary.LittleEndian.Uint64(raw)), true
		case 4:
			v, ok = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))), true
		}
	}
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
