// Package parquettest assembles synthetic parquet files whose footers carry
// chosen column statistics. Only the footer is meaningful; the body is
// padding.
package parquettest

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/parquet-go/parquet-go/encoding/thrift"
	"github.com/parquet-go/parquet-go/format"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
)

// Stat is one column chunk's statistics.
type Stat struct {
	Path []string
	Type format.Type
	Min  []byte
	Max  []byte
	// Legacy writes the deprecated min/max fields instead of min_value/max_value.
	Legacy bool
}

func Float64(v float64) []byte {
	return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v))
}

func Float32(v float32) []byte {
	return binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))
}

// Metadata builds file metadata with one row group per argument.
func Metadata(rowGroups ...[]Stat) *format.FileMetaData {
	md := &format.FileMetaData{
		Version:   2,
		CreatedBy: "parquettest",
		Schema:    []format.SchemaElement{{Name: "schema"}},
	}
	for _, rg := range rowGroups {
		g := format.RowGroup{NumRows: 100}
		for _, s := range rg {
			st := format.Statistics{}
			if s.Legacy {
				st.Min, st.Max = s.Min, s.Max
			} else {
				st.MinValue, st.MaxValue = s.Min, s.Max
			}
			g.Columns = append(g.Columns, format.ColumnChunk{
				MetaData: format.ColumnMetaData{
					Type:         s.Type,
					PathInSchema: s.Path,
					NumValues:    100,
					Statistics:   st,
				},
			})
		}
		md.RowGroups = append(md.RowGroups, g)
		md.NumRows += g.NumRows
	}
	return md
}

// BBoxGroup is the stats of a GeoParquet-style bbox struct column for one
// row group holding exactly b.
func BBoxGroup(b model.BBox) []Stat {
	return []Stat{
		{Path: []string{"bbox", "xmin"}, Type: format.Double, Min: Float64(b.XMin), Max: Float64(b.XMin)},
		{Path: []string{"bbox", "xmax"}, Type: format.Double, Min: Float64(b.XMax), Max: Float64(b.XMax)},
		{Path: []string{"bbox", "ymin"}, Type: format.Double, Min: Float64(b.YMin), Max: Float64(b.YMin)},
		{Path: []string{"bbox", "ymax"}, Type: format.Double, Min: Float64(b.YMax), Max: Float64(b.YMax)},
	}
}

// Footer thrift-encodes md the way parquet writers do.
func Footer(t testing.TB, md *format.FileMetaData) []byte {
	t.Helper()
	b, err := thrift.Marshal(new(thrift.CompactProtocol), md)
	if err != nil {
		t.Fatalf("encode footer: %v", err)
	}
	return b
}

// File wraps a footer into a complete file: magic, padding, footer, length,
// magic.
func File(t testing.TB, md *format.FileMetaData, bodyLen int) []byte {
	t.Helper()
	return Wrap(Footer(t, md), bodyLen)
}

// Wrap frames raw footer bytes, which need not be valid thrift.
func Wrap(footer []byte, bodyLen int) []byte {
	out := make([]byte, 0, 4+bodyLen+len(footer)+8)
	out = append(out, "PAR1"...)
	for i := range bodyLen {
		out = append(out, byte(i))
	}
	out = append(out, footer...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(footer)))
	out = append(out, "PAR1"...)
	return out
}
