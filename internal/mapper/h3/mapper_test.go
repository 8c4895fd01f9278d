package h3mapper

import (
	"testing"

	h3 "github.com/uber/h3-go/v4"
)

func TestCellBBox_ContainsCenter(t *testing.T) {
	m := New()
	c, err := h3.LatLngToCell(h3.LatLng{Lat: 59.33, Lng: 18.06}, 7)
	if err != nil {
		t.Fatalf("LatLngToCell: %v", err)
	}
	bb, err := m.CellBBox(c.String())
	if err != nil {
		t.Fatalf("CellBBox: %v", err)
	}
	if !bb.Valid() {
		t.Fatalf("bbox invalid: %v", bb)
	}
	if !(bb.XMin <= 18.06 && 18.06 <= bb.XMax && bb.YMin <= 59.33 && 59.33 <= bb.YMax) {
		t.Fatalf("bbox %v does not contain the point", bb)
	}
	if bb.XMax-bb.XMin > 1 || bb.YMax-bb.YMin > 1 {
		t.Fatalf("res 7 bbox too large: %v", bb)
	}
}

func TestCellBBox_Invalid(t *testing.T) {
	m := New()
	for _, in := range []string{"", "zzzz", "0"} {
		if _, err := m.CellBBox(in); err == nil {
			t.Fatalf("CellBBox(%q) want error", in)
		}
	}
}

func TestCellBBox_CoarseCellsStayValid(t *testing.T) {
	m := New()
	cells, err := h3.Res0Cells()
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range cells {
		bb, err := m.CellBBox(c.String())
		if err != nil {
			t.Fatalf("CellBBox(%s): %v", c, err)
		}
		if !bb.Valid() {
			t.Fatalf("cell %s bbox invalid: %v", c, bb)
		}
	}
}
