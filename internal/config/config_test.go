package config_test

import (
	"testing"

	"github.com/Cirromulus/paffs-go/internal/config"
)

func TestDeriveDefault(t *testing.T) {
	d := config.Derive(config.Default())

	if d.AreasNo != d.BlocksTotal/d.BlocksPerArea {
		t.Fatalf("AreasNo mismatch: got %d, want %d", d.AreasNo, d.BlocksTotal/d.BlocksPerArea)
	}
	if d.TotalPagesPerArea != d.BlocksPerArea*d.PagesPerBlock {
		t.Fatalf("TotalPagesPerArea mismatch: got %d", d.TotalPagesPerArea)
	}
	if d.DataPagesPerArea+d.OOBPagesPerArea != d.TotalPagesPerArea {
		t.Fatalf("data+oob pages per area must equal total: %d+%d != %d", d.DataPagesPerArea, d.OOBPagesPerArea, d.TotalPagesPerArea)
	}
	if d.AddrsPerPage != d.DataBytesPerPage/config.AddrSize {
		t.Fatalf("AddrsPerPage mismatch: got %d", d.AddrsPerPage)
	}
	if d.SuperChainElems != d.JumpPadNo+2 {
		t.Fatalf("SuperChainElems mismatch: got %d", d.SuperChainElems)
	}
}

func TestDeriveSmallGeometryConverges(t *testing.T) {
	p := config.Params{
		DataBytesPerPage: 64,
		OOBBytesPerPage:  8,
		PagesPerBlock:    4,
		BlocksTotal:      8,
		BlocksPerArea:    2,
		JumpPadNo:        1,
	}
	d := config.Derive(p)
	if d.DataPagesPerArea == 0 {
		t.Fatalf("expected a positive number of data pages for a small geometry")
	}
	if d.OOBPagesPerArea >= d.TotalPagesPerArea {
		t.Fatalf("OOB pages must leave room for data pages")
	}
}
