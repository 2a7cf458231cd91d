package summary_test

import (
	"testing"

	"github.com/Cirromulus/paffs-go/internal/areamgr"
	"github.com/Cirromulus/paffs-go/internal/bitlist"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/summary"
)

func newTestCache(t *testing.T) (*summary.Cache, *areamgr.Manager) {
	t.Helper()
	params := config.Default()
	d := config.Derive(params)
	sim := driver.NewSimulator(d)
	mgr := areamgr.New(d, sim)
	mgr.Format()
	sum := summary.New(d, sim, mgr, 3)
	mgr.Summary = sum
	return sum, mgr
}

func TestSetGetPageStatusRoundTrip(t *testing.T) {
	sum, mgr := newTestCache(t)
	area, err := mgr.FindWritableArea(areamgr.Data)
	if err != nil {
		t.Fatalf("FindWritableArea: %v", err)
	}
	if err := sum.SetPageStatus(area, 4, bitlist.Used); err != nil {
		t.Fatalf("SetPageStatus: %v", err)
	}
	got, err := sum.GetPageStatus(area, 4)
	if err != nil {
		t.Fatalf("GetPageStatus: %v", err)
	}
	if got != bitlist.Used {
		t.Fatalf("expected Used, got %v", got)
	}
}

func TestSetPageStatusReadOnlyRefuses(t *testing.T) {
	sum, mgr := newTestCache(t)
	area, err := mgr.FindWritableArea(areamgr.Data)
	if err != nil {
		t.Fatalf("FindWritableArea: %v", err)
	}
	sum.ReadOnly = true
	if err := sum.SetPageStatus(area, 0, bitlist.Used); err == nil {
		t.Fatalf("expected an error writing to a read-only summary cache")
	}
}

func TestFindFirstFreePageAdvancesPastUsed(t *testing.T) {
	sum, mgr := newTestCache(t)
	area, err := mgr.FindWritableArea(areamgr.Data)
	if err != nil {
		t.Fatalf("FindWritableArea: %v", err)
	}
	if err := sum.SetPageStatus(area, 0, bitlist.Used); err != nil {
		t.Fatalf("SetPageStatus: %v", err)
	}
	p, err := sum.FindFirstFreePage(area)
	if err != nil {
		t.Fatalf("FindFirstFreePage: %v", err)
	}
	if p != 1 {
		t.Fatalf("expected first free page 1, got %d", p)
	}
}

func TestAllDirtyDeletesArea(t *testing.T) {
	sum, mgr := newTestCache(t)
	area, err := mgr.FindWritableArea(areamgr.Data)
	if err != nil {
		t.Fatalf("FindWritableArea: %v", err)
	}
	for p := uint32(0); p < mgr.Derived.DataPagesPerArea; p++ {
		if err := sum.SetPageStatus(area, p, bitlist.Dirty); err != nil {
			t.Fatalf("SetPageStatus(%d): %v", p, err)
		}
	}
	if mgr.Areas[area].Status != areamgr.Empty {
		t.Fatalf("expected area %d freed once fully dirty, got %v", area, mgr.Areas[area].Status)
	}
}

func TestCommitAreaSummariesWithoutSuperblockIsANoop(t *testing.T) {
	sum, mgr := newTestCache(t)
	area, err := mgr.FindWritableArea(areamgr.Data)
	if err != nil {
		t.Fatalf("FindWritableArea: %v", err)
	}
	if err := sum.SetPageStatus(area, 0, bitlist.Used); err != nil {
		t.Fatalf("SetPageStatus: %v", err)
	}
	if err := sum.CommitAreaSummaries(true); err != nil {
		t.Fatalf("CommitAreaSummaries with no Super wired must not error: %v", err)
	}
}
