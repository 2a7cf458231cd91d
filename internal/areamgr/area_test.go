package areamgr_test

import (
	"testing"

	"github.com/Cirromulus/paffs-go/internal/areamgr"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
)

// fakeSummary is a minimal areamgr.SummaryProvider stub: every page is free
// until explicitly marked used, which is enough to exercise
// FindWritableArea/FindFirstFreePage without pulling in the real summary
// cache.
type fakeSummary struct {
	used map[uint32]map[uint32]bool
}

func newFakeSummary() *fakeSummary { return &fakeSummary{used: make(map[uint32]map[uint32]bool)} }

func (f *fakeSummary) FindFirstFreePage(area uint32) (uint32, error) {
	m := f.used[area]
	for p := uint32(0); p < 32; p++ {
		if !m[p] {
			return p, nil
		}
	}
	return 32, paffserr.New(paffserr.NoSpace, "area full")
}

func (f *fakeSummary) IsCached(area uint32) bool  { return false }
func (f *fakeSummary) ResetASWritten(area uint32) {}
func (f *fakeSummary) DropArea(area uint32)       {}

func (f *fakeSummary) markAllUsed(area uint32) {
	m := make(map[uint32]bool)
	for p := uint32(0); p < 32; p++ {
		m[p] = true
	}
	f.used[area] = m
}

func newTestManager(t *testing.T) (*areamgr.Manager, *fakeSummary) {
	t.Helper()
	params := config.Default()
	d := config.Derive(params)
	sim := driver.NewSimulator(d)
	mgr := areamgr.New(d, sim)
	mgr.Format()
	fs := newFakeSummary()
	mgr.Summary = fs
	return mgr, fs
}

func TestFormatReservesSuperblockArea(t *testing.T) {
	mgr, _ := newTestManager(t)
	if mgr.Areas[0].Type != areamgr.Superblock {
		t.Fatalf("area 0 must be Superblock after Format, got %v", mgr.Areas[0].Type)
	}
	if mgr.Areas[0].Status != areamgr.Active {
		t.Fatalf("area 0 must be Active after Format, got %v", mgr.Areas[0].Status)
	}
	if mgr.UsedAreas != 1 {
		t.Fatalf("expected UsedAreas==1 after Format, got %d", mgr.UsedAreas)
	}
}

func TestFindWritableAreaReusesActiveArea(t *testing.T) {
	mgr, _ := newTestManager(t)
	a1, err := mgr.FindWritableArea(areamgr.Data)
	if err != nil {
		t.Fatalf("FindWritableArea: %v", err)
	}
	a2, err := mgr.FindWritableArea(areamgr.Data)
	if err != nil {
		t.Fatalf("FindWritableArea (second call): %v", err)
	}
	if a1 != a2 {
		t.Fatalf("expected the same active area across calls, got %d then %d", a1, a2)
	}
	if mgr.Areas[a1].Status != areamgr.Active {
		t.Fatalf("allocated area must be Active")
	}
}

func TestManageActiveAreaFullClosesArea(t *testing.T) {
	mgr, fs := newTestManager(t)
	area, err := mgr.FindWritableArea(areamgr.Data)
	if err != nil {
		t.Fatalf("FindWritableArea: %v", err)
	}
	fs.markAllUsed(area)
	if err := mgr.ManageActiveAreaFull(area, areamgr.Data); err != nil {
		t.Fatalf("ManageActiveAreaFull: %v", err)
	}
	if mgr.Areas[area].Status != areamgr.Closed {
		t.Fatalf("expected area %d closed once full, got %v", area, mgr.Areas[area].Status)
	}
	if mgr.ActiveArea[areamgr.Data] != -1 {
		t.Fatalf("expected ActiveArea[Data] cleared after closing, got %d", mgr.ActiveArea[areamgr.Data])
	}
}

func TestSwapAreaPositionAndErasecount(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.Areas[1].Position = 10
	mgr.Areas[1].Erasecount = 3
	mgr.Areas[2].Position = 20
	mgr.Areas[2].Erasecount = 7

	mgr.SwapAreaPositionAndErasecount(1, 2)

	if mgr.Areas[1].Position != 20 || mgr.Areas[1].Erasecount != 7 {
		t.Fatalf("area 1 did not receive area 2's position/erasecount: %+v", mgr.Areas[1])
	}
	if mgr.Areas[2].Position != 10 || mgr.Areas[2].Erasecount != 3 {
		t.Fatalf("area 2 did not receive area 1's position/erasecount: %+v", mgr.Areas[2])
	}
}

func TestAbsolutePageUsesPosition(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.Areas[3].Position = 5
	got := mgr.AbsolutePage(3, 2)
	want := uint64(5)*uint64(mgr.Derived.TotalPagesPerArea) + 2
	if got != want {
		t.Fatalf("AbsolutePage: got %d, want %d", got, want)
	}
}

func TestDeleteAreaResetsToEmpty(t *testing.T) {
	mgr, _ := newTestManager(t)
	area, err := mgr.FindWritableArea(areamgr.Data)
	if err != nil {
		t.Fatalf("FindWritableArea: %v", err)
	}
	if err := mgr.DeleteArea(area); err != nil {
		t.Fatalf("DeleteArea: %v", err)
	}
	if mgr.Areas[area].Status != areamgr.Empty || mgr.Areas[area].Type != areamgr.Unset {
		t.Fatalf("expected area %d empty/unset after DeleteArea, got %+v", area, mgr.Areas[area])
	}
}
