package superblock_test

import (
	"testing"

	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/areamgr"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/summary"
	"github.com/Cirromulus/paffs-go/internal/superblock"
)

func newTestChain(t *testing.T) (*superblock.Chain, *areamgr.Manager, driver.Driver) {
	t.Helper()
	params := config.Default()
	d := config.Derive(params)
	sim := driver.NewSimulator(d)
	mgr := areamgr.New(d, sim)
	mgr.Format()
	c := superblock.New(d, sim, mgr)
	if err := c.Format(); err != nil {
		t.Fatalf("Format: %v", err)
	}
	return c, mgr, sim
}

func TestFormatReservesAnchorArea(t *testing.T) {
	_, mgr, _ := newTestChain(t)
	if mgr.Areas[0].Type != areamgr.Superblock {
		t.Fatalf("expected area 0 reserved as Superblock, got %v", mgr.Areas[0].Type)
	}
	if mgr.Areas[0].Status != areamgr.Active {
		t.Fatalf("expected area 0 active, got %v", mgr.Areas[0].Status)
	}
}

func TestCommitAndReadSuperIndexRoundTrip(t *testing.T) {
	c, mgr, sim := newTestChain(t)

	root := addr.Combine(4, 4)
	c.RegisterRootnode(root)

	areaMap := make([]areamgr.Area, len(mgr.Areas))
	copy(areaMap, mgr.Areas)
	var summaries [2]summary.OpenSummary
	summaries[0] = summary.OpenSummary{Area: 3, Type: areamgr.Data, Packed: []byte{1, 2, 3}}

	if err := c.CommitSuperIndex(areaMap, mgr.UsedAreas, summaries, false); err != nil {
		t.Fatalf("CommitSuperIndex: %v", err)
	}

	reread := superblock.New(config.Derive(config.Default()), sim, mgr)
	si, err := reread.ReadSuperIndex()
	if err != nil {
		t.Fatalf("ReadSuperIndex: %v", err)
	}
	if si.RootNode != root {
		t.Fatalf("expected RootNode %v, got %v", root, si.RootNode)
	}
	if si.UsedAreas != mgr.UsedAreas {
		t.Fatalf("expected UsedAreas %d, got %d", mgr.UsedAreas, si.UsedAreas)
	}
	if len(si.AreaMap) != len(areaMap) {
		t.Fatalf("expected %d areas in the recovered map, got %d", len(areaMap), len(si.AreaMap))
	}
	if si.Summaries[0].Area != 3 || len(si.Summaries[0].Packed) != 3 {
		t.Fatalf("expected the first summary slot to round-trip, got %+v", si.Summaries[0])
	}
}

func TestCommitSuperIndexRelocatesOnForcedRewrite(t *testing.T) {
	c, mgr, sim := newTestChain(t)

	areaMap := make([]areamgr.Area, len(mgr.Areas))
	copy(areaMap, mgr.Areas)
	var summaries [2]summary.OpenSummary

	if err := c.CommitSuperIndex(areaMap, mgr.UsedAreas, summaries, false); err != nil {
		t.Fatalf("first CommitSuperIndex: %v", err)
	}
	firstAddr := c.GetRootnodeAddr()

	c.TestFullRewrite = true
	if err := c.CommitSuperIndex(areaMap, mgr.UsedAreas, summaries, false); err != nil {
		t.Fatalf("second CommitSuperIndex (forced rewrite): %v", err)
	}
	// RootNode is unaffected by relocation, but the chain must still be
	// consistent and readable afterwards.
	if c.GetRootnodeAddr() != firstAddr {
		t.Fatalf("expected RootNode unchanged by a forced relocation")
	}
	si, err := superblock.New(config.Derive(config.Default()), sim, mgr).ReadSuperIndex()
	if err != nil {
		t.Fatalf("ReadSuperIndex after forced relocation: %v", err)
	}
	if si.RootNode != firstAddr {
		t.Fatalf("expected the relocated chain to read back RootNode %v, got %v", firstAddr, si.RootNode)
	}
}

func TestReadSuperIndexRejectsIncompatibleFsVersion(t *testing.T) {
	_, mgr, sim := newTestChain(t)

	d := config.Derive(config.Default())
	buf := make([]byte, d.DataBytesPerPage)
	buf[0], buf[1], buf[2], buf[3] = 0, 0, 0, 0 // serial 0, valid (not emptySerial)
	buf[12], buf[13], buf[14], buf[15] = 9, 9, 9, 9 // bogus fsVersion
	if err := sim.WritePage(mgr.AbsolutePage(0, 0), buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	c2 := superblock.New(d, sim, mgr)
	if _, err := c2.ReadSuperIndex(); err == nil {
		t.Fatalf("expected an error reading an anchor with an incompatible fsVersion")
	}
}
