package pac_test

import (
	"testing"

	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/inode"
	"github.com/Cirromulus/paffs-go/internal/pac"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
)

type fakeFlashIO struct {
	pages    map[addr.Addr][]addr.Addr
	serial   uint32
	updated  []inode.Inode
}

func newFakeFlashIO() *fakeFlashIO {
	return &fakeFlashIO{pages: make(map[addr.Addr][]addr.Addr), serial: 1}
}

func (f *fakeFlashIO) ReadIndirPage(a addr.Addr) ([]addr.Addr, error) {
	return f.pages[a], nil
}

func (f *fakeFlashIO) WriteIndirPage(content []addr.Addr) (addr.Addr, error) {
	a := addr.Combine(f.serial, f.serial)
	f.serial++
	cp := make([]addr.Addr, len(content))
	copy(cp, content)
	f.pages[a] = cp
	return a, nil
}

func (f *fakeFlashIO) MarkDirty(a addr.Addr) error { return nil }

func (f *fakeFlashIO) UpdateExistingInode(in inode.Inode) error {
	f.updated = append(f.updated, in)
	return nil
}

func newTestCache(t *testing.T) (*pac.Cache, *fakeFlashIO, config.Derived) {
	t.Helper()
	d := config.Derive(config.Default())
	io := newFakeFlashIO()
	return pac.New(d, io), io, d
}

func TestDirectPageSetGet(t *testing.T) {
	c, _, _ := newTestCache(t)
	in := inode.New(1, inode.File, inode.PermRead|inode.PermWrite)
	if err := c.SetTargetInode(in); err != nil {
		t.Fatalf("SetTargetInode: %v", err)
	}
	if err := c.SetPage(3, addr.Combine(7, 7)); err != nil {
		t.Fatalf("SetPage: %v", err)
	}
	got, err := c.GetPage(3)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got != addr.Combine(7, 7) {
		t.Fatalf("expected the direct address just set, got %v", got)
	}
	if in.Direct[3] != addr.Combine(7, 7) {
		t.Fatalf("expected SetPage to write straight into the inode's Direct slot")
	}
}

func TestReadOnlyRefusesSetPage(t *testing.T) {
	c, _, _ := newTestCache(t)
	in := inode.New(1, inode.File, inode.PermRead)
	if err := c.SetTargetInode(in); err != nil {
		t.Fatalf("SetTargetInode: %v", err)
	}
	c.SetReadOnly(true)
	if err := c.SetPage(0, addr.Combine(1, 1)); err == nil {
		t.Fatalf("expected an error writing through a read-only pac")
	}
}

func TestSingleIndirectionCommitAndReload(t *testing.T) {
	c, io, d := newTestCache(t)
	in := inode.New(2, inode.File, inode.PermRead|inode.PermWrite)
	if err := c.SetTargetInode(in); err != nil {
		t.Fatalf("SetTargetInode: %v", err)
	}
	pageNo := inode.DirectAddrCount
	value := addr.Combine(42, 42)
	if err := c.SetPage(uint32(pageNo), value); err != nil {
		t.Fatalf("SetPage: %v", err)
	}
	if err := c.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if in.Indir.IsHole() {
		t.Fatalf("expected Indir to point at a real flash address after commit")
	}
	if len(io.updated) != 1 {
		t.Fatalf("expected UpdateExistingInode called once, got %d", len(io.updated))
	}

	// A fresh cache targeting the same (now-committed) inode must read the
	// indirection page back from flash instead of from memory.
	c2 := pac.New(d, io)
	if err := c2.SetTargetInode(in); err != nil {
		t.Fatalf("SetTargetInode (reload): %v", err)
	}
	got, err := c2.GetPage(uint32(pageNo))
	if err != nil {
		t.Fatalf("GetPage (reload): %v", err)
	}
	if got != value {
		t.Fatalf("expected reloaded page to equal %v, got %v", value, got)
	}
}

func TestSwitchingTargetCommitsPreviousDirtyState(t *testing.T) {
	c, io, _ := newTestCache(t)
	a := inode.New(10, inode.File, inode.PermRead|inode.PermWrite)
	b := inode.New(11, inode.File, inode.PermRead|inode.PermWrite)

	if err := c.SetTargetInode(a); err != nil {
		t.Fatalf("SetTargetInode(a): %v", err)
	}
	if err := c.SetPage(uint32(inode.DirectAddrCount), addr.Combine(5, 5)); err != nil {
		t.Fatalf("SetPage: %v", err)
	}
	if err := c.SetTargetInode(b); err != nil {
		t.Fatalf("SetTargetInode(b): %v", err)
	}
	if a.Indir.IsHole() {
		t.Fatalf("expected switching targets to commit the prior inode's dirty indirection")
	}
	if len(io.updated) != 1 || io.updated[0].No != a.No {
		t.Fatalf("expected exactly one UpdateExistingInode call for inode %d, got %+v", a.No, io.updated)
	}
}

func TestGetPageBeyondTripleIndirectionIsTooBig(t *testing.T) {
	c, _, _ := newTestCache(t)
	in := inode.New(1, inode.File, inode.PermRead)
	if err := c.SetTargetInode(in); err != nil {
		t.Fatalf("SetTargetInode: %v", err)
	}
	_, err := c.GetPage(4000000000)
	if paffserr.Of(err) != paffserr.TooBig {
		t.Fatalf("expected TooBig, got %v", err)
	}
}
