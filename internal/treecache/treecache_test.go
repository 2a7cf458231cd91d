package treecache_test

import (
	"testing"

	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/inode"
	"github.com/Cirromulus/paffs-go/internal/treecache"
)

// fakeFlashIO is a minimal treecache.FlashIO: nodes live in a map keyed by
// the address they were "written" to, and every WriteNode call hands back a
// fresh, distinct address.
type fakeFlashIO struct {
	nodes      map[addr.Addr]treecache.Node
	rootAddr   addr.Addr
	written    []treecache.Node
	dirtied    []addr.Addr
	registered addr.Addr
	nextSerial uint32
}

func newFakeFlashIO() *fakeFlashIO {
	return &fakeFlashIO{nodes: make(map[addr.Addr]treecache.Node), nextSerial: 1}
}

func (f *fakeFlashIO) ReadNode(a addr.Addr) (treecache.Node, error) {
	return f.nodes[a], nil
}

func (f *fakeFlashIO) WriteNode(n treecache.Node) (addr.Addr, error) {
	a := addr.Combine(f.nextSerial, f.nextSerial)
	f.nextSerial++
	n.Self = a
	f.nodes[a] = n
	f.written = append(f.written, n)
	return a, nil
}

func (f *fakeFlashIO) MarkDirty(a addr.Addr) error {
	f.dirtied = append(f.dirtied, a)
	return nil
}

func (f *fakeFlashIO) RegisterRootnode(a addr.Addr) error {
	f.registered = a
	return nil
}

func (f *fakeFlashIO) RootnodeAddr() addr.Addr { return f.rootAddr }

func TestAddNewCacheNodeAndSetRoot(t *testing.T) {
	io := newFakeFlashIO()
	c := treecache.New(io, 4)
	idx, cn, err := c.AddNewCacheNode()
	if err != nil {
		t.Fatalf("AddNewCacheNode: %v", err)
	}
	if !cn.Dirty {
		t.Fatalf("a freshly added node must start dirty")
	}
	c.SetRoot(idx)
	if c.RootIndex() != idx {
		t.Fatalf("expected root index %d, got %d", idx, c.RootIndex())
	}
	if c.At(idx).Parent != idx {
		t.Fatalf("root's Parent must point to itself")
	}
	if !c.IsTreeCacheValid() {
		t.Fatalf("a lone dirty root must be a valid tree cache")
	}
}

func TestCommitCacheWritesDirtyRootAndRegisters(t *testing.T) {
	io := newFakeFlashIO()
	c := treecache.New(io, 4)
	idx, cn, _ := c.AddNewCacheNode()
	c.SetRoot(idx)
	cn.Raw.IsLeaf = true

	if err := c.CommitCache(); err != nil {
		t.Fatalf("CommitCache: %v", err)
	}
	if len(io.written) != 1 {
		t.Fatalf("expected exactly one node written, got %d", len(io.written))
	}
	if cn.Dirty {
		t.Fatalf("root must be clean after commit")
	}
	if cn.Raw.Self == 0 {
		t.Fatalf("root must have a flash address after commit")
	}
	if io.registered != cn.Raw.Self {
		t.Fatalf("expected RegisterRootnode called with the root's new address")
	}
}

func TestGetRootNodeFromCacheLoadsFromFlash(t *testing.T) {
	io := newFakeFlashIO()
	rootAddr := addr.Combine(5, 5)
	io.rootAddr = rootAddr
	io.nodes[rootAddr] = treecache.Node{IsLeaf: true, Self: rootAddr}

	c := treecache.New(io, 4)
	idx, cn, err := c.GetRootNodeFromCache()
	if err != nil {
		t.Fatalf("GetRootNodeFromCache: %v", err)
	}
	if c.RootIndex() != idx {
		t.Fatalf("expected loaded node installed as root")
	}
	if cn.Raw.Self != rootAddr {
		t.Fatalf("expected loaded root to keep its flash address")
	}

	idx2, _, err := c.GetRootNodeFromCache()
	if err != nil || idx2 != idx {
		t.Fatalf("second call must return the already-cached root, got idx=%d err=%v", idx2, err)
	}
}

func TestGetTreeNodeAtIndexFromLinksChild(t *testing.T) {
	io := newFakeFlashIO()
	childAddr := addr.Combine(9, 9)
	rootAddr := addr.Combine(5, 5)
	io.rootAddr = rootAddr
	io.nodes[rootAddr] = treecache.Node{
		IsLeaf:   false,
		NumKeys:  1,
		Keys:     []uint32{10},
		Pointers: []addr.Addr{childAddr, childAddr},
		Self:     rootAddr,
	}
	io.nodes[childAddr] = treecache.Node{
		IsLeaf:  true,
		NumKeys: 1,
		Keys:    []uint32{3},
		Inodes:  make([]inode.Inode, 1),
		Self:    childAddr,
	}

	c := treecache.New(io, 4)
	rootIdx, _, err := c.GetRootNodeFromCache()
	if err != nil {
		t.Fatalf("GetRootNodeFromCache: %v", err)
	}

	childIdx, childCN, err := c.GetTreeNodeAtIndexFrom(0, rootIdx)
	if err != nil {
		t.Fatalf("GetTreeNodeAtIndexFrom: %v", err)
	}
	if childCN.Parent != rootIdx {
		t.Fatalf("expected child's parent to be the root index")
	}
	if c.At(rootIdx).Children[0] != childIdx {
		t.Fatalf("expected root to link the loaded child")
	}

	childIdx2, _, err := c.GetTreeNodeAtIndexFrom(0, rootIdx)
	if err != nil || childIdx2 != childIdx {
		t.Fatalf("second lookup must hit the cached child, got idx=%d err=%v", childIdx2, err)
	}
}

func TestLockUnlockPropagatesInheritedLock(t *testing.T) {
	io := newFakeFlashIO()
	childAddr := addr.Combine(9, 9)
	rootAddr := addr.Combine(5, 5)
	io.rootAddr = rootAddr
	io.nodes[rootAddr] = treecache.Node{
		IsLeaf:   false,
		NumKeys:  1,
		Keys:     []uint32{10},
		Pointers: []addr.Addr{childAddr, childAddr},
		Self:     rootAddr,
	}
	io.nodes[childAddr] = treecache.Node{IsLeaf: true, Self: childAddr}

	c := treecache.New(io, 4)
	rootIdx, rootCN, _ := c.GetRootNodeFromCache()
	childIdx, _, err := c.GetTreeNodeAtIndexFrom(0, rootIdx)
	if err != nil {
		t.Fatalf("GetTreeNodeAtIndexFrom: %v", err)
	}

	c.Lock(childIdx)
	if !c.At(childIdx).Locked {
		t.Fatalf("expected child locked")
	}
	if !rootCN.InheritedLock {
		t.Fatalf("expected root to inherit the lock from its locked child")
	}

	c.Unlock(childIdx)
	if c.At(childIdx).Locked {
		t.Fatalf("expected child unlocked")
	}
	if rootCN.InheritedLock {
		t.Fatalf("expected inherited lock cleared once no child holds a lock")
	}
}

func TestAddNewCacheNodeEvictsCleanLeafWhenFull(t *testing.T) {
	io := newFakeFlashIO()
	c := treecache.New(io, 2)

	rootIdx, rootCN, _ := c.AddNewCacheNode()
	c.SetRoot(rootIdx)

	leafIdx, leafCN, _ := c.AddNewCacheNode()
	leafCN.Parent = rootIdx
	leafCN.Raw.IsLeaf = true
	leafCN.Raw.Self = addr.Combine(1, 1)
	leafCN.Dirty = false
	rootCN.Children = []int{leafIdx}

	newIdx, newCN, err := c.AddNewCacheNode()
	if err != nil {
		t.Fatalf("AddNewCacheNode after eviction: %v", err)
	}
	if !newCN.Dirty {
		t.Fatalf("a freshly added node must start dirty")
	}
	if rootCN.Children[0] != treecache.NoIndex {
		t.Fatalf("expected the evicted leaf unlinked from its parent")
	}
	if newIdx == rootIdx {
		t.Fatalf("expected the new node to reuse the evicted slot, not the root's")
	}
}

func TestIsTreeCacheValidRejectsUnorderedKeys(t *testing.T) {
	io := newFakeFlashIO()
	c := treecache.New(io, 4)
	rootIdx, rootCN, _ := c.AddNewCacheNode()
	c.SetRoot(rootIdx)
	rootCN.Raw.NumKeys = 2
	rootCN.Raw.Keys = []uint32{10, 5}

	if c.IsTreeCacheValid() {
		t.Fatalf("expected an out-of-order key list to invalidate the tree cache")
	}
}
