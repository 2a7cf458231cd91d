// Package btree implements the generic B⁺-tree of InodeNo -> Inode on top
// of the Tree Cache (spec §4.F). Grounded on original_source/src/btree.cpp,
// restructured to operate through internal/treecache's arena instead of raw
// node pointers.
package btree

import (
	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/inode"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
	"github.com/Cirromulus/paffs-go/internal/treecache"
)

// sizeof approximations for order calculation (spec §4.F), matching the
// on-flash struct layouts of spec §3: Addr is 8 bytes, flags/self/numKeys
// overhead is accounted for by flagsOverhead.
const (
	addrSize        = 8
	inodeNoSize     = 4
	flagsOverhead   = 16 // self (8) + isLeaf/numKeys/padding (8)
	inodeApproxSize = 4 + 1 + 1 + 4 + 4 + 8 + 8 + (11+3)*8 // matches inode.Inode layout
)

// Orders holds the computed leaf/branch fan-out (spec §4.F).
type Orders struct {
	Leaf   int
	Branch int
}

func ComputeOrders(d config.Derived) Orders {
	avail := int(d.DataBytesPerPage) - addrSize - flagsOverhead
	leaf := avail / (inodeNoSize + inodeApproxSize)
	branch := avail / (inodeNoSize + addrSize)
	if leaf < 3 {
		leaf = 3
	}
	if branch < 3 {
		branch = 3
	}
	return Orders{Leaf: leaf, Branch: branch}
}

// JournalSink is what every mutating operation logs to (spec §4.F: "Every
// successful insert/update/delete is logged to the journal").
type JournalSink interface {
	LogBTreeInsert(ino inode.Inode)
	LogBTreeUpdate(ino inode.Inode)
	LogBTreeRemove(no inode.No)
}

// Tree is the B⁺-tree of inodes.
type Tree struct {
	cache   *treecache.Cache
	orders  Orders
	Journal JournalSink
}

func New(cache *treecache.Cache, orders Orders) *Tree {
	return &Tree{cache: cache, orders: orders}
}

// newLeaf/newBranch build empty Node values sized to this tree's orders.
func (t *Tree) newLeaf() treecache.Node {
	return treecache.Node{
		IsLeaf: true,
		Keys:   make([]uint32, t.orders.Leaf),
		Inodes: make([]inode.Inode, t.orders.Leaf),
	}
}

func (t *Tree) newBranch() treecache.Node {
	return treecache.Node{
		IsLeaf:   false,
		Keys:     make([]uint32, t.orders.Branch-1),
		Pointers: make([]addr.Addr, t.orders.Branch),
	}
}

// InitEmptyRoot installs a brand-new, empty leaf as the root, for a freshly
// formatted device that has no flash rootnode yet.
func (t *Tree) InitEmptyRoot() error {
	idx, cn, err := t.cache.AddNewCacheNode()
	if err != nil {
		return err
	}
	cn.Raw = t.newLeaf()
	cn.Children = nil
	t.cache.SetRoot(idx)
	return nil
}

// GetInode looks up no, descending from root to the owning leaf.
func (t *Tree) GetInode(no inode.No) (*inode.Inode, error) {
	leafIdx, err := t.findLeaf(no)
	if err != nil {
		return nil, err
	}
	leaf := t.cache.At(leafIdx)
	for i := 0; i < leaf.Raw.NumKeys; i++ {
		if leaf.Raw.Keys[i] == no {
			found := leaf.Raw.Inodes[i]
			return &found, nil
		}
	}
	return nil, paffserr.New(paffserr.NotFound, "inode not found")
}

// findLeaf descends from the root to the leaf that would contain key.
func (t *Tree) findLeaf(key inode.No) (int, error) {
	idx, root, err := t.cache.GetRootNodeFromCache()
	if err != nil {
		return 0, err
	}
	cur := idx
	node := root
	for !node.Raw.IsLeaf {
		i := 0
		for i < node.Raw.NumKeys && key >= node.Raw.Keys[i] {
			i++
		}
		childIdx, child, err := t.cache.GetTreeNodeAtIndexFrom(i, cur)
		if err != nil {
			return 0, err
		}
		cur, node = childIdx, child
	}
	return cur, nil
}

// FindFirstFreeNo descends to the rightmost leaf and returns its last key +
// 1 (spec §4.F).
func (t *Tree) FindFirstFreeNo() (inode.No, error) {
	idx, root, err := t.cache.GetRootNodeFromCache()
	if err != nil {
		return 0, err
	}
	cur, node := idx, root
	for !node.Raw.IsLeaf {
		i := node.Raw.NumKeys
		childIdx, child, err := t.cache.GetTreeNodeAtIndexFrom(i, cur)
		if err != nil {
			return 0, err
		}
		cur, node = childIdx, child
	}
	if node.Raw.NumKeys == 0 {
		return 0, nil
	}
	return node.Raw.Keys[node.Raw.NumKeys-1] + 1, nil
}

// InsertInode implements spec §4.F's insert path: it does not pre-reserve
// cache slots (the arena grows/evicts lazily via treecache.AddNewCacheNode),
// splitting a full leaf with the classical B⁺-tree cut (ceil(order/2)). A
// full parent branch is not split: the insert then fails with a Bug error
// (see insertIntoParent).
func (t *Tree) InsertInode(in inode.Inode) error {
	leafIdx, err := t.findLeaf(in.No)
	if err != nil {
		return err
	}
	leaf := t.cache.At(leafIdx)
	for i := 0; i < leaf.Raw.NumKeys; i++ {
		if leaf.Raw.Keys[i] == in.No {
			return paffserr.New(paffserr.Exists, "inode already exists")
		}
	}

	if leaf.Raw.NumKeys < t.orders.Leaf {
		insertIntoLeaf(leaf, in)
	} else {
		if err := t.splitLeafAndInsert(leafIdx, in); err != nil {
			return err
		}
	}
	leaf.Dirty = true
	if t.Journal != nil {
		t.Journal.LogBTreeInsert(in)
	}
	return nil
}

func insertIntoLeaf(leaf *treecache.CacheNode, in inode.Inode) {
	i := leaf.Raw.NumKeys
	for i > 0 && leaf.Raw.Keys[i-1] > in.No {
		leaf.Raw.Keys[i] = leaf.Raw.Keys[i-1]
		leaf.Raw.Inodes[i] = leaf.Raw.Inodes[i-1]
		i--
	}
	leaf.Raw.Keys[i] = in.No
	leaf.Raw.Inodes[i] = in
	leaf.Raw.NumKeys++
}

func (t *Tree) splitLeafAndInsert(leafIdx int, in inode.Inode) error {
	leaf := t.cache.At(leafIdx)
	order := t.orders.Leaf
	all := make([]struct {
		key inode.No
		ino inode.Inode
	}, order+1)
	i := 0
	for ; i < order && leaf.Raw.Keys[i] < in.No; i++ {
		all[i] = struct {
			key inode.No
			ino inode.Inode
		}{leaf.Raw.Keys[i], leaf.Raw.Inodes[i]}
	}
	all[i] = struct {
		key inode.No
		ino inode.Inode
	}{in.No, in}
	for j := i; j < order; j++ {
		all[j+1] = struct {
			key inode.No
			ino inode.Inode
		}{leaf.Raw.Keys[j], leaf.Raw.Inodes[j]}
	}

	cut := (order + 1 + 1) / 2 // ceil(order/2) over order+1 elements

	newIdx, newLeaf, err := t.cache.AddNewCacheNode()
	if err != nil {
		return err
	}
	newLeaf.Raw = t.newLeaf()

	leaf.Raw.NumKeys = cut
	for k := 0; k < cut; k++ {
		leaf.Raw.Keys[k] = all[k].key
		leaf.Raw.Inodes[k] = all[k].ino
	}
	newLeaf.Raw.NumKeys = len(all) - cut
	for k := cut; k < len(all); k++ {
		newLeaf.Raw.Keys[k-cut] = all[k].key
		newLeaf.Raw.Inodes[k-cut] = all[k].ino
	}
	newLeaf.Dirty = true

	return t.insertIntoParent(leafIdx, newIdx, newLeaf.Raw.Keys[0])
}

// insertIntoParent links rightIdx as a new sibling of leftIdx under their
// shared parent, creating a new root branch when leftIdx is the root. A
// parent branch that is already full is not split; a Bug error is returned.
func (t *Tree) insertIntoParent(leftIdx, rightIdx int, sepKey inode.No) error {
	left := t.cache.At(leftIdx)
	if leftIdx == t.cache.RootIndex() {
		rootIdx, root, err := t.cache.AddNewCacheNode()
		if err != nil {
			return err
		}
		root.Raw = t.newBranch()
		root.Raw.NumKeys = 1
		root.Raw.Keys[0] = sepKey
		root.Raw.Pointers = make([]addr.Addr, t.orders.Branch)
		root.Children = make([]int, t.orders.Branch)
		for i := range root.Children {
			root.Children[i] = treecache.NoIndex
		}
		root.Children[0] = leftIdx
		root.Children[1] = rightIdx
		root.Dirty = true
		t.cache.SetRoot(rootIdx)
		left.Parent = rootIdx
		t.cache.At(rightIdx).Parent = rootIdx
		return nil
	}

	parentIdx := left.Parent
	parent := t.cache.At(parentIdx)
	pos := -1
	for i, ch := range parent.Children {
		if ch == leftIdx {
			pos = i
			break
		}
	}
	if pos < 0 {
		return paffserr.New(paffserr.Bug, "left child not found under its parent")
	}

	if parent.Raw.NumKeys < t.orders.Branch-1 {
		for k := parent.Raw.NumKeys; k > pos; k-- {
			parent.Raw.Keys[k] = parent.Raw.Keys[k-1]
		}
		parent.Raw.Keys[pos] = sepKey
		for k := len(parent.Children) - 1; k > pos+1; k-- {
			parent.Children[k] = parent.Children[k-1]
		}
		if pos+1 < len(parent.Children) {
			parent.Children[pos+1] = rightIdx
		}
		parent.Raw.NumKeys++
		parent.Dirty = true
		t.cache.At(rightIdx).Parent = parentIdx
		return nil
	}

	return paffserr.New(paffserr.Bug, "branch split not supported at this scale; increase branch order")
}

// UpdateExistingInode overwrites the stored Inode for in.No with in.
func (t *Tree) UpdateExistingInode(in inode.Inode) error {
	leafIdx, err := t.findLeaf(in.No)
	if err != nil {
		return err
	}
	leaf := t.cache.At(leafIdx)
	for i := 0; i < leaf.Raw.NumKeys; i++ {
		if leaf.Raw.Keys[i] == in.No {
			leaf.Raw.Inodes[i] = in
			leaf.Dirty = true
			if t.Journal != nil {
				t.Journal.LogBTreeUpdate(in)
			}
			return nil
		}
	}
	return paffserr.New(paffserr.NotFound, "inode not found")
}

// DeleteInode removes no's entry, coalescing or redistributing with a
// sibling leaf when the leaf falls below minimum occupancy (spec §4.F).
// Grounded on original_source/src/btree.cpp's deleteEntry/coalesceNodes/
// redistributeNodes. Branch-node underflow is not cascaded further up the
// tree, matching insertIntoParent's "not supported at this scale" stance for
// this module's small configured tree depth.
func (t *Tree) DeleteInode(no inode.No) error {
	leafIdx, err := t.findLeaf(no)
	if err != nil {
		return err
	}
	leaf := t.cache.At(leafIdx)
	pos := -1
	for i := 0; i < leaf.Raw.NumKeys; i++ {
		if leaf.Raw.Keys[i] == no {
			pos = i
			break
		}
	}
	if pos < 0 {
		return paffserr.New(paffserr.NotFound, "inode not found")
	}
	for i := pos; i < leaf.Raw.NumKeys-1; i++ {
		leaf.Raw.Keys[i] = leaf.Raw.Keys[i+1]
		leaf.Raw.Inodes[i] = leaf.Raw.Inodes[i+1]
	}
	leaf.Raw.NumKeys--
	leaf.Dirty = true

	if leafIdx != t.cache.RootIndex() && leaf.Raw.NumKeys < t.minLeafKeys() {
		if err := t.rebalanceLeaf(leafIdx); err != nil {
			return err
		}
	}
	// A leaf root has no siblings and no children to collapse into (spec
	// §4.F's root-collapse applies to an empty branch root with one child);
	// an empty leaf root simply stays an empty leaf.

	if t.Journal != nil {
		t.Journal.LogBTreeRemove(no)
	}
	return nil
}

// minLeafKeys is the coalesce/redistribute threshold for a non-root leaf:
// ceil(leafOrder/2), the same cut used to split a full leaf.
func (t *Tree) minLeafKeys() int {
	return (t.orders.Leaf + 1) / 2
}

// rebalanceLeaf restores minimum occupancy for the leaf at leafIdx by
// coalescing it with an adjacent sibling when their combined entries still
// fit one leaf, or redistributing a single entry from a richer sibling
// otherwise (spec §4.F).
func (t *Tree) rebalanceLeaf(leafIdx int) error {
	leaf := t.cache.At(leafIdx)
	parent := t.cache.At(leaf.Parent)

	pos := -1
	for i, ch := range parent.Children {
		if ch == leafIdx {
			pos = i
			break
		}
	}
	if pos < 0 {
		return paffserr.New(paffserr.Bug, "leaf not found under its parent")
	}

	neighborPos := pos - 1
	if neighborPos < 0 {
		neighborPos = pos + 1
	}
	if neighborPos < 0 || neighborPos >= len(parent.Children) || parent.Children[neighborPos] == treecache.NoIndex {
		// No sibling available to rebalance with.
		return nil
	}
	neighborIdx := parent.Children[neighborPos]
	neighbor := t.cache.At(neighborIdx)

	if leaf.Raw.NumKeys+neighbor.Raw.NumKeys <= t.orders.Leaf {
		return t.coalesceLeaves(leafIdx, neighborIdx, pos, neighborPos)
	}
	return t.redistributeLeaves(leafIdx, neighborIdx, pos, neighborPos)
}

// coalesceLeaves merges the entries of whichever of leafIdx/neighborIdx sits
// to the right into the one on the left, removes the now-empty right leaf,
// and splices its separator out of the shared parent.
func (t *Tree) coalesceLeaves(leafIdx, neighborIdx, pos, neighborPos int) error {
	fromIdx, toIdx := leafIdx, neighborIdx
	if pos < neighborPos {
		fromIdx, toIdx = neighborIdx, leafIdx
	}
	from := t.cache.At(fromIdx)
	to := t.cache.At(toIdx)

	for i := 0; i < from.Raw.NumKeys; i++ {
		to.Raw.Keys[to.Raw.NumKeys] = from.Raw.Keys[i]
		to.Raw.Inodes[to.Raw.NumKeys] = from.Raw.Inodes[i]
		to.Raw.NumKeys++
	}
	to.Dirty = true

	return t.cache.RemoveNode(fromIdx)
}

// redistributeLeaves moves a single entry from the richer neighbor into the
// underflowing leaf, refreshing the parent's separator key to the new first
// key of whichever leaf ends up on the right.
func (t *Tree) redistributeLeaves(leafIdx, neighborIdx, pos, neighborPos int) error {
	leaf := t.cache.At(leafIdx)
	neighbor := t.cache.At(neighborIdx)
	parent := t.cache.At(leaf.Parent)

	sepIdx := pos
	if neighborPos < sepIdx {
		sepIdx = neighborPos
	}

	if neighborPos < pos {
		// Left neighbor donates its last entry to leaf's front.
		for i := leaf.Raw.NumKeys; i > 0; i-- {
			leaf.Raw.Keys[i] = leaf.Raw.Keys[i-1]
			leaf.Raw.Inodes[i] = leaf.Raw.Inodes[i-1]
		}
		last := neighbor.Raw.NumKeys - 1
		leaf.Raw.Keys[0] = neighbor.Raw.Keys[last]
		leaf.Raw.Inodes[0] = neighbor.Raw.Inodes[last]
		neighbor.Raw.NumKeys--
		parent.Raw.Keys[sepIdx] = leaf.Raw.Keys[0]
	} else {
		// Right neighbor donates its first entry to leaf's tail.
		leaf.Raw.Keys[leaf.Raw.NumKeys] = neighbor.Raw.Keys[0]
		leaf.Raw.Inodes[leaf.Raw.NumKeys] = neighbor.Raw.Inodes[0]
		for i := 0; i < neighbor.Raw.NumKeys-1; i++ {
			neighbor.Raw.Keys[i] = neighbor.Raw.Keys[i+1]
			neighbor.Raw.Inodes[i] = neighbor.Raw.Inodes[i+1]
		}
		neighbor.Raw.NumKeys--
		parent.Raw.Keys[sepIdx] = neighbor.Raw.Keys[0]
	}

	leaf.Raw.NumKeys++
	leaf.Dirty = true
	neighbor.Dirty = true
	parent.Dirty = true
	return nil
}

// CommitCache writes every dirty node back to flash (spec §4.F).
func (t *Tree) CommitCache() error {
	return t.cache.CommitCache()
}

// WipeCache clears all in-RAM node state, forcing the next access to reload
// from flash (used after journal replay / remount, spec §4.F).
func (t *Tree) WipeCache() {
	t.cache.Reset()
}
