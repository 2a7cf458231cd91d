// Package treecache implements the Tree Cache (spec §4.E): a fixed-capacity
// arena of B⁺-tree nodes reconciled with flash, with dirty/locked tracking
// and bottom-up write-back. Grounded on original_source/src/treeCache.cpp
// (TreeCache) and original_source/src/treeCache.hpp, but restructured per
// spec §9's design note: an arena of nodes addressed by stable indices
// instead of raw parent/child pointers, with the root marked by a self-loop
// index rather than a language-level self pointer.
package treecache

import (
	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/bitlist"
	"github.com/Cirromulus/paffs-go/internal/inode"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
)

// NoIndex marks the absence of a cache slot (Go's equivalent of
// Option<Index> from spec §9).
const NoIndex = -1

// Node is the payload every cache slot carries: a union-typed B⁺-tree node
// (spec §3 Tree node). branchOrder/leafOrder sizing is owned by the caller
// (the btree package); Keys/Values are pre-sized slices the caller trims to
// NumKeys.
type Node struct {
	IsLeaf  bool
	NumKeys int
	Self    addr.Addr // zero (uninitialised) until written to flash

	Keys     []uint32      // InodeNo keys, always present
	Inodes   []inode.Inode // leaf payloads (one per key), nil for branches
	Pointers []addr.Addr   // branch children (NumKeys+1 entries), nil for leaves
}

// CacheNode is one arena slot.
type CacheNode struct {
	Raw           Node
	Parent        int // NoIndex only for an unlinked/free slot; root's Parent == its own index
	Children      []int
	Dirty         bool
	Locked        bool
	InheritedLock bool
}

// FlashIO is what the tree cache needs to read/write nodes and mark old
// locations dirty in the area summary (spec §4.E commitCache).
type FlashIO interface {
	ReadNode(a addr.Addr) (Node, error)
	WriteNode(n Node) (addr.Addr, error)
	MarkDirty(a addr.Addr) error
	RegisterRootnode(a addr.Addr) error
	RootnodeAddr() addr.Addr
}

// Cache is the fixed-capacity tree node cache.
type Cache struct {
	io    FlashIO
	slots []*CacheNode
	usage *bitlist.BitList
	root  int
}

func New(io FlashIO, capacity int) *Cache {
	c := &Cache{
		io:    io,
		slots: make([]*CacheNode, capacity),
		usage: bitlist.NewBitList(uint32(capacity)),
		root:  NoIndex,
	}
	return c
}

func (c *Cache) Capacity() int { return len(c.slots) }

// Reset clears all cached node state without discarding the FlashIO wiring,
// forcing the next access to reload from flash (spec §4.F wipeCache).
func (c *Cache) Reset() {
	for i := range c.slots {
		c.slots[i] = nil
	}
	c.usage.Clear()
	c.root = NoIndex
}

func (c *Cache) At(i int) *CacheNode {
	if i < 0 || i >= len(c.slots) {
		return nil
	}
	return c.slots[i]
}

func (c *Cache) RootIndex() int { return c.root }

// GetRootNodeFromCache ensures the root is resident, loading it from flash
// via the superblock's rootnode address if necessary (spec §4.E).
func (c *Cache) GetRootNodeFromCache() (int, *CacheNode, error) {
	if c.root != NoIndex {
		return c.root, c.slots[c.root], nil
	}
	a := c.io.RootnodeAddr()
	n, err := c.io.ReadNode(a)
	if err != nil {
		return 0, nil, err
	}
	idx, err := c.allocSlot()
	if err != nil {
		return 0, nil, err
	}
	cn := &CacheNode{Raw: n, Parent: idx, Children: make([]int, len(n.Pointers))}
	for i := range cn.Children {
		cn.Children[i] = NoIndex
	}
	c.slots[idx] = cn
	c.root = idx
	return idx, cn, nil
}

// GetTreeNodeAtIndexFrom returns parent's i-th child, loading it from flash
// on a cache miss and linking it (spec §4.E).
func (c *Cache) GetTreeNodeAtIndexFrom(i int, parentIdx int) (int, *CacheNode, error) {
	parent := c.slots[parentIdx]
	if i < len(parent.Children) && parent.Children[i] != NoIndex {
		return parent.Children[i], c.slots[parent.Children[i]], nil
	}

	c.Lock(parentIdx)
	defer c.Unlock(parentIdx)

	childAddr := parent.Raw.Pointers[i]
	n, err := c.io.ReadNode(childAddr)
	if err != nil {
		return 0, nil, err
	}
	idx, err := c.allocSlot()
	if err != nil {
		return 0, nil, err
	}
	cn := &CacheNode{Raw: n, Parent: parentIdx, Children: make([]int, len(n.Pointers))}
	for j := range cn.Children {
		cn.Children[j] = NoIndex
	}
	c.slots[idx] = cn
	if i >= len(parent.Children) {
		grown := make([]int, i+1)
		copy(grown, parent.Children)
		for j := len(parent.Children); j < len(grown); j++ {
			grown[j] = NoIndex
		}
		parent.Children = grown
	}
	parent.Children[i] = idx
	return idx, cn, nil
}

// AddNewCacheNode allocates a brand-new dirty node (no flash address yet),
// evicting clean nodes first if the cache is full (spec §4.E).
func (c *Cache) AddNewCacheNode() (int, *CacheNode, error) {
	idx, err := c.allocSlot()
	if err != nil {
		if err := c.freeNodes(1); err != nil {
			return 0, nil, err
		}
		idx, err = c.allocSlot()
		if err != nil {
			return 0, nil, err
		}
	}
	cn := &CacheNode{Parent: NoIndex, Dirty: true}
	c.slots[idx] = cn
	return idx, cn, nil
}

func (c *Cache) allocSlot() (int, error) {
	f := c.usage.FindFirstFree()
	if f >= c.usage.Len() {
		return 0, paffserr.New(paffserr.LowMem, "tree cache full")
	}
	c.usage.SetBit(f)
	return int(f), nil
}

func (c *Cache) freeSlot(i int) {
	c.usage.ResetBit(uint32(i))
	c.slots[i] = nil
}

// freeNodes evicts `needed` clean leaf nodes (then clean branches), calling
// CommitCache if nothing clean remains (spec §4.E).
func (c *Cache) freeNodes(needed int) error {
	freed := c.cleanFreeLeafNodes(needed)
	if freed >= needed {
		return nil
	}
	freed += c.cleanFreeNodes(needed - freed)
	if freed >= needed {
		return nil
	}
	return c.CommitCache()
}

func (c *Cache) cleanFreeLeafNodes(needed int) int {
	freed := 0
	for i, s := range c.slots {
		if freed >= needed {
			break
		}
		if s == nil || s.Dirty || s.Locked || s.InheritedLock || i == c.root {
			continue
		}
		if !s.Raw.IsLeaf {
			continue
		}
		c.unlinkFromParent(i)
		c.freeSlot(i)
		freed++
	}
	return freed
}

func (c *Cache) cleanFreeNodes(needed int) int {
	freed := 0
	for i, s := range c.slots {
		if freed >= needed {
			break
		}
		if s == nil || s.Dirty || s.Locked || s.InheritedLock || i == c.root {
			continue
		}
		if c.hasLiveChildren(i) {
			continue
		}
		c.unlinkFromParent(i)
		c.freeSlot(i)
		freed++
	}
	return freed
}

func (c *Cache) hasLiveChildren(i int) bool {
	s := c.slots[i]
	for _, ch := range s.Children {
		if ch != NoIndex {
			return true
		}
	}
	return false
}

func (c *Cache) unlinkFromParent(i int) {
	s := c.slots[i]
	if s.Parent == NoIndex || s.Parent == i {
		return
	}
	p := c.slots[s.Parent]
	if p == nil {
		return
	}
	for j, ch := range p.Children {
		if ch == i {
			p.Children[j] = NoIndex
		}
	}
}

// RemoveNode marks node's old flash location dirty, splices it and its
// adjacent separator key out of its parent's on-flash Keys/Pointers (unlike
// unlinkFromParent, which only clears the cache-level Children link for
// eviction of a still-valid, merely-uncached node), and frees its slot (spec
// §4.E, §4.F delete path).
func (c *Cache) RemoveNode(i int) error {
	s := c.slots[i]
	if s.Raw.Self != 0 {
		if err := c.io.MarkDirty(s.Raw.Self); err != nil {
			return err
		}
	}
	c.spliceFromParent(i)
	if i == c.root {
		c.root = NoIndex
	}
	c.freeSlot(i)
	return nil
}

// spliceFromParent removes i's pointer and the one separator key adjacent to
// it from its parent's Raw.Keys/Raw.Pointers, shifting later entries left and
// decrementing Raw.NumKeys, so CommitCache never persists a dangling
// reference to a permanently removed child (spec §4.F).
func (c *Cache) spliceFromParent(i int) {
	s := c.slots[i]
	if s.Parent == NoIndex || s.Parent == i {
		return
	}
	p := c.slots[s.Parent]
	if p == nil {
		return
	}
	pos := -1
	for j, ch := range p.Children {
		if ch == i {
			pos = j
			break
		}
	}
	if pos < 0 {
		return
	}
	keyIdx := pos
	if keyIdx > 0 {
		keyIdx--
	}
	for k := keyIdx; k < p.Raw.NumKeys-1; k++ {
		p.Raw.Keys[k] = p.Raw.Keys[k+1]
	}
	for k := pos; k < len(p.Children)-1; k++ {
		p.Children[k] = p.Children[k+1]
		p.Raw.Pointers[k] = p.Raw.Pointers[k+1]
	}
	last := len(p.Children) - 1
	p.Children[last] = NoIndex
	p.Raw.Pointers[last] = 0
	if p.Raw.NumKeys > 0 {
		p.Raw.NumKeys--
	}
	p.Dirty = true
}

// SetRoot moves the root index pointer (spec §4.E).
func (c *Cache) SetRoot(i int) {
	c.root = i
	c.slots[i].Parent = i
}

// Lock sets locked on the node and inheritedLock up the parent
// chain (spec §4.E).
func (c *Cache) Lock(i int) {
	c.slots[i].Locked = true
	p := c.slots[i].Parent
	for p != NoIndex && p != i {
		if c.slots[p].InheritedLock {
			break
		}
		c.slots[p].InheritedLock = true
		i, p = p, c.slots[p].Parent
	}
}

// Unlock clears locked and walks back up clearing inheritedLock
// while no sibling path holds any locks (spec §4.E).
func (c *Cache) Unlock(i int) {
	c.slots[i].Locked = false
	cur := i
	p := c.slots[cur].Parent
	for p != NoIndex && p != cur {
		if c.anyChildLocked(p) {
			break
		}
		c.slots[p].InheritedLock = false
		cur, p = p, c.slots[p].Parent
	}
}

func (c *Cache) anyChildLocked(i int) bool {
	s := c.slots[i]
	for _, ch := range s.Children {
		if ch == NoIndex {
			continue
		}
		cs := c.slots[ch]
		if cs.Locked || cs.InheritedLock {
			return true
		}
	}
	return false
}

// CommitCache writes every dirty node bottom-up, so each write can patch its
// new self into its parent before the parent is itself written. The root's
// new self goes to the superblock via RegisterRootnode (spec §4.E).
func (c *Cache) CommitCache() error {
	if c.root == NoIndex {
		return nil
	}
	return c.commitSubtree(c.root)
}

func (c *Cache) commitSubtree(i int) error {
	s := c.slots[i]
	if s == nil {
		return nil
	}
	// Children and Raw.Pointers are kept in lockstep by spliceFromParent, so
	// a NoIndex slot here always means "no child at this position", never a
	// removed child whose old Raw.Pointers entry is still live.
	for ci, ch := range s.Children {
		if ch == NoIndex {
			continue
		}
		if err := c.commitSubtree(ch); err != nil {
			return err
		}
		if !s.Raw.IsLeaf {
			s.Raw.Pointers[ci] = c.slots[ch].Raw.Self
		}
	}
	if s.Dirty {
		newAddr, err := c.io.WriteNode(s.Raw)
		if err != nil {
			return err
		}
		s.Raw.Self = newAddr
		s.Dirty = false
		if i == c.root {
			if err := c.io.RegisterRootnode(newAddr); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsTreeCacheValid checks the structural invariants spec §4.E names: every
// used slot reachable from the root, parent/child pointers consistent, keys
// strictly ordered within the inherited [min,max) range, and every
// non-dirty node has Self != 0.
func (c *Cache) IsTreeCacheValid() bool {
	reachable := make([]bool, len(c.slots))
	if c.root == NoIndex {
		return true
	}
	if !c.checkSubtree(c.root, reachable, 0, ^uint32(0)) {
		return false
	}
	for i, s := range c.slots {
		if s != nil && c.usage.GetBit(uint32(i)) && !reachable[i] {
			return false
		}
	}
	return true
}

func (c *Cache) checkSubtree(i int, reachable []bool, min, max uint32) bool {
	s := c.slots[i]
	if s == nil {
		return false
	}
	reachable[i] = true
	if !s.Dirty && s.Raw.Self == 0 {
		return false
	}
	for k := 0; k < s.Raw.NumKeys; k++ {
		if s.Raw.Keys[k] < min || s.Raw.Keys[k] >= max {
			return false
		}
		if k > 0 && s.Raw.Keys[k-1] >= s.Raw.Keys[k] {
			return false
		}
	}
	for ci, ch := range s.Children {
		if ch == NoIndex {
			continue
		}
		if c.slots[ch].Parent != i {
			return false
		}
		lo, hi := min, max
		if ci > 0 {
			lo = s.Raw.Keys[ci-1]
		}
		if ci < s.Raw.NumKeys {
			hi = s.Raw.Keys[ci]
		}
		if !c.checkSubtree(ch, reachable, lo, hi) {
			return false
		}
	}
	return true
}
