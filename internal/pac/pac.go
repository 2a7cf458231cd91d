// Package pac implements the Page Address Cache (spec §4.G): per-inode
// direct/indirect/double-indirect/triple-indirect page-address resolution,
// cached and dirty-tracked. Grounded on
// original_source/src/pageAddressCache.cpp (PageAddressCache,
// AddrListCacheElem).
package pac

import (
	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/inode"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
)

// Elem is one AddrListCacheElem: a resident indirection page plus its
// position within its parent and dirty/active bits (spec §3 PAC cache
// element).
type Elem struct {
	Cache            []addr.Addr
	PositionInParent uint16
	Self             addr.Addr
	Dirty            bool
	Active           bool
}

// FlashIO is what the PAC needs from Data I/O / the area manager / summary
// cache to read and write indirection pages (spec §4.G commit: "allocates a
// fresh page via findWritableArea(index)...").
type FlashIO interface {
	ReadIndirPage(a addr.Addr) ([]addr.Addr, error)
	WriteIndirPage(content []addr.Addr) (addr.Addr, error)
	MarkDirty(a addr.Addr) error
	UpdateExistingInode(in inode.Inode) error
}

// Cache is the PAC for the currently targeted inode.
type Cache struct {
	derived config.Derived
	io      FlashIO

	addrsPerPage uint32
	target       *inode.Inode
	readOnly     bool

	singl Elem      // first indirection: 1 elem
	doubl [2]Elem   // double indirection: 2 elems (top, leaf)
	tripl [3]Elem   // triple indirection: 3 elems (top, mid, leaf)
}

func New(d config.Derived, io FlashIO) *Cache {
	return &Cache{derived: d, io: io, addrsPerPage: d.AddrsPerPage}
}

func (c *Cache) SetReadOnly(ro bool) { c.readOnly = ro }

// SetTargetInode commits the previous inode's dirty state first, per spec
// §4.G.
func (c *Cache) SetTargetInode(in *inode.Inode) error {
	if c.target == in {
		return nil
	}
	if c.target != nil && c.isDirty() {
		if err := c.Commit(); err != nil {
			return err
		}
	}
	c.singl = Elem{}
	c.doubl = [2]Elem{}
	c.tripl = [3]Elem{}
	c.target = in
	return nil
}

func (c *Cache) isDirty() bool {
	if c.singl.Dirty {
		return true
	}
	for _, e := range c.doubl {
		if e.Dirty {
			return true
		}
	}
	for _, e := range c.tripl {
		if e.Dirty {
			return true
		}
	}
	return false
}

const directAddrCount = inode.DirectAddrCount

// GetPage implements spec §4.G's getPage.
func (c *Cache) GetPage(pageNo uint32) (addr.Addr, error) {
	if c.target == nil {
		return 0, paffserr.New(paffserr.Bug, "pac has no target inode")
	}
	if pageNo < directAddrCount {
		return c.target.Direct[pageNo], nil
	}
	pageNo -= directAddrCount

	if pageNo < c.addrsPerPage {
		if err := c.ensureLoaded(&c.singl, 0, c.target.Indir, &c.target.Indir); err != nil {
			return 0, err
		}
		return c.singl.Cache[pageNo], nil
	}
	pageNo -= c.addrsPerPage

	if pageNo < c.addrsPerPage*c.addrsPerPage {
		top := pageNo / c.addrsPerPage
		leaf := pageNo % c.addrsPerPage
		if err := c.ensureLoaded(&c.doubl[0], 0, c.target.DIndir, &c.target.DIndir); err != nil {
			return 0, err
		}
		if err := c.ensureLoaded(&c.doubl[1], uint16(top), c.doubl[0].Cache[top], &c.doubl[0].Cache[top]); err != nil {
			return 0, err
		}
		return c.doubl[1].Cache[leaf], nil
	}
	pageNo -= c.addrsPerPage * c.addrsPerPage

	if pageNo < c.addrsPerPage*c.addrsPerPage*c.addrsPerPage {
		top := pageNo / (c.addrsPerPage * c.addrsPerPage)
		rem := pageNo % (c.addrsPerPage * c.addrsPerPage)
		mid := rem / c.addrsPerPage
		leaf := rem % c.addrsPerPage
		if err := c.ensureLoaded(&c.tripl[0], 0, c.target.TIndir, &c.target.TIndir); err != nil {
			return 0, err
		}
		if err := c.ensureLoaded(&c.tripl[1], uint16(top), c.tripl[0].Cache[top], &c.tripl[0].Cache[top]); err != nil {
			return 0, err
		}
		if err := c.ensureLoaded(&c.tripl[2], uint16(mid), c.tripl[1].Cache[mid], &c.tripl[1].Cache[mid]); err != nil {
			return 0, err
		}
		return c.tripl[2].Cache[leaf], nil
	}

	return 0, paffserr.New(paffserr.TooBig, "page number exceeds triple indirection range")
}

// ensureLoaded loads elem from flashAddr if not already resident at pos,
// evicting/writing back a stale sibling first (spec §4.G: "a load may evict
// and write back a sibling element at the same depth"). parentSlot is where
// the freshly-allocated address goes back to if this elem was a hole and now
// needs materialising lazily (handled in SetPage, not here).
func (c *Cache) ensureLoaded(elem *Elem, pos uint16, flashAddr addr.Addr, parentSlot *addr.Addr) error {
	if elem.Active && elem.PositionInParent == pos {
		return nil
	}
	if elem.Active && elem.Dirty {
		if err := c.writeBack(elem, parentSlot); err != nil {
			return err
		}
	}
	if flashAddr.IsHole() {
		elem.Cache = make([]addr.Addr, c.addrsPerPage)
		for i := range elem.Cache {
			elem.Cache[i] = addr.Hole
		}
		elem.Self = addr.Hole
	} else {
		content, err := c.io.ReadIndirPage(flashAddr)
		if err != nil {
			return err
		}
		elem.Cache = content
		elem.Self = flashAddr
	}
	elem.PositionInParent = pos
	elem.Dirty = false
	elem.Active = true
	return nil
}

func (c *Cache) writeBack(elem *Elem, parentSlot *addr.Addr) error {
	if allHoles(elem.Cache) {
		if elem.Self != 0 && !elem.Self.IsHole() {
			if err := c.io.MarkDirty(elem.Self); err != nil {
				return err
			}
		}
		*parentSlot = addr.Hole
		elem.Dirty = false
		return nil
	}
	newAddr, err := c.io.WriteIndirPage(elem.Cache)
	if err != nil {
		return err
	}
	if elem.Self != 0 && !elem.Self.IsHole() {
		if err := c.io.MarkDirty(elem.Self); err != nil {
			return err
		}
	}
	*parentSlot = newAddr
	elem.Self = newAddr
	elem.Dirty = false
	return nil
}

func allHoles(list []addr.Addr) bool {
	for _, a := range list {
		if !a.IsHole() {
			return false
		}
	}
	return true
}

// SetPage implements spec §4.G's setPage: refuses on read-only, sets the
// cache element dirty.
func (c *Cache) SetPage(pageNo uint32, value addr.Addr) error {
	if c.readOnly {
		return paffserr.New(paffserr.ReadOnly, "pac is read-only")
	}
	if c.target == nil {
		return paffserr.New(paffserr.Bug, "pac has no target inode")
	}
	if pageNo < directAddrCount {
		c.target.Direct[pageNo] = value
		return nil
	}
	pageNo -= directAddrCount

	if pageNo < c.addrsPerPage {
		if err := c.ensureLoaded(&c.singl, 0, c.target.Indir, &c.target.Indir); err != nil {
			return err
		}
		c.singl.Cache[pageNo] = value
		c.singl.Dirty = true
		return nil
	}
	pageNo -= c.addrsPerPage

	if pageNo < c.addrsPerPage*c.addrsPerPage {
		top := pageNo / c.addrsPerPage
		leaf := pageNo % c.addrsPerPage
		if err := c.ensureLoaded(&c.doubl[0], 0, c.target.DIndir, &c.target.DIndir); err != nil {
			return err
		}
		if err := c.ensureLoaded(&c.doubl[1], uint16(top), c.doubl[0].Cache[top], &c.doubl[0].Cache[top]); err != nil {
			return err
		}
		c.doubl[1].Cache[leaf] = value
		c.doubl[1].Dirty = true
		c.doubl[0].Dirty = true
		return nil
	}
	pageNo -= c.addrsPerPage * c.addrsPerPage

	if pageNo < c.addrsPerPage*c.addrsPerPage*c.addrsPerPage {
		top := pageNo / (c.addrsPerPage * c.addrsPerPage)
		rem := pageNo % (c.addrsPerPage * c.addrsPerPage)
		mid := rem / c.addrsPerPage
		leaf := rem % c.addrsPerPage
		if err := c.ensureLoaded(&c.tripl[0], 0, c.target.TIndir, &c.target.TIndir); err != nil {
			return err
		}
		if err := c.ensureLoaded(&c.tripl[1], uint16(top), c.tripl[0].Cache[top], &c.tripl[0].Cache[top]); err != nil {
			return err
		}
		if err := c.ensureLoaded(&c.tripl[2], uint16(mid), c.tripl[1].Cache[mid], &c.tripl[1].Cache[mid]); err != nil {
			return err
		}
		c.tripl[2].Cache[leaf] = value
		c.tripl[2].Dirty = true
		c.tripl[1].Dirty = true
		c.tripl[0].Dirty = true
		return nil
	}

	return paffserr.New(paffserr.TooBig, "page number exceeds triple indirection range")
}

// Commit writes every dirty indirection from deepest to shallowest, then
// re-inserts the target inode into the tree (spec §4.G).
func (c *Cache) Commit() error {
	if c.target == nil {
		return nil
	}
	if c.tripl[2].Dirty {
		if err := c.writeBack(&c.tripl[2], &c.tripl[1].Cache[c.tripl[2].PositionInParent]); err != nil {
			return err
		}
		c.tripl[1].Dirty = true
	}
	if c.tripl[1].Dirty {
		if err := c.writeBack(&c.tripl[1], &c.tripl[0].Cache[c.tripl[1].PositionInParent]); err != nil {
			return err
		}
		c.tripl[0].Dirty = true
	}
	if c.tripl[0].Dirty {
		if err := c.writeBack(&c.tripl[0], &c.target.TIndir); err != nil {
			return err
		}
	}
	if c.doubl[1].Dirty {
		if err := c.writeBack(&c.doubl[1], &c.doubl[0].Cache[c.doubl[1].PositionInParent]); err != nil {
			return err
		}
		c.doubl[0].Dirty = true
	}
	if c.doubl[0].Dirty {
		if err := c.writeBack(&c.doubl[0], &c.target.DIndir); err != nil {
			return err
		}
	}
	if c.singl.Dirty {
		if err := c.writeBack(&c.singl, &c.target.Indir); err != nil {
			return err
		}
	}
	return c.io.UpdateExistingInode(*c.target)
}
