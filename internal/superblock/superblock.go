// Package superblock implements the anchor -> jump pad -> superindex chain
// of spec §4.I: the durable bootstrap record that lets mount recover the
// rootnode address, the area map and the two open area summaries. Grounded
// on original_source/src/superblock.cpp (AnchorEntry, JumpPadEntry,
// SuperIndex, commitSuperIndex/readSuperIndex).
package superblock

import (
	"encoding/binary"

	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/areamgr"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
	"github.com/Cirromulus/paffs-go/internal/summary"
)

// emptySerial marks a page that was never written (spec §4.I).
const emptySerial = 0xFFFFFFFF

// fsVersion is bumped whenever the on-flash layout changes incompatibly
// (spec §4.I: "validate param and fsVersion against the compiled-in
// parameters").
const fsVersion = 1

// SuperIndex mirrors spec §3's Superindex record.
type SuperIndex struct {
	Serial               uint32
	LogPrev              uint32
	RootNode             addr.Addr
	UsedAreas            uint32
	AreaMap              []areamgr.Area
	ActiveArea           [6]int32
	OverallDeletions     uint64
	AreaSummaryPositions [2]uint32
	Summaries            [2]summary.OpenSummary
}

// Chain owns the anchor/jump-pad/superindex areas and their serials.
type Chain struct {
	derived config.Derived
	drv     driver.Driver
	mgr     *areamgr.Manager

	anchorArea   uint32
	jumpPadAreas []uint32
	superArea    uint32

	anchorPos uint32
	jumpPos   []uint32
	superPos  uint32

	anchorSerial uint32
	jumpSerial   []uint32
	superSerial  uint32

	current      SuperIndex
	dirty        bool
	TestFullRewrite bool // forces a full chain rewrite on every commit, for crash-injection tests (spec §9)
}

func New(d config.Derived, drv driver.Driver, mgr *areamgr.Manager) *Chain {
	return &Chain{
		derived:      d,
		drv:          drv,
		mgr:          mgr,
		jumpPadAreas: make([]uint32, d.JumpPadNo),
		jumpPos:      make([]uint32, d.JumpPadNo),
		jumpSerial:   make([]uint32, d.JumpPadNo),
		anchorSerial: emptySerial,
		superSerial:  emptySerial,
	}
}

// Format lays out a fresh, empty chain: anchor fixed at area 0, and one
// dedicated area per jump pad plus the superindex, found via a plain
// first-free-area search (spec §4.I: "no GC involvement").
func (c *Chain) Format() error {
	c.mgr.Areas[0].Type = areamgr.Superblock
	c.mgr.Areas[0].Status = areamgr.Active
	c.anchorArea = 0
	c.anchorPos = 0
	c.anchorSerial = emptySerial

	for i := range c.jumpPadAreas {
		a, err := c.allocateDedicatedArea()
		if err != nil {
			return err
		}
		c.jumpPadAreas[i] = a
		c.jumpPos[i] = 0
		c.jumpSerial[i] = emptySerial
	}
	sa, err := c.allocateDedicatedArea()
	if err != nil {
		return err
	}
	c.superArea = sa
	c.superPos = 0
	c.superSerial = emptySerial

	c.current = SuperIndex{Serial: emptySerial, RootNode: addr.Hole}
	return c.propagateRelocation(sa)
}

// allocateDedicatedArea picks the first empty, non-retired area and marks it
// Superblock/Active directly, bypassing areamgr.Manager.ActiveArea (which
// tracks only one active area per type): the chain's jump pads and
// superindex each need their own concurrently-active area (spec §4.I).
func (c *Chain) allocateDedicatedArea() (uint32, error) {
	for i := range c.mgr.Areas {
		a := &c.mgr.Areas[i]
		if a.Status == areamgr.Empty && a.Type != areamgr.Retired {
			a.Type = areamgr.Superblock
			a.Status = areamgr.Active
			c.mgr.UsedAreas++
			return uint32(i), nil
		}
	}
	return 0, paffserr.New(paffserr.NoSpace, "no free area for superblock chain")
}

// RegisterRootnode updates the in-memory rootnode pointer and marks the
// superindex dirty (spec §4.I).
func (c *Chain) RegisterRootnode(a addr.Addr) {
	c.current.RootNode = a
	c.dirty = true
}

// GetRootnodeAddr returns the cached rootnode address.
func (c *Chain) GetRootnodeAddr() addr.Addr { return c.current.RootNode }

func pageSize(d config.Derived) uint32 { return d.DataBytesPerPage }

// writeAnchor writes the anchor record; jumpPadArea is whichever jump pad
// currently starts the chain.
func (c *Chain) writeAnchor(jumpPadArea uint32) error {
	buf := make([]byte, pageSize(c.derived))
	c.anchorSerial = nextSerial(c.anchorSerial)
	binary.LittleEndian.PutUint32(buf[0:4], c.anchorSerial)
	binary.LittleEndian.PutUint32(buf[4:8], 0) // logPrev always 0
	binary.LittleEndian.PutUint32(buf[8:12], jumpPadArea)
	binary.LittleEndian.PutUint32(buf[12:16], fsVersion)
	binary.LittleEndian.PutUint32(buf[16:20], c.derived.DataBytesPerPage)
	binary.LittleEndian.PutUint32(buf[20:24], c.derived.BlocksTotal)

	if err := c.appendOrWrap(c.anchorArea, &c.anchorPos, buf); err != nil {
		return err
	}
	return nil
}

func nextSerial(s uint32) uint32 {
	if s == emptySerial {
		return 0
	}
	return s + 1
}

// appendOrWrap writes buf to the next free page of area at *pos, wrapping
// (erasing the area and restarting at page 0; the record serials keep
// counting up) when the area is full. The
// anchor is the only record that ever wraps in place; jump pads and the
// superindex relocate instead (handled by their callers).
func (c *Chain) appendOrWrap(area uint32, pos *uint32, buf []byte) error {
	if *pos >= c.derived.TotalPagesPerArea {
		if err := c.mgr.DeleteAreaContents(area); err != nil {
			return err
		}
		c.mgr.Areas[area].Type = areamgr.Superblock
		c.mgr.Areas[area].Status = areamgr.Active
		*pos = 0
	}
	if err := c.drv.WritePage(c.mgr.AbsolutePage(area, *pos), buf); err != nil {
		if paffserr.Of(err) != paffserr.BiterrorCorrected {
			return err
		}
	}
	*pos++
	return nil
}

// serializeSuperIndex packs a SuperIndex into one page's worth of bytes
// (spec §3/§6): small fixed header plus the area map and up to two packed
// summaries, which must fit DataBytesPerPage for this device geometry.
func serializeSuperIndex(d config.Derived, s SuperIndex) []byte {
	buf := make([]byte, d.DataBytesPerPage)
	off := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[off:], v); off += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[off:], v); off += 8 }

	putU32(s.Serial)
	putU32(s.LogPrev)
	putU64(uint64(s.RootNode))
	putU32(s.UsedAreas)
	putU64(s.OverallDeletions)
	for _, a := range s.ActiveArea {
		putU32(uint32(a))
	}
	putU32(uint32(len(s.AreaMap)))
	for _, a := range s.AreaMap {
		buf[off] = byte(a.Type)
		off++
		buf[off] = byte(a.Status)
		off++
		putU32(a.Erasecount)
		putU32(a.Position)
	}
	for i := 0; i < 2; i++ {
		putU32(s.AreaSummaryPositions[i])
		putU32(uint32(s.Summaries[i].Area))
		buf[off] = byte(s.Summaries[i].Type)
		off++
		putU32(uint32(len(s.Summaries[i].Packed)))
		copy(buf[off:], s.Summaries[i].Packed)
		off += len(s.Summaries[i].Packed)
	}
	return buf
}

func deserializeSuperIndex(buf []byte, areasNo uint32) SuperIndex {
	var s SuperIndex
	off := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[off:]); off += 4; return v }
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[off:]); off += 8; return v }

	s.Serial = getU32()
	s.LogPrev = getU32()
	s.RootNode = addr.Addr(getU64())
	s.UsedAreas = getU32()
	s.OverallDeletions = getU64()
	for i := range s.ActiveArea {
		s.ActiveArea[i] = int32(getU32())
	}
	n := getU32()
	s.AreaMap = make([]areamgr.Area, n)
	for i := range s.AreaMap {
		s.AreaMap[i].Type = areamgr.AreaType(buf[off])
		off++
		s.AreaMap[i].Status = areamgr.AreaStatus(buf[off])
		off++
		s.AreaMap[i].Erasecount = getU32()
		s.AreaMap[i].Position = getU32()
	}
	for i := 0; i < 2; i++ {
		s.AreaSummaryPositions[i] = getU32()
		s.Summaries[i].Area = getU32()
		s.Summaries[i].Type = areamgr.AreaType(buf[off])
		off++
		plen := getU32()
		if plen > 0 {
			s.Summaries[i].Packed = append([]byte(nil), buf[off:off+int(plen)]...)
			off += int(plen)
		}
	}
	_ = areasNo
	return s
}

// CommitSuperIndex implements spec §4.I's commitSuperIndex: writes the
// superindex, relocating to a fresh area (and propagating the relocation up
// the chain to the jump pads and anchor) only when the current area fills
// up. createNew forces a full rewrite regardless, used by tests exercising
// crash-recovery mid-chain.
func (c *Chain) CommitSuperIndex(areaMap []areamgr.Area, usedAreas uint32, summaries [2]summary.OpenSummary, createNew bool) error {
	s := c.current
	s.UsedAreas = usedAreas
	s.AreaMap = areaMap
	s.Summaries = summaries
	for i, os := range summaries {
		s.AreaSummaryPositions[i] = os.Area
	}
	for i := range s.ActiveArea {
		s.ActiveArea[i] = c.mgr.ActiveArea[i]
	}
	s.Serial = nextSerial(c.superSerial)
	buf := serializeSuperIndex(c.derived, s)

	relocated := createNew || c.TestFullRewrite || c.superPos >= c.derived.TotalPagesPerArea
	if relocated {
		newArea, err := c.allocateDedicatedArea()
		if err != nil {
			return err
		}
		oldArea := c.superArea
		c.superArea = newArea
		c.superPos = 0
		s.LogPrev = oldArea
		buf = serializeSuperIndex(c.derived, s)
		if err := c.propagateRelocation(newArea); err != nil {
			return err
		}
	}

	if err := c.appendOrWrap(c.superArea, &c.superPos, buf); err != nil {
		return err
	}
	c.superSerial = s.Serial
	c.current = s
	c.dirty = false
	return nil
}

// propagateRelocation rewrites the jump pad chain (and, if that relocates
// too, the anchor) to point at newSuperArea.
func (c *Chain) propagateRelocation(newSuperArea uint32) error {
	next := newSuperArea
	for i := len(c.jumpPadAreas) - 1; i >= 0; i-- {
		buf := make([]byte, pageSize(c.derived))
		c.jumpSerial[i] = nextSerial(c.jumpSerial[i])
		binary.LittleEndian.PutUint32(buf[0:4], c.jumpSerial[i])
		binary.LittleEndian.PutUint32(buf[4:8], 0) // logPrev of this jump pad's own relocation, not tracked at this scale
		binary.LittleEndian.PutUint32(buf[8:12], next)

		if c.jumpPos[i] >= c.derived.TotalPagesPerArea {
			newArea, err := c.allocateDedicatedArea()
			if err != nil {
				return err
			}
			c.jumpPadAreas[i] = newArea
			c.jumpPos[i] = 0
		}
		if err := c.appendOrWrap(c.jumpPadAreas[i], &c.jumpPos[i], buf); err != nil {
			return err
		}
		next = c.jumpPadAreas[i]
	}
	return c.writeAnchor(next)
}

// ReadSuperIndex implements spec §4.I's mount-time readSuperIndex: scans the
// anchor's area for its highest-serial page, follows the jump pad chain, and
// deserialises the final superindex.
func (c *Chain) ReadSuperIndex() (SuperIndex, error) {
	jumpArea, err := c.scanLatestAnchor()
	if err != nil {
		return SuperIndex{}, err
	}
	for i := range c.jumpPadAreas {
		c.jumpPadAreas[i] = jumpArea
		na, err := c.scanLatestJumpPad(jumpArea)
		if err != nil {
			return SuperIndex{}, err
		}
		jumpArea = na
	}
	c.superArea = jumpArea
	buf, pos, serial, err := c.scanLatestPage(jumpArea)
	if err != nil {
		return SuperIndex{}, err
	}
	c.superPos = pos + 1
	c.superSerial = serial
	s := deserializeSuperIndex(buf, uint32(len(c.mgr.Areas)))
	c.current = s
	return s, nil
}

func (c *Chain) scanLatestPage(area uint32) ([]byte, uint32, uint32, error) {
	var bestBuf []byte
	var bestPos uint32
	bestSerial := uint32(emptySerial)
	found := false
	for p := uint32(0); p < c.derived.TotalPagesPerArea; p++ {
		buf := make([]byte, c.derived.DataBytesPerPage)
		if err := c.drv.ReadPage(c.mgr.AbsolutePage(area, p), buf); err != nil {
			if paffserr.Of(err) != paffserr.BiterrorCorrected {
				return nil, 0, 0, err
			}
		}
		serial := binary.LittleEndian.Uint32(buf[0:4])
		if serial == emptySerial {
			break
		}
		if !found || serial >= bestSerial {
			bestBuf, bestPos, bestSerial, found = buf, p, serial, true
		}
	}
	if !found {
		return nil, 0, emptySerial, paffserr.New(paffserr.BadFlash, "superblock chain link has no valid record")
	}
	return bestBuf, bestPos, bestSerial, nil
}

func (c *Chain) scanLatestAnchor() (uint32, error) {
	buf, pos, serial, err := c.scanLatestPage(0)
	if err != nil {
		return 0, err
	}
	c.anchorArea = 0
	c.anchorPos = pos + 1
	c.anchorSerial = serial
	if binary.LittleEndian.Uint32(buf[12:16]) != fsVersion {
		return 0, paffserr.New(paffserr.BadFlash, "incompatible fsVersion in anchor")
	}
	return binary.LittleEndian.Uint32(buf[8:12]), nil
}

func (c *Chain) scanLatestJumpPad(area uint32) (uint32, error) {
	buf, pos, serial, err := c.scanLatestPage(area)
	if err != nil {
		return 0, err
	}
	for i, a := range c.jumpPadAreas {
		if a == area {
			c.jumpPos[i] = pos + 1
			c.jumpSerial[i] = serial
		}
	}
	return binary.LittleEndian.Uint32(buf[8:12]), nil
}
