// Package summary implements the Area Summary Cache (spec §4.C): a
// fixed-size, in-RAM window over per-area page-status maps, with write-back
// caching and on-flash (OOB) packing. Grounded on
// original_source/src/summaryCache.cpp (SummaryCache, AreaSummaryElem).
package summary

import (
	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/areamgr"
	"github.com/Cirromulus/paffs-go/internal/bitlist"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
)

// areaSummaryMagic marks a committed OOB summary (spec §6: "non-0xFF to
// distinguish from a never-written area").
const areaSummaryMagic = 0xAA

// Elem is one cached area's page-status map, plus the status bits spec §4.C
// names: used, dirty (diverges from flash), asWritten (already committed to
// OOB), loadedFromSuperPage (unchanged since read from the last superindex).
type Elem struct {
	TwoBit               *bitlist.TwoBitList
	Area                 uint32
	used                 bool
	dirty                bool
	asWritten            bool
	loadedFromSuperPage  bool
}

func (e *Elem) DirtyPages() uint32 { return e.TwoBit.CountDirty() }
func (e *Elem) UsedPages() uint32  { return e.TwoBit.CountUsed() }
func (e *Elem) IsAsWritten() bool  { return e.asWritten }
func (e *Elem) IsDirty() bool      { return e.dirty }

// JournalSink is the subset of the journal the summary cache writes to
// (spec §4.C "emits journal entry summaryCache::SetStatus").
type JournalSink interface {
	LogSummarySetStatus(area, page uint32, value bitlist.TwoBitEntry)
	LogSummaryCommit()
	LogSummaryRemove(area uint32)
}

// GCHelper is what the eviction path (freeNextBestSummaryCacheEntry,
// commitASHard) needs from the garbage collector.
type GCHelper interface {
	CollectGarbageUntyped() error
	MoveValidDataToNewArea(victim, dst uint32, in *bitlist.TwoBitList) (*bitlist.TwoBitList, error)
}

// SuperblockSink is what commitAreaSummaries hands its two open summaries +
// area map to.
type SuperblockSink interface {
	CommitSuperIndex(areaMap []areamgr.Area, usedAreas uint32, summaries [2]OpenSummary, createNew bool) error
}

// OpenSummary is one of the (at most two) summaries the superindex embeds.
type OpenSummary struct {
	Area    uint32
	Type    areamgr.AreaType
	Packed  []byte
}

// Cache is the fixed-capacity Area Summary Cache.
type Cache struct {
	derived config.Derived
	drv     driver.Driver
	mgr     *areamgr.Manager

	slots       []*Elem
	translation map[uint32]int // area -> slot index

	GC        GCHelper
	Journal   JournalSink
	Super     SuperblockSink
	ReadOnly  bool
	VerifyMode bool // writes sentinel pattern on setPageStatus, per spec §4.C
}

// New builds a Cache with capacity slots (must be >= 3 per spec §4.C).
func New(d config.Derived, drv driver.Driver, mgr *areamgr.Manager, capacity int) *Cache {
	if capacity < 3 {
		capacity = 3
	}
	return &Cache{
		derived:     d,
		drv:         drv,
		mgr:         mgr,
		slots:       make([]*Elem, 0, capacity),
		translation: make(map[uint32]int),
	}
}

func (c *Cache) capacity() int { return cap(c.slots) }

// IsCached reports whether area has a resident slot (spec §4.C, used by GC).
func (c *Cache) IsCached(area uint32) bool {
	_, ok := c.translation[area]
	return ok
}

// ResetASWritten clears the asWritten bit, used after GC erases a committed
// summary out from under the cache (spec §4.B deleteAreaContents).
func (c *Cache) ResetASWritten(area uint32) {
	if i, ok := c.translation[area]; ok {
		c.slots[i].asWritten = false
	}
}

// DropArea evicts area's slot entirely without writing it back, used when
// the area has been deleted.
func (c *Cache) DropArea(area uint32) {
	if i, ok := c.translation[area]; ok {
		last := len(c.slots) - 1
		c.slots[i] = c.slots[last]
		c.slots = c.slots[:last]
		delete(c.translation, area)
		if i < len(c.slots) {
			c.translation[c.slots[i].Area] = i
		}
		if c.Journal != nil {
			c.Journal.LogSummaryRemove(area)
		}
	}
}

func (c *Cache) ensureLoaded(area uint32) (*Elem, error) {
	if i, ok := c.translation[area]; ok {
		return c.slots[i], nil
	}

	if len(c.slots) >= c.capacity() {
		if err := c.freeNextBestSummaryCacheEntry(false); err != nil {
			return nil, err
		}
	}

	tb, loadedFromFlash, err := c.readAreaSummary(area, true)
	if err != nil {
		return nil, err
	}
	e := &Elem{TwoBit: tb, Area: area, used: true, asWritten: loadedFromFlash}
	c.translation[area] = len(c.slots)
	c.slots = append(c.slots, e)
	return e, nil
}

// SetPageStatus implements spec §4.C's setPageStatus: refuses on read-only,
// journals the intent, and deletes the area immediately if this entry fills
// it with dirty pages.
func (c *Cache) SetPageStatus(area, page uint32, value bitlist.TwoBitEntry) error {
	if c.ReadOnly {
		return paffserr.New(paffserr.ReadOnly, "summary cache is read-only")
	}
	e, err := c.ensureLoaded(area)
	if err != nil {
		return err
	}
	e.TwoBit.SetValue(page, value)
	e.dirty = true
	if c.Journal != nil {
		c.Journal.LogSummarySetStatus(area, page, value)
	}
	if c.VerifyMode {
		c.writeSentinel(area, page)
	}
	if value == bitlist.Dirty && e.TwoBit.AllDirty() {
		return c.mgr.DeleteArea(area)
	}
	return nil
}

// SetPageStatusAddr is the Addr-keyed overload spec §4.C asks for.
func (c *Cache) SetPageStatusAddr(a addr.Addr, value bitlist.TwoBitEntry) error {
	return c.SetPageStatus(a.Area(), a.Page(), value)
}

func (c *Cache) writeSentinel(area, page uint32) {
	buf := make([]byte, c.derived.DataBytesPerPage)
	for i := range buf {
		buf[i] = 0x55
	}
	_ = c.drv.WritePage(c.mgr.AbsolutePage(area, page), buf)
}

// GetPageStatus implements spec §4.C's getPageStatus, including the one-shot
// read-only path when the cache is full and the area is not active.
func (c *Cache) GetPageStatus(area, page uint32) (bitlist.TwoBitEntry, error) {
	if i, ok := c.translation[area]; ok {
		return c.slots[i].TwoBit.GetValue(page), nil
	}

	if len(c.slots) >= c.capacity() && !c.isActive(area) {
		tb, _, err := c.readAreaSummary(area, true)
		if err != nil {
			return bitlist.Free, err
		}
		return tb.GetValue(page), nil
	}

	e, err := c.ensureLoaded(area)
	if err != nil {
		return bitlist.Free, err
	}
	return e.TwoBit.GetValue(page), nil
}

// GetPageStatusAddr is the Addr-keyed overload.
func (c *Cache) GetPageStatusAddr(a addr.Addr) (bitlist.TwoBitEntry, error) {
	return c.GetPageStatus(a.Area(), a.Page())
}

// GetSummaryStatus implements spec §4.C's getSummaryStatus: returns the
// cached summary if resident, else reads the packed OOB summary (verifying
// "used" entries against page content when complete is true).
func (c *Cache) GetSummaryStatus(area uint32, complete bool) (*bitlist.TwoBitList, error) {
	if i, ok := c.translation[area]; ok {
		return c.slots[i].TwoBit, nil
	}
	tb, _, err := c.readAreaSummary(area, complete)
	return tb, err
}

func (c *Cache) isActive(area uint32) bool {
	for _, av := range c.mgr.ActiveArea {
		if av >= 0 && uint32(av) == area {
			return true
		}
	}
	return false
}

// FindFirstFreePage satisfies areamgr.SummaryProvider.
func (c *Cache) FindFirstFreePage(area uint32) (uint32, error) {
	e, err := c.ensureLoaded(area)
	if err != nil {
		return 0, err
	}
	p := e.TwoBit.FindFirstFree()
	if p >= e.TwoBit.Len() {
		return 0, paffserr.New(paffserr.NoSpace, "area full")
	}
	return p, nil
}

// SetSummaryStatus bulk-installs src as area's summary (used by GC after
// relocation, spec §4.C).
func (c *Cache) SetSummaryStatus(area uint32, src *bitlist.TwoBitList) error {
	if len(c.slots) >= c.capacity() {
		if _, ok := c.translation[area]; !ok {
			if err := c.freeNextBestSummaryCacheEntry(true); err != nil {
				return err
			}
		}
	}
	if i, ok := c.translation[area]; ok {
		c.slots[i].TwoBit = src
		c.slots[i].dirty = true
		c.slots[i].asWritten = false
		return nil
	}
	e := &Elem{TwoBit: src, Area: area, used: true, dirty: true}
	c.translation[area] = len(c.slots)
	c.slots = append(c.slots, e)
	return nil
}

// readAreaSummary reads the packed OOB summary for area. If complete, every
// "used" entry (by the 1-bit-per-page dirty map of spec §6) is verified by
// reading the page and demoting to Free if it reads back all 0xFF.
// Returns (summary, wasWrittenToOOB, error).
func (c *Cache) readAreaSummary(area uint32, complete bool) (*bitlist.TwoBitList, bool, error) {
	dataPages := c.derived.DataPagesPerArea
	oobFirstPage := c.mgr.AbsolutePage(area, dataPages)
	hdr := make([]byte, 1+(dataPages+7)/8)
	if err := c.drv.ReadPage(oobFirstPage, hdr); err != nil {
		return nil, false, err
	}

	tb := bitlist.NewTwoBitList(dataPages)
	if hdr[0] != areaSummaryMagic {
		// Never written: everything free.
		return tb, false, nil
	}

	dirtyBits := hdr[1:]
	for p := uint32(0); p < dataPages; p++ {
		isDirty := dirtyBits[p/8]&(1<<(p%8)) == 0
		if isDirty {
			tb.SetValue(p, bitlist.Dirty)
			continue
		}
		if complete {
			buf := make([]byte, c.derived.DataBytesPerPage)
			if err := c.drv.ReadPage(c.mgr.AbsolutePage(area, p), buf); err != nil {
				return nil, false, err
			}
			if allFF(buf) {
				tb.SetValue(p, bitlist.Free)
			} else {
				tb.SetValue(p, bitlist.Used)
			}
		} else {
			tb.SetValue(p, bitlist.Used)
		}
	}
	return tb, true, nil
}

func allFF(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// writeAreaSummary packs and writes area's cached summary to its OOB tail
// pages (spec §6 format).
func (c *Cache) writeAreaSummary(e *Elem) error {
	dataPages := c.derived.DataPagesPerArea
	hdr := make([]byte, 1+(dataPages+7)/8)
	hdr[0] = areaSummaryMagic
	bits := hdr[1:]
	for p := uint32(0); p < dataPages; p++ {
		if e.TwoBit.GetValue(p) != bitlist.Dirty {
			bits[p/8] |= 1 << (p % 8)
		}
	}
	oobFirstPage := c.mgr.AbsolutePage(e.Area, dataPages)
	if err := c.drv.WritePage(oobFirstPage, hdr); err != nil {
		return err
	}
	e.asWritten = true
	e.dirty = false
	return nil
}

// commitAndEraseElem writes elem's summary back (if needed) and evicts it.
func (c *Cache) commitAndEraseElem(i int) error {
	e := c.slots[i]
	if e.dirty && !e.asWritten {
		if err := c.writeAreaSummary(e); err != nil {
			return err
		}
	}
	last := len(c.slots) - 1
	area := e.Area
	c.slots[i] = c.slots[last]
	c.slots = c.slots[:last]
	delete(c.translation, area)
	if i < len(c.slots) {
		c.translation[c.slots[i].Area] = i
	}
	return nil
}

// freeNextBestSummaryCacheEntry implements spec §4.C's eviction policy.
func (c *Cache) freeNextBestSummaryCacheEntry(urgent bool) error {
	// 1. Drop any clean non-dirty slot first.
	for i, e := range c.slots {
		if !e.dirty && !c.isActive(e.Area) {
			return c.commitAndEraseElem(i)
		}
	}

	// 2. Pick the slot whose area has no committed OOB summary yet and the
	// most unused pages; commit it to OOB and evict.
	best := -1
	var bestUnused uint32
	for i, e := range c.slots {
		if e.asWritten || c.isActive(e.Area) {
			continue
		}
		unused := e.TwoBit.Len() - e.TwoBit.CountUsed() - e.TwoBit.CountDirty()
		if best == -1 || unused > bestUnused {
			best = i
			bestUnused = unused
		}
	}
	if best >= 0 {
		return c.commitAndEraseElem(best)
	}

	// 3. Everything remaining is already asWritten: invoke untyped GC (whose
	// victim choice does not look at asWritten).
	if c.GC != nil {
		if err := c.GC.CollectGarbageUntyped(); err == nil {
			return nil
		}
	}

	// 4. Last resort: commitASHard.
	return c.commitASHard()
}

// commitASHard implements spec §4.C's last-resort eviction: pick the closed
// data/index area with the most dirty pages, relocate its live data into the
// GC buffer, delete the victim, swap positions, reinstall the summary.
func (c *Cache) commitASHard() error {
	var victim = uint32(0)
	found := false
	var bestDirty uint32
	for i, a := range c.mgr.Areas {
		if a.Status != areamgr.Closed || (a.Type != areamgr.Data && a.Type != areamgr.Index) {
			continue
		}
		if e, ok := c.translation[uint32(i)]; ok {
			d := c.slots[e].DirtyPages()
			if !found || d > bestDirty {
				victim, bestDirty, found = uint32(i), d, true
			}
		}
	}
	if !found {
		return paffserr.New(paffserr.LowMem, "no evictable summary cache entry found")
	}

	gcBuffer, err := c.findGarbageBuffer()
	if err != nil {
		return err
	}

	e := c.slots[c.translation[victim]]
	relocated, err := c.GC.MoveValidDataToNewArea(victim, gcBuffer, e.TwoBit)
	if err != nil {
		return err
	}
	if err := c.mgr.DeleteArea(victim); err != nil {
		return err
	}
	c.mgr.SwapAreaPositionAndErasecount(victim, gcBuffer)
	c.DropArea(victim)
	return c.SetSummaryStatus(victim, relocated)
}

func (c *Cache) findGarbageBuffer() (uint32, error) {
	for i, a := range c.mgr.Areas {
		if a.Type == areamgr.GarbageBuffer {
			return uint32(i), nil
		}
	}
	return 0, paffserr.New(paffserr.Bug, "no garbage buffer area configured")
}

// CommitAreaSummaries writes out every dirty non-active cached summary and
// hands the (at most two) open summaries plus the area map to the
// superblock for a new superindex (spec §4.C).
func (c *Cache) CommitAreaSummaries(createNew bool) error {
	for i, e := range c.slots {
		if e.dirty && !c.isActive(e.Area) && !e.asWritten {
			if err := c.writeAreaSummary(e); err != nil {
				return err
			}
			_ = i
		}
	}
	if c.Journal != nil {
		c.Journal.LogSummaryCommit()
	}
	if c.Super == nil {
		return nil
	}

	var open [2]OpenSummary
	n := 0
	for _, typ := range []areamgr.AreaType{areamgr.Data, areamgr.Index} {
		active := c.mgr.ActiveArea[typ]
		if active < 0 || n >= 2 {
			continue
		}
		e, err := c.ensureLoaded(uint32(active))
		if err != nil {
			return err
		}
		open[n] = OpenSummary{Area: uint32(active), Type: typ, Packed: e.TwoBit.Pack()}
		n++
	}
	return c.Super.CommitSuperIndex(c.mgr.Areas, c.mgr.UsedAreas, open, createNew)
}

// LoadAreaSummaries installs the two summaries embedded in the superindex
// and rebuilds activeArea[] for data and index (spec §4.C loadAreaSummaries,
// called on mount).
func (c *Cache) LoadAreaSummaries(open [2]OpenSummary) error {
	c.slots = c.slots[:0]
	c.translation = make(map[uint32]int)
	for _, os := range open {
		if os.Packed == nil {
			continue
		}
		tb := bitlist.Unpack(c.derived.DataPagesPerArea, os.Packed)
		e := &Elem{TwoBit: tb, Area: os.Area, used: true, asWritten: true, loadedFromSuperPage: true}
		c.translation[os.Area] = len(c.slots)
		c.slots = append(c.slots, e)
		c.mgr.Areas[os.Area].Type = os.Type
		c.mgr.Areas[os.Area].Status = areamgr.Active
		c.mgr.ActiveArea[os.Type] = int32(os.Area)
	}
	return nil
}
