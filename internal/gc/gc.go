// Package gc implements the Garbage Collector (spec §4.D): victim selection,
// live-data relocation into the GC buffer, and the logical/physical swap
// that lets any persisted Addr survive a relocation. Grounded on
// original_source/ds/paffs/garbage_collection.cpp and
// original_source/src/area.cpp's GC-adjacent helpers.
package gc

import (
	"github.com/Cirromulus/paffs-go/internal/areamgr"
	"github.com/Cirromulus/paffs-go/internal/bitlist"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/logctx"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
)

// SummaryProvider is what the garbage collector needs from the Summary
// Cache: reading a closed area's full summary and installing a relocated one.
type SummaryProvider interface {
	GetSummaryStatus(area uint32, complete bool) (*bitlist.TwoBitList, error)
	SetSummaryStatus(area uint32, src *bitlist.TwoBitList) error
}

// Collector implements spec §4.D.
type Collector struct {
	derived config.Derived
	drv     driver.Driver
	mgr     *areamgr.Manager
	summary SummaryProvider

	// VerifyAS asserts the GC buffer is all-0xFF before use, matching the
	// teacher's PAFFS_TRACE_VERIFY_AS debug mode.
	VerifyAS bool
}

func New(d config.Derived, drv driver.Driver, mgr *areamgr.Manager, summary SummaryProvider) *Collector {
	return &Collector{derived: d, drv: drv, mgr: mgr, summary: summary}
}

type candidate struct {
	area          uint32
	summary       *bitlist.TwoBitList
	containsData  bool
}

// findNextBestArea scans all closed data/index areas and returns the one
// with the highest dirty-page count (spec §4.D step 1). A fully-dirty area
// wins unconditionally.
func (c *Collector) findNextBestArea(target areamgr.AreaType, untyped bool) (*candidate, error) {
	var best *candidate
	var bestDirty uint32

	for i := range c.mgr.Areas {
		a := &c.mgr.Areas[i]
		if a.Status != areamgr.Closed || (a.Type != areamgr.Data && a.Type != areamgr.Index) {
			continue
		}
		sum, err := c.summary.GetSummaryStatus(uint32(i), false)
		if err != nil {
			return nil, err
		}
		if sum.AllDirty() {
			return &candidate{area: uint32(i), summary: sum, containsData: false}, nil
		}
		if !untyped && a.Type != target {
			continue
		}
		dirty := sum.CountDirty()
		if best == nil || dirty > bestDirty {
			best = &candidate{area: uint32(i), summary: sum, containsData: true}
			bestDirty = dirty
		}
	}
	return best, nil
}

// MoveValidDataToNewArea copies every used page of src into dst at the same
// offset; unused/dirty entries become Free in the returned summary (spec
// §4.D step 3).
func (c *Collector) MoveValidDataToNewArea(src, dst uint32, in *bitlist.TwoBitList) (*bitlist.TwoBitList, error) {
	if c.VerifyAS {
		if err := c.assertAllFF(dst); err != nil {
			return nil, err
		}
	}
	out := bitlist.NewTwoBitList(in.Len())
	buf := make([]byte, c.derived.TotalBytesPerPage)
	for page := uint32(0); page < in.Len(); page++ {
		if in.GetValue(page) == bitlist.Used {
			srcPage := c.mgr.AbsolutePage(src, page)
			dstPage := c.mgr.AbsolutePage(dst, page)
			if err := c.drv.ReadPage(srcPage, buf); err != nil {
				return nil, err
			}
			if err := c.drv.WritePage(dstPage, buf); err != nil {
				return nil, paffserr.New(paffserr.BadFlash, "gc relocation write failed")
			}
			out.SetValue(page, bitlist.Used)
		} else {
			out.SetValue(page, bitlist.Free)
		}
	}
	return out, nil
}

func (c *Collector) assertAllFF(area uint32) error {
	buf := make([]byte, c.derived.DataBytesPerPage)
	for page := uint32(0); page < c.derived.DataPagesPerArea; page++ {
		if err := c.drv.ReadPage(c.mgr.AbsolutePage(area, page), buf); err != nil {
			return err
		}
		for _, b := range buf {
			if b != 0xFF {
				return paffserr.New(paffserr.Bug, "gc buffer not erased before use")
			}
		}
	}
	return nil
}

// CollectGarbage implements spec §4.D's typed flavour: frees an active area
// of type (excluding unset).
func (c *Collector) CollectGarbage(areaType areamgr.AreaType) error {
	return c.collect(areaType, false)
}

// CollectGarbageUntyped implements the untyped flavour: the victim may be of
// any type. Victim choice does not take into account whether an area's OOB
// summary has already been written.
func (c *Collector) CollectGarbageUntyped() error {
	return c.collect(areamgr.Unset, true)
}

func (c *Collector) collect(targetType areamgr.AreaType, untyped bool) error {
	gcBufferArea, desperate := c.gcBuffer()
	if desperate {
		logctx.Printf("gc is in desperate mode: recovery path not implemented, preserving conservative noSpace behaviour (spec §9)")
		return paffserr.New(paffserr.NoSpace, "garbage buffer already spent")
	}

	cand, err := c.findNextBestArea(targetType, untyped)
	if err != nil {
		return err
	}
	if cand == nil {
		if targetType == areamgr.Index {
			return paffserr.New(paffserr.NoSpace, "no gc candidate for index, reserved pool exhausted")
		}
		return paffserr.New(paffserr.NoSpace, "no gc candidate found")
	}

	origType := c.mgr.Areas[cand.area].Type

	if cand.containsData {
		relocated, err := c.MoveValidDataToNewArea(cand.area, gcBufferArea, cand.summary)
		if err != nil {
			return err
		}
		cand.summary = relocated
		c.mgr.Areas[cand.area].Status = areamgr.Active
		if err := c.mgr.DeleteAreaContents(cand.area); err != nil && paffserr.Of(err) != paffserr.BadFlash {
			return err
		}
	} else {
		// No live data survives: fully reclaim the area (erase contents,
		// Status=Empty, Type=Unset, UsedAreas--), mirroring
		// original_source/src/garbage_collection.cpp's collectGarbage, which
		// calls the full deleteArea for this branch and never re-inits it.
		if err := c.mgr.DeleteArea(cand.area); err != nil && paffserr.Of(err) != paffserr.BadFlash {
			return err
		}
	}

	// Logical swap: exchange position and erasecount of victim and gcBuffer
	// (spec §4.D step 5, spec §9's central GC invariant).
	c.mgr.SwapAreaPositionAndErasecount(cand.area, gcBufferArea)

	if err := c.summary.SetSummaryStatus(cand.area, cand.summary); err != nil {
		return err
	}

	finalType := targetType
	if untyped {
		finalType = origType
	}

	if cand.containsData {
		c.mgr.Areas[cand.area].Type = finalType
		c.mgr.InitArea(cand.area)
	} else {
		// DeleteArea already decremented UsedAreas and set Status=Empty;
		// reactivate directly rather than through InitArea, which would
		// re-increment UsedAreas for an area DeleteArea just freed (mirrors
		// the original's direct activeArea[type]= assignment after deleteArea).
		c.mgr.Areas[cand.area].Type = finalType
		c.mgr.Areas[cand.area].Status = areamgr.Active
		c.mgr.ActiveArea[finalType] = int32(cand.area)
	}
	return nil
}

// gcBuffer returns the logical area currently holding type GarbageBuffer, and
// whether none exists (desperate mode, spec §4.D step "desperateMode").
func (c *Collector) gcBuffer() (uint32, bool) {
	for i := range c.mgr.Areas {
		if c.mgr.Areas[i].Type == areamgr.GarbageBuffer {
			return uint32(i), false
		}
	}
	return 0, true
}
