// Package areamgr implements the Area Manager (spec §4.B): the area map,
// area lifecycle transitions, and findWritableArea/findFirstFreePage. It is
// grounded on original_source/src/area.cpp (AreaManagement) and
// original_source/src/area.hpp.
//
// The Area Manager needs the Summary Cache (to find free pages and to learn
// whether a summary has already been committed to OOB) and the Garbage
// Collector (as a last resort inside findWritableArea). Both would otherwise
// import this package, so — mirroring the teacher's habit of keeping concrete
// dependencies behind small interfaces (see squashfs's io.ReaderAt/io.Writer
// seams in writer.go) — we accept them here as interfaces and let the device
// orchestrator wire the concrete implementations together after
// construction.
package areamgr

import (
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/logctx"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
)

// AreaType mirrors spec §3.
type AreaType int

const (
	Unset AreaType = iota
	Superblock
	Index
	Data
	GarbageBuffer
	Retired
	numAreaTypes
)

func (t AreaType) String() string {
	switch t {
	case Unset:
		return "unset"
	case Superblock:
		return "superblock"
	case Index:
		return "index"
	case Data:
		return "data"
	case GarbageBuffer:
		return "garbageBuffer"
	case Retired:
		return "retired"
	default:
		return "invalid"
	}
}

// AreaStatus mirrors spec §3.
type AreaStatus int

const (
	Closed AreaStatus = iota
	Active
	Empty
)

func (s AreaStatus) String() string {
	switch s {
	case Closed:
		return "closed"
	case Active:
		return "active"
	case Empty:
		return "empty"
	default:
		return "invalid"
	}
}

// Area is one fixed partition of the device (spec §3). Position enables
// swapping physical placement (GC's logical/physical split, spec §9) without
// invalidating any persisted Addr.
type Area struct {
	Type       AreaType
	Status     AreaStatus
	Erasecount uint32 // saturates at 17 bits per spec §3
	Position   uint32
}

const maxErasecount = (1 << 17) - 1

func (a *Area) IncreaseErasecount() {
	if a.Erasecount < maxErasecount {
		a.Erasecount++
	}
}

// SummaryProvider is what the Area Manager needs from the Summary Cache
// (§4.C), kept as an interface to avoid an import cycle.
type SummaryProvider interface {
	FindFirstFreePage(area uint32) (uint32, error)
	IsCached(area uint32) bool
	ResetASWritten(area uint32)
	DropArea(area uint32)
}

// GarbageCollector is what the Area Manager needs from the GC (§4.D), kept as
// an interface for the same reason.
type GarbageCollector interface {
	CollectGarbage(areaType AreaType) error
}

// Manager owns the area map and implements findWritableArea and the area
// lifecycle transitions of spec §4.B.
type Manager struct {
	Derived config.Derived
	Driver  driver.Driver

	Areas      []Area
	UsedAreas  uint32
	ActiveArea [numAreaTypes]int32 // -1 means "none" (spec §9 open question)

	Summary SummaryProvider
	GC      GarbageCollector
}

func New(d config.Derived, drv driver.Driver) *Manager {
	m := &Manager{
		Derived: d,
		Driver:  drv,
		Areas:   make([]Area, d.AreasNo),
	}
	for i := range m.ActiveArea {
		m.ActiveArea[i] = -1
	}
	return m
}

// Format resets the area map to the freshly-formatted state (spec §3
// Lifecycles: "areas created in format as empty/unset"), with area 0 fixed
// as the superblock area at physical position 0 (spec §3).
func (m *Manager) Format() {
	for i := range m.Areas {
		m.Areas[i] = Area{Type: Unset, Status: Empty, Position: uint32(i)}
	}
	m.Areas[0].Type = Superblock
	m.Areas[0].Status = Active
	m.Areas[0].Position = 0
	m.UsedAreas = 1
	for i := range m.ActiveArea {
		m.ActiveArea[i] = -1
	}
	m.ActiveArea[Superblock] = 0
}

// FindWritableArea implements spec §4.B's findWritableArea algorithm.
func (m *Manager) FindWritableArea(areaType AreaType) (uint32, error) {
	if active := m.ActiveArea[areaType]; active >= 0 {
		a := &m.Areas[active]
		if a.Status != Active {
			logctx.Printf("active area of %s not active (%d)", areaType, active)
		}
		if a.Type != areaType {
			logctx.Printf("active area does not contain correct type! should %s, was %s", areaType, a.Type)
		}
		return uint32(active), nil
	}

	reservedOK := m.UsedAreas < m.Derived.AreasNo-config.MinFreeAreas || areaType == Index
	if reservedOK {
		for i := range m.Areas {
			if m.Areas[i].Status == Empty && m.Areas[i].Type != Retired {
				m.Areas[i].Type = areaType
				m.InitArea(uint32(i))
				return uint32(i), nil
			}
		}
	}

	if m.GC == nil {
		return 0, paffserr.New(paffserr.NoSpace, "no garbage collector wired")
	}
	if err := m.GC.CollectGarbage(areaType); err != nil {
		return 0, err
	}

	active := m.ActiveArea[areaType]
	if active < 0 {
		return 0, paffserr.New(paffserr.Bug, "garbage collection pointed to invalid area")
	}
	if m.Areas[active].Status != Active {
		return 0, paffserr.New(paffserr.Bug, "an active area is not active after GC")
	}
	return uint32(active), nil
}

// FindFirstFreePage scans the cached summary of area for the first free
// entry (spec §4.B).
func (m *Manager) FindFirstFreePage(area uint32) (uint32, error) {
	return m.Summary.FindFirstFreePage(area)
}

// ManageActiveAreaFull closes area if it has become full.
func (m *Manager) ManageActiveAreaFull(area uint32, areaType AreaType) error {
	_, err := m.FindFirstFreePage(area)
	if err != nil {
		if paffserr.Of(err) == paffserr.NoSpace {
			return m.CloseArea(area)
		}
		return err
	}
	return nil
}

// InitArea promotes an empty area to active (spec §4.B).
func (m *Manager) InitArea(area uint32) {
	a := &m.Areas[area]
	if a.Type == Unset {
		logctx.Printf("initing area %d with invalid type", area)
	}
	if m.ActiveArea[a.Type] >= 0 && uint32(m.ActiveArea[a.Type]) != area {
		logctx.Printf("activating area %d while a different area (%d) of type %s is still active", area, m.ActiveArea[a.Type], a.Type)
	}
	if a.Status == Empty {
		m.UsedAreas++
	}
	a.Status = Active
	m.ActiveArea[a.Type] = int32(area)
}

// CloseArea sets status=closed and clears activeArea[type] (spec §4.B).
func (m *Manager) CloseArea(area uint32) error {
	a := &m.Areas[area]
	a.Status = Closed
	m.ActiveArea[a.Type] = -1
	return nil
}

// RetireArea sets status=closed, type=retired and marks every block bad
// (spec §4.B).
func (m *Manager) RetireArea(area uint32) {
	a := &m.Areas[area]
	a.Status = Closed
	a.Type = Retired
	for b := uint32(0); b < m.Derived.BlocksPerArea; b++ {
		_ = m.Driver.MarkBad(uint64(a.Position*m.Derived.BlocksPerArea + b))
	}
}

// DeleteAreaContents erases every block of area; on any block failure
// retires the whole area and reports badFlash (spec §4.B).
func (m *Manager) DeleteAreaContents(area uint32) error {
	if area >= m.Derived.AreasNo {
		return paffserr.New(paffserr.Bug, "invalid area")
	}
	a := &m.Areas[area]
	if a.Type == Retired {
		return paffserr.New(paffserr.Bug, "tried deleting a retired area's contents")
	}

	var failed bool
	for i := uint32(0); i < m.Derived.BlocksPerArea; i++ {
		if err := m.Driver.EraseBlock(uint64(a.Position*m.Derived.BlocksPerArea + i)); err != nil {
			failed = true
			break
		}
	}
	a.IncreaseErasecount()
	if m.Summary != nil && m.Summary.IsCached(area) {
		m.Summary.ResetASWritten(area)
	}
	if failed {
		m.RetireArea(area)
		return paffserr.New(paffserr.BadFlash, "could not erase area contents")
	}
	return nil
}

// DeleteArea = deleteAreaContents + empty/unset, decrements usedAreas (spec
// §4.B).
func (m *Manager) DeleteArea(area uint32) error {
	if err := m.DeleteAreaContents(area); err != nil {
		return err
	}
	a := &m.Areas[area]
	a.Status = Empty
	a.Type = Unset
	m.UsedAreas--
	if m.Summary != nil {
		m.Summary.DropArea(area)
	}
	return nil
}

// SwapAreaPosition exchanges only the Position field of two areas (spec
// §4.B), the central GC invariant that keeps any persisted Addr valid across
// relocation (spec §9).
func (m *Manager) SwapAreaPosition(a, b uint32) {
	m.Areas[a].Position, m.Areas[b].Position = m.Areas[b].Position, m.Areas[a].Position
}

// SwapAreaPositionAndErasecount additionally swaps the erase counts, used by
// the garbage collector's logical swap step (spec §4.D step 5).
func (m *Manager) SwapAreaPositionAndErasecount(a, b uint32) {
	m.SwapAreaPosition(a, b)
	m.Areas[a].Erasecount, m.Areas[b].Erasecount = m.Areas[b].Erasecount, m.Areas[a].Erasecount
}

// AbsolutePage converts a logical (area, page) pair to an absolute device
// page number using the area's physical position (spec §4.B via
// getPageNumber in original_source/src/area.cpp).
func (m *Manager) AbsolutePage(area, page uint32) uint64 {
	return uint64(m.Areas[area].Position)*uint64(m.Derived.TotalPagesPerArea) + uint64(page)
}

// AbsoluteBlock converts a logical area and an in-area page offset to an
// absolute device block number.
func (m *Manager) AbsoluteBlock(area, page uint32) uint64 {
	return uint64(m.Areas[area].Position)*uint64(m.Derived.BlocksPerArea) + uint64(page/m.Derived.PagesPerBlock)
}
