package driver

import (
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/logctx"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
)

// Simulator is an in-memory Driver, grounded on
// original_source/src/driver/simu.cpp's SimuDriver: a flat page array plus a
// byte-addressable MRAM array, with no actual ECC (left as a pass-through,
// since ECC is explicitly out of scope for the core per spec §1).
//
// A block is "bad" once MarkBad has been called on it. MarkBad zeroes the
// block's first page and records the block in badMark; CheckBad answers from
// badMark and does not reread the page.
type Simulator struct {
	d config.Derived

	pages    [][]byte // index: page_abs, length totalBytesPerPage
	mram     []byte
	badMark  []bool // index: block_abs
	writeLog []uint64 // pages written, in order, for crash-injection tests

	// Crash-injection knobs for spec §8's "crash-safety" property: once
	// FailAfterNWrites writes have occurred, subsequent WritePage/EraseBlock
	// calls return an error, simulating power loss mid-operation.
	FailAfterNWrites int
	writesDone       int
}

func NewSimulator(d config.Derived) *Simulator {
	totalPages := d.AreasNo * d.TotalPagesPerArea
	s := &Simulator{
		d:       d,
		pages:   make([][]byte, totalPages),
		mram:    make([]byte, 1<<20),
		badMark: make([]bool, d.BlocksTotal),
	}
	for i := range s.pages {
		buf := make([]byte, d.TotalBytesPerPage)
		for j := range buf {
			buf[j] = 0xFF
		}
		s.pages[i] = buf
	}
	s.FailAfterNWrites = -1
	return s
}

func (s *Simulator) checkCrash() error {
	if s.FailAfterNWrites >= 0 && s.writesDone >= s.FailAfterNWrites {
		return paffserr.New(paffserr.Fail, "simulated power loss")
	}
	return nil
}

func (s *Simulator) WritePage(pageAbs uint64, data []byte) error {
	if err := s.checkCrash(); err != nil {
		return err
	}
	if pageAbs >= uint64(len(s.pages)) {
		return paffserr.New(paffserr.Bug, "page out of range")
	}
	if uint32(len(data)) > s.d.TotalBytesPerPage {
		logctx.Printf("tried to write %d bytes to a page of %d", len(data), s.d.TotalBytesPerPage)
		return paffserr.New(paffserr.Fail, "write exceeds page size")
	}
	buf := s.pages[pageAbs]
	for i := range buf {
		buf[i] = 0xFF
	}
	copy(buf, data)
	s.writeLog = append(s.writeLog, pageAbs)
	s.writesDone++
	return nil
}

func (s *Simulator) ReadPage(pageAbs uint64, data []byte) error {
	if pageAbs >= uint64(len(s.pages)) {
		return paffserr.New(paffserr.Bug, "page out of range")
	}
	copy(data, s.pages[pageAbs])
	return nil
}

func (s *Simulator) EraseBlock(blockAbs uint64) error {
	if err := s.checkCrash(); err != nil {
		return err
	}
	if blockAbs >= uint64(s.d.BlocksTotal) {
		logctx.Printf("tried erasing block out of bounds: %d", blockAbs)
		return paffserr.New(paffserr.Bug, "block out of range")
	}
	first := blockAbs * uint64(s.d.PagesPerBlock)
	for p := uint64(0); p < uint64(s.d.PagesPerBlock); p++ {
		buf := s.pages[first+p]
		for i := range buf {
			buf[i] = 0xFF
		}
	}
	s.writesDone++
	return nil
}

func (s *Simulator) MarkBad(blockAbs uint64) error {
	s.badMark[blockAbs] = true
	first := blockAbs * uint64(s.d.PagesPerBlock)
	buf := s.pages[first]
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (s *Simulator) CheckBad(blockAbs uint64) (bool, error) {
	return s.badMark[blockAbs], nil
}

func (s *Simulator) WriteMRAM(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > uint64(len(s.mram)) {
		return paffserr.New(paffserr.Bug, "mram write out of range")
	}
	copy(s.mram[offset:], data)
	return nil
}

func (s *Simulator) ReadMRAM(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > uint64(len(s.mram)) {
		return paffserr.New(paffserr.Bug, "mram read out of range")
	}
	copy(data, s.mram[offset:])
	return nil
}

// WriteCount reports how many page writes and erases have happened so far,
// for crash-injection tests that want to pick a cut point.
func (s *Simulator) WriteCount() int { return s.writesDone }
