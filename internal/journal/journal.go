// Package journal implements the write-ahead log of spec §4.J: an
// append-only, byte-addressable MRAM log of topic-tagged entries, with
// per-topic page-state-machines that make multi-page writes replay-safe
// across a crash. Grounded on original_source/src/journal/journal.cpp and
// journalPageStateMachine.hpp.
package journal

import (
	"encoding/binary"

	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/bitlist"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/inode"
)

// Topic is the journal's "which subsystem does this entry belong to" tag
// (spec §4.J).
type Topic uint8

const (
	TopicTree Topic = iota
	TopicSummary
	TopicDataIO
	TopicAreaMgmt
	TopicDevice
	numTopics
)

type variant uint8

const (
	variantCheckpoint variant = iota
	variantSuccess
	variantReplacePage
	variantReplacePagePos
	variantInvalidateOldPages
	variantTreeInsert
	variantTreeUpdate
	variantTreeRemove
	variantSummarySetStatus
	variantSummaryCommit
	variantSummaryRemove
	variantAreaMgmtRootnode
	variantDeviceMkObjInode
	variantDeviceInsertIntoDir
	variantDeviceRemoveObj
	variantDataIONewInodeSize
)

// entryMagic prefixes every record so replay can tell a real entry from the
// zero-filled tail of an MRAM that has never been written past this point.
const entryMagic = 0xA5

type rawEntry struct {
	topic   Topic
	variant variant
	payload []byte
}

// pscState is a page-state-machine's lifecycle (spec §4.J: "ok -> invalid ->
// recover").
type pscState int

const (
	pscOK pscState = iota
	pscInvalid
	pscRecover
)

type pagePair struct {
	New, Old addr.Addr
	HasPos   bool
	InodeNo  uint32
	Position uint32
}

// pageStateMachine encapsulates one multi-page atomic write for one topic
// (spec §4.J PageStateMachine<topic>).
type pageStateMachine struct {
	state pscState
	pairs []pagePair
}

// Journal is the write-ahead log. Subscribers (summary cache, tree, area
// manager, device) call the LogXxx helpers during normal operation; Replay
// drives them back during mount.
type Journal struct {
	drv  driver.Driver
	head uint64

	psm [numTopics]pageStateMachine
}

func New(drv driver.Driver) *Journal {
	return &Journal{drv: drv}
}

func (j *Journal) append(topic Topic, v variant, payload []byte) {
	buf := make([]byte, 4+len(payload))
	buf[0] = entryMagic
	buf[1] = byte(topic)
	buf[2] = byte(v)
	buf[3] = byte(len(payload))
	copy(buf[4:], payload)
	_ = j.drv.WriteMRAM(j.head, buf)
	j.head += uint64(len(buf))
}

// Clear resets the log to empty, used by flushAllCaches once every
// subscriber's state is durably reflected elsewhere (spec §4.K).
func (j *Journal) Clear() {
	zero := make([]byte, j.head)
	_ = j.drv.WriteMRAM(0, zero)
	j.head = 0
	for i := range j.psm {
		j.psm[i] = pageStateMachine{}
	}
}

// NearlyFull reports whether the log has grown enough that the device
// orchestrator should flush (spec §4.K step 3).
func (j *Journal) NearlyFull(mramBytes uint64) bool {
	return j.head*2 >= mramBytes
}

// Checkpoint marks an operation durable (spec §4.J).
func (j *Journal) Checkpoint(topic Topic) { j.append(topic, variantCheckpoint, nil) }

// ReplacePage implements the page-state-machine transition ok->invalid.
func (j *Journal) ReplacePage(topic Topic, newAddr, oldAddr addr.Addr) {
	psm := &j.psm[topic]
	psm.state = pscInvalid
	psm.pairs = append(psm.pairs, pagePair{New: newAddr, Old: oldAddr})
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], uint64(newAddr))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(oldAddr))
	j.append(topic, variantReplacePage, payload)
}

// ReplacePagePos is the positional variant used when the device must also
// remember which inode/position the page belonged to for rollback.
func (j *Journal) ReplacePagePos(topic Topic, newAddr, oldAddr addr.Addr, inodeNo, position uint32) {
	psm := &j.psm[topic]
	psm.state = pscInvalid
	psm.pairs = append(psm.pairs, pagePair{New: newAddr, Old: oldAddr, HasPos: true, InodeNo: inodeNo, Position: position})
	payload := make([]byte, 24)
	binary.LittleEndian.PutUint64(payload[0:8], uint64(newAddr))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(oldAddr))
	binary.LittleEndian.PutUint32(payload[16:20], inodeNo)
	binary.LittleEndian.PutUint32(payload[20:24], position)
	j.append(topic, variantReplacePagePos, payload)
}

// Success moves a topic's page-state-machine to "recover" once every page of
// the logical operation has been replaced (spec §4.J).
func (j *Journal) Success(topic Topic) {
	j.psm[topic].state = pscRecover
	j.append(topic, variantSuccess, nil)
}

// InvalidateOldPages marks every recorded "old" page dirty via markDirty and
// clears the sequence (spec §4.J).
func (j *Journal) InvalidateOldPages(topic Topic, markDirty func(addr.Addr) error) error {
	psm := &j.psm[topic]
	for _, p := range psm.pairs {
		if err := markDirty(p.Old); err != nil {
			return err
		}
	}
	psm.pairs = nil
	psm.state = pscOK
	j.append(topic, variantInvalidateOldPages, nil)
	return nil
}

// LogBTreeInsert/Update/Remove satisfy btree.JournalSink.
func (j *Journal) LogBTreeInsert(ino inode.Inode) { j.append(TopicTree, variantTreeInsert, u32(ino.No)) }
func (j *Journal) LogBTreeUpdate(ino inode.Inode) { j.append(TopicTree, variantTreeUpdate, u32(ino.No)) }
func (j *Journal) LogBTreeRemove(no inode.No)     { j.append(TopicTree, variantTreeRemove, u32(no)) }

// LogSummarySetStatus/Commit/Remove satisfy summary.JournalSink.
func (j *Journal) LogSummarySetStatus(area, page uint32, value bitlist.TwoBitEntry) {
	payload := make([]byte, 9)
	binary.LittleEndian.PutUint32(payload[0:4], area)
	binary.LittleEndian.PutUint32(payload[4:8], page)
	payload[8] = byte(value)
	j.append(TopicSummary, variantSummarySetStatus, payload)
}
func (j *Journal) LogSummaryCommit()          { j.append(TopicSummary, variantSummaryCommit, nil) }
func (j *Journal) LogSummaryRemove(area uint32) { j.append(TopicSummary, variantSummaryRemove, u32(area)) }

// LogAreaMgmtRootnode records a rootnode registration (spec §4.J topic
// areaMgmt).
func (j *Journal) LogAreaMgmtRootnode(a addr.Addr) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(a))
	j.append(TopicAreaMgmt, variantAreaMgmtRootnode, payload)
}

// LogDeviceMkObjInode/InsertIntoDir/RemoveObj record the device-level
// multi-step operations whose replay must clean up an orphaned inode (spec
// §4.J: "an object was created in the tree but never linked into its parent
// directory; replay deletes the orphan inode").
func (j *Journal) LogDeviceMkObjInode(inodeNo uint32) {
	j.append(TopicDevice, variantDeviceMkObjInode, u32(inodeNo))
}
func (j *Journal) LogDeviceInsertIntoDir(inodeNo, parentNo uint32) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], inodeNo)
	binary.LittleEndian.PutUint32(payload[4:8], parentNo)
	j.append(TopicDevice, variantDeviceInsertIntoDir, payload)
}
func (j *Journal) LogDeviceRemoveObj(inodeNo uint32) {
	j.append(TopicDevice, variantDeviceRemoveObj, u32(inodeNo))
}

// LogDataIONewInodeSize records a size change for crash-safety of partial
// writes (spec §4.J topic dataIO).
func (j *Journal) LogDataIONewInodeSize(inodeNo, size uint32) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], inodeNo)
	binary.LittleEndian.PutUint32(payload[4:8], size)
	j.append(TopicDataIO, variantDataIONewInodeSize, payload)
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// MarkDirty is what replay needs to roll a page-state-machine forward or
// backward (spec §4.J end-of-log rules).
type MarkDirty func(addr.Addr) error

// Replay reads every entry from MRAM in order, feeding each to its topic's
// page-state-machine, then reconciles any sequence left dangling at
// end-of-log (spec §4.J Replay semantics).
func (j *Journal) Replay(markDirty MarkDirty, restorePageInTree func(inodeNo, position uint32, old addr.Addr) error) error {
	entries, err := j.readAll()
	if err != nil {
		return err
	}
	for _, e := range entries {
		j.applyDuringReplay(e)
	}
	for t := Topic(0); t < numTopics; t++ {
		if err := j.reconcileEndOfLog(t, markDirty, restorePageInTree); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) applyDuringReplay(e rawEntry) {
	psm := &j.psm[e.topic]
	switch e.variant {
	case variantReplacePage:
		newAddr := addr.Addr(binary.LittleEndian.Uint64(e.payload[0:8]))
		oldAddr := addr.Addr(binary.LittleEndian.Uint64(e.payload[8:16]))
		psm.state = pscInvalid
		psm.pairs = append(psm.pairs, pagePair{New: newAddr, Old: oldAddr})
	case variantReplacePagePos:
		newAddr := addr.Addr(binary.LittleEndian.Uint64(e.payload[0:8]))
		oldAddr := addr.Addr(binary.LittleEndian.Uint64(e.payload[8:16]))
		inodeNo := binary.LittleEndian.Uint32(e.payload[16:20])
		position := binary.LittleEndian.Uint32(e.payload[20:24])
		psm.state = pscInvalid
		psm.pairs = append(psm.pairs, pagePair{New: newAddr, Old: oldAddr, HasPos: true, InodeNo: inodeNo, Position: position})
	case variantSuccess:
		psm.state = pscRecover
	case variantInvalidateOldPages:
		psm.pairs = nil
		psm.state = pscOK
	}
}

// reconcileEndOfLog implements spec §4.J's end-of-log rules for whatever
// state topic's page-state-machine was left in.
func (j *Journal) reconcileEndOfLog(topic Topic, markDirty MarkDirty, restorePageInTree func(inodeNo, position uint32, old addr.Addr) error) error {
	psm := &j.psm[topic]
	switch psm.state {
	case pscInvalid:
		// Revert: the operation never reached Success, so the new pages never
		// became live. Mark them dirty and, for positional variants, restore
		// the inode's old page pointer.
		for _, p := range psm.pairs {
			if err := markDirty(p.New); err != nil {
				return err
			}
			if p.HasPos && restorePageInTree != nil {
				if err := restorePageInTree(p.InodeNo, p.Position, p.Old); err != nil {
					return err
				}
			}
		}
	case pscRecover:
		// Roll forward: Success was logged but InvalidateOldPages never ran.
		for _, p := range psm.pairs {
			if err := markDirty(p.Old); err != nil {
				return err
			}
		}
		j.append(topic, variantInvalidateOldPages, nil)
	case pscOK:
		// Nothing to do.
	}
	psm.pairs = nil
	psm.state = pscOK
	return nil
}

// readAll scans MRAM from offset 0 until a non-magic byte (the zero-filled,
// never-written tail) is found.
func (j *Journal) readAll() ([]rawEntry, error) {
	var entries []rawEntry
	var off uint64
	hdr := make([]byte, 4)
	for {
		if err := j.drv.ReadMRAM(off, hdr); err != nil {
			return nil, err
		}
		if hdr[0] != entryMagic {
			break
		}
		plen := int(hdr[3])
		payload := make([]byte, plen)
		if plen > 0 {
			if err := j.drv.ReadMRAM(off+4, payload); err != nil {
				return nil, err
			}
		}
		entries = append(entries, rawEntry{topic: Topic(hdr[1]), variant: variant(hdr[2]), payload: payload})
		off += uint64(4 + plen)
	}
	j.head = off
	return entries, nil
}
