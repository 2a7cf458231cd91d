// Package device implements the Device orchestrator (spec §4.K): the
// POSIX-subset entry points layered over the B⁺-tree, Data I/O and the
// directory payload format, wired to a concrete area manager / summary
// cache / garbage collector / superblock chain / journal. Grounded on
// original_source/src/device.cpp (Device, Obj, ObjInfo).
package device

import (
	"strings"

	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/areamgr"
	"github.com/Cirromulus/paffs-go/internal/bitlist"
	"github.com/Cirromulus/paffs-go/internal/btree"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/dataio"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/gc"
	"github.com/Cirromulus/paffs-go/internal/inode"
	"github.com/Cirromulus/paffs-go/internal/journal"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
	"github.com/Cirromulus/paffs-go/internal/summary"
	"github.com/Cirromulus/paffs-go/internal/superblock"
	"github.com/Cirromulus/paffs-go/internal/treecache"
)

const rootInode inode.No = 0
const pathSeparator = "/"

// poolEntry is one InodePool slot: the live, possibly-dirty in-memory inode
// plus the count of open handles referencing it (spec §5: "tree and PAC are
// per-inode mutator domains guarded by refcount in the inode pool").
type poolEntry struct {
	ino      *inode.Inode
	refcount int
}

// Device is the top-level filesystem handle.
type Device struct {
	derived config.Derived
	drv     driver.Driver

	mgr     *areamgr.Manager
	sum     *summary.Cache
	gc      *gc.Collector
	super   *superblock.Chain
	journal *journal.Journal
	treeIO  *treeIO
	cache   *treecache.Cache
	tree    *btree.Tree
	io      *dataio.IO

	pool    map[inode.No]*poolEntry
	mounted bool
}

// New wires a fresh Device over drv, resolving the package-level import
// cycles the way the area manager / summary cache / garbage collector
// packages ask for: concrete instances assigned into each other's interface
// fields after construction (spec §4.B-§4.D).
func New(params config.Params, drv driver.Driver) *Device {
	d := config.Derive(params)
	mgr := areamgr.New(d, drv)
	sum := summary.New(d, drv, mgr, 8)
	gcc := gc.New(d, drv, mgr, sum)
	mgr.Summary = sum
	mgr.GC = gcc
	sum.GC = gcSummaryAdapter{gcc}
	super := superblock.New(d, drv, mgr)
	sum.Super = superblockAdapter{super}
	j := journal.New(drv)
	sum.Journal = j

	dev := &Device{
		derived: d,
		drv:     drv,
		mgr:     mgr,
		sum:     sum,
		gc:      gcc,
		super:   super,
		journal: j,
		pool:    make(map[inode.No]*poolEntry),
	}

	orders := btree.ComputeOrders(d)
	dev.treeIO = newTreeIO(d, drv, mgr, sum, super, orders)
	dev.cache = treecache.New(dev.treeIO, 32)
	dev.tree = btree.New(dev.cache, orders)
	dev.tree.Journal = j
	dev.io = dataio.New(d, drv, mgr, sum, dev.tree)
	return dev
}

// gcSummaryAdapter narrows *gc.Collector to summary.GCHelper.
type gcSummaryAdapter struct{ c *gc.Collector }

func (a gcSummaryAdapter) CollectGarbageUntyped() error { return a.c.CollectGarbageUntyped() }
func (a gcSummaryAdapter) MoveValidDataToNewArea(victim, dst uint32, in *bitlist.TwoBitList) (*bitlist.TwoBitList, error) {
	return a.c.MoveValidDataToNewArea(victim, dst, in)
}

// superblockAdapter narrows *superblock.Chain to summary.SuperblockSink.
type superblockAdapter struct{ s *superblock.Chain }

func (a superblockAdapter) CommitSuperIndex(areaMap []areamgr.Area, usedAreas uint32, summaries [2]summary.OpenSummary, createNew bool) error {
	return a.s.CommitSuperIndex(areaMap, usedAreas, summaries, createNew)
}

// Format lays out a brand-new, empty filesystem: area map, garbage buffer,
// superblock chain, an empty root directory, and a clean journal (spec
// §4.K, §3 Lifecycles).
func (d *Device) Format() error {
	d.mgr.Format()
	if err := d.allocateGarbageBuffer(); err != nil {
		return err
	}
	if err := d.super.Format(); err != nil {
		return err
	}
	if err := d.tree.InitEmptyRoot(); err != nil {
		return err
	}

	root := inode.New(rootInode, inode.Dir, inode.PermRead|inode.PermWrite|inode.PermExec)
	if err := d.tree.InsertInode(*root); err != nil {
		return err
	}
	if err := d.tree.CommitCache(); err != nil {
		return err
	}
	if err := d.sum.CommitAreaSummaries(true); err != nil {
		return err
	}
	d.journal.Clear()
	d.mounted = true
	return nil
}

func (d *Device) allocateGarbageBuffer() error {
	for i := range d.mgr.Areas {
		if d.mgr.Areas[i].Status == areamgr.Empty {
			d.mgr.Areas[i].Type = areamgr.GarbageBuffer
			d.mgr.Areas[i].Status = areamgr.Active
			d.mgr.UsedAreas++
			return nil
		}
	}
	return paffserr.New(paffserr.NoSpace, "no area available for garbage buffer")
}

// Mount reads the superindex chain, installs the area map and area
// summaries, and replays the journal (spec §4.I readSuperIndex, §4.J
// Replay).
func (d *Device) Mount() error {
	if d.mounted {
		return paffserr.New(paffserr.AlrMounted, "device already mounted")
	}
	si, err := d.super.ReadSuperIndex()
	if err != nil {
		return err
	}
	if len(si.AreaMap) == len(d.mgr.Areas) {
		copy(d.mgr.Areas, si.AreaMap)
	}
	d.mgr.UsedAreas = si.UsedAreas
	for i, a := range si.ActiveArea {
		if i < len(d.mgr.ActiveArea) {
			d.mgr.ActiveArea[i] = a
		}
	}
	if err := d.sum.LoadAreaSummaries(si.Summaries); err != nil {
		return err
	}
	d.cache.Reset()

	markDirty := func(a addr.Addr) error { return d.sum.SetPageStatusAddr(a, bitlist.Dirty) }
	if err := d.journal.Replay(markDirty, nil); err != nil {
		return err
	}
	d.mounted = true
	return nil
}

// Unmount flushes every cache and the journal, then marks the device
// unmounted (spec §4.K flushAllCaches).
func (d *Device) Unmount() error {
	if !d.mounted {
		return paffserr.New(paffserr.NotMounted, "device not mounted")
	}
	if err := d.flushAllCaches(); err != nil {
		return err
	}
	d.mounted = false
	return nil
}

func (d *Device) flushAllCaches() error {
	if err := d.tree.CommitCache(); err != nil {
		return err
	}
	if err := d.sum.CommitAreaSummaries(true); err != nil {
		return err
	}
	d.journal.Clear()
	return nil
}

func (d *Device) requireMounted() error {
	if !d.mounted {
		return paffserr.New(paffserr.NotMounted, "device not mounted")
	}
	return nil
}

// ---- path resolution & directory helpers ----

func splitPath(path string) []string {
	path = strings.Trim(path, pathSeparator)
	if path == "" {
		return nil
	}
	return strings.Split(path, pathSeparator)
}

// maxNameLen bounds a path component, matching spec §7's objNameTooLong.
const maxNameLen = 196

func (d *Device) resolve(path string) (inode.No, error) {
	no := rootInode
	for _, part := range splitPath(path) {
		child, err := d.lookupInDir(no, part)
		if err != nil {
			return 0, err
		}
		no = child
	}
	return no, nil
}

func (d *Device) resolveParent(path string) (inode.No, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return 0, "", paffserr.New(paffserr.InvalidInput, "empty path")
	}
	name := parts[len(parts)-1]
	if len(name) > maxNameLen {
		return 0, "", paffserr.New(paffserr.ObjNameTooLong, "path component too long")
	}
	no := rootInode
	for _, part := range parts[:len(parts)-1] {
		child, err := d.lookupInDir(no, part)
		if err != nil {
			return 0, "", err
		}
		no = child
	}
	return no, name, nil
}

func (d *Device) readDirEntries(dirNo inode.No) (*inode.Inode, []inode.Dirent, error) {
	in, err := d.getInode(dirNo)
	if err != nil {
		return nil, nil, err
	}
	if in.Type != inode.Dir {
		return nil, nil, paffserr.New(paffserr.InvalidInput, "not a directory")
	}
	buf, err := d.io.ReadInodeData(in, 0, in.Size)
	if err != nil {
		return nil, nil, err
	}
	entries, err := inode.UnmarshalDirectory(buf)
	if err != nil {
		return nil, nil, err
	}
	return in, entries, nil
}

func (d *Device) writeDirEntries(in *inode.Inode, entries []inode.Dirent) error {
	buf := inode.MarshalDirectory(entries)
	if in.Size > uint32(len(buf)) {
		if err := d.io.DeleteInodeData(in, uint32(len(buf))); err != nil {
			return err
		}
	}
	_, err := d.io.WriteInodeData(in, 0, buf)
	return err
}

func (d *Device) lookupInDir(dirNo inode.No, name string) (inode.No, error) {
	_, entries, err := d.readDirEntries(dirNo)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.InodeNo, nil
		}
	}
	return 0, paffserr.New(paffserr.NotFound, "no such file or directory: "+name)
}

func (d *Device) insertIntoDir(dirNo inode.No, name string, childNo inode.No) error {
	in, entries, err := d.readDirEntries(dirNo)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == name {
			return paffserr.New(paffserr.Exists, "already exists: "+name)
		}
	}
	entries = append(entries, inode.Dirent{InodeNo: childNo, Name: name})
	d.journal.LogDeviceInsertIntoDir(uint32(childNo), uint32(dirNo))
	return d.writeDirEntries(in, entries)
}

func (d *Device) removeFromDir(dirNo inode.No, name string) error {
	in, entries, err := d.readDirEntries(dirNo)
	if err != nil {
		return err
	}
	out := entries[:0]
	found := false
	for _, e := range entries {
		if e.Name == name {
			found = true
			continue
		}
		out = append(out, e)
	}
	if !found {
		return paffserr.New(paffserr.NotFound, "no such file or directory: "+name)
	}
	return d.writeDirEntries(in, out)
}

// checkFolderSanity validates a decoded directory payload against spec
// §4.K's invariants: printable ASCII names of plausible length and every
// referenced inode actually present in the tree.
func (d *Device) checkFolderSanity(entries []inode.Dirent) error {
	for _, e := range entries {
		if len(e.Name) == 0 || len(e.Name) > maxNameLen {
			return paffserr.New(paffserr.Bug, "directory entry name length out of range")
		}
		for _, r := range e.Name {
			if r < 0x20 || r > 0x7E {
				return paffserr.New(paffserr.Bug, "directory entry name not printable ASCII")
			}
		}
		if _, err := d.tree.GetInode(e.InodeNo); err != nil {
			return paffserr.New(paffserr.Bug, "directory references a missing inode")
		}
	}
	return nil
}

// ---- inode pool ----

func (d *Device) getInode(no inode.No) (*inode.Inode, error) {
	if e, ok := d.pool[no]; ok {
		return e.ino, nil
	}
	in, err := d.tree.GetInode(no)
	if err != nil {
		return nil, err
	}
	d.pool[no] = &poolEntry{ino: in}
	return in, nil
}

func (d *Device) acquireInode(no inode.No) (*inode.Inode, error) {
	in, err := d.getInode(no)
	if err != nil {
		return nil, err
	}
	d.pool[no].refcount++
	return in, nil
}

func (d *Device) releaseInode(no inode.No) {
	e, ok := d.pool[no]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(d.pool, no)
	}
}

// createInode allocates a fresh inode number from the tree and inserts it,
// logging the device-level checkpoint spec §4.J names so replay can clean up
// an orphan if the subsequent insertIntoDir never lands (spec §4.J: "an
// object was created in the tree but never linked into its parent
// directory").
func (d *Device) createInode(typ inode.Type, perm inode.Permission) (*inode.Inode, error) {
	no, err := d.tree.FindFirstFreeNo()
	if err != nil {
		return nil, err
	}
	in := inode.New(no, typ, perm)
	d.journal.LogDeviceMkObjInode(uint32(no))
	if err := d.tree.InsertInode(*in); err != nil {
		return nil, err
	}
	d.pool[no] = &poolEntry{ino: in}
	return in, nil
}

// ---- public POSIX-subset API ----

// ObjInfo is the metadata snapshot getObjInfo returns (spec §4.K).
type ObjInfo struct {
	No     inode.No
	Type   inode.Type
	Perm   inode.Permission
	Size   uint32
	Crea   uint64
	Mod    uint64
}

func infoFrom(in *inode.Inode) ObjInfo {
	return ObjInfo{No: in.No, Type: in.Type, Perm: in.Perm, Size: in.Size, Crea: in.Crea, Mod: in.Mod}
}

// GetObjInfo resolves path and returns its metadata.
func (d *Device) GetObjInfo(path string) (ObjInfo, error) {
	if err := d.requireMounted(); err != nil {
		return ObjInfo{}, err
	}
	no, err := d.resolve(path)
	if err != nil {
		return ObjInfo{}, err
	}
	in, err := d.getInode(no)
	if err != nil {
		return ObjInfo{}, err
	}
	return infoFrom(in), nil
}

// MkDir creates an empty directory at path.
func (d *Device) MkDir(path string, perm inode.Permission) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	parentNo, name, err := d.resolveParent(path)
	if err != nil {
		return err
	}
	in, err := d.createInode(inode.Dir, perm)
	if err != nil {
		return err
	}
	if err := d.insertIntoDir(parentNo, name, in.No); err != nil {
		return err
	}
	d.journal.Checkpoint(journal.TopicDevice)
	return nil
}

// Touch creates an empty file at path if it does not already exist.
func (d *Device) Touch(path string) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	if _, err := d.resolve(path); err == nil {
		return nil
	}
	parentNo, name, err := d.resolveParent(path)
	if err != nil {
		return err
	}
	in, err := d.createInode(inode.File, inode.PermRead|inode.PermWrite)
	if err != nil {
		return err
	}
	if err := d.insertIntoDir(parentNo, name, in.No); err != nil {
		return err
	}
	d.journal.Checkpoint(journal.TopicDevice)
	return nil
}

// Chmod updates path's permission bits.
func (d *Device) Chmod(path string, perm inode.Permission) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	no, err := d.resolve(path)
	if err != nil {
		return err
	}
	in, err := d.getInode(no)
	if err != nil {
		return err
	}
	in.Perm = perm & inode.PermMask
	return d.tree.UpdateExistingInode(*in)
}

// Remove deletes an empty file or directory at path.
func (d *Device) Remove(path string) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	parentNo, name, err := d.resolveParent(path)
	if err != nil {
		return err
	}
	no, err := d.lookupInDir(parentNo, name)
	if err != nil {
		return err
	}
	in, err := d.getInode(no)
	if err != nil {
		return err
	}
	if in.Type == inode.Dir {
		_, entries, err := d.readDirEntries(no)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return paffserr.New(paffserr.DirNotEmpty, "directory not empty")
		}
	} else {
		if err := d.io.DeleteInodeData(in, 0); err != nil {
			return err
		}
	}
	if err := d.removeFromDir(parentNo, name); err != nil {
		return err
	}
	if err := d.tree.DeleteInode(no); err != nil {
		return err
	}
	d.journal.LogDeviceRemoveObj(uint32(no))
	delete(d.pool, no)
	d.journal.Checkpoint(journal.TopicDevice)
	return nil
}

// OpenFlags is the access-mode/create bitmask open takes (spec §6, §8
// scenario 4), grounded on original_source/src/commonTypes.hpp's
// Fileopenmask: FR/FW numerically match inode.PermRead/PermWrite so a
// requested access mode can be checked directly against an inode's Perm
// bits; FC sits outside inode.PermMask so it never collides with a
// permission bit.
type OpenFlags uint8

const (
	FR OpenFlags = 0x01 // open for reading
	FW OpenFlags = 0x02 // open for writing
	FC OpenFlags = 0x20 // create if the path does not exist
)

// File is an open file handle (spec §4.K open/close/read/write/seek/flush/
// truncate).
type File struct {
	dev   *Device
	ino   *inode.Inode
	pos   uint32
	flags OpenFlags
}

// Open resolves path, optionally creating it with FC, and checks flags' FR/FW
// bits against the inode's permission bits before handing back a handle
// (spec §8 scenario 4: `open("/p", FW)` against a read-only object must
// return noPerm). Grounded on original_source/src/device.cpp's open, whose
// `(file->perm | (mask & permMask)) != (file->perm & permMask)` check is the
// same "requested bits must be a subset of perm" test below.
func (d *Device) Open(path string, flags OpenFlags) (*File, error) {
	if err := d.requireMounted(); err != nil {
		return nil, err
	}
	no, err := d.resolve(path)
	if err != nil {
		if paffserr.Of(err) != paffserr.NotFound || flags&FC == 0 {
			return nil, err
		}
		if err := d.Touch(path); err != nil {
			return nil, err
		}
		no, err = d.resolve(path)
		if err != nil {
			return nil, err
		}
	}
	in, err := d.acquireInode(no)
	if err != nil {
		return nil, err
	}
	if in.Type != inode.File {
		d.releaseInode(no)
		return nil, paffserr.New(paffserr.InvalidInput, "not a file")
	}
	want := inode.Permission(flags) & (inode.PermRead | inode.PermWrite)
	if in.Perm|want != in.Perm {
		d.releaseInode(no)
		return nil, paffserr.New(paffserr.NoPerm, "requested access exceeds object permission")
	}
	return &File{dev: d, ino: in, flags: flags}, nil
}

// InodeNo returns the inode number backing this handle.
func (f *File) InodeNo() inode.No { return f.ino.No }

func (f *File) Read(n uint32) ([]byte, error) {
	if f.flags&FR == 0 {
		return nil, paffserr.New(paffserr.NoPerm, "file not opened for reading")
	}
	buf, err := f.dev.io.ReadInodeData(f.ino, f.pos, n)
	if err != nil {
		return nil, err
	}
	f.pos += uint32(len(buf))
	return buf, nil
}

func (f *File) Write(data []byte) (int, error) {
	if f.flags&FW == 0 {
		return 0, paffserr.New(paffserr.NoPerm, "file not opened for writing")
	}
	n, err := f.dev.io.WriteInodeData(f.ino, f.pos, data)
	f.pos += n
	if err == nil {
		f.dev.journal.Checkpoint(journal.TopicDataIO)
	}
	return int(n), err
}

// Seek repositions the handle; whence follows io.Seeker's convention
// (0=start, 1=current, 2=end).
func (f *File) Seek(offset int64, whence int) (uint32, error) {
	var base int64
	switch whence {
	case 0:
		base = 0
	case 1:
		base = int64(f.pos)
	case 2:
		base = int64(f.ino.Size)
	default:
		return 0, paffserr.New(paffserr.InvalidInput, "invalid whence")
	}
	pos := base + offset
	if pos < 0 {
		return 0, paffserr.New(paffserr.InvalidInput, "seek before start of file")
	}
	f.pos = uint32(pos)
	return f.pos, nil
}

func (f *File) Truncate(size uint32) error {
	if size >= f.ino.Size {
		f.ino.Size = size
		return f.dev.tree.UpdateExistingInode(*f.ino)
	}
	return f.dev.io.DeleteInodeData(f.ino, size)
}

func (f *File) Flush() error {
	return f.dev.tree.UpdateExistingInode(*f.ino)
}

func (f *File) Close() error {
	if err := f.Flush(); err != nil {
		return err
	}
	f.dev.releaseInode(f.ino.No)
	return nil
}

// Dir is an open directory handle (spec §4.K openDir/readDir/closeDir).
type Dir struct {
	entries []inode.Dirent
	pos     int
}

func (d *Device) OpenDir(path string) (*Dir, error) {
	if err := d.requireMounted(); err != nil {
		return nil, err
	}
	no, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	_, entries, err := d.readDirEntries(no)
	if err != nil {
		return nil, err
	}
	if err := d.checkFolderSanity(entries); err != nil {
		return nil, err
	}
	return &Dir{entries: entries}, nil
}

// ReadDir returns the next entry, or (Dirent{}, false) past the last one.
func (dir *Dir) ReadDir() (inode.Dirent, bool) {
	if dir.pos >= len(dir.entries) {
		return inode.Dirent{}, false
	}
	e := dir.entries[dir.pos]
	dir.pos++
	return e, true
}

func (dir *Dir) Rewind() { dir.pos = 0 }

func (dir *Dir) Close() error { return nil }

// ListOpenFiles reports every currently-referenced inode number, the
// getListOfOpenFiles entry point named in spec §6.
func (d *Device) ListOpenFiles() []inode.No {
	out := make([]inode.No, 0, len(d.pool))
	for no, e := range d.pool {
		if e.refcount > 0 {
			out = append(out, no)
		}
	}
	return out
}
