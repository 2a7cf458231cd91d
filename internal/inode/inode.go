// Package inode defines the Inode type and directory payload (de)marshalling
// of spec §3. Grounded on original_source/src/commonTypes.hpp (struct Inode)
// and the directory entry format implied by spec §3's Directory payload.
package inode

import (
	"encoding/binary"

	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
)

// No is an inode number; 0 is always the root directory (spec §3).
type No = uint32

// Type is the inode's object type.
type Type uint8

const (
	File Type = iota
	Dir
	Lnk
)

// Permission is a 3-bit rwx mask (spec §3).
type Permission uint8

const (
	PermRead  Permission = 0x1
	PermWrite Permission = 0x2
	PermExec  Permission = 0x4
	PermMask  Permission = 0x7
)

// DirectAddrCount is the number of direct page-address slots (spec §3:
// direct[11]).
const DirectAddrCount = 11

// Inode mirrors spec §3's Inode struct.
type Inode struct {
	No            No
	Type          Type
	Perm          Permission
	ReservedPages uint32
	Size          uint32
	Crea          uint64
	Mod           uint64
	Direct        [DirectAddrCount]addr.Addr
	Indir         addr.Addr
	DIndir        addr.Addr
	TIndir        addr.Addr
}

// New returns a freshly created inode with all addresses set to the hole
// sentinel.
func New(no No, typ Type, perm Permission) *Inode {
	in := &Inode{No: no, Type: typ, Perm: perm, Indir: addr.Hole, DIndir: addr.Hole, TIndir: addr.Hole}
	for i := range in.Direct {
		in.Direct[i] = addr.Hole
	}
	return in
}

// direntHeaderLen is the fixed part of one directory record: 1-byte
// entryLen, 4-byte inodeNo (spec §3: "u8 entryLen, u32 inodeNo, char
// name[entryLen-5]").
const direntHeaderLen = 5

// Dirent is one decoded directory entry.
type Dirent struct {
	InodeNo No
	Name    string
}

// MarshalDirectory encodes entries into the directory payload format of
// spec §3: u16 entryCount, then entryCount records.
func MarshalDirectory(entries []Dirent) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		rec := make([]byte, direntHeaderLen+len(e.Name))
		rec[0] = uint8(direntHeaderLen + len(e.Name))
		binary.LittleEndian.PutUint32(rec[1:5], e.InodeNo)
		copy(rec[5:], e.Name)
		buf = append(buf, rec...)
	}
	return buf
}

// UnmarshalDirectory decodes a directory payload, validating the format
// invariants of spec §8 (size == 2 + sum(entry.length); count matches header).
func UnmarshalDirectory(buf []byte) ([]Dirent, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) < 2 {
		return nil, paffserr.New(paffserr.Bug, "directory payload too short for header")
	}
	count := binary.LittleEndian.Uint16(buf[:2])
	entries := make([]Dirent, 0, count)
	off := 2
	for i := 0; i < int(count); i++ {
		if off >= len(buf) {
			return nil, paffserr.New(paffserr.Bug, "directory payload truncated")
		}
		entryLen := int(buf[off])
		if entryLen < direntHeaderLen || off+entryLen > len(buf) {
			return nil, paffserr.New(paffserr.Bug, "directory entry length out of range")
		}
		rec := buf[off : off+entryLen]
		ino := binary.LittleEndian.Uint32(rec[1:5])
		name := string(rec[5:])
		entries = append(entries, Dirent{InodeNo: ino, Name: name})
		off += entryLen
	}
	if off != len(buf) {
		return nil, paffserr.New(paffserr.Bug, "directory payload size does not match entries")
	}
	return entries, nil
}

// ExpectedSize returns 2 + sum(entry.length) for entries, the invariant of
// spec §8 property 4.
func ExpectedSize(entries []Dirent) uint32 {
	size := uint32(2)
	for _, e := range entries {
		size += uint32(direntHeaderLen + len(e.Name))
	}
	return size
}
