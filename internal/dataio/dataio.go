// Package dataio implements Data I/O (spec §4.H): translating an inode's
// byte-range read/write/delete requests into page-granular operations
// against the area manager, summary cache and page address cache, with
// read-modify-write for misaligned ranges. Grounded on
// original_source/src/dataIO.cpp (DataIO::writeInodeData/readInodeData/
// deleteInodeData).
package dataio

import (
	"encoding/binary"

	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/areamgr"
	"github.com/Cirromulus/paffs-go/internal/bitlist"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/inode"
	"github.com/Cirromulus/paffs-go/internal/pac"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
	"github.com/Cirromulus/paffs-go/internal/summary"
)

// TreeSink is what Data I/O and the page address cache need from the
// inode index to persist a modified inode (spec §4.H step "reinsert inode").
type TreeSink interface {
	UpdateExistingInode(in inode.Inode) error
}

// IO is Data I/O: it owns the page address cache for whichever inode it is
// currently targeting and mediates all page traffic through the area
// manager and summary cache.
type IO struct {
	derived config.Derived
	drv     driver.Driver
	mgr     *areamgr.Manager
	sum     *summary.Cache
	tree    TreeSink

	pac *pac.Cache
}

func New(d config.Derived, drv driver.Driver, mgr *areamgr.Manager, sum *summary.Cache, tree TreeSink) *IO {
	io := &IO{derived: d, drv: drv, mgr: mgr, sum: sum, tree: tree}
	io.pac = pac.New(d, io)
	return io
}

func (io *IO) SetReadOnly(ro bool) { io.pac.SetReadOnly(ro) }

// ReadIndirPage and WriteIndirPage/MarkDirty/UpdateExistingInode satisfy
// pac.FlashIO: the page address cache has no flash access of its own, it
// borrows Data I/O's.
func (io *IO) ReadIndirPage(a addr.Addr) ([]addr.Addr, error) {
	buf := make([]byte, io.derived.DataBytesPerPage)
	if err := io.drv.ReadPage(io.mgr.AbsolutePage(a.Area(), a.Page()), buf); err != nil {
		if paffserr.Of(err) != paffserr.BiterrorCorrected {
			return nil, err
		}
	}
	return decodeAddrList(buf, io.derived.AddrsPerPage), nil
}

func (io *IO) WriteIndirPage(content []addr.Addr) (addr.Addr, error) {
	return io.allocatePage(areamgr.Index, encodeAddrList(content, io.derived.DataBytesPerPage))
}

func (io *IO) MarkDirty(a addr.Addr) error {
	return io.sum.SetPageStatusAddr(a, bitlist.Dirty)
}

func (io *IO) UpdateExistingInode(in inode.Inode) error {
	return io.tree.UpdateExistingInode(in)
}

func encodeAddrList(content []addr.Addr, pageBytes uint32) []byte {
	buf := make([]byte, pageBytes)
	for i, a := range content {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(a))
	}
	return buf
}

func decodeAddrList(buf []byte, addrsPerPage uint32) []addr.Addr {
	out := make([]addr.Addr, addrsPerPage)
	for i := range out {
		out[i] = addr.Addr(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out
}

// allocatePage writes content to a freshly-found writable page of areaType
// and marks it used, per spec §4.H's page-state-machine transitions.
func (io *IO) allocatePage(areaType areamgr.AreaType, content []byte) (addr.Addr, error) {
	area, err := io.mgr.FindWritableArea(areaType)
	if err != nil {
		return 0, err
	}
	page, err := io.mgr.FindFirstFreePage(area)
	if err != nil {
		return 0, err
	}
	if err := io.drv.WritePage(io.mgr.AbsolutePage(area, page), content); err != nil {
		if paffserr.Of(err) != paffserr.BiterrorCorrected {
			return 0, err
		}
	}
	if err := io.sum.SetPageStatus(area, page, bitlist.Used); err != nil {
		return 0, err
	}
	if err := io.mgr.ManageActiveAreaFull(area, areaType); err != nil {
		return 0, err
	}
	return addr.Combine(area, page), nil
}

func (io *IO) pageSize() uint32 { return io.derived.DataBytesPerPage }

// pagesFor returns the number of pages needed to hold size bytes.
func (io *IO) pagesFor(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	return (size + io.pageSize() - 1) / io.pageSize()
}

// WriteInodeData implements spec §4.H's writeInodeData: read-modify-write at
// the boundary pages, full-page overwrite elsewhere, growing in.Size and
// in.ReservedPages as needed, then committing indirections and the inode.
func (io *IO) WriteInodeData(in *inode.Inode, offset uint32, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if err := io.pac.SetTargetInode(in); err != nil {
		return 0, err
	}

	pageSize := io.pageSize()
	written := uint32(0)
	for written < uint32(len(data)) {
		absOffset := offset + written
		pageNo := absOffset / pageSize
		inPage := absOffset % pageSize
		chunk := pageSize - inPage
		if remain := uint32(len(data)) - written; chunk > remain {
			chunk = remain
		}

		buf := make([]byte, pageSize)
		oldAddr, err := io.pac.GetPage(pageNo)
		if err != nil {
			return written, err
		}
		newPage := oldAddr.IsHole()
		if !newPage && (inPage != 0 || chunk != pageSize) {
			if err := io.drv.ReadPage(io.mgr.AbsolutePage(oldAddr.Area(), oldAddr.Page()), buf); err != nil {
				if paffserr.Of(err) != paffserr.BiterrorCorrected {
					return written, err
				}
			}
		}
		copy(buf[inPage:inPage+chunk], data[written:written+chunk])

		newAddr, err := io.allocatePage(areamgr.Data, buf)
		if err != nil {
			return written, err
		}
		if !oldAddr.IsHole() {
			if err := io.sum.SetPageStatusAddr(oldAddr, bitlist.Dirty); err != nil {
				return written, err
			}
		} else {
			in.ReservedPages++
		}
		if err := io.pac.SetPage(pageNo, newAddr); err != nil {
			return written, err
		}

		written += chunk
	}

	if offset+written > in.Size {
		in.Size = offset + written
	}
	if err := io.pac.Commit(); err != nil {
		return written, err
	}
	return written, nil
}

// ReadInodeData implements spec §4.H's readInodeData: holes and
// past-end-of-file reads fill with zero bytes (spec §4.H edge case).
func (io *IO) ReadInodeData(in *inode.Inode, offset, length uint32) ([]byte, error) {
	if offset >= in.Size {
		return nil, nil
	}
	if offset+length > in.Size {
		length = in.Size - offset
	}
	if length == 0 {
		return nil, nil
	}
	if err := io.pac.SetTargetInode(in); err != nil {
		return nil, err
	}

	pageSize := io.pageSize()
	out := make([]byte, length)
	read := uint32(0)
	for read < length {
		absOffset := offset + read
		pageNo := absOffset / pageSize
		inPage := absOffset % pageSize
		chunk := pageSize - inPage
		if remain := length - read; chunk > remain {
			chunk = remain
		}

		a, err := io.pac.GetPage(pageNo)
		if err != nil {
			return nil, err
		}
		if a.IsHole() {
			read += chunk
			continue
		}
		buf := make([]byte, pageSize)
		if err := io.drv.ReadPage(io.mgr.AbsolutePage(a.Area(), a.Page()), buf); err != nil {
			if paffserr.Of(err) != paffserr.BiterrorCorrected {
				return nil, err
			}
		}
		copy(out[read:read+chunk], buf[inPage:inPage+chunk])
		read += chunk
	}
	return out, nil
}

// DeleteInodeData releases every page from fromByte onward, marking them
// dirty and punching holes, then truncates in.Size and commits (spec §4.H
// deleteInodeData).
func (io *IO) DeleteInodeData(in *inode.Inode, fromByte uint32) error {
	if fromByte >= in.Size {
		return nil
	}
	if err := io.pac.SetTargetInode(in); err != nil {
		return err
	}

	totalPages := io.pagesFor(in.Size)
	firstFreedPage := fromByte / io.pageSize()
	if fromByte%io.pageSize() != 0 {
		firstFreedPage++ // keep the partially-used boundary page
	}
	for p := firstFreedPage; p < totalPages; p++ {
		a, err := io.pac.GetPage(p)
		if err != nil {
			return err
		}
		if a.IsHole() {
			continue
		}
		if err := io.sum.SetPageStatusAddr(a, bitlist.Dirty); err != nil {
			return err
		}
		if err := io.pac.SetPage(p, addr.Hole); err != nil {
			return err
		}
		if in.ReservedPages > 0 {
			in.ReservedPages--
		}
	}
	in.Size = fromByte
	return io.pac.Commit()
}
