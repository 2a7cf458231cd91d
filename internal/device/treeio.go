package device

import (
	"encoding/binary"

	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/areamgr"
	"github.com/Cirromulus/paffs-go/internal/bitlist"
	"github.com/Cirromulus/paffs-go/internal/btree"
	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/inode"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
	"github.com/Cirromulus/paffs-go/internal/summary"
	"github.com/Cirromulus/paffs-go/internal/superblock"
	"github.com/Cirromulus/paffs-go/internal/treecache"
)

// inodeRecordSize is the fixed on-flash size of one encoded inode.Inode
// (spec §3 Inode, matching btree.inodeApproxSize's accounting).
const inodeRecordSize = 4 + 1 + 1 + 4 + 4 + 8 + 8 + (inode.DirectAddrCount+3)*8

// treeIO adapts Data I/O's flash primitives to treecache.FlashIO: a tree
// node is always written to a fresh Index-typed page, whose first field
// (self) is checked against the page's own address on read (spec §6).
type treeIO struct {
	derived config.Derived
	drv     driver.Driver
	mgr     *areamgr.Manager
	sum     *summary.Cache
	super   *superblock.Chain
	orders  btree.Orders
}

func newTreeIO(d config.Derived, drv driver.Driver, mgr *areamgr.Manager, sum *summary.Cache, super *superblock.Chain, orders btree.Orders) *treeIO {
	return &treeIO{derived: d, drv: drv, mgr: mgr, sum: sum, super: super, orders: orders}
}

func (t *treeIO) ReadNode(a addr.Addr) (treecache.Node, error) {
	buf := make([]byte, t.derived.DataBytesPerPage)
	if err := t.drv.ReadPage(t.mgr.AbsolutePage(a.Area(), a.Page()), buf); err != nil {
		if paffserr.Of(err) != paffserr.BiterrorCorrected {
			return treecache.Node{}, err
		}
	}
	n := t.decode(buf)
	if n.Self != a {
		return treecache.Node{}, paffserr.New(paffserr.Bug, "tree node self address mismatch on read")
	}
	return n, nil
}

func (t *treeIO) WriteNode(n treecache.Node) (addr.Addr, error) {
	area, err := t.mgr.FindWritableArea(areamgr.Index)
	if err != nil {
		return 0, err
	}
	page, err := t.mgr.FindFirstFreePage(area)
	if err != nil {
		return 0, err
	}
	a := addr.Combine(area, page)
	n.Self = a
	buf := t.encode(n)
	if err := t.drv.WritePage(t.mgr.AbsolutePage(area, page), buf); err != nil {
		if paffserr.Of(err) != paffserr.BiterrorCorrected {
			return 0, err
		}
	}
	if err := t.sum.SetPageStatus(area, page, bitlist.Used); err != nil {
		return 0, err
	}
	if err := t.mgr.ManageActiveAreaFull(area, areamgr.Index); err != nil {
		return 0, err
	}
	return a, nil
}

func (t *treeIO) MarkDirty(a addr.Addr) error {
	return t.sum.SetPageStatusAddr(a, bitlist.Dirty)
}

func (t *treeIO) RegisterRootnode(a addr.Addr) error {
	t.super.RegisterRootnode(a)
	return nil
}

func (t *treeIO) RootnodeAddr() addr.Addr {
	return t.super.GetRootnodeAddr()
}

func (t *treeIO) encode(n treecache.Node) []byte {
	buf := make([]byte, t.derived.DataBytesPerPage)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(n.Self))
	if n.IsLeaf {
		buf[8] = 1
	}
	binary.LittleEndian.PutUint32(buf[9:13], uint32(n.NumKeys))
	off := 13
	if n.IsLeaf {
		for i := 0; i < t.orders.Leaf; i++ {
			binary.LittleEndian.PutUint32(buf[off:], n.Keys[i])
			off += 4
		}
		for i := 0; i < t.orders.Leaf; i++ {
			encodeInode(buf[off:off+inodeRecordSize], n.Inodes[i])
			off += inodeRecordSize
		}
	} else {
		for i := 0; i < t.orders.Branch-1; i++ {
			binary.LittleEndian.PutUint32(buf[off:], n.Keys[i])
			off += 4
		}
		for i := 0; i < t.orders.Branch; i++ {
			binary.LittleEndian.PutUint64(buf[off:], uint64(n.Pointers[i]))
			off += 8
		}
	}
	return buf
}

func (t *treeIO) decode(buf []byte) treecache.Node {
	var n treecache.Node
	n.Self = addr.Addr(binary.LittleEndian.Uint64(buf[0:8]))
	n.IsLeaf = buf[8] == 1
	n.NumKeys = int(binary.LittleEndian.Uint32(buf[9:13]))
	off := 13
	if n.IsLeaf {
		n.Keys = make([]uint32, t.orders.Leaf)
		n.Inodes = make([]inode.Inode, t.orders.Leaf)
		for i := 0; i < t.orders.Leaf; i++ {
			n.Keys[i] = binary.LittleEndian.Uint32(buf[off:])
			off += 4
		}
		for i := 0; i < t.orders.Leaf; i++ {
			n.Inodes[i] = decodeInode(buf[off : off+inodeRecordSize])
			off += inodeRecordSize
		}
	} else {
		n.Keys = make([]uint32, t.orders.Branch-1)
		n.Pointers = make([]addr.Addr, t.orders.Branch)
		for i := 0; i < t.orders.Branch-1; i++ {
			n.Keys[i] = binary.LittleEndian.Uint32(buf[off:])
			off += 4
		}
		for i := 0; i < t.orders.Branch; i++ {
			n.Pointers[i] = addr.Addr(binary.LittleEndian.Uint64(buf[off:]))
			off += 8
		}
	}
	return n
}

func encodeInode(buf []byte, in inode.Inode) {
	binary.LittleEndian.PutUint32(buf[0:4], in.No)
	buf[4] = byte(in.Type)
	buf[5] = byte(in.Perm)
	binary.LittleEndian.PutUint32(buf[6:10], in.ReservedPages)
	binary.LittleEndian.PutUint32(buf[10:14], in.Size)
	binary.LittleEndian.PutUint64(buf[14:22], in.Crea)
	binary.LittleEndian.PutUint64(buf[22:30], in.Mod)
	off := 30
	for i := 0; i < inode.DirectAddrCount; i++ {
		binary.LittleEndian.PutUint64(buf[off:], uint64(in.Direct[i]))
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(in.Indir))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(in.DIndir))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(in.TIndir))
}

func decodeInode(buf []byte) inode.Inode {
	var in inode.Inode
	in.No = binary.LittleEndian.Uint32(buf[0:4])
	in.Type = inode.Type(buf[4])
	in.Perm = inode.Permission(buf[5])
	in.ReservedPages = binary.LittleEndian.Uint32(buf[6:10])
	in.Size = binary.LittleEndian.Uint32(buf[10:14])
	in.Crea = binary.LittleEndian.Uint64(buf[14:22])
	in.Mod = binary.LittleEndian.Uint64(buf[22:30])
	off := 30
	for i := 0; i < inode.DirectAddrCount; i++ {
		in.Direct[i] = addr.Addr(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}
	in.Indir = addr.Addr(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	in.DIndir = addr.Addr(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	in.TIndir = addr.Addr(binary.LittleEndian.Uint64(buf[off:]))
	return in
}
