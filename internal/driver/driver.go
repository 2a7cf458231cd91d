// Package driver defines the narrow contract the PAFFS core consumes from a
// NAND/MRAM driver (spec §4.A): page read/write, block erase, bad-block
// marking, and byte-addressable MRAM access. Everything else (ECC, bad-block
// persistence, timing) is the driver's concern and opaque to the core.
package driver

import "github.com/Cirromulus/paffs-go/internal/paffserr"

// Driver is the narrow interface spec §4.A names. Implementations own ECC and
// bad-block persistence; the core never inspects OOB bytes written by ECC.
type Driver interface {
	WritePage(pageAbs uint64, data []byte) error
	// ReadPage returns paffserr.ErrBiterrorNotCorrected wrapped as an *Error
	// on uncorrectable ECC, or a *paffserr.Error{Kind: BiterrorCorrected} on
	// a corrected read (propagated as success per spec §7).
	ReadPage(pageAbs uint64, data []byte) error
	EraseBlock(blockAbs uint64) error
	MarkBad(blockAbs uint64) error
	CheckBad(blockAbs uint64) (bool, error)
	WriteMRAM(offset uint64, data []byte) error
	ReadMRAM(offset uint64, data []byte) error
}

// BiterrorCorrected is returned (non-nil) by ReadPage when the underlying ECC
// repaired the read; spec §7 says this must propagate as success to the
// caller's caller but the lower layers want to know to schedule a rewrite.
func BiterrorCorrected() error {
	return paffserr.New(paffserr.BiterrorCorrected, "ecc corrected a bit error")
}
