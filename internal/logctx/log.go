// Package logctx is a thin wrapper around the standard log package, matching
// the teacher's habit (squashfs/super.go, squashfs/inode.go) of calling
// log.Printf directly at structural decode/encode sites. It exists only so
// tests can silence output without reaching for a logging framework the
// teacher never uses.
package logctx

import (
	"io"
	"log"
)

// L is the package-wide logger used by every component that decodes or
// writes an on-flash or on-MRAM structure.
var L = log.New(log.Writer(), "paffs: ", log.LstdFlags)

// Silence redirects L's output to io.Discard, for quiet test runs.
func Silence() {
	L.SetOutput(io.Discard)
}

// Printf logs through L, mirroring the teacher's log.Printf call sites.
func Printf(format string, args ...any) {
	L.Printf(format, args...)
}
