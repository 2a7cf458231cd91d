package inode_test

import (
	"testing"

	"github.com/Cirromulus/paffs-go/internal/addr"
	"github.com/Cirromulus/paffs-go/internal/inode"
)

func TestNewInodeAllHoles(t *testing.T) {
	in := inode.New(5, inode.File, inode.PermRead|inode.PermWrite)
	for i, a := range in.Direct {
		if !a.IsHole() {
			t.Fatalf("direct[%d] must start as a hole", i)
		}
	}
	if !in.Indir.IsHole() || !in.DIndir.IsHole() || !in.TIndir.IsHole() {
		t.Fatalf("indirection addresses must start as holes")
	}
}

func TestDirectoryMarshalRoundTrip(t *testing.T) {
	entries := []inode.Dirent{
		{InodeNo: 1, Name: "a"},
		{InodeNo: 2, Name: "longer-name.txt"},
		{InodeNo: 3, Name: "x"},
	}
	buf := inode.MarshalDirectory(entries)
	if uint32(len(buf)) != inode.ExpectedSize(entries) {
		t.Fatalf("marshalled size %d does not match ExpectedSize %d", len(buf), inode.ExpectedSize(entries))
	}
	got, err := inode.UnmarshalDirectory(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i, e := range entries {
		if got[i] != e {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got[i], e)
		}
	}
}

func TestDirectoryMarshalEmpty(t *testing.T) {
	buf := inode.MarshalDirectory(nil)
	got, err := inode.UnmarshalDirectory(buf)
	if err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %d", len(got))
	}
}

func TestUnmarshalDirectoryRejectsTruncated(t *testing.T) {
	entries := []inode.Dirent{{InodeNo: 1, Name: "a"}}
	buf := inode.MarshalDirectory(entries)
	if _, err := inode.UnmarshalDirectory(buf[:len(buf)-1]); err == nil {
		t.Fatalf("expected an error unmarshalling a truncated directory payload")
	}
}

func TestHoleSentinelConsistentAcrossPackages(t *testing.T) {
	in := inode.New(0, inode.Dir, inode.PermRead)
	if in.Direct[0] != addr.Hole {
		t.Fatalf("inode.New must use addr.Hole for its direct slots")
	}
}
