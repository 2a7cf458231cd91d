package driver_test

import (
	"bytes"
	"testing"

	"github.com/Cirromulus/paffs-go/internal/config"
	"github.com/Cirromulus/paffs-go/internal/driver"
	"github.com/Cirromulus/paffs-go/internal/paffserr"
)

func newTestSimulator(t *testing.T) (*driver.Simulator, config.Derived) {
	t.Helper()
	d := config.Derive(config.Default())
	return driver.NewSimulator(d), d
}

func TestWriteReadPageRoundTrip(t *testing.T) {
	sim, d := newTestSimulator(t)
	data := make([]byte, d.TotalBytesPerPage)
	for i := range data {
		data[i] = byte(i)
	}
	if err := sim.WritePage(5, data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	got := make([]byte, d.TotalBytesPerPage)
	if err := sim.ReadPage(5, got); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read data did not match written data")
	}
}

func TestWritePageOutOfRange(t *testing.T) {
	sim, d := newTestSimulator(t)
	totalPages := uint64(d.AreasNo) * uint64(d.TotalPagesPerArea)
	if err := sim.WritePage(totalPages, make([]byte, d.TotalBytesPerPage)); err == nil {
		t.Fatalf("expected an error writing past the end of the page array")
	}
}

func TestEraseBlockResetsToFF(t *testing.T) {
	sim, d := newTestSimulator(t)
	data := make([]byte, d.TotalBytesPerPage)
	for i := range data {
		data[i] = 0x42
	}
	if err := sim.WritePage(0, data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := sim.EraseBlock(0); err != nil {
		t.Fatalf("EraseBlock: %v", err)
	}
	got := make([]byte, d.TotalBytesPerPage)
	if err := sim.ReadPage(0, got); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	for i, b := range got {
		if b != 0xFF {
			t.Fatalf("expected byte %d erased to 0xFF, got 0x%02x", i, b)
		}
	}
}

func TestMarkBadAndCheckBad(t *testing.T) {
	sim, _ := newTestSimulator(t)
	bad, err := sim.CheckBad(2)
	if err != nil {
		t.Fatalf("CheckBad: %v", err)
	}
	if bad {
		t.Fatalf("expected block 2 to start out good")
	}
	if err := sim.MarkBad(2); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}
	bad, err = sim.CheckBad(2)
	if err != nil {
		t.Fatalf("CheckBad: %v", err)
	}
	if !bad {
		t.Fatalf("expected block 2 to be marked bad")
	}
}

func TestWriteReadMRAMRoundTrip(t *testing.T) {
	sim, _ := newTestSimulator(t)
	data := []byte("journal entry")
	if err := sim.WriteMRAM(16, data); err != nil {
		t.Fatalf("WriteMRAM: %v", err)
	}
	got := make([]byte, len(data))
	if err := sim.ReadMRAM(16, got); err != nil {
		t.Fatalf("ReadMRAM: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %q, got %q", data, got)
	}
}

func TestFailAfterNWritesSimulatesPowerLoss(t *testing.T) {
	sim, d := newTestSimulator(t)
	sim.FailAfterNWrites = 2
	data := make([]byte, d.TotalBytesPerPage)

	if err := sim.WritePage(0, data); err != nil {
		t.Fatalf("WritePage #1: %v", err)
	}
	if err := sim.WritePage(1, data); err != nil {
		t.Fatalf("WritePage #2: %v", err)
	}
	err := sim.WritePage(2, data)
	if err == nil {
		t.Fatalf("expected the third write to fail as a simulated power loss")
	}
	if paffserr.Of(err) != paffserr.Fail {
		t.Fatalf("expected Fail, got %v", paffserr.Of(err))
	}
	if sim.WriteCount() != 2 {
		t.Fatalf("expected WriteCount 2 after the injected crash, got %d", sim.WriteCount())
	}
}
