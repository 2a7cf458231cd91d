package addr_test

import (
	"testing"

	"github.com/Cirromulus/paffs-go/internal/addr"
)

func TestCombineRoundTrip(t *testing.T) {
	cases := []struct {
		area, page uint32
	}{
		{0, 0},
		{1, 42},
		{0xFFFFFFFE, 0xFFFFFFFE},
	}
	for _, c := range cases {
		a := addr.Combine(c.area, c.page)
		if a.Area() != c.area || a.Page() != c.page {
			t.Fatalf("Combine(%d, %d) round-trip failed: got area=%d page=%d", c.area, c.page, a.Area(), a.Page())
		}
	}
}

func TestHole(t *testing.T) {
	if !addr.Hole.IsHole() {
		t.Fatalf("addr.Hole must report IsHole() true")
	}
	real := addr.Combine(3, 7)
	if real.IsHole() {
		t.Fatalf("a real address must not report IsHole() true")
	}
}
