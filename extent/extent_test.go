package extent_test

import (
	"errors"
	"testing"

	"github.com/c35s/iommu/extent"
	"github.com/google/go-cmp/cmp"
)

func TestAlloc(t *testing.T) {
	a := extent.New(0x1000)
	if err := a.Add(0x10000, 0x10000); err != nil {
		t.Fatal(err)
	}

	x, err := a.Alloc(0x1000, 0)
	if err != nil || x != 0x10000 {
		t.Fatalf("x=%#x err=%v", x, err)
	}

	// rounded up to the quantum, aligned to 16K
	y, err := a.Alloc(0x1800, 0x4000)
	if err != nil || y != 0x14000 {
		t.Fatalf("y=%#x err=%v", y, err)
	}

	want := []extent.Extent{
		{Start: 0x11000, Size: 0x3000},
		{Start: 0x16000, Size: 0xa000},
	}

	if diff := cmp.Diff(want, a.Extents()); diff != "" {
		t.Errorf("free set (-want +got):\n%s", diff)
	}

	if got := a.Available(); got != 0xd000 {
		t.Errorf("available %#x", got)
	}

	if err := a.Free(y, 0x1800); err != nil {
		t.Fatal(err)
	}

	if err := a.Free(x, 0x1000); err != nil {
		t.Fatal(err)
	}

	want = []extent.Extent{{Start: 0x10000, Size: 0x10000}}
	if diff := cmp.Diff(want, a.Extents()); diff != "" {
		t.Errorf("free set after coalescing (-want +got):\n%s", diff)
	}
}

func TestErrors(t *testing.T) {
	a := extent.New(0x1000)
	if err := a.Add(0x10000, 0x4000); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unaligned add", a.Add(0x20800, 0x1000), extent.ErrBadRange},
		{"empty add", a.Add(0x20000, 0), extent.ErrBadRange},
		{"wrapping add", a.Add(^uint64(0)&^0xfff, 0x2000), extent.ErrBadRange},
		{"overlapping add", a.Add(0x12000, 0x4000), extent.ErrOverlap},
		{"double free", a.Free(0x11000, 0x1000), extent.ErrOverlap},
		{"zero alloc", alloc(a, 0, 0), extent.ErrBadRange},
		{"bad alignment", alloc(a, 0x1000, 0x3000), extent.ErrBadRange},
		{"too big", alloc(a, 0x5000, 0), extent.ErrNoSpace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("err=%v, want %v", tt.err, tt.want)
			}
		})
	}

	if got := a.Available(); got != 0x4000 {
		t.Errorf("available %#x after failed calls", got)
	}
}

func alloc(a *extent.Allocator, size, align uint64) error {
	_, err := a.Alloc(size, align)
	return err
}

func TestQuantum(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("no panic for quantum 3")
		}
	}()

	extent.New(3)
}
