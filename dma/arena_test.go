package dma_test

import (
	"errors"
	"testing"

	"github.com/c35s/iommu/dma"
	"github.com/google/go-cmp/cmp"
)

const base = 0x4000_0000

func newArena(t *testing.T) *dma.Arena {
	t.Helper()

	a, err := dma.NewArena(base, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { a.Close() })

	return a
}

func TestNewArena(t *testing.T) {
	tests := []struct {
		name string
		base uint64
		size int
	}{
		{"too small", base, dma.SizeMin / 2},
		{"too big", base, dma.SizeMax * 2},
		{"unaligned size", base, dma.SizeMin + 1},
		{"unaligned base", base + 8, dma.SizeMin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := dma.NewArena(tt.base, tt.size); !errors.Is(err, dma.ErrConfig) {
				t.Errorf("err=%v", err)
			}
		})
	}
}

func TestAlloc(t *testing.T) {
	a := newArena(t)

	r, err := a.Alloc(0x100, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	if r.Addr != base || r.Size != 0x100 {
		t.Errorf("region %+v", r)
	}

	a.Store64(r.Addr+8, 0xdead_beef_cafe)
	a.Store32(r.Addr+16, 7)

	if v := a.Load64(r.Addr + 8); v != 0xdead_beef_cafe {
		t.Errorf("load64 %#x", v)
	}

	if v := a.Load32(r.Addr + 16); v != 7 {
		t.Errorf("load32 %d", v)
	}

	a.WriteEntry(r.Addr+0x40, []uint64{1, 2, 3})

	got := make([]uint64, 3)
	a.ReadEntry(r.Addr+0x40, got)

	if diff := cmp.Diff([]uint64{1, 2, 3}, got); diff != "" {
		t.Errorf("entry (-want +got):\n%s", diff)
	}

	if err := a.Free(r); err != nil {
		t.Fatal(err)
	}

	// reallocation hands back zeroed memory
	r, err = a.Alloc(0x100, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	if v := a.Load64(r.Addr + 8); v != 0 {
		t.Errorf("stale word %#x", v)
	}

	if err := a.Free(dma.Region{}); err != nil {
		t.Errorf("free empty region: %v", err)
	}
}

func TestExhaustion(t *testing.T) {
	a := newArena(t)

	if _, err := a.Alloc(2<<20, 0); !errors.Is(err, dma.ErrNoMemory) {
		t.Errorf("err=%v", err)
	}

	if got := a.Available(); got != 1<<20 {
		t.Errorf("available %#x", got)
	}
}

func TestBytes(t *testing.T) {
	a := newArena(t)

	if _, err := a.Bytes(base-8, 8); !errors.Is(err, dma.ErrBadAddress) {
		t.Errorf("below base: err=%v", err)
	}

	if _, err := a.Bytes(base+1<<20-4, 8); !errors.Is(err, dma.ErrBadAddress) {
		t.Errorf("past end: err=%v", err)
	}

	b, err := a.Bytes(base+0x10, 4)
	if err != nil {
		t.Fatal(err)
	}

	copy(b, []byte{1, 0, 0, 0})
	if v := a.Load32(base + 0x10); v != 1 {
		t.Errorf("load through alias %d", v)
	}
}
