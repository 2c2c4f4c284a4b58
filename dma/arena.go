// Package dma provides physically contiguous memory for translation hardware:
// queues, stream tables, context descriptors and page tables. Memory is
// addressed by "physical" address; the arena maps those addresses onto an
// anonymous host mapping.
package dma

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/c35s/iommu/extent"
	"golang.org/x/sys/unix"
)

// Arena is a block of contiguous memory starting at a physical base address.
type Arena struct {
	base  uint64
	mem   []byte
	alloc *extent.Allocator
}

// Region describes an allocation made from an arena.
type Region struct {
	Addr uint64
	Size uint64
}

const (
	SizeMin = 1 << 16 // 64K
	SizeMax = 1 << 32 // 4G
)

var (
	ErrConfig     = errors.New("dma: invalid arena config")
	ErrMap        = errors.New("dma: memory mapping failed")
	ErrNoMemory   = errors.New("dma: out of memory")
	ErrBadAddress = errors.New("dma: address outside arena")
)

// NewArena maps size bytes and makes them allocatable at physical addresses
// [base, base+size). Both must be multiples of the host page size.
func NewArena(base uint64, size int) (*Arena, error) {
	pgsz := os.Getpagesize()

	if size < SizeMin || size > SizeMax || size%pgsz != 0 {
		return nil, fmt.Errorf("%w: size %#x", ErrConfig, size)
	}

	if base%uint64(pgsz) != 0 {
		return nil, fmt.Errorf("%w: base %#x is not page aligned", ErrConfig, base)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	a := &Arena{
		base:  base,
		mem:   mem,
		alloc: extent.New(8),
	}

	if err := a.alloc.Add(base, uint64(size)); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return a, nil
}

// Alloc returns a zeroed region of size bytes aligned to align. Descriptor
// tables are naturally aligned, so callers usually pass align == size.
func (a *Arena) Alloc(size, align uint64) (Region, error) {
	addr, err := a.alloc.Alloc(size, align)
	if err != nil {
		return Region{}, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	r := Region{Addr: addr, Size: size}
	clear(a.mustBytes(r.Addr, int(r.Size)))

	return r, nil
}

// Free returns a region to the arena.
func (a *Arena) Free(r Region) error {
	if r.Size == 0 {
		return nil
	}

	return a.alloc.Free(r.Addr, r.Size)
}

// Available returns the number of unallocated bytes.
func (a *Arena) Available() uint64 {
	return a.alloc.Available()
}

// Base returns the physical address of the first byte of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 {
	return uint64(len(a.mem))
}

// Load64 atomically reads the 64-bit little-endian word at pa.
func (a *Arena) Load64(pa uint64) uint64 {
	return atomic.LoadUint64(a.word64(pa))
}

// Store64 atomically writes the 64-bit word at pa. No observer sees a
// partially written word.
func (a *Arena) Store64(pa, v uint64) {
	atomic.StoreUint64(a.word64(pa), v)
}

// Load32 atomically reads the 32-bit word at pa.
func (a *Arena) Load32(pa uint64) uint32 {
	return atomic.LoadUint32(a.word32(pa))
}

// Store32 atomically writes the 32-bit word at pa.
func (a *Arena) Store32(pa uint64, v uint32) {
	atomic.StoreUint32(a.word32(pa), v)
}

// Bytes returns a slice aliasing n bytes of arena memory at pa.
func (a *Arena) Bytes(pa uint64, n int) ([]byte, error) {
	if !a.contains(pa, n) {
		return nil, fmt.Errorf("%w: [%#x, +%#x)", ErrBadAddress, pa, n)
	}

	off := pa - a.base
	return a.mem[off : off+uint64(n)], nil
}

// Close unmaps the arena. The arena must not be used afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}

	err := unix.Munmap(a.mem)
	a.mem = nil

	return err
}

func (a *Arena) contains(pa uint64, n int) bool {
	return n >= 0 && pa >= a.base && pa-a.base+uint64(n) <= uint64(len(a.mem))
}

func (a *Arena) mustBytes(pa uint64, n int) []byte {
	b, err := a.Bytes(pa, n)
	if err != nil {
		panic(err)
	}

	return b
}

// Words are accessed in host byte order; controllers served by this package
// are little-endian, as is every supported host.
func (a *Arena) word64(pa uint64) *uint64 {
	if pa&7 != 0 {
		panic(fmt.Sprintf("dma: unaligned 64-bit access at %#x", pa))
	}

	return (*uint64)(unsafe.Pointer(&a.mustBytes(pa, 8)[0]))
}

func (a *Arena) word32(pa uint64) *uint32 {
	if pa&3 != 0 {
		panic(fmt.Sprintf("dma: unaligned 32-bit access at %#x", pa))
	}

	return (*uint32)(unsafe.Pointer(&a.mustBytes(pa, 4)[0]))
}

// ReadEntry copies len(dst) 64-bit words starting at pa into dst.
func (a *Arena) ReadEntry(pa uint64, dst []uint64) {
	for i := range dst {
		dst[i] = a.Load64(pa + uint64(i)*8)
	}
}

// WriteEntry copies src into consecutive 64-bit words starting at pa.
func (a *Arena) WriteEntry(pa uint64, src []uint64) {
	for i, v := range src {
		a.Store64(pa+uint64(i)*8, v)
	}
}
