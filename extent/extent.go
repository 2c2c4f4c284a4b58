// Package extent implements a first-fit allocator over a set of free address
// extents. It backs both the contiguous DMA arena and per-domain device
// address windows.
package extent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// Extent is a half-open address range [Start, Start+Size).
type Extent struct {
	Start uint64
	Size  uint64
}

// Allocator hands out aligned extents from its free set. Freed extents are
// coalesced with their neighbours. The zero value is not usable; call New.
type Allocator struct {
	mu      sync.Mutex
	quantum uint64
	free    *btree.BTreeG[Extent]
	avail   uint64
}

var (
	ErrNoSpace  = errors.New("extent: no space")
	ErrOverlap  = errors.New("extent: range overlaps a free extent")
	ErrBadRange = errors.New("extent: bad range")
)

// New returns an allocator with no free space. Every size and alignment is
// rounded up to a multiple of quantum, which must be a power of two.
func New(quantum uint64) *Allocator {
	if quantum == 0 || quantum&(quantum-1) != 0 {
		panic(fmt.Sprintf("extent: quantum %#x is not a power of two", quantum))
	}

	return &Allocator{
		quantum: quantum,
		free: btree.NewG[Extent](8, func(a, b Extent) bool {
			return a.Start < b.Start
		}),
	}
}

// End returns the first address past the extent.
func (e Extent) End() uint64 {
	return e.Start + e.Size
}

// Contains reports whether addr falls inside the extent.
func (e Extent) Contains(addr uint64) bool {
	return addr >= e.Start && addr < e.End()
}

// Add makes [start, start+size) available for allocation.
func (a *Allocator) Add(start, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 || start%a.quantum != 0 || size%a.quantum != 0 || start+size < start {
		return fmt.Errorf("%w: [%#x, +%#x)", ErrBadRange, start, size)
	}

	return a.insert(Extent{Start: start, Size: size})
}

// Alloc returns the lowest free address of an extent of the given size and
// alignment. An alignment of 0 means quantum alignment.
func (a *Allocator) Alloc(size, align uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return 0, fmt.Errorf("%w: zero size", ErrBadRange)
	}

	size = a.roundUp(size)

	if align < a.quantum {
		align = a.quantum
	}

	if align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: alignment %#x is not a power of two", ErrBadRange, align)
	}

	var (
		found bool
		hit   Extent
		addr  uint64
	)

	a.free.Ascend(func(e Extent) bool {
		start := (e.Start + align - 1) &^ (align - 1)
		if start < e.Start || start >= e.End() || e.End()-start < size {
			return true
		}

		found, hit, addr = true, e, start
		return false
	})

	if !found {
		return 0, fmt.Errorf("%w: %#x bytes aligned to %#x", ErrNoSpace, size, align)
	}

	a.free.Delete(hit)

	if addr > hit.Start {
		a.free.ReplaceOrInsert(Extent{Start: hit.Start, Size: addr - hit.Start})
	}

	if end := addr + size; end < hit.End() {
		a.free.ReplaceOrInsert(Extent{Start: end, Size: hit.End() - end})
	}

	a.avail -= size
	return addr, nil
}

// Free returns [start, start+size) to the free set.
func (a *Allocator) Free(start, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 || start%a.quantum != 0 {
		return fmt.Errorf("%w: [%#x, +%#x)", ErrBadRange, start, size)
	}

	return a.insert(Extent{Start: start, Size: a.roundUp(size)})
}

// Available returns the number of free bytes.
func (a *Allocator) Available() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.avail
}

// Extents returns a copy of the free set in address order.
func (a *Allocator) Extents() []Extent {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Extent, 0, a.free.Len())
	a.free.Ascend(func(e Extent) bool {
		out = append(out, e)
		return true
	})

	return out
}

func (a *Allocator) insert(e Extent) error {
	var prev, next Extent
	var hasPrev, hasNext bool

	a.free.DescendLessOrEqual(Extent{Start: e.Start}, func(p Extent) bool {
		prev, hasPrev = p, true
		return false
	})

	a.free.AscendGreaterOrEqual(Extent{Start: e.Start}, func(n Extent) bool {
		next, hasNext = n, true
		return false
	})

	if hasPrev && prev.End() > e.Start {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, e.Start, e.End())
	}

	if hasNext && e.End() > next.Start {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, e.Start, e.End())
	}

	a.avail += e.Size

	// coalesce
	if hasPrev && prev.End() == e.Start {
		a.free.Delete(prev)
		e = Extent{Start: prev.Start, Size: prev.Size + e.Size}
	}

	if hasNext && e.End() == next.Start {
		a.free.Delete(next)
		e.Size += next.Size
	}

	a.free.ReplaceOrInsert(e)
	return nil
}

func (a *Allocator) roundUp(n uint64) uint64 {
	return (n + a.quantum - 1) &^ (a.quantum - 1)
}
