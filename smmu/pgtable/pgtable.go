// Package pgtable implements the translation tables a context descriptor
// points at: a radix tree of 4K tables with 512 eight-byte descriptors each,
// resolving 9 address bits per level.
package pgtable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/iommu"
)

// Table is one translation table tree. Its methods are safe for concurrent
// use; hardware may walk it at any time.
type Table struct {
	mem    *dma.Arena
	ias    uint
	levels int

	mu     sync.Mutex
	root   dma.Region
	tables []dma.Region
	count  int
}

// Loader reads descriptor words.
type Loader interface {
	Load64(pa uint64) uint64
}

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	bitsPerLevel = 9
	entries      = 1 << bitsPerLevel

	pteValid = 1 << 0
	pteTable = 1 << 1 // next-level table, or page at the last level
	pteRead  = 1 << 6
	pteWrite = 1 << 7
	pteAF    = 1 << 10
	pteXN    = 1 << 54

	pteAddrMask = 0xfffffffff << PageShift
)

var (
	ErrRange    = errors.New("pgtable: address out of range")
	ErrNoMemory = errors.New("pgtable: out of table memory")
)

// New allocates an empty table covering input addresses [0, 1<<ias).
func New(mem *dma.Arena, ias uint) (*Table, error) {
	if ias <= PageShift || ias > 48 {
		return nil, fmt.Errorf("%w: ias %d", ErrRange, ias)
	}

	root, err := mem.Alloc(PageSize, PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	t := &Table{
		mem:    mem,
		ias:    ias,
		levels: Levels(ias),
		root:   root,
	}

	return t, nil
}

// Levels returns the number of table levels needed to resolve ias bits.
func Levels(ias uint) int {
	return int((ias - PageShift + bitsPerLevel - 1) / bitsPerLevel)
}

// Root returns the physical address of the top-level table.
func (t *Table) Root() uint64 {
	return t.root.Addr
}

// IAS returns the input address size in bits.
func (t *Table) IAS() uint {
	return t.ias
}

// Count returns the number of mapped pages.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Enter maps the page at va to the page at pa, replacing any existing entry.
// Missing intermediate tables are allocated on the way down.
func (t *Table) Enter(va, pa uint64, prot iommu.Prot) error {
	if err := t.check(va); err != nil {
		return err
	}

	if pa%PageSize != 0 || pa&^pteAddrMask != 0 {
		return fmt.Errorf("%w: pa %#x", ErrRange, pa)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	table := t.root.Addr
	for lvl := 0; lvl < t.levels-1; lvl++ {
		slot := table + index(va, t.levels, lvl)*8
		pte := t.mem.Load64(slot)

		if pte&pteValid == 0 {
			r, err := t.mem.Alloc(PageSize, PageSize)
			if err != nil {
				return fmt.Errorf("%w: level %d: %w", ErrNoMemory, lvl+1, err)
			}

			t.tables = append(t.tables, r)

			pte = r.Addr | pteTable | pteValid
			t.mem.Store64(slot, pte)
		}

		table = pte & pteAddrMask
	}

	slot := table + index(va, t.levels, t.levels-1)*8
	if t.mem.Load64(slot)&pteValid == 0 {
		t.count++
	}

	t.mem.Store64(slot, encode(pa, prot))

	return nil
}

// Remove clears the entry for the page at va. It reports whether a valid
// entry was removed. Intermediate tables are kept until Release.
func (t *Table) Remove(va uint64) bool {
	if t.check(va) != nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.leaf(va)
	if !ok || t.mem.Load64(slot)&pteValid == 0 {
		return false
	}

	t.mem.Store64(slot, 0)
	t.count--

	return true
}

// Lookup returns the translation of the page at va.
func (t *Table) Lookup(va uint64) (pa uint64, prot iommu.Prot, ok bool) {
	return Walk(t.mem, t.root.Addr, t.ias, va)
}

// Release frees every table page. The table must not be used afterwards.
func (t *Table) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, r := range t.tables {
		errs = append(errs, t.mem.Free(r))
	}

	errs = append(errs, t.mem.Free(t.root))

	t.tables = nil
	t.root = dma.Region{}
	t.count = 0

	return errors.Join(errs...)
}

// Walk translates va through the table rooted at root the way the
// controller does. The in-page offset of va is carried into pa.
func Walk(mem Loader, root uint64, ias uint, va uint64) (pa uint64, prot iommu.Prot, ok bool) {
	if ias <= PageShift || ias > 48 || va>>ias != 0 {
		return 0, 0, false
	}

	var (
		levels = Levels(ias)
		table  = root
	)

	for lvl := 0; lvl < levels; lvl++ {
		pte := mem.Load64(table + index(va, levels, lvl)*8)
		if pte&pteValid == 0 || pte&pteTable == 0 {
			return 0, 0, false
		}

		if lvl == levels-1 {
			return pte&pteAddrMask | va%PageSize, decode(pte), true
		}

		table = pte & pteAddrMask
	}

	return 0, 0, false
}

func (t *Table) check(va uint64) error {
	if va%PageSize != 0 || va>>t.ias != 0 {
		return fmt.Errorf("%w: va %#x (ias %d)", ErrRange, va, t.ias)
	}

	return nil
}

// leaf returns the address of the last-level slot for va without
// allocating.
func (t *Table) leaf(va uint64) (uint64, bool) {
	table := t.root.Addr
	for lvl := 0; lvl < t.levels-1; lvl++ {
		pte := t.mem.Load64(table + index(va, t.levels, lvl)*8)
		if pte&pteValid == 0 {
			return 0, false
		}

		table = pte & pteAddrMask
	}

	return table + index(va, t.levels, t.levels-1)*8, true
}

func index(va uint64, levels, lvl int) uint64 {
	shift := PageShift + bitsPerLevel*(levels-1-lvl)
	return (va >> shift) & (entries - 1)
}

func encode(pa uint64, prot iommu.Prot) uint64 {
	pte := pa&pteAddrMask | pteAF | pteTable | pteValid

	if prot&iommu.ProtRead != 0 {
		pte |= pteRead
	}

	if prot&iommu.ProtWrite != 0 {
		pte |= pteWrite
	}

	if prot&iommu.ProtExec == 0 {
		pte |= pteXN
	}

	return pte
}

func decode(pte uint64) (prot iommu.Prot) {
	if pte&pteRead != 0 {
		prot |= iommu.ProtRead
	}

	if pte&pteWrite != 0 {
		prot |= iommu.ProtWrite
	}

	if pte&pteXN == 0 {
		prot |= iommu.ProtExec
	}

	return prot
}
