package iommu

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c35s/iommu/extent"
	"github.com/google/btree"
)

// Domain is one device address space: a driver context, the devices
// attached to it and the mappings made in it.
type Domain struct {
	id   int
	unit *Unit
	ctx  Context

	mu       sync.Mutex
	devices  map[uint32]*Device // by stream ID
	mappings *btree.BTreeG[MapEntry]
	pending  []MapEntry // removed from mappings, flush in progress
	iova     *extent.Allocator
	freed    bool
}

// MapEntry is a mapped range [Start, End) of device addresses backed by
// physical memory starting at PA.
type MapEntry struct {
	Start uint64
	End   uint64
	PA    uint64
	Prot  Prot
}

// Segment is a physically contiguous buffer, or its device address view
// after MapSegments.
type Segment struct {
	Addr uint64
	Len  uint64
}

func newDomain(u *Unit, id int, ctx Context) *Domain {
	return &Domain{
		id:      id,
		unit:    u,
		ctx:     ctx,
		devices: make(map[uint32]*Device),
		iova:    extent.New(PageSize),

		mappings: btree.NewG[MapEntry](8, func(a, b MapEntry) bool {
			return a.Start < b.Start
		}),
	}
}

func (e MapEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("start", fmt.Sprintf("%#x", e.Start)),
		slog.String("end", fmt.Sprintf("%#x", e.End)),
		slog.String("prot", e.Prot.String()))
}

// ID returns the domain's number, unique per unit.
func (d *Domain) ID() int {
	return d.id
}

// Unit returns the unit hosting the domain.
func (d *Domain) Unit() *Unit {
	return d.unit
}

// Context returns the driver context backing the domain.
func (d *Domain) Context() Context {
	return d.ctx
}

// Devices returns the attached devices.
func (d *Domain) Devices() []*Device {
	d.mu.Lock()
	defer d.mu.Unlock()

	dd := make([]*Device, 0, len(d.devices))
	for _, dev := range d.devices {
		dd = append(dd, dev)
	}

	return dd
}

// Mappings returns the active mappings in address order.
func (d *Domain) Mappings() []MapEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	mm := make([]MapEntry, 0, d.mappings.Len())
	d.mappings.Ascend(func(e MapEntry) bool {
		mm = append(mm, e)
		return true
	})

	return mm
}

// Map maps [va, va+size) to [pa, pa+size). All three must be page
// aligned. Existing pages in the range are replaced. If Map fails midway,
// the pages mapped so far stay mapped and are tracked; the caller must
// unmap them.
func (d *Domain) Map(va, pa, size uint64, prot Prot) error {
	if err := checkRange(va, pa, size); err != nil {
		return err
	}

	if err := d.live(); err != nil {
		return err
	}

	mapped, err := d.unit.drv.Map(d.ctx, va, pa, size, prot)

	if mapped > 0 {
		d.mu.Lock()
		d.carve(va, va+mapped)
		d.mappings.ReplaceOrInsert(MapEntry{Start: va, End: va + mapped, PA: pa, Prot: prot})
		d.mu.Unlock()
	}

	return err
}

// Unmap removes every mapped page in [va, va+size). If some pages were
// not mapped the rest are still removed, and Unmap returns ErrNotFound.
func (d *Domain) Unmap(va, size uint64) error {
	if err := checkRange(va, 0, size); err != nil {
		return err
	}

	if err := d.live(); err != nil {
		return err
	}

	d.mu.Lock()
	removed := d.carve(va, va+size)
	d.pending = append(d.pending, removed...)
	d.mu.Unlock()

	err := d.unit.drv.Unmap(d.ctx, va, size)

	d.mu.Lock()
	d.pending = slices.DeleteFunc(d.pending, func(e MapEntry) bool {
		return slices.Contains(removed, e)
	})
	d.mu.Unlock()

	return err
}

// MapPage maps a single page. It serves bootstrap mappings such as an
// interrupt doorbell that must exist before the device's tables are
// populated.
func (d *Domain) MapPage(va, pa uint64, prot Prot) error {
	return d.Map(va, pa, PageSize, prot)
}

// UnmapPage removes a single page mapping.
func (d *Domain) UnmapPage(va uint64) error {
	return d.Unmap(va, PageSize)
}

// AddRange makes [va, va+size) available to MapSegments.
func (d *Domain) AddRange(va, size uint64) error {
	if err := d.iova.Add(va, size); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

// MapSegments maps each buffer read/write at a device address allocated
// from the domain's window and returns the device view of the buffers. A
// buffer need not be page aligned; its in-page offset is preserved. On
// failure nothing stays mapped.
func (d *Domain) MapSegments(segs []Segment) ([]Segment, error) {
	out := make([]Segment, 0, len(segs))

	for _, s := range segs {
		if s.Len == 0 {
			return nil, errors.Join(fmt.Errorf("%w: empty segment at %#x", ErrInvalid, s.Addr), d.UnmapSegments(out))
		}

		off, base, size := pageSpan(s)

		va, err := d.iova.Alloc(size, PageSize)
		if err != nil {
			return nil, errors.Join(err, d.UnmapSegments(out))
		}

		if err := d.Map(va, base, size, ProtRead|ProtWrite); err != nil {
			if uerr := d.Unmap(va, size); uerr == nil || errors.Is(uerr, ErrNotFound) {
				d.iova.Free(va, size)
			}

			return nil, errors.Join(err, d.UnmapSegments(out))
		}

		out = append(out, Segment{Addr: va + off, Len: s.Len})
	}

	return out, nil
}

// UnmapSegments unmaps buffers returned by MapSegments and releases their
// device addresses. Addresses of a buffer that fails to unmap are not
// released, so unmapping the same buffers twice cannot free a range that
// was handed out again.
func (d *Domain) UnmapSegments(segs []Segment) error {
	var errs []error

	for _, s := range segs {
		_, base, size := pageSpan(s)

		if err := d.Unmap(base, size); err != nil {
			errs = append(errs, err)
			continue
		}

		if err := d.iova.Free(base, size); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		}
	}

	return errors.Join(errs...)
}

// Resolve returns the mapping covering device address addr, including
// mappings whose removal is still being flushed.
func (d *Domain) Resolve(addr uint64) (MapEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		hit   MapEntry
		found bool
	)

	d.mappings.DescendLessOrEqual(MapEntry{Start: addr}, func(e MapEntry) bool {
		hit, found = e, addr < e.End
		return false
	})

	if found {
		return hit, true
	}

	for _, e := range d.pending {
		if addr >= e.Start && addr < e.End {
			return e, true
		}
	}

	return MapEntry{}, false
}

func (d *Domain) live() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.freed {
		return fmt.Errorf("%w: domain %d was freed", ErrNotFound, d.id)
	}

	return nil
}

func (d *Domain) hasDevice(dev *Device) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, x := range d.devices {
		if x == dev {
			return true
		}
	}

	return false
}

// carve removes [start, end) from the active set, splitting entries that
// straddle either edge, and returns the removed pieces in address order.
// The caller holds d.mu.
func (d *Domain) carve(start, end uint64) []MapEntry {
	var hits []MapEntry

	d.mappings.DescendLessOrEqual(MapEntry{Start: start}, func(e MapEntry) bool {
		if e.Start < start && e.End > start {
			hits = append(hits, e)
		}
		return false
	})

	d.mappings.AscendRange(MapEntry{Start: start}, MapEntry{Start: end}, func(e MapEntry) bool {
		hits = append(hits, e)
		return true
	})

	var removed []MapEntry
	for _, e := range hits {
		d.mappings.Delete(e)

		if e.Start < start {
			d.mappings.ReplaceOrInsert(MapEntry{Start: e.Start, End: start, PA: e.PA, Prot: e.Prot})
		}

		if e.End > end {
			d.mappings.ReplaceOrInsert(MapEntry{Start: end, End: e.End, PA: e.PA + (end - e.Start), Prot: e.Prot})
		}

		lo, hi := max(e.Start, start), min(e.End, end)
		removed = append(removed, MapEntry{Start: lo, End: hi, PA: e.PA + (lo - e.Start), Prot: e.Prot})
	}

	return removed
}

func pageSpan(s Segment) (off, base, size uint64) {
	off = s.Addr & PageMask
	base = s.Addr - off
	size = (off + s.Len + PageMask) &^ PageMask
	return off, base, size
}
