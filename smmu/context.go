package smmu

import (
	"errors"
	"fmt"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/iommu"
	"github.com/c35s/iommu/smmu/pgtable"
)

// Context is one translation context: a context descriptor, the
// translation table it points at, and an ASID tagging its TLB entries.
type Context struct {
	asid    uint16
	cd      dma.Region
	pt      *pgtable.Table
	streams int
}

// Descriptor implements iommu.Context.
func (x *Context) Descriptor() uint64 {
	return x.cd.Addr
}

// ASID returns the context's address space ID.
func (x *Context) ASID() uint16 {
	return x.asid
}

// TableRoot returns the physical address of the context's translation
// table.
func (x *Context) TableRoot() uint64 {
	return x.pt.Root()
}

// AllocContext implements iommu.Driver.
func (c *Controller) AllocContext() (iommu.Context, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	pt, err := pgtable.New(c.mem, c.feat.IAS)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	cd, err := c.mem.Alloc(CDDwords*8, CDDwords*8)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%w: context descriptor: %w", ErrNoMemory, err), pt.Release())
	}

	c.mu.Lock()
	asid, err := c.allocASID()
	if err != nil {
		c.mu.Unlock()
		return nil, errors.Join(err, c.mem.Free(cd), pt.Release())
	}

	x := &Context{
		asid: asid,
		cd:   cd,
		pt:   pt,
	}

	c.contexts[x] = struct{}{}
	c.mu.Unlock()

	c.writeCD(x)

	return x, nil
}

// writeCD fills in x's context descriptor, valid word last. No stream
// points at the descriptor yet.
func (c *Controller) writeCD(x *Context) {
	var cd [CDDwords]uint64

	cd[0] = CD0Valid | CD0AA64 | CD0ASET | CD0R | CD0A | CD0TG04K | CD0EPD1 |
		uint64(64-c.feat.IAS)&CD0T0SZMask<<CD0T0SZShift |
		CD0IPS48 |
		uint64(x.asid)<<CD0ASIDShift

	cd[1] = x.pt.Root() & CD1TTB0Mask
	cd[3] = CD3MAIR

	for i := 1; i < len(cd); i++ {
		c.mem.Store64(x.cd.Addr+uint64(i)*8, cd[i])
	}

	c.mem.Store64(x.cd.Addr, cd[0])
}

// FreeContext implements iommu.Driver.
func (c *Controller) FreeContext(ctx iommu.Context) error {
	c.mu.Lock()

	x, err := c.context(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	if x.streams > 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d streams attached", ErrContextBusy, x.streams)
	}

	if n := x.pt.Count(); n > 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d pages mapped", ErrContextBusy, n)
	}

	delete(c.contexts, x)
	delete(c.asids, x.asid)
	c.mu.Unlock()

	c.mem.Store64(x.cd.Addr, 0)

	return errors.Join(x.pt.Release(), c.mem.Free(x.cd))
}

// context checks that ctx is a live context of this controller. The caller
// holds c.mu.
func (c *Controller) context(ctx iommu.Context) (*Context, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	x, ok := ctx.(*Context)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrBadContext, ctx)
	}

	if _, ok := c.contexts[x]; !ok {
		return nil, fmt.Errorf("%w: asid %d", ErrBadContext, x.asid)
	}

	return x, nil
}

// allocASID returns the next free ASID. ASID 0 is never handed out. The
// caller holds c.mu.
func (c *Controller) allocASID() (uint16, error) {
	n := 1 << c.feat.ASIDBits
	for i := 0; i < n; i++ {
		asid := c.nextASID
		if c.nextASID++; int(c.nextASID) >= n || c.nextASID == 0 {
			c.nextASID = 1
		}

		if _, used := c.asids[asid]; !used && asid != 0 {
			c.asids[asid] = struct{}{}
			return asid, nil
		}
	}

	return 0, fmt.Errorf("%w: no free ASID", ErrNoMemory)
}

// Map implements iommu.Driver. Each page is entered and its TLB entry
// invalidated; one sync follows the loop. If a page fails, the pages before
// it stay mapped and are made visible by the sync.
func (c *Controller) Map(ctx iommu.Context, va, pa, size uint64, prot iommu.Prot) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	x, err := c.context(ctx)
	if err != nil {
		return 0, err
	}

	var mapped uint64
	for off := uint64(0); off < size; off += iommu.PageSize {
		if err = x.pt.Enter(va+off, pa+off, prot); err != nil {
			break
		}

		mapped += iommu.PageSize

		if err = c.invalidateVA(x.asid, va+off); err != nil {
			break
		}
	}

	if serr := c.sync(); err == nil {
		err = serr
	}

	if err != nil {
		return mapped, fmt.Errorf("map %#x at %#x: %w", va+mapped, pa+mapped, err)
	}

	return mapped, nil
}

// Unmap implements iommu.Driver.
func (c *Controller) Unmap(ctx iommu.Context, va, size uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	x, err := c.context(ctx)
	if err != nil {
		return err
	}

	var (
		errs    []error
		missing int
	)

	for off := uint64(0); off < size; off += iommu.PageSize {
		if !x.pt.Remove(va + off) {
			missing++
			continue
		}

		if err := c.invalidateVA(x.asid, va+off); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, c.sync())

	if missing > 0 {
		errs = append(errs, fmt.Errorf("%w: %d of %d pages at %#x not mapped",
			iommu.ErrNotFound, missing, size/iommu.PageSize, va))
	}

	return errors.Join(errs...)
}
