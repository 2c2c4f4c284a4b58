package main

import (
	"errors"
	"fmt"

	"github.com/c35s/iommu/config"
	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/iommu"
)

// attachment is a device attached to its own domain, with its doorbell
// page and DMA buffer mapped.
type attachment struct {
	cfg  config.Device
	dev  *iommu.Device
	ctrl *controller
	dom  *iommu.Domain

	doorbell dma.Region
	buf      dma.Region
	segs     []iommu.Segment
}

func (sys *system) attach(dc config.Device) (_ *attachment, err error) {
	xref, _, err := sys.cfg.Table().ResolveStreamID(dc.Segment, dc.RID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dc.Name, err)
	}

	ctrl, ok := sys.controller(xref)
	if !ok {
		return nil, fmt.Errorf("%s: no controller %#x", dc.Name, xref)
	}

	d, err := sys.reg.DomainAlloc(ctrl.unit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dc.Name, err)
	}

	a := &attachment{
		cfg:  dc,
		dev:  iommu.NewDevice(dc.Name, dc.Segment, dc.RID),
		ctrl: ctrl,
		dom:  d,
	}

	defer func() {
		if err != nil {
			err = errors.Join(fmt.Errorf("%s: %w", dc.Name, err), sys.detach(a))
		}
	}()

	if err := sys.reg.AttachDevice(d, a.dev); err != nil {
		return nil, err
	}

	if dc.Doorbell != 0 {
		if a.doorbell, err = sys.mem.Alloc(iommu.PageSize, iommu.PageSize); err != nil {
			return nil, err
		}

		if err := d.MapPage(dc.Doorbell, a.doorbell.Addr, iommu.ProtWrite); err != nil {
			return nil, err
		}
	}

	if dc.BufferKB > 0 {
		if a.buf, err = sys.mem.Alloc(uint64(dc.BufferKB)<<10, iommu.PageSize); err != nil {
			return nil, err
		}

		if a.segs, err = d.MapSegments([]iommu.Segment{{Addr: a.buf.Addr, Len: a.buf.Size}}); err != nil {
			return nil, err
		}
	}

	sid, _ := a.dev.StreamID()
	sys.log.Info("attached", "device", dc.Name, "smmu", ctrl.cfg.Name, "sid", sid, "domain", d.ID())

	return a, nil
}

// detach undoes attach. It runs on partially attached devices too.
func (sys *system) detach(a *attachment) error {
	var errs []error

	if a.segs != nil {
		errs = append(errs, a.dom.UnmapSegments(a.segs))
	}

	if a.doorbell.Size > 0 {
		if _, mapped := a.dom.Resolve(a.cfg.Doorbell); mapped {
			errs = append(errs, a.dom.UnmapPage(a.cfg.Doorbell))
		}
	}

	if a.dom == a.dev.Domain() {
		errs = append(errs, sys.reg.DetachDevice(a.dom, a.dev))
	}

	errs = append(errs, sys.reg.DomainFree(a.dom))
	errs = append(errs, sys.mem.Free(a.buf), sys.mem.Free(a.doorbell))

	return errors.Join(errs...)
}
