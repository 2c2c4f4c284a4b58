package smmu

import (
	"context"
	"fmt"

	"github.com/c35s/iommu/iommu"
	"golang.org/x/sync/errgroup"
)

// Event is a decoded event queue record.
type Event struct {
	ID    uint8
	SID   uint32
	Addr  uint64
	Write bool
}

// IRQs are a controller's wired interrupt lines. A nil line is not served.
type IRQs struct {
	Event  <-chan struct{}
	GError <-chan struct{}
	PRI    <-chan struct{}
}

var eventNames = map[uint8]string{
	0x01: "F_UUT",
	0x02: "C_BAD_STREAMID",
	0x03: "F_STE_FETCH",
	0x04: "C_BAD_STE",
	0x05: "F_BAD_ATS_TREQ",
	0x06: "F_STREAM_DISABLED",
	0x07: "F_TRANSL_FORBIDDEN",
	0x08: "C_BAD_SUBSTREAMID",
	0x09: "F_CD_FETCH",
	0x0a: "C_BAD_CD",
	0x0b: "F_WALK_EABT",
	0x10: "F_TRANSLATION",
	0x11: "F_ADDR_SIZE",
	0x12: "F_ACCESS",
	0x13: "F_PERMISSION",
	0x20: "F_TLB_CONFLICT",
	0x21: "F_CFG_CONFLICT",
	0x24: "E_PAGE_REQUEST",
	0x25: "F_VMS_FETCH",
}

// event IDs the simulated controller raises
const (
	EvtBadStreamID   = 0x02
	EvtBadSTE        = 0x04
	EvtBadCD         = 0x0a
	EvtTranslation   = 0x10
	EvtAddrSize      = 0x11
	EvtAccess        = 0x12
	EvtPermission    = 0x13
	EvtPageRequest   = 0x24
	EvtStreamDisable = 0x06
)

// DecodeEvent decodes an event queue record.
func DecodeEvent(w [EvtqEntryDwords]uint64) Event {
	return Event{
		ID:    uint8(w[0] & Evt0IDMask),
		SID:   uint32(w[0] >> Evt0SIDShift),
		Addr:  w[2],
		Write: w[1]&Evt1RnW == 0,
	}
}

// Encode returns the event's queue record.
func (ev Event) Encode() [EvtqEntryDwords]uint64 {
	var w [EvtqEntryDwords]uint64
	w[0] = uint64(ev.ID) | uint64(ev.SID)<<Evt0SIDShift
	w[2] = ev.Addr

	if !ev.Write {
		w[1] |= Evt1RnW
	}

	return w
}

// Name returns the architectural name of the event.
func (ev Event) Name() string {
	if n, ok := eventNames[ev.ID]; ok {
		return n
	}

	return fmt.Sprintf("EVT_%#02x", ev.ID)
}

// Fault converts the event to a fault record.
func (ev Event) Fault() iommu.Fault {
	return iommu.Fault{
		Class:    Classify(ev.ID),
		Code:     ev.ID,
		Name:     ev.Name(),
		StreamID: ev.SID,
		Addr:     ev.Addr,
		Write:    ev.Write,
	}
}

// Classify maps an event ID to its fault class.
func Classify(id uint8) iommu.FaultClass {
	switch {
	case id == 0x02, id == 0x04, id == 0x08, id == 0x0a:
		return iommu.FaultConfig
	case id == 0x01, id >= 0x05 && id <= 0x07:
		return iommu.FaultStream
	case id == 0x03, id == 0x09, id == 0x0b, id == 0x25:
		return iommu.FaultFetch
	case id == 0x10:
		return iommu.FaultTranslation
	case id == 0x11:
		return iommu.FaultAddressSize
	case id == 0x12:
		return iommu.FaultAccess
	case id == 0x13:
		return iommu.FaultPermission
	case id >= 0x20 && id <= 0x21:
		return iommu.FaultConflict
	case id == 0x24:
		return iommu.FaultPageRequest
	}

	return iommu.FaultUnknown
}

// HandleEvents drains the event queue, passing each record to the fault
// handler. An edge-triggered interrupt may stand for several records, so
// it loops until the queue is empty. It returns the number of records.
func (c *Controller) HandleEvents() int {
	c.evtMu.Lock()
	defer c.evtMu.Unlock()

	if c.closed.Load() {
		return 0
	}

	if c.evtq.Refresh(); c.evtq.Overflowed() {
		c.log.Warn("event queue overflowed, events lost")
		c.evtq.AckOverflow()
	}

	var (
		w [EvtqEntryDwords]uint64
		n int
	)

	h := c.faultHandler()

	for c.evtq.DequeueOne(w[:]) {
		n++

		ev := DecodeEvent(w)
		f := ev.Fault()

		if h == nil {
			c.log.Warn("event", "fault", f)
			continue
		}

		h.HandleFault(f)
	}

	return n
}

// HandleGError logs and acknowledges active global errors. It returns the
// errors that were active.
func (c *Controller) HandleGError() uint32 {
	gerror := c.regs.Read32(RegGError)
	active := (gerror ^ c.regs.Read32(RegGErrorN)) & GErrorMask

	if active == 0 {
		return 0
	}

	for _, e := range gerrorNames {
		if active&e.bit == 0 {
			continue
		}

		args := []any{"error", e.name}
		if e.bit == GErrorCmdq {
			code := c.regs.Read32(RegCmdqCons) & CmdqConsErrMask >> CmdqConsErrShift
			args = append(args, "code", code)
		}

		c.log.Error("global error", args...)
	}

	if active&GErrorSFM != 0 {
		c.log.Error("controller entered service failure mode; translation stopped")
	}

	c.regs.Write32(RegGErrorN, gerror)

	return active
}

// PageRequest is a decoded PRI queue record.
type PageRequest struct {
	SID   uint32
	Addr  uint64
	Group uint16
}

// HandlePageRequests drains the PRI queue. Requests are logged and not
// answered. It returns the number of records.
func (c *Controller) HandlePageRequests() int {
	c.priMu.Lock()
	defer c.priMu.Unlock()

	if c.priq == nil || c.closed.Load() {
		return 0
	}

	if c.priq.Refresh(); c.priq.Overflowed() {
		c.log.Warn("PRI queue overflowed, requests lost")
		c.priq.AckOverflow()
	}

	var (
		w [PriqEntryDwords]uint64
		n int
	)

	for c.priq.DequeueOne(w[:]) {
		n++

		pr := DecodePageRequest(w)
		c.log.Info("page request",
			"sid", pr.SID,
			"addr", fmt.Sprintf("%#x", pr.Addr),
			"group", pr.Group)
	}

	return n
}

// DecodePageRequest decodes a PRI queue record.
func DecodePageRequest(w [PriqEntryDwords]uint64) PageRequest {
	return PageRequest{
		SID:   uint32(w[0] & Priq0SIDMask),
		Addr:  w[1] & Priq1AddrMask,
		Group: uint16(w[1] & Priq1PRGIdxMsk),
	}
}

// Encode returns the request's queue record.
func (pr PageRequest) Encode() [PriqEntryDwords]uint64 {
	return [PriqEntryDwords]uint64{
		uint64(pr.SID),
		pr.Addr&Priq1AddrMask | uint64(pr.Group)&Priq1PRGIdxMsk,
	}
}

// Serve runs the interrupt handlers, one goroutine per line, until ctx is
// done.
func (c *Controller) Serve(ctx context.Context, irqs IRQs) error {
	g, ctx := errgroup.WithContext(ctx)

	serve := func(line <-chan struct{}, handle func()) {
		if line == nil {
			return
		}

		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil

				case _, ok := <-line:
					if !ok {
						return nil
					}

					handle()
				}
			}
		})
	}

	serve(irqs.Event, func() { c.HandleEvents() })
	serve(irqs.GError, func() { c.HandleGError() })
	serve(irqs.PRI, func() { c.HandlePageRequests() })

	return g.Wait()
}
