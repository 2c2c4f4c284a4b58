package iommu

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/c35s/iommu/topology"
	"golang.org/x/time/rate"
)

// Options configures a Registry.
type Options struct {

	// Topology resolves devices to controllers and stream IDs. Required.
	Topology topology.Resolver

	// Logger is used for lifecycle and fault records.
	// The default is slog.Default().
	Logger *slog.Logger

	// FaultLogInterval and FaultLogBurst limit fault records.
	// The defaults are one per 100ms with bursts of 10.
	FaultLogInterval time.Duration
	FaultLogBurst    int

	// OnFault, if set, is called for every fault after policy is applied.
	// Dev is nil when the stream belongs to no attached device.
	OnFault func(dev *Device, f Fault)
}

// Registry tracks registered controllers. Lock order is registry, unit,
// domain, device; drivers never call back into the registry while holding
// their own locks.
type Registry struct {
	opts     Options
	log      *slog.Logger
	faultLog *rateLogger

	mu    sync.Mutex
	units []*Unit
}

// Unit is a registered controller.
type Unit struct {
	reg  *Registry
	drv  Driver
	xref uint64

	mu      sync.Mutex
	domains []*Domain
	nextID  int
	gone    bool
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) (*Registry, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		opts: opts,
		log:  opts.Logger,
	}

	r.faultLog = newRateLogger(opts.Logger, rate.Every(opts.FaultLogInterval), opts.FaultLogBurst)

	return r, nil
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.FaultLogInterval == 0 {
		o.FaultLogInterval = 100 * time.Millisecond
	}

	if o.FaultLogBurst == 0 {
		o.FaultLogBurst = 10
	}

	return o
}

func (o Options) validate() error {
	if o.Topology == nil {
		return fmt.Errorf("%w: nil topology", ErrInvalid)
	}

	if o.FaultLogInterval < 0 || o.FaultLogBurst < 0 {
		return fmt.Errorf("%w: negative fault log limit", ErrInvalid)
	}

	return nil
}

// Register adds a controller identified by xref. If drv implements
// FaultReporter, its faults are routed to the new unit.
func (r *Registry) Register(drv Driver, xref uint64) (*Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.units {
		if u.xref == xref || u.drv == drv {
			return nil, fmt.Errorf("%w: %s xref %#x", ErrExists, drv.Name(), xref)
		}
	}

	u := &Unit{
		reg:  r,
		drv:  drv,
		xref: xref,
	}

	r.units = append(r.units, u)

	if fr, ok := drv.(FaultReporter); ok {
		fr.ReportFaults(u)
	}

	r.log.Info("registered controller", "smmu", drv.Name(), "xref", fmt.Sprintf("%#x", xref))

	return u, nil
}

// Unregister removes the controller driven by drv. It fails with ErrBusy
// while the controller hosts domains.
func (r *Registry) Unregister(drv Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.units, func(u *Unit) bool { return u.drv == drv })
	if i < 0 {
		return fmt.Errorf("%w: controller %s", ErrNotFound, drv.Name())
	}

	u := r.units[i]

	u.mu.Lock()
	defer u.mu.Unlock()

	if n := len(u.domains); n > 0 {
		return fmt.Errorf("%w: controller %s has %d domains", ErrBusy, drv.Name(), n)
	}

	u.gone = true
	r.units = slices.Delete(r.units, i, i+1)

	if fr, ok := drv.(FaultReporter); ok {
		fr.ReportFaults(nil)
	}

	return nil
}

// Lookup returns the controller registered under xref.
func (r *Registry) Lookup(xref uint64) (*Unit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.units {
		if u.xref == xref {
			return u, true
		}
	}

	return nil, false
}

// Units returns the registered controllers in registration order.
func (r *Registry) Units() []*Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.units)
}

// DomainForDevice returns the domain dev is attached to. It scans every
// controller's domains.
func (r *Registry) DomainForDevice(dev *Device) (*Domain, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.units {
		u.mu.Lock()
		for _, d := range u.domains {
			if d.hasDevice(dev) {
				u.mu.Unlock()
				return d, true
			}
		}
		u.mu.Unlock()
	}

	return nil, false
}

// DomainAlloc creates an empty domain on u. Its device address window
// spans [PageSize, 1<<min(ias, oas)).
func (r *Registry) DomainAlloc(u *Unit) (*Domain, error) {
	if u.reg != r {
		return nil, fmt.Errorf("%w: unit not registered here", ErrInvalid)
	}

	ctx, err := u.drv.AllocContext()
	if err != nil {
		return nil, err
	}

	ias, oas := u.drv.AddressBits()

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.gone {
		err := fmt.Errorf("%w: controller %s was unregistered", ErrNotFound, u.drv.Name())
		return nil, errors.Join(err, u.drv.FreeContext(ctx))
	}

	d := newDomain(u, u.nextID, ctx)
	if err := d.AddRange(PageSize, 1<<min(ias, oas)-PageSize); err != nil {
		return nil, errors.Join(err, u.drv.FreeContext(ctx))
	}

	u.nextID++
	u.domains = append(u.domains, d)

	return d, nil
}

// DomainFree releases d. It fails with ErrBusy while devices are attached
// or mappings remain.
func (r *Registry) DomainFree(d *Domain) error {
	u := d.unit

	u.mu.Lock()
	defer u.mu.Unlock()

	i := slices.Index(u.domains, d)
	if i < 0 {
		return fmt.Errorf("%w: domain %d", ErrNotFound, d.id)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if n := len(d.devices); n > 0 {
		return fmt.Errorf("%w: domain %d has %d devices", ErrBusy, d.id, n)
	}

	if n := d.mappings.Len() + len(d.pending); n > 0 {
		return fmt.Errorf("%w: domain %d has %d mappings", ErrBusy, d.id, n)
	}

	u.domains = slices.Delete(u.domains, i, i+1)

	if err := u.drv.FreeContext(d.ctx); err != nil {
		u.domains = slices.Insert(u.domains, i, d)
		return err
	}

	d.freed = true

	return nil
}

// AttachDevice attaches dev to d. The device's stream ID is resolved on
// first attach and must belong to d's controller. On failure dev stays
// unattached and any descriptor installed for it is removed.
func (r *Registry) AttachDevice(d *Domain, dev *Device) error {
	if err := dev.transition(StateUnattached, StateAttaching); err != nil {
		return err
	}

	sid, err := r.attach(d, dev)
	if err != nil {
		dev.finish(StateUnattached, nil)
		return err
	}

	dev.finish(StateAttached, d)
	r.log.Debug("attached device", "smmu", d.unit.drv.Name(), "device", dev.Name, "sid", sid, "domain", d.id)

	return nil
}

func (r *Registry) attach(d *Domain, dev *Device) (uint32, error) {
	xref, sid, err := dev.resolve(r.opts.Topology)
	if err != nil {
		return 0, err
	}

	u := d.unit
	if xref != u.xref {
		return 0, fmt.Errorf("%w: device %s is behind controller %#x, domain is on %#x", ErrInvalid, dev.Name, xref, u.xref)
	}

	if err := u.drv.AttachStream(d.ctx, sid); err != nil {
		return 0, err
	}

	d.mu.Lock()
	switch {
	case d.freed:
		err = fmt.Errorf("%w: domain %d was freed", ErrNotFound, d.id)
	case d.devices[sid] != nil:
		err = fmt.Errorf("%w: stream %d", ErrBusy, sid)
	default:
		d.devices[sid] = dev
	}
	d.mu.Unlock()

	if err != nil {
		return 0, errors.Join(err, u.drv.DetachStream(sid))
	}

	return sid, nil
}

// DetachDevice detaches dev from d. It fails with ErrNotFound, changing
// nothing, if dev is not attached to d.
func (r *Registry) DetachDevice(d *Domain, dev *Device) error {
	sid, ok := dev.StreamID()
	if !ok {
		return fmt.Errorf("%w: device %s is not attached", ErrNotFound, dev.Name)
	}

	d.mu.Lock()
	if d.devices[sid] != dev {
		d.mu.Unlock()
		return fmt.Errorf("%w: device %s in domain %d", ErrNotFound, dev.Name, d.id)
	}

	delete(d.devices, sid)
	d.mu.Unlock()

	prev := dev.State()
	dev.finish(StateDetaching, d)

	if err := d.unit.drv.DetachStream(sid); err != nil {
		d.mu.Lock()
		d.devices[sid] = dev
		d.mu.Unlock()

		dev.finish(prev, d)
		return err
	}

	dev.finish(StateUnattached, nil)
	r.log.Debug("detached device", "smmu", d.unit.drv.Name(), "device", dev.Name, "sid", sid, "domain", d.id)

	return nil
}

// Driver returns the unit's driver.
func (u *Unit) Driver() Driver {
	return u.drv
}

// Xref returns the unit's firmware cross reference.
func (u *Unit) Xref() uint64 {
	return u.xref
}

// Domains returns the unit's domains.
func (u *Unit) Domains() []*Domain {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.domains)
}

// HandleFault applies the fault policy: a translation fault at an address
// no mapping covers quarantines the faulting device by aborting its stream.
// Every other fault is logged. HandleFault implements FaultHandler.
func (u *Unit) HandleFault(f Fault) {
	r := u.reg
	dev, d := u.findStream(f.StreamID)

	var (
		entry  MapEntry
		mapped bool
	)

	if d != nil {
		entry, mapped = d.Resolve(f.Addr)
	}

	switch {
	case dev == nil:
		r.faultLog.Warn("fault on unattached stream", "smmu", u.drv.Name(), "fault", f)

	case f.Class == FaultTranslation && !mapped:
		r.quarantine(u, d, dev, f)

	case mapped:
		r.faultLog.Warn("device fault", "smmu", u.drv.Name(), "device", dev.Name, "fault", f,
			"mapping", entry)

	default:
		r.faultLog.Warn("device fault", "smmu", u.drv.Name(), "device", dev.Name, "fault", f)
	}

	if r.opts.OnFault != nil {
		r.opts.OnFault(dev, f)
	}
}

// quarantine aborts dev's stream unless dev already left d or is not
// Attached. d.mu is held across the abort so a concurrent detach and
// reattach cannot slip in between the check and the STE write.
func (r *Registry) quarantine(u *Unit, d *Domain, dev *Device, f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.devices[f.StreamID] != dev || !dev.quarantine() {
		r.faultLog.Warn("unmapped access, stream not aborted", "smmu", u.drv.Name(), "device", dev.Name,
			"state", dev.State(), "fault", f)
		return
	}

	r.faultLog.Warn("unmapped access, aborting stream", "smmu", u.drv.Name(), "device", dev.Name, "fault", f)

	if err := u.drv.AbortStream(d.ctx, f.StreamID); err != nil {
		r.log.Error("abort stream", "smmu", u.drv.Name(), "sid", f.StreamID, "err", err)
	}
}

func (u *Unit) findStream(sid uint32) (*Device, *Domain) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, d := range u.domains {
		d.mu.Lock()
		dev := d.devices[sid]
		d.mu.Unlock()

		if dev != nil {
			return dev, d
		}
	}

	return nil, nil
}
