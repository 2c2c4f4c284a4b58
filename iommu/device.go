package iommu

import (
	"fmt"
	"sync"

	"github.com/c35s/iommu/topology"
)

// DeviceState is the attach state of a device.
type DeviceState int

const (
	StateUnattached DeviceState = iota
	StateAttaching
	StateAttached
	StateDetaching

	// StateFaulted is an attached device whose stream was aborted after an
	// unmapped access. It can only be detached.
	StateFaulted
)

// Device is a bus-mastering peripheral. A device is attached to at most one
// domain at a time.
type Device struct {
	Name    string
	Segment int
	RID     uint16

	mu       sync.Mutex
	state    DeviceState
	resolved bool
	xref     uint64
	sid      uint32
	domain   *Domain
}

// NewDevice returns an unattached device for requester rid on segment.
func NewDevice(name string, segment int, rid uint16) *Device {
	return &Device{
		Name:    name,
		Segment: segment,
		RID:     rid,
	}
}

func (s DeviceState) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateDetaching:
		return "detaching"
	case StateFaulted:
		return "faulted"
	}

	return fmt.Sprintf("DeviceState(%d)", int(s))
}

// State returns the device's attach state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Domain returns the domain the device is attached to, or nil.
func (d *Device) Domain() *Domain {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.domain
}

// StreamID returns the device's stream ID. It reports false until the ID
// has been resolved by a first attach.
func (d *Device) StreamID() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sid, d.resolved
}

func (d *Device) transition(from, to DeviceState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != from {
		return fmt.Errorf("%w: device %s is %v", ErrAttached, d.Name, d.state)
	}

	d.state = to
	return nil
}

func (d *Device) finish(state DeviceState, dom *Domain) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = state
	d.domain = dom
}

func (d *Device) quarantine() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateAttached {
		return false
	}

	d.state = StateFaulted
	return true
}

func (d *Device) resolve(topo topology.Resolver) (uint64, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.resolved {
		xref, sid, err := topo.ResolveStreamID(d.Segment, d.RID)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %w", ErrTopology, err)
		}

		d.xref, d.sid, d.resolved = xref, sid, true
	}

	return d.xref, d.sid, nil
}
