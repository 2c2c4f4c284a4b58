// Package iommu tracks translation controllers, the domains they host and
// the devices attached to those domains. Hardware specifics live behind the
// Driver interface; see package smmu for the stream MMU driver.
package iommu

import (
	"errors"
	"fmt"
	"strings"
)

// Prot is a set of access permissions for a mapping.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// Driver is the hardware side of a translation controller.
type Driver interface {

	// Name identifies the controller in logs.
	Name() string

	// AddressBits returns the input and output address sizes in bits.
	AddressBits() (ias, oas uint)

	// AllocContext allocates translation tables and a context descriptor.
	AllocContext() (Context, error)

	// FreeContext releases a context. It fails if the context still has
	// streams or mappings.
	FreeContext(ctx Context) error

	// AttachStream points stream sid at ctx.
	AttachStream(ctx Context, sid uint32) error

	// DetachStream removes stream sid's descriptor.
	DetachStream(sid uint32) error

	// AbortStream makes the controller reject all traffic from sid. It
	// fails with ErrNotFound, leaving the stream alone, when sid is no
	// longer attached to ctx.
	AbortStream(ctx Context, sid uint32) error

	// Map maps [va, va+size) to [pa, pa+size) page by page and returns the
	// number of bytes mapped. A failure midway leaves the mapped prefix in
	// place.
	Map(ctx Context, va, pa, size uint64, prot Prot) (uint64, error)

	// Unmap removes [va, va+size). Pages that were not mapped are skipped
	// and reported with ErrNotFound once every other page is removed.
	Unmap(ctx Context, va, size uint64) error
}

// Context is a driver's translation context.
type Context interface {

	// Descriptor returns the physical address of the context descriptor.
	Descriptor() uint64
}

// FaultHandler receives translation faults from a driver.
type FaultHandler interface {
	HandleFault(f Fault)
}

// FaultReporter is implemented by drivers that deliver faults. A registered
// driver's faults are routed to its Unit.
type FaultReporter interface {
	ReportFaults(h FaultHandler)
}

var (
	ErrBusy     = errors.New("iommu: busy")
	ErrNotFound = errors.New("iommu: not found")
	ErrAttached = errors.New("iommu: device already attached")
	ErrExists   = errors.New("iommu: controller already registered")
	ErrInvalid  = errors.New("iommu: invalid argument")
	ErrTopology = errors.New("iommu: stream id lookup failed")
)

func (p Prot) String() string {
	var b strings.Builder

	for _, f := range []struct {
		bit Prot
		c   byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}

	return b.String()
}

func checkRange(va, pa, size uint64) error {
	if size == 0 || va&PageMask != 0 || pa&PageMask != 0 || size&PageMask != 0 {
		return fmt.Errorf("%w: va %#x pa %#x size %#x: not page aligned", ErrInvalid, va, pa, size)
	}

	if va+size < va {
		return fmt.Errorf("%w: va %#x size %#x: wraps", ErrInvalid, va, size)
	}

	return nil
}
