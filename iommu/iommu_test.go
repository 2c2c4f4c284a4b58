package iommu_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/c35s/iommu/iommu"
	"github.com/c35s/iommu/topology"
	"github.com/stretchr/testify/require"
)

var (
	boom    = errors.New("boom")
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type stubCtx struct {
	id    int
	pages map[uint64]uint64
}

func (x *stubCtx) Descriptor() uint64 { return uint64(x.id) << 12 }

// stubDriver keeps its state in maps. An error stored under an operation
// name in fail is returned by that operation; mapLimit, when positive,
// caps the pages a single Map call enters.
type stubDriver struct {
	name string
	ias  uint
	oas  uint

	mu       sync.Mutex
	nextID   int
	contexts map[*stubCtx]bool
	streams  map[uint32]*stubCtx
	aborted  map[uint32]bool
	fail     map[string]error
	mapLimit int
	handler  iommu.FaultHandler
	onAlloc  func()
}

func newStub(name string) *stubDriver {
	return &stubDriver{
		name:     name,
		ias:      40,
		oas:      48,
		contexts: map[*stubCtx]bool{},
		streams:  map[uint32]*stubCtx{},
		aborted:  map[uint32]bool{},
		fail:     map[string]error{},
	}
}

func (s *stubDriver) Name() string {
	return s.name
}

func (s *stubDriver) AddressBits() (uint, uint) {
	return s.ias, s.oas
}

func (s *stubDriver) ReportFaults(h iommu.FaultHandler) { s.handler = h }

func (s *stubDriver) failing(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail[op]
}

func (s *stubDriver) setFail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

func (s *stubDriver) AllocContext() (iommu.Context, error) {
	if s.onAlloc != nil {
		s.onAlloc()
	}

	if err := s.failing("alloc"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	x := &stubCtx{id: s.nextID, pages: map[uint64]uint64{}}
	s.contexts[x] = true

	return x, nil
}

func (s *stubDriver) FreeContext(ctx iommu.Context) error {
	if err := s.failing("free"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	x := ctx.(*stubCtx)
	if len(x.pages) > 0 {
		return fmt.Errorf("%d pages mapped", len(x.pages))
	}

	delete(s.contexts, x)
	return nil
}

func (s *stubDriver) AttachStream(ctx iommu.Context, sid uint32) error {
	if err := s.failing("attach"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streams[sid] != nil {
		return fmt.Errorf("stream %d busy", sid)
	}

	s.streams[sid] = ctx.(*stubCtx)
	return nil
}

func (s *stubDriver) DetachStream(sid uint32) error {
	if err := s.failing("detach"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streams[sid] == nil {
		return iommu.ErrNotFound
	}

	delete(s.streams, sid)
	delete(s.aborted, sid)

	return nil
}

func (s *stubDriver) AbortStream(ctx iommu.Context, sid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streams[sid] != ctx.(*stubCtx) {
		return iommu.ErrNotFound
	}

	s.aborted[sid] = true
	return nil
}

func (s *stubDriver) isAborted(sid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted[sid]
}

func (s *stubDriver) attached(sid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[sid] != nil
}

func (s *stubDriver) Map(ctx iommu.Context, va, pa, size uint64, prot iommu.Prot) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	x := ctx.(*stubCtx)

	var n uint64
	for off := uint64(0); off < size; off += iommu.PageSize {
		if s.mapLimit > 0 && n/iommu.PageSize == uint64(s.mapLimit) {
			return n, boom
		}

		x.pages[va+off] = pa + off
		n += iommu.PageSize
	}

	return n, s.fail["map"]
}

func (s *stubDriver) Unmap(ctx iommu.Context, va, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail["unmap"]; err != nil {
		return err
	}

	x := ctx.(*stubCtx)

	var missing int
	for off := uint64(0); off < size; off += iommu.PageSize {
		if _, ok := x.pages[va+off]; !ok {
			missing++
			continue
		}

		delete(x.pages, va+off)
	}

	if missing > 0 {
		return fmt.Errorf("%w: %d pages", iommu.ErrNotFound, missing)
	}

	return nil
}

func (s *stubDriver) mapped(ctx iommu.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(ctx.(*stubCtx).pages)
}

// topo maps requesters 0-15 on segment 0 to streams 0-15 of controller 1,
// and requesters 0-15 on segment 1 to controller 2.
var topo = &topology.Table{Mappings: []topology.Mapping{
	{Segment: 0, RIDBase: 0, Count: 16, Controller: 1, StreamBase: 0},
	{Segment: 1, RIDBase: 0, Count: 16, Controller: 2, StreamBase: 0},
}}

func newRegistry(t *testing.T, opts iommu.Options) *iommu.Registry {
	t.Helper()

	if opts.Topology == nil {
		opts.Topology = topo
	}

	if opts.Logger == nil {
		opts.Logger = discard
	}

	r, err := iommu.NewRegistry(opts)
	require.NoError(t, err)

	return r
}

func setup(t *testing.T) (*iommu.Registry, *stubDriver, *iommu.Unit) {
	t.Helper()

	r := newRegistry(t, iommu.Options{})
	drv := newStub("stub0")

	u, err := r.Register(drv, 1)
	require.NoError(t, err)

	return r, drv, u
}

func TestNewRegistry(t *testing.T) {
	_, err := iommu.NewRegistry(iommu.Options{})
	require.ErrorIs(t, err, iommu.ErrInvalid)

	_, err = iommu.NewRegistry(iommu.Options{Topology: topo, FaultLogBurst: -1})
	require.ErrorIs(t, err, iommu.ErrInvalid)
}

func TestRegister(t *testing.T) {
	r, drv, u := setup(t)

	t.Run("duplicate", func(t *testing.T) {
		_, err := r.Register(newStub("other"), 1)
		require.ErrorIs(t, err, iommu.ErrExists)

		_, err = r.Register(drv, 9)
		require.ErrorIs(t, err, iommu.ErrExists)
	})

	t.Run("lookup", func(t *testing.T) {
		got, ok := r.Lookup(1)
		require.True(t, ok)
		require.Same(t, u, got)
		require.Same(t, drv, got.Driver())
		require.Equal(t, uint64(1), got.Xref())

		_, ok = r.Lookup(2)
		require.False(t, ok)

		u2, err := r.Register(newStub("stub1"), 2)
		require.NoError(t, err)
		require.Equal(t, []*iommu.Unit{u, u2}, r.Units())
	})

	t.Run("fault routing", func(t *testing.T) {
		require.Same(t, u, drv.handler)
	})

	t.Run("unregister busy", func(t *testing.T) {
		d, err := r.DomainAlloc(u)
		require.NoError(t, err)

		require.ErrorIs(t, r.Unregister(drv), iommu.ErrBusy)

		require.NoError(t, r.DomainFree(d))
		require.NoError(t, r.Unregister(drv))
		require.Nil(t, drv.handler)

		require.ErrorIs(t, r.Unregister(drv), iommu.ErrNotFound)

		_, ok := r.Lookup(1)
		require.False(t, ok)
	})
}

func TestDomainAlloc(t *testing.T) {
	r, drv, u := setup(t)

	t.Run("ids", func(t *testing.T) {
		d0, err := r.DomainAlloc(u)
		require.NoError(t, err)

		d1, err := r.DomainAlloc(u)
		require.NoError(t, err)

		require.NotEqual(t, d0.ID(), d1.ID())
		require.Same(t, u, d0.Unit())
		require.Len(t, u.Domains(), 2)

		require.NoError(t, r.DomainFree(d0))
		require.NoError(t, r.DomainFree(d1))
		require.Empty(t, u.Domains())

		require.ErrorIs(t, r.DomainFree(d0), iommu.ErrNotFound)
	})

	t.Run("driver failure", func(t *testing.T) {
		drv.setFail("alloc", boom)
		defer drv.setFail("alloc", nil)

		_, err := r.DomainAlloc(u)
		require.ErrorIs(t, err, boom)
		require.Empty(t, u.Domains())
	})

	t.Run("free failure", func(t *testing.T) {
		d, err := r.DomainAlloc(u)
		require.NoError(t, err)

		drv.setFail("free", boom)
		require.ErrorIs(t, r.DomainFree(d), boom)
		require.Len(t, u.Domains(), 1)

		drv.setFail("free", nil)
		require.NoError(t, r.DomainFree(d))
	})

	t.Run("foreign unit", func(t *testing.T) {
		other := newRegistry(t, iommu.Options{})
		_, err := other.DomainAlloc(u)
		require.ErrorIs(t, err, iommu.ErrInvalid)
	})

	t.Run("unregistered during alloc", func(t *testing.T) {
		drv.onAlloc = func() {
			drv.onAlloc = nil
			require.NoError(t, r.Unregister(drv))
		}

		d, err := r.DomainAlloc(u)
		require.ErrorIs(t, err, iommu.ErrNotFound)
		require.Nil(t, d)
		require.Empty(t, u.Domains())
		require.Empty(t, drv.contexts)

		_, err = r.DomainAlloc(u)
		require.ErrorIs(t, err, iommu.ErrNotFound)
		require.Empty(t, drv.contexts)
	})
}

func TestAttach(t *testing.T) {
	r, drv, u := setup(t)

	d, err := r.DomainAlloc(u)
	require.NoError(t, err)

	dev := iommu.NewDevice("a", 0, 5)

	t.Run("attach", func(t *testing.T) {
		require.NoError(t, r.AttachDevice(d, dev))
		require.Equal(t, iommu.StateAttached, dev.State())
		require.Same(t, d, dev.Domain())
		require.True(t, drv.attached(5))

		sid, ok := dev.StreamID()
		require.True(t, ok)
		require.Equal(t, uint32(5), sid)

		got, ok := r.DomainForDevice(dev)
		require.True(t, ok)
		require.Same(t, d, got)
		require.Equal(t, []*iommu.Device{dev}, d.Devices())
	})

	t.Run("twice", func(t *testing.T) {
		require.ErrorIs(t, r.AttachDevice(d, dev), iommu.ErrAttached)

		d2, err := r.DomainAlloc(u)
		require.NoError(t, err)

		require.ErrorIs(t, r.AttachDevice(d2, dev), iommu.ErrAttached)
		require.Same(t, d, dev.Domain())
		require.NoError(t, r.DomainFree(d2))
	})

	t.Run("free busy", func(t *testing.T) {
		require.ErrorIs(t, r.DomainFree(d), iommu.ErrBusy)
	})

	t.Run("detach never attached", func(t *testing.T) {
		other := iommu.NewDevice("b", 0, 6)
		require.ErrorIs(t, r.DetachDevice(d, other), iommu.ErrNotFound)
		require.Equal(t, []*iommu.Device{dev}, d.Devices())
		require.Equal(t, iommu.StateUnattached, other.State())
	})

	t.Run("detach from wrong domain", func(t *testing.T) {
		d2, err := r.DomainAlloc(u)
		require.NoError(t, err)

		require.ErrorIs(t, r.DetachDevice(d2, dev), iommu.ErrNotFound)
		require.Equal(t, iommu.StateAttached, dev.State())
		require.NoError(t, r.DomainFree(d2))
	})

	t.Run("detach failure", func(t *testing.T) {
		drv.setFail("detach", boom)
		require.ErrorIs(t, r.DetachDevice(d, dev), boom)
		drv.setFail("detach", nil)

		require.Equal(t, iommu.StateAttached, dev.State())
		require.Equal(t, []*iommu.Device{dev}, d.Devices())
	})

	t.Run("detach", func(t *testing.T) {
		require.NoError(t, r.DetachDevice(d, dev))
		require.Equal(t, iommu.StateUnattached, dev.State())
		require.Nil(t, dev.Domain())
		require.Empty(t, d.Devices())
		require.False(t, drv.attached(5))

		_, ok := r.DomainForDevice(dev)
		require.False(t, ok)

		require.ErrorIs(t, r.DetachDevice(d, dev), iommu.ErrNotFound)
	})

	t.Run("free after detach", func(t *testing.T) {
		require.NoError(t, r.DomainFree(d))
		require.ErrorIs(t, r.AttachDevice(d, dev), iommu.ErrNotFound)
		require.Equal(t, iommu.StateUnattached, dev.State())
		require.False(t, drv.attached(5))
	})
}

func TestAttachFailure(t *testing.T) {
	r, drv, u := setup(t)

	d, err := r.DomainAlloc(u)
	require.NoError(t, err)

	t.Run("driver", func(t *testing.T) {
		dev := iommu.NewDevice("a", 0, 1)

		drv.setFail("attach", boom)
		require.ErrorIs(t, r.AttachDevice(d, dev), boom)
		drv.setFail("attach", nil)

		require.Equal(t, iommu.StateUnattached, dev.State())
		require.Empty(t, d.Devices())

		require.NoError(t, r.AttachDevice(d, dev))
		require.NoError(t, r.DetachDevice(d, dev))
	})

	t.Run("no mapping", func(t *testing.T) {
		dev := iommu.NewDevice("a", 0, 100)
		require.ErrorIs(t, r.AttachDevice(d, dev), iommu.ErrTopology)
		require.ErrorIs(t, r.AttachDevice(d, dev), topology.ErrNoMapping)
		require.Equal(t, iommu.StateUnattached, dev.State())
	})

	t.Run("other controller", func(t *testing.T) {
		dev := iommu.NewDevice("a", 1, 1)
		require.ErrorIs(t, r.AttachDevice(d, dev), iommu.ErrInvalid)
		require.Equal(t, iommu.StateUnattached, dev.State())
	})

	t.Run("shared stream", func(t *testing.T) {
		a := iommu.NewDevice("a", 0, 2)
		b := iommu.NewDevice("b", 0, 2)

		require.NoError(t, r.AttachDevice(d, a))
		require.Error(t, r.AttachDevice(d, b))
		require.Equal(t, iommu.StateUnattached, b.State())
		require.True(t, drv.attached(2))

		require.NoError(t, r.DetachDevice(d, a))
	})

	require.NoError(t, r.DomainFree(d))
}

func TestDeviceState(t *testing.T) {
	for s, want := range map[iommu.DeviceState]string{
		iommu.StateUnattached: "unattached",
		iommu.StateAttaching:  "attaching",
		iommu.StateAttached:   "attached",
		iommu.StateDetaching:  "detaching",
		iommu.StateFaulted:    "faulted",
		iommu.DeviceState(42): "DeviceState(42)",
	} {
		require.Equal(t, want, s.String())
	}

	require.Equal(t, "rw-", (iommu.ProtRead | iommu.ProtWrite).String())
	require.Equal(t, "--x", iommu.ProtExec.String())
}
