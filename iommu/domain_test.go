package iommu_test

import (
	"testing"

	"github.com/c35s/iommu/iommu"
	"github.com/stretchr/testify/require"
)

const rw = iommu.ProtRead | iommu.ProtWrite

func newDomain(t *testing.T) (*iommu.Registry, *stubDriver, *iommu.Domain) {
	t.Helper()

	r, drv, u := setup(t)

	d, err := r.DomainAlloc(u)
	require.NoError(t, err)

	return r, drv, d
}

func TestMap(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		_, drv, d := newDomain(t)

		require.NoError(t, d.Map(0x10000, 0x80000, 0x1000, iommu.ProtRead))
		before := d.Mappings()

		require.NoError(t, d.Map(0x1000, 0x40000, 0x3000, rw))
		require.Len(t, d.Mappings(), 2)
		require.Equal(t, 4, drv.mapped(d.Context()))

		require.NoError(t, d.Unmap(0x1000, 0x3000))
		require.Equal(t, before, d.Mappings())

		require.ErrorIs(t, d.Unmap(0x1000, 0x3000), iommu.ErrNotFound)
		require.Equal(t, before, d.Mappings())
	})

	t.Run("split", func(t *testing.T) {
		_, _, d := newDomain(t)

		require.NoError(t, d.Map(0x1000, 0x40000, 0x3000, rw))
		require.NoError(t, d.Unmap(0x2000, 0x1000))

		want := []iommu.MapEntry{
			{Start: 0x1000, End: 0x2000, PA: 0x40000, Prot: rw},
			{Start: 0x3000, End: 0x4000, PA: 0x42000, Prot: rw},
		}

		require.Equal(t, want, d.Mappings())

		e, ok := d.Resolve(0x3010)
		require.True(t, ok)
		require.Equal(t, want[1], e)

		_, ok = d.Resolve(0x2000)
		require.False(t, ok)
	})

	t.Run("replace", func(t *testing.T) {
		_, drv, d := newDomain(t)

		require.NoError(t, d.Map(0x1000, 0x40000, 0x2000, rw))
		require.NoError(t, d.Map(0x2000, 0x90000, 0x1000, iommu.ProtRead))

		want := []iommu.MapEntry{
			{Start: 0x1000, End: 0x2000, PA: 0x40000, Prot: rw},
			{Start: 0x2000, End: 0x3000, PA: 0x90000, Prot: iommu.ProtRead},
		}

		require.Equal(t, want, d.Mappings())
		require.Equal(t, 2, drv.mapped(d.Context()))
	})

	t.Run("partial unmap", func(t *testing.T) {
		_, drv, d := newDomain(t)

		require.NoError(t, d.Map(0x2000, 0x40000, 0x1000, rw))

		// the mapped page is still removed
		require.ErrorIs(t, d.Unmap(0x1000, 0x3000), iommu.ErrNotFound)
		require.Empty(t, d.Mappings())
		require.Zero(t, drv.mapped(d.Context()))
	})

	t.Run("failure midway", func(t *testing.T) {
		r, drv, d := newDomain(t)
		drv.mapLimit = 2

		require.ErrorIs(t, d.Map(0x1000, 0x40000, 0x4000, rw), boom)
		require.Equal(t, []iommu.MapEntry{{Start: 0x1000, End: 0x3000, PA: 0x40000, Prot: rw}}, d.Mappings())

		require.ErrorIs(t, r.DomainFree(d), iommu.ErrBusy)

		drv.mapLimit = 0
		require.NoError(t, d.Unmap(0x1000, 0x2000))
		require.NoError(t, r.DomainFree(d))
	})

	t.Run("alignment", func(t *testing.T) {
		_, _, d := newDomain(t)

		require.ErrorIs(t, d.Map(0x1001, 0x40000, 0x1000, rw), iommu.ErrInvalid)
		require.ErrorIs(t, d.Map(0x1000, 0x40001, 0x1000, rw), iommu.ErrInvalid)
		require.ErrorIs(t, d.Map(0x1000, 0x40000, 0x800, rw), iommu.ErrInvalid)
		require.ErrorIs(t, d.Map(0x1000, 0x40000, 0, rw), iommu.ErrInvalid)
		require.ErrorIs(t, d.Unmap(^uint64(0)&^iommu.PageMask, 0x2000), iommu.ErrInvalid)
	})

	t.Run("pages", func(t *testing.T) {
		_, _, d := newDomain(t)

		require.NoError(t, d.MapPage(0x8000_0000, 0x7000, iommu.ProtWrite))

		e, ok := d.Resolve(0x8000_0ffc)
		require.True(t, ok)
		require.Equal(t, uint64(0x7000), e.PA)

		require.NoError(t, d.UnmapPage(0x8000_0000))
		require.ErrorIs(t, d.UnmapPage(0x8000_0000), iommu.ErrNotFound)
	})

	t.Run("freed", func(t *testing.T) {
		r, _, d := newDomain(t)
		require.NoError(t, r.DomainFree(d))

		require.ErrorIs(t, d.Map(0x1000, 0x40000, 0x1000, rw), iommu.ErrNotFound)
	})
}

func TestMapSegments(t *testing.T) {
	t.Run("map and unmap", func(t *testing.T) {
		r, drv, d := newDomain(t)

		segs := []iommu.Segment{
			{Addr: 0x40010, Len: 0x2000},
			{Addr: 0x90000, Len: 0x1000},
		}

		out, err := d.MapSegments(segs)
		require.NoError(t, err)
		require.Len(t, out, 2)

		require.Equal(t, uint64(0x10), out[0].Addr&iommu.PageMask)
		require.Equal(t, segs[0].Len, out[0].Len)
		require.NotZero(t, out[0].Addr&^iommu.PageMask, "device address 0 handed out")

		// 0x40010+0x2000 spans three pages
		require.Equal(t, 4, drv.mapped(d.Context()))

		e, ok := d.Resolve(out[0].Addr)
		require.True(t, ok)
		require.Equal(t, uint64(0x40000), e.PA)
		require.Equal(t, rw, e.Prot)

		require.NoError(t, d.UnmapSegments(out))
		require.Empty(t, d.Mappings())

		// the second unload fails without releasing addresses twice
		err = d.UnmapSegments(out)
		require.ErrorIs(t, err, iommu.ErrNotFound)
		require.NotErrorIs(t, err, iommu.ErrInvalid)

		again, err := d.MapSegments(segs)
		require.NoError(t, err)
		require.NoError(t, d.UnmapSegments(again))
		require.NoError(t, r.DomainFree(d))
	})

	t.Run("failure unwinds", func(t *testing.T) {
		_, drv, d := newDomain(t)
		drv.mapLimit = 2

		_, err := d.MapSegments([]iommu.Segment{
			{Addr: 0x40000, Len: 0x2000},
			{Addr: 0x90000, Len: 0x3000},
		})

		require.ErrorIs(t, err, boom)
		require.Empty(t, d.Mappings())
		require.Zero(t, drv.mapped(d.Context()))
	})

	t.Run("empty segment", func(t *testing.T) {
		_, _, d := newDomain(t)

		_, err := d.MapSegments([]iommu.Segment{{Addr: 0x40000, Len: 0x1000}, {Addr: 0x50000}})
		require.ErrorIs(t, err, iommu.ErrInvalid)
		require.Empty(t, d.Mappings())
	})

	t.Run("window", func(t *testing.T) {
		_, _, d := newDomain(t)

		require.ErrorIs(t, d.AddRange(0x1000, 0x1000), iommu.ErrInvalid)
		require.ErrorIs(t, d.AddRange(0x1_0000_0000, 0x800), iommu.ErrInvalid)
		require.NoError(t, d.AddRange(1<<50, 1<<20))
	})
}
