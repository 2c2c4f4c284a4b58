package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/iommu"
	"github.com/c35s/iommu/smmu"
	"github.com/c35s/iommu/smmu/sim"
	"github.com/c35s/iommu/topology"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	mem, err := dma.NewArena(0x4000_0000, 16<<20)
	if err != nil {
		panic(err)
	}

	defer mem.Close()

	hw := sim.New(sim.Config{SIDBits: 16, TwoLevel: true, MSI: true, Logger: log}, mem)

	c, err := smmu.Probe(smmu.Config{Regs: hw, Mem: mem, Logger: log})
	if err != nil {
		panic(err)
	}

	defer c.Close()

	reg, err := iommu.NewRegistry(iommu.Options{
		Topology: &topology.Table{Mappings: []topology.Mapping{
			{Segment: 0, RIDBase: 0, Count: 256, Controller: 1, StreamBase: 0},
		}},
		Logger: log,
	})

	if err != nil {
		panic(err)
	}

	u, err := reg.Register(c, 1)
	if err != nil {
		panic(err)
	}

	d, err := reg.DomainAlloc(u)
	if err != nil {
		panic(err)
	}

	dev := iommu.NewDevice("nvme0", 0, 0x10)
	if err := reg.AttachDevice(d, dev); err != nil {
		panic(err)
	}

	buf, err := mem.Alloc(64<<10, iommu.PageSize)
	if err != nil {
		panic(err)
	}

	segs, err := d.MapSegments([]iommu.Segment{{Addr: buf.Addr, Len: buf.Size}})
	if err != nil {
		panic(err)
	}

	sid, _ := dev.StreamID()

	pa, err := hw.Translate(sid, segs[0].Addr+0x100, true)
	if err != nil {
		panic(err)
	}

	fmt.Printf("device address %#x -> physical %#x\n", segs[0].Addr+0x100, pa)

	if err := d.UnmapSegments(segs); err != nil {
		panic(err)
	}

	if err := reg.DetachDevice(d, dev); err != nil {
		panic(err)
	}

	if err := reg.DomainFree(d); err != nil {
		panic(err)
	}
}
