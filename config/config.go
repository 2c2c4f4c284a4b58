// Package config describes a simulated system in YAML: the memory arena,
// the translation controllers, the firmware topology mapping requesters to
// stream IDs, and the devices behind them.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/iommu"
	"github.com/c35s/iommu/smmu"
	"github.com/c35s/iommu/smmu/sim"
	"github.com/c35s/iommu/topology"
	"gopkg.in/yaml.v3"
)

// File is a system description.
type File struct {
	Version     int                `yaml:"version"`
	Arena       Arena              `yaml:"arena"`
	Controllers []Controller       `yaml:"controllers"`
	Topology    []topology.Mapping `yaml:"topology"`
	Devices     []Device           `yaml:"devices"`
}

// Arena is the simulated physical memory shared by every controller.
type Arena struct {
	Base   uint64 `yaml:"base,omitempty"`
	SizeMB int    `yaml:"sizeMB,omitempty"`
}

// Controller is one simulated stream MMU.
type Controller struct {
	Name     string `yaml:"name"`
	Xref     uint64 `yaml:"xref"`
	SIDBits  int    `yaml:"sidBits,omitempty"`
	TwoLevel bool   `yaml:"twoLevel,omitempty"`

	PRI bool `yaml:"pri,omitempty"`
	MSI bool `yaml:"msi,omitempty"`
	HYP bool `yaml:"hyp,omitempty"`
	ATS bool `yaml:"ats,omitempty"`

	CmdqLog2 uint32 `yaml:"cmdqLog2,omitempty"`
	EvtqLog2 uint32 `yaml:"evtqLog2,omitempty"`
	PriqLog2 uint32 `yaml:"priqLog2,omitempty"`
	OAS      uint   `yaml:"oas,omitempty"`

	AckTimeout   time.Duration `yaml:"ackTimeout,omitempty"`
	QueueTimeout time.Duration `yaml:"queueTimeout,omitempty"`
	SyncTimeout  time.Duration `yaml:"syncTimeout,omitempty"`
}

// Device is a bus master behind a controller.
type Device struct {
	Name    string `yaml:"name"`
	Segment int    `yaml:"segment"`
	RID     uint16 `yaml:"rid"`

	// Doorbell is the device address of the interrupt doorbell page, mapped
	// before any other traffic. Zero means none.
	Doorbell uint64 `yaml:"doorbell,omitempty"`

	// BufferKB is the size of the DMA buffer mapped for the device.
	BufferKB int `yaml:"bufferKB,omitempty"`
}

const (
	DefaultArenaBase = 0x4000_0000
	DefaultArenaMB   = 16
)

var ErrInvalid = errors.New("config: invalid configuration")

//go:embed default.yaml
var defaultYAML []byte

// Default returns the built-in system description.
func Default() (*File, error) {
	return Parse(bytes.NewReader(defaultYAML))
}

// Load reads and validates the description at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes and validates a description. Unknown fields are errors.
func Parse(r io.Reader) (*File, error) {
	var cfg File

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (f *File) normalize() {
	if f.Version == 0 {
		f.Version = 1
	}

	if f.Arena.Base == 0 {
		f.Arena.Base = DefaultArenaBase
	}

	if f.Arena.SizeMB == 0 {
		f.Arena.SizeMB = DefaultArenaMB
	}

	for i := range f.Controllers {
		c := &f.Controllers[i]

		if c.Name == "" {
			c.Name = fmt.Sprintf("smmu%d", i)
		}

		if c.SIDBits == 0 {
			c.SIDBits = 16
		}

		if c.CmdqLog2 == 0 {
			c.CmdqLog2 = 8
		}

		if c.EvtqLog2 == 0 {
			c.EvtqLog2 = 8
		}

		if c.PRI && c.PriqLog2 == 0 {
			c.PriqLog2 = 8
		}

		if c.OAS == 0 {
			c.OAS = 48
		}
	}

	for i := range f.Devices {
		if f.Devices[i].BufferKB == 0 {
			f.Devices[i].BufferKB = 16
		}
	}
}

// Validate checks the description for consistency.
func (f *File) Validate() error {
	if f.Version != 1 {
		return fmt.Errorf("%w: version %d", ErrInvalid, f.Version)
	}

	if size := f.Arena.SizeMB << 20; size < dma.SizeMin || size > dma.SizeMax {
		return fmt.Errorf("%w: arena of %dMB", ErrInvalid, f.Arena.SizeMB)
	}

	if len(f.Controllers) == 0 {
		return fmt.Errorf("%w: no controllers", ErrInvalid)
	}

	var (
		names = map[string]bool{}
		xrefs = map[uint64]bool{}
	)

	for _, c := range f.Controllers {
		if names[c.Name] {
			return fmt.Errorf("%w: duplicate controller %q", ErrInvalid, c.Name)
		}

		if xrefs[c.Xref] {
			return fmt.Errorf("%w: duplicate controller xref %#x", ErrInvalid, c.Xref)
		}

		names[c.Name], xrefs[c.Xref] = true, true

		if c.SIDBits < 1 || c.SIDBits > 32 {
			return fmt.Errorf("%w: %s: %d stream id bits", ErrInvalid, c.Name, c.SIDBits)
		}

		if c.AckTimeout < 0 || c.QueueTimeout < 0 || c.SyncTimeout < 0 {
			return fmt.Errorf("%w: %s: negative timeout", ErrInvalid, c.Name)
		}
	}

	topo := f.Table()
	if err := topo.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	for _, m := range topo.Mappings {
		if !xrefs[m.Controller] {
			return fmt.Errorf("%w: mapping for unknown controller xref %#x", ErrInvalid, m.Controller)
		}
	}

	devs := map[string]bool{}
	for _, d := range f.Devices {
		if d.Name == "" || devs[d.Name] {
			return fmt.Errorf("%w: device name %q missing or duplicate", ErrInvalid, d.Name)
		}

		devs[d.Name] = true

		if d.Doorbell%iommu.PageSize != 0 {
			return fmt.Errorf("%w: %s: doorbell %#x not page aligned", ErrInvalid, d.Name, d.Doorbell)
		}

		if d.BufferKB < 0 {
			return fmt.Errorf("%w: %s: buffer of %dKB", ErrInvalid, d.Name, d.BufferKB)
		}

		if _, _, err := topo.ResolveStreamID(d.Segment, d.RID); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, d.Name, err)
		}
	}

	return nil
}

// Table returns the topology as a resolver.
func (f *File) Table() *topology.Table {
	return &topology.Table{Mappings: f.Topology}
}

// Controller returns the controller named name.
func (f *File) Controller(name string) (Controller, bool) {
	for _, c := range f.Controllers {
		if c.Name == name {
			return c, true
		}
	}

	return Controller{}, false
}

// Sim returns the simulated hardware configuration.
func (c Controller) Sim(log *slog.Logger) sim.Config {
	return sim.Config{
		SIDBits:  c.SIDBits,
		TwoLevel: c.TwoLevel,
		PRI:      c.PRI,
		MSI:      c.MSI,
		SEV:      true,
		HYP:      c.HYP,
		ATS:      c.ATS,
		CmdqLog2: c.CmdqLog2,
		EvtqLog2: c.EvtqLog2,
		PriqLog2: c.PriqLog2,
		OAS:      c.OAS,
		Logger:   log,
	}
}

// Driver returns the driver configuration for the controller, served by
// regs and backed by mem.
func (c Controller) Driver(regs smmu.Registers, mem *dma.Arena, log *slog.Logger) smmu.Config {
	return smmu.Config{
		Name:         c.Name,
		Regs:         regs,
		Mem:          mem,
		Logger:       log,
		AckTimeout:   c.AckTimeout,
		QueueTimeout: c.QueueTimeout,
		SyncTimeout:  c.SyncTimeout,
	}
}
