package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c35s/iommu/config"
	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	f, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}

	if len(f.Controllers) != 2 || len(f.Devices) != 3 {
		t.Errorf("%d controllers, %d devices", len(f.Controllers), len(f.Devices))
	}

	c, ok := f.Controller("smmu0")
	if !ok {
		t.Fatal("no smmu0")
	}

	if !c.TwoLevel || c.SIDBits != 16 || c.CmdqLog2 != 8 || c.OAS != 48 {
		t.Errorf("smmu0 %+v", c)
	}

	xref, sid, err := f.Table().ResolveStreamID(0, 5)
	if err != nil || xref != 1 || sid != 0x105 {
		t.Errorf("nvme0: xref=%#x sid=%#x err=%v", xref, sid, err)
	}
}

func TestParse(t *testing.T) {
	const doc = `
controllers:
  - xref: 7
    pri: true
    syncTimeout: 5ms
topology:
  - segment: 0
    ridBase: 0
    count: 16
    controller: 7
    streamBase: 0
devices:
  - name: dev
    rid: 3
`

	f, err := config.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}

	want := config.Controller{
		Name:        "smmu0",
		Xref:        7,
		SIDBits:     16,
		PRI:         true,
		CmdqLog2:    8,
		EvtqLog2:    8,
		PriqLog2:    8,
		OAS:         48,
		SyncTimeout: 5 * time.Millisecond,
	}

	if diff := cmp.Diff(want, f.Controllers[0]); diff != "" {
		t.Errorf("controller (-want +got):\n%s", diff)
	}

	if f.Arena.Base != config.DefaultArenaBase || f.Arena.SizeMB != config.DefaultArenaMB {
		t.Errorf("arena %+v", f.Arena)
	}

	if f.Devices[0].BufferKB != 16 {
		t.Errorf("buffer %dKB", f.Devices[0].BufferKB)
	}

	sc := f.Controllers[0].Sim(nil)
	if sc.SIDBits != 16 || !sc.PRI || sc.PriqLog2 != 8 {
		t.Errorf("sim config %+v", sc)
	}
}

func TestValidate(t *testing.T) {
	const topo = `
topology:
  - {segment: 0, ridBase: 0, count: 16, controller: 1, streamBase: 0}
`

	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "controllers: [{xref: 1, bogus: 1}]"},
		{"no controllers", "devices: []"},
		{"version", "version: 2\ncontrollers: [{xref: 1}]"},
		{"small arena", "arena: {sizeMB: -1}\ncontrollers: [{xref: 1}]"},
		{"duplicate name", "controllers: [{name: a, xref: 1}, {name: a, xref: 2}]"},
		{"duplicate xref", "controllers: [{xref: 1}, {xref: 1}]"},
		{"stream bits", "controllers: [{xref: 1, sidBits: 33}]"},
		{"negative timeout", "controllers: [{xref: 1, ackTimeout: -1s}]"},
		{"unknown xref", "controllers: [{xref: 2}]" + topo},
		{"unmapped device", "controllers: [{xref: 1}]" + topo + "devices: [{name: d, rid: 99}]"},
		{"duplicate device", "controllers: [{xref: 1}]" + topo + "devices: [{name: d, rid: 1}, {name: d, rid: 2}]"},
		{"unaligned doorbell", "controllers: [{xref: 1}]" + topo + "devices: [{name: d, rid: 1, doorbell: 0x10}]"},
		{"overlapping topology", "controllers: [{xref: 1}]" + topo +
			"  - {segment: 0, ridBase: 8, count: 16, controller: 1, streamBase: 32}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.Parse(strings.NewReader(tt.doc)); !errors.Is(err, config.ErrInvalid) {
				t.Errorf("err=%v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.yaml")
	if err := os.WriteFile(path, []byte("controllers: [{xref: 1}]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if f.Controllers[0].Name != "smmu0" {
		t.Errorf("name %q", f.Controllers[0].Name)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("no error for missing file")
	}
}
