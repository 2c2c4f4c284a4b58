package sim_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/smmu"
	"github.com/c35s/iommu/smmu/sim"
	"golang.org/x/sys/unix"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newSim(t *testing.T, cfg sim.Config) *sim.SMMU {
	t.Helper()

	mem, err := dma.NewArena(0x4000_0000, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { mem.Close() })

	cfg.Logger = discard
	return sim.New(cfg, mem)
}

func TestHandleMMIO(t *testing.T) {
	s := newSim(t, sim.Config{SIDBits: 8})

	tests := []struct {
		name    string
		off     int
		size    int
		isWrite bool
		want    error
	}{
		{"short access", smmu.RegCR0, 2, false, unix.EINVAL},
		{"unaligned", smmu.RegCR0 + 2, 4, false, unix.EINVAL},
		{"unaligned 64-bit", smmu.RegCR0ACK, 8, false, unix.EINVAL},
		{"out of range", smmu.RegisterSpaceSize, 4, false, unix.EINVAL},
		{"negative", -4, 4, true, unix.EINVAL},
		{"unknown register", 0x040, 4, false, unix.EINVAL},
		{"unknown write", 0x040, 4, true, unix.EINVAL},
		{"pri base without pri", smmu.RegPriqBase, 8, true, unix.EPERM},
		{"irq config", smmu.RegEventqIRQCfg0, 8, true, nil},
		{"secure cr0", smmu.RegSecureCR0, 4, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.size)
			if err := s.HandleMMIO(tt.off, data, tt.isWrite); !errors.Is(err, tt.want) {
				t.Errorf("err=%v, want %v", err, tt.want)
			}
		})
	}

	t.Run("priq enable without pri", func(t *testing.T) {
		s.Write32(smmu.RegCR0, smmu.CR0PriqEn)
		if err := s.Err(); !errors.Is(err, unix.EINVAL) {
			t.Errorf("err=%v", err)
		}
	})
}

func TestEnabledRegisters(t *testing.T) {
	s := newSim(t, sim.Config{SIDBits: 8, CmdqLog2: 4})

	s.Write64(smmu.RegCmdqBase, 0x4000_0000|4)
	s.Write32(smmu.RegCR0, smmu.CR0SMMUEn|smmu.CR0CmdqEn)

	if err := s.Err(); err != nil {
		t.Fatal(err)
	}

	if !s.Enabled() {
		t.Fatal("not enabled")
	}

	for _, off := range []int{smmu.RegCR1, smmu.RegCR2, smmu.RegStrtabBaseCfg} {
		data := make([]byte, 4)
		if err := s.HandleMMIO(off, data, true); !errors.Is(err, unix.EPERM) {
			t.Errorf("reg %#x: err=%v", off, err)
		}
	}

	if err := s.HandleMMIO(smmu.RegCmdqBase, make([]byte, 8), true); !errors.Is(err, unix.EPERM) {
		t.Errorf("cmdq base: err=%v", err)
	}

	if err := s.HandleMMIO(smmu.RegCmdqCons, make([]byte, 4), true); !errors.Is(err, unix.EPERM) {
		t.Errorf("cmdq cons: err=%v", err)
	}

	s.Write32(smmu.RegCR0, 0)

	if err := s.HandleMMIO(smmu.RegCR1, make([]byte, 4), true); err != nil {
		t.Errorf("cr1 after disable: %v", err)
	}
}

func TestIDR(t *testing.T) {
	s := newSim(t, sim.Config{SIDBits: 16, TwoLevel: true, PRI: true, CmdqLog2: 8, EvtqLog2: 7, PriqLog2: 6})

	idr0 := s.Read32(smmu.RegIDR0)
	for _, bit := range []uint32{smmu.IDR0StLvl2, smmu.IDR0PRI, smmu.IDR0S1P, smmu.IDR0TTFAArch64} {
		if idr0&bit != bit {
			t.Errorf("idr0 %#x missing %#x", idr0, bit)
		}
	}

	if idr0&smmu.IDR0MSI != 0 {
		t.Errorf("idr0 %#x reports msi", idr0)
	}

	if sid := s.Read32(smmu.RegIDR1) >> smmu.IDR1SIDShift & smmu.IDR1SIDMask; sid != 16 {
		t.Errorf("%d stream id bits", sid)
	}

	s = newSim(t, sim.Config{
		SIDBits: 8,
		IDR: func(idr0, idr1, idr5 uint32) (uint32, uint32, uint32) {
			return idr0 &^ smmu.IDR0S1P, idr1, idr5
		},
	})

	if s.Read32(smmu.RegIDR0)&smmu.IDR0S1P != 0 {
		t.Error("IDR hook ignored")
	}
}

func TestAck(t *testing.T) {
	t.Run("delay", func(t *testing.T) {
		s := newSim(t, sim.Config{SIDBits: 8, AckDelay: 2})

		s.Write32(smmu.RegCR0, smmu.CR0EventqEn)

		for i := range 2 {
			if ack := s.Read32(smmu.RegCR0ACK); ack != 0 {
				t.Errorf("read %d: ack %#x early", i, ack)
			}
		}

		if ack := s.Read32(smmu.RegCR0ACK); ack != smmu.CR0EventqEn {
			t.Errorf("ack %#x", ack)
		}
	})

	t.Run("never", func(t *testing.T) {
		s := newSim(t, sim.Config{SIDBits: 8, NoAck: true})

		s.Write32(smmu.RegIRQCtrl, smmu.IRQCtrlEventqEn)
		if ack := s.Read32(smmu.RegIRQCtrlACK); ack != 0 {
			t.Errorf("ack %#x", ack)
		}
	})
}

func TestTranslateDisabled(t *testing.T) {
	s := newSim(t, sim.Config{SIDBits: 8})

	if _, err := s.Translate(0, 0x1000, false); !errors.Is(err, sim.ErrDisabled) {
		t.Errorf("err=%v", err)
	}
}

func TestRaiseGError(t *testing.T) {
	s := newSim(t, sim.Config{SIDBits: 8})
	s.Write32(smmu.RegIRQCtrl, smmu.IRQCtrlGErrorEn)

	s.RaiseGError(smmu.GErrorSFM)

	select {
	case <-s.IRQs().GError:
	default:
		t.Fatal("no interrupt")
	}

	active := s.Read32(smmu.RegGError) ^ s.Read32(smmu.RegGErrorN)
	if active != smmu.GErrorSFM {
		t.Errorf("active %#x", active)
	}

	// raising an active error again does not toggle it off
	s.RaiseGError(smmu.GErrorSFM)
	if active := s.Read32(smmu.RegGError) ^ s.Read32(smmu.RegGErrorN); active != smmu.GErrorSFM {
		t.Errorf("active %#x after second raise", active)
	}

	s.Write32(smmu.RegGErrorN, s.Read32(smmu.RegGError))
	if active := s.Read32(smmu.RegGError) ^ s.Read32(smmu.RegGErrorN); active != 0 {
		t.Errorf("active %#x after acknowledge", active)
	}
}
