package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/c35s/iommu/config"
	"github.com/c35s/iommu/iommu"
	"github.com/c35s/iommu/smmu/sim"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// faultWait bounds the wait for the interrupt path to quarantine a device.
const faultWait = time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach every device, run DMA through its domain and tear it down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return run(ctx, cmd.OutOrStdout(), cfg, newLogger(os.Stderr))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context, out io.Writer, cfg *config.File, log *slog.Logger) (err error) {
	faults := make(chan *iommu.Device, 16)

	sys, err := newSystem(cfg, log, iommu.Options{
		OnFault: func(dev *iommu.Device, _ iommu.Fault) {
			select {
			case faults <- dev:
			default:
			}
		},
	})

	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, sys.close())
	}()

	ctx, cancel := context.WithCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sys.serve(gctx)
	})

	defer func() {
		cancel()
		err = errors.Join(err, g.Wait())
	}()

	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tSMMU\tSID\tDOMAIN\tDMA\tSTATE")

	for _, dc := range cfg.Devices {
		if err := ctx.Err(); err != nil {
			return err
		}

		a, err := sys.attach(dc)
		if err != nil {
			return err
		}

		sid, _ := a.dev.StreamID()
		n, dmaErr := sys.exercise(ctx, a, faults)

		fmt.Fprintf(tw, "%s\t%s\t%#x\t%d\t%d ok\t%v\n", dc.Name, a.ctrl.cfg.Name, sid, a.dom.ID(), n, a.dev.State())

		if err := errors.Join(dmaErr, sys.detach(a)); err != nil {
			return err
		}
	}

	return tw.Flush()
}

// exercise issues DMA through a's mappings: a doorbell write, a read of
// each end of the buffer, then a write to device address 0, which is never
// mapped. The last one must quarantine the device. It returns the number of
// translations that succeeded.
func (sys *system) exercise(ctx context.Context, a *attachment, faults <-chan *iommu.Device) (int, error) {
	sid, _ := a.dev.StreamID()
	hw := a.ctrl.hw

	type access struct {
		va, pa uint64
		write  bool
	}

	var dma []access

	if a.doorbell.Size > 0 {
		dma = append(dma, access{a.cfg.Doorbell, a.doorbell.Addr, true})
	}

	for _, s := range a.segs {
		dma = append(dma,
			access{s.Addr, a.buf.Addr, false},
			access{s.Addr + s.Len - 8, a.buf.Addr + a.buf.Size - 8, true})
	}

	var n int
	for _, x := range dma {
		pa, err := hw.Translate(sid, x.va, x.write)
		if err != nil {
			return n, fmt.Errorf("%s: dma to %#x: %w", a.cfg.Name, x.va, err)
		}

		if pa != x.pa {
			return n, fmt.Errorf("%s: dma to %#x reached %#x, want %#x", a.cfg.Name, x.va, pa, x.pa)
		}

		sys.log.Debug("dma", "device", a.cfg.Name, "va", fmt.Sprintf("%#x", x.va), "pa", fmt.Sprintf("%#x", pa))
		n++
	}

	if _, err := hw.Translate(sid, 0, true); !errors.Is(err, sim.ErrFault) {
		return n, fmt.Errorf("%s: dma to unmapped address: %v", a.cfg.Name, err)
	}

	timeout := time.NewTimer(faultWait)
	defer timeout.Stop()

	for a.dev.State() != iommu.StateFaulted {
		select {
		case <-faults:
		case <-timeout.C:
			return n, fmt.Errorf("%s: not quarantined after %v", a.cfg.Name, faultWait)
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}

	if _, err := hw.Translate(sid, a.cfg.Doorbell, true); !errors.Is(err, sim.ErrAborted) {
		return n, fmt.Errorf("%s: dma after quarantine: %v", a.cfg.Name, err)
	}

	return n, nil
}
