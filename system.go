package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c35s/iommu/config"
	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/iommu"
	"github.com/c35s/iommu/smmu"
	"github.com/c35s/iommu/smmu/sim"
	"golang.org/x/sync/errgroup"
)

// system is a built configuration: one arena, the probed controllers and a
// registry holding them.
type system struct {
	cfg   *config.File
	log   *slog.Logger
	mem   *dma.Arena
	reg   *iommu.Registry
	ctrls []*controller
}

type controller struct {
	cfg  config.Controller
	hw   *sim.SMMU
	drv  *smmu.Controller
	unit *iommu.Unit
}

func newSystem(cfg *config.File, log *slog.Logger, opts iommu.Options) (_ *system, err error) {
	mem, err := dma.NewArena(cfg.Arena.Base, cfg.Arena.SizeMB<<20)
	if err != nil {
		return nil, err
	}

	opts.Topology = cfg.Table()
	opts.Logger = log

	reg, err := iommu.NewRegistry(opts)
	if err != nil {
		mem.Close()
		return nil, err
	}

	sys := &system{
		cfg: cfg,
		log: log,
		mem: mem,
		reg: reg,
	}

	defer func() {
		if err != nil {
			err = errors.Join(err, sys.close())
		}
	}()

	for _, cc := range cfg.Controllers {
		hw := sim.New(cc.Sim(log), mem)

		drv, err := smmu.Probe(cc.Driver(hw, mem, log))
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", cc.Name, err)
		}

		ctrl := &controller{cfg: cc, hw: hw, drv: drv}
		sys.ctrls = append(sys.ctrls, ctrl)

		if ctrl.unit, err = reg.Register(drv, cc.Xref); err != nil {
			return nil, err
		}
	}

	return sys, nil
}

// serve runs every controller's interrupt handlers until ctx is done.
func (sys *system) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, ctrl := range sys.ctrls {
		g.Go(func() error {
			return ctrl.drv.Serve(ctx, ctrl.hw.IRQs())
		})
	}

	return g.Wait()
}

func (sys *system) controller(xref uint64) (*controller, bool) {
	for _, ctrl := range sys.ctrls {
		if ctrl.cfg.Xref == xref {
			return ctrl, true
		}
	}

	return nil, false
}

func (sys *system) named(name string) (*controller, bool) {
	for _, ctrl := range sys.ctrls {
		if ctrl.cfg.Name == name {
			return ctrl, true
		}
	}

	return nil, false
}

func (sys *system) close() error {
	var errs []error

	for _, ctrl := range sys.ctrls {
		if ctrl.unit != nil {
			errs = append(errs, sys.reg.Unregister(ctrl.drv))
		}

		errs = append(errs, ctrl.drv.Close())

		if err := ctrl.hw.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: register misuse: %w", ctrl.cfg.Name, err))
		}
	}

	errs = append(errs, sys.mem.Close())

	return errors.Join(errs...)
}
