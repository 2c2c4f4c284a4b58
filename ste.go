package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/c35s/iommu/iommu"
	"github.com/spf13/cobra"
)

var (
	steController string
	steSID        uint32
)

var steCmd = &cobra.Command{
	Use:   "ste",
	Short: "Attach the configured devices and dump one stream table entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		sys, err := newSystem(cfg, newLogger(os.Stderr), iommu.Options{})
		if err != nil {
			return err
		}

		defer func() {
			err = errors.Join(err, sys.close())
		}()

		var attached []*attachment

		defer func() {
			for _, a := range attached {
				err = errors.Join(err, sys.detach(a))
			}
		}()

		for _, dc := range cfg.Devices {
			a, err := sys.attach(dc)
			if err != nil {
				return err
			}

			attached = append(attached, a)
		}

		return sys.dumpSTE(cmd.OutOrStdout(), steController, steSID)
	},
}

func init() {
	steCmd.Flags().StringVar(&steController, "controller", "smmu0", "dump an entry of the named controller")
	steCmd.Flags().Uint32Var(&steSID, "sid", 0, "dump the entry of stream `id`")
	rootCmd.AddCommand(steCmd)
}

func (sys *system) dumpSTE(w io.Writer, name string, sid uint32) error {
	ctrl, ok := sys.named(name)
	if !ok {
		return fmt.Errorf("no controller %q", name)
	}

	ste, err := ctrl.drv.ReadSTE(sid)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s sid %#x: valid=%v mode=%v cd=%#x\n", name, sid, ste.Valid(), ste.Mode(), ste.ContextPtr())

	for i, word := range ste {
		fmt.Fprintf(w, "  [%d] %#016x\n", i, word)
	}

	return nil
}
