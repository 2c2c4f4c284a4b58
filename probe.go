package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/c35s/iommu/iommu"
	"github.com/c35s/iommu/smmu"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe every controller and print what it supports",
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

		return sys.printFeatures(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func (sys *system) printFeatures(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "SMMU\tXREF\tSTRTAB\tSID\tSSID\tASID\tIAS\tOAS\tCMDQ\tEVTQ\tPRIQ\tFEATURES")

	for _, ctrl := range sys.ctrls {
		f := ctrl.drv.Features()
		cmdq, evtq, priq := ctrl.drv.QueueSizes()

		fmt.Fprintf(tw, "%s\t%#x\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			ctrl.cfg.Name, ctrl.cfg.Xref, ctrl.drv.StreamTableFormat(),
			f.SIDBits, f.SSIDBits, f.ASIDBits, f.IAS, f.OAS,
			cmdq, evtq, priq, featureList(f))
	}

	return tw.Flush()
}

func featureList(f smmu.Features) string {
	var names []string

	for _, x := range []struct {
		on   bool
		name string
	}{
		{f.TwoLevelStrtab, "2lvl"},
		{f.TwoLevelCD, "2lvl-cd"},
		{f.SEV, "sev"},
		{f.MSI, "msi"},
		{f.HYP, "hyp"},
		{f.ATS, "ats"},
		{f.PRI, "pri"},
		{f.Stall, "stall"},
		{f.S1P, "s1"},
		{f.S2P, "s2"},
		{f.VAX52, "vax52"},
	} {
		if x.on {
			names = append(names, x.name)
		}
	}

	if len(names) == 0 {
		return "-"
	}

	return strings.Join(names, ",")
}
