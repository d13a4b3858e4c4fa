package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/p-arndt/mdbench/internal/mdlog"
	"github.com/p-arndt/mdbench/internal/placement"
	"github.com/spf13/cobra"
)

func newConfigsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configs",
		Short: "List the placement configurations in run order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tConfiguration\tFlags")
			for i, key := range placement.Enumerate() {
				flags := strings.Join(key.Flags(), " ")
				if flags == "" {
					flags = "-"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, key, flags)
			}
			return tw.Flush()
		},
	}
}

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse LOGFILE",
		Short: "Print the wall time and throughput found in an engine log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perf, err := mdlog.ParseFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wall_time_s\t%g\n", perf.WallTimeS)
			fmt.Fprintf(out, "ns_per_day\t%g\n", perf.NsPerDay)
			fmt.Fprintf(out, "hours_per_ns\t%g\n", perf.HoursPerNs)
			return nil
		},
	}
}
