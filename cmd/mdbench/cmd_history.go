package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/p-arndt/mdbench/internal/report"
	"github.com/p-arndt/mdbench/internal/store"
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List previous runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tStarted\tCase\tMode\tStatus\tDuration")
			for _, r := range runs {
				dur := "-"
				if !r.FinishedAt.IsZero() {
					dur = units.HumanDuration(r.FinishedAt.Sub(r.StartedAt))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.StartedAt.Format(time.RFC3339), r.Case, r.Mode, r.Status, dur)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list (0 for all)")
	return cmd
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report RUN_ID",
		Short: "Render the report of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(args[0])
			if err != nil {
				return err
			}
			if run.Status != store.StatusCompleted {
				return fmt.Errorf("run %s is %s", run.ID, run.Status)
			}
			all, err := st.ListStats(run.ID)
			if err != nil {
				return err
			}

			var host report.Host
			if run.Host != "" {
				if err := json.Unmarshal([]byte(run.Host), &host); err != nil {
					return fmt.Errorf("decode host: %w", err)
				}
			}
			return report.Render(cmd.OutOrStdout(), report.Meta{
				RunID:      run.ID,
				Case:       run.Case,
				Mode:       run.Mode,
				Steps:      run.Steps,
				Replicates: run.Replicates,
				StartedAt:  run.StartedAt,
				Duration:   run.FinishedAt.Sub(run.StartedAt),
				Host:       host,
			}, all)
		},
	}
}

func openStore(opts *rootOptions) (*store.Store, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
