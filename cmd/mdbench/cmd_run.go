package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/go-units"
	"github.com/p-arndt/mdbench/internal/bench"
	"github.com/p-arndt/mdbench/internal/config"
	"github.com/p-arndt/mdbench/internal/engine"
	"github.com/p-arndt/mdbench/internal/metrics"
	"github.com/p-arndt/mdbench/internal/records"
	"github.com/p-arndt/mdbench/internal/report"
	"github.com/p-arndt/mdbench/internal/store"
	"github.com/p-arndt/mdbench/internal/telemetry"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every placement configuration and write the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

			sum, err := runBenchmark(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s finished in %s\nreport: %s\n",
				sum.RunID, units.HumanDuration(sum.Duration), sum.ReportPath)
			return nil
		},
	}
}

func runBenchmark(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*bench.Summary, error) {
	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var exec engine.Executor = engine.LocalExecutor{}
	if cfg.Engine.Docker.Enabled {
		de, err := engine.NewDockerExecutor(engine.DockerOptions{
			Image: cfg.Engine.Docker.Image,
			GPUs:  cfg.Engine.Docker.GPUs,
		})
		if err != nil {
			return nil, err
		}
		defer de.Close()
		exec = de
		logger.Info("engine runs in docker", "image", cfg.Engine.Docker.Image)
	}

	eng := engine.NewMdrun(engine.Options{
		Binary:      cfg.Engine.Binary,
		Args:        cfg.Engine.Args,
		Workdir:     cfg.Engine.Workdir,
		Steps:       cfg.Steps,
		CustomFlags: cfg.CustomFlags,
		Timeout:     cfg.EngineTimeout(),
	}, exec)

	samplers, err := buildSamplers(cfg, logger)
	if err != nil {
		return nil, err
	}

	rec := metrics.New(cfg.Case)
	orch := bench.NewOrchestrator(eng, samplers, rec, logger)
	runner := bench.NewRunner(orch, st, rec, bench.RunOptions{
		Case:            cfg.Case,
		Mode:            cfg.Mode,
		Steps:           cfg.Steps,
		Replicates:      cfg.Replicates,
		EnergyMethod:    cfg.Analysis.EnergyMethod,
		NormalizeSteps:  cfg.Analysis.NormalizeSteps,
		Layout:          records.NewLayout(cfg.OutputDir, cfg.Case),
		MetricsTextfile: cfg.MetricsTextfile,
		Host:            report.CollectHost(ctx),
	}, logger)

	return runner.Run(ctx)
}

// buildSamplers returns no samplers in speed mode. In energy mode the CPU
// channel is always sampled and the GPU channel unless disabled.
func buildSamplers(cfg *config.Config, logger *slog.Logger) ([]*telemetry.Sampler, error) {
	if !cfg.MeasuresEnergy() {
		return nil, nil
	}
	tc := cfg.Telemetry

	cpuSrc, err := telemetry.NewCPUSource(tc.RAPLGlob)
	if err != nil {
		return nil, err
	}
	if !cpuSrc.HasPower() {
		logger.Warn("no RAPL energy counters found, cpu energy will be n/a", "glob", tc.RAPLGlob)
	}
	samplers := []*telemetry.Sampler{
		telemetry.NewSampler(cpuSrc, tc.CPUPeriod(), tc.StopGrace(), logger),
	}
	if !tc.DisableGPU {
		samplers = append(samplers,
			telemetry.NewSampler(telemetry.NewGPUSource(tc.NvidiaSMI), tc.GPUPeriod(), tc.StopGrace(), logger))
	}
	return samplers, nil
}
