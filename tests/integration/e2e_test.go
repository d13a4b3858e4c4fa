//go:build integration && linux

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/p-arndt/mdbench/internal/bench"
	"github.com/p-arndt/mdbench/internal/config"
	"github.com/p-arndt/mdbench/internal/engine"
	"github.com/p-arndt/mdbench/internal/metrics"
	"github.com/p-arndt/mdbench/internal/placement"
	"github.com/p-arndt/mdbench/internal/records"
	"github.com/p-arndt/mdbench/internal/report"
	"github.com/p-arndt/mdbench/internal/store"
	"github.com/p-arndt/mdbench/internal/telemetry"
	"github.com/p-arndt/mdbench/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunner(t *testing.T, cfg *config.Config, st *store.Store) *bench.Runner {
	t.Helper()
	logger := testutil.Logger()

	eng := engine.NewMdrun(engine.Options{
		Binary:  cfg.Engine.Binary,
		Args:    cfg.Engine.Args,
		Workdir: cfg.Engine.Workdir,
		Steps:   cfg.Steps,
		Timeout: 10 * time.Second,
	}, engine.LocalExecutor{})

	var samplers []*telemetry.Sampler
	if cfg.MeasuresEnergy() {
		cpuSrc, err := telemetry.NewCPUSource(cfg.Telemetry.RAPLGlob)
		require.NoError(t, err)
		samplers = append(samplers, telemetry.NewSampler(cpuSrc, cfg.Telemetry.CPUPeriod(), cfg.Telemetry.StopGrace(), logger))
	}

	rec := metrics.New(cfg.Case)
	return bench.NewRunner(bench.NewOrchestrator(eng, samplers, rec, logger), st, rec, bench.RunOptions{
		Case:            cfg.Case,
		Mode:            cfg.Mode,
		Steps:           cfg.Steps,
		Replicates:      cfg.Replicates,
		EnergyMethod:    cfg.Analysis.EnergyMethod,
		NormalizeSteps:  cfg.Analysis.NormalizeSteps,
		Layout:          records.NewLayout(cfg.OutputDir, cfg.Case),
		MetricsTextfile: filepath.Join(cfg.OutputDir, "mdbench.prom"),
		Host:            report.CollectHost(context.Background()),
	}, logger)
}

func TestEndToEndSpeed(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TestConfig(dir)
	cfg.Engine.Binary = testutil.FakeEngine(t, dir, testutil.EngineLog(12.5, 69.12, 0.347), 0)
	st := testutil.NewTestStore(t)

	sum, err := newRunner(t, cfg, st).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Stats, len(placement.Enumerate()))

	for _, s := range sum.Stats {
		assert.Equal(t, 2, s.Trials)
		assert.InDelta(t, 12.5, s.WallTime.Mean, 1e-9)
		assert.InDelta(t, 0, s.WallTime.SD, 1e-9)
		assert.InDelta(t, 25, s.Normalize(s.WallTime).Mean, 1e-9)
	}

	argv, err := os.ReadFile(filepath.Join(dir, "argv.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(argv)), "\n")
	require.Len(t, lines, 2*len(placement.Enumerate()))
	assert.Equal(t, "mdrun -s benchmark.tpr -nsteps 5000 -deffnm auto_rep1", lines[0])
	assert.Contains(t, lines[len(lines)-1], "-update gpu")

	assert.Equal(t, filepath.Join(cfg.OutputDir, cfg.Case, sum.RunID, "report.txt"), sum.ReportPath)
	data, err := os.ReadFile(sum.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Ranking by wall time")

	run, err := st.GetRun(sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, run.Status)
}

func TestEndToEndEngineFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TestConfig(dir)
	cfg.Engine.Binary = testutil.FakeEngine(t, dir, "Fatal error:\nInconsistent placement\n", 1)
	st := testutil.NewTestStore(t)

	_, err := newRunner(t, cfg, st).Run(context.Background())
	var fe *engine.FailureError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, placement.Auto, fe.Configuration)
	assert.Contains(t, err.Error(), "Inconsistent placement")

	runs, err := st.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusFailed, runs[0].Status)
}

func TestEndToEndEnergyCPU(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TestConfig(dir)
	cfg.Mode = config.ModeEnergy
	cfg.Replicates = 1
	cfg.Engine.Binary = testutil.FakeEngine(t, dir, testutil.EngineLog(0.05, 1000, 0.024), 0)

	sum, err := newRunner(t, cfg, testutil.NewTestStore(t)).Run(context.Background())
	require.NoError(t, err)

	for _, s := range sum.Stats {
		assert.True(t, s.EnergyMeasured)
		samples, err := records.ReadTelemetry(sum.Layout.TelemetryPath(s.Configuration, telemetry.ChannelCPU), s.Configuration, telemetry.ChannelCPU)
		require.NoError(t, err)
		assert.NotEmpty(t, samples)
	}
}
