package bench

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/p-arndt/mdbench/internal/engine"
	"github.com/p-arndt/mdbench/internal/mdlog"
	"github.com/p-arndt/mdbench/internal/metrics"
	"github.com/p-arndt/mdbench/internal/placement"
	"github.com/p-arndt/mdbench/internal/records"
	"github.com/p-arndt/mdbench/internal/report"
	"github.com/p-arndt/mdbench/internal/store"
	"github.com/p-arndt/mdbench/internal/telemetry"
	"github.com/p-arndt/mdbench/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testRunOptions(dir string) RunOptions {
	return RunOptions{
		Case:           "lysozyme",
		Mode:           "speed",
		Steps:          5000,
		Replicates:     2,
		EnergyMethod:   "mean-power",
		NormalizeSteps: 10000,
		Layout:         records.NewLayout(dir, "lysozyme"),
		Host:           report.Host{Hostname: "node01", LogicalCPUs: 8},
	}
}

// logFor returns an engine log whose wall time is wall seconds.
func logFor(wall float64) string {
	return testutil.EngineLog(wall, 86.4, 0.278)
}

func TestRunnerSpeedAllConfigurations(t *testing.T) {
	dir := t.TempDir()
	eng := &MockEngine{}
	eng.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(&engine.Result{Log: goodLog}, nil)
	st := testutil.NewTestStore(t)
	rec := metrics.New("lysozyme")

	opts := testRunOptions(dir)
	opts.MetricsTextfile = filepath.Join(dir, "mdbench.prom")
	r := NewRunner(NewOrchestrator(eng, nil, rec, testutil.Logger()), st, rec, opts, testutil.Logger())

	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, sum.Stats, 14)
	eng.AssertNumberOfCalls(t, "Run", 28)
	for i, key := range placement.Enumerate() {
		assert.Equal(t, key, sum.Stats[i].Configuration)
		assert.FileExists(t, sum.Layout.AnalysisPath(key))
		assert.FileExists(t, sum.Layout.TrialsPath(key))
		assert.NoFileExists(t, sum.Layout.TelemetryPath(key, telemetry.ChannelCPU))
	}
	assert.InDelta(t, 20.0, sum.Stats[0].Normalize(sum.Stats[0].WallTime).Mean, 1e-12)
	assert.Equal(t, opts.Layout.Run(sum.RunID), sum.Layout)
	assert.Equal(t, sum.Layout.ReportPath(), sum.ReportPath)

	data, err := os.ReadFile(sum.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Ranking by wall time")
	assert.NotContains(t, string(data), "Ranking by total energy")
	assert.Contains(t, string(data), sum.RunID)

	run, err := st.GetRun(sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, run.Status)
	assert.Contains(t, run.Host, `"hostname":"node01"`)

	trials, err := st.ListTrials(sum.RunID)
	require.NoError(t, err)
	assert.Len(t, trials, 28)
	saved, err := st.ListStats(sum.RunID)
	require.NoError(t, err)
	assert.Len(t, saved, 14)

	prom, err := os.ReadFile(opts.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `mdbench_trials_total{case="lysozyme",configuration="auto"} 2`)
}

func TestRunnerEnergy(t *testing.T) {
	dir := t.TempDir()
	eng := &MockEngine{}
	eng.On("Run", mock.Anything, mock.Anything, mock.Anything).
		Run(sleepFor(20*time.Millisecond)).
		Return(&engine.Result{Log: goodLog}, nil)

	samplers := []*telemetry.Sampler{
		telemetry.NewSampler(powerSource{telemetry.ChannelCPU, 50}, 5*time.Millisecond, 0, testutil.Logger()),
		telemetry.NewSampler(powerSource{telemetry.ChannelGPU, 150}, 5*time.Millisecond, 0, testutil.Logger()),
	}
	opts := testRunOptions(dir)
	opts.Mode = "energy"
	r := NewRunner(NewOrchestrator(eng, samplers, nil, testutil.Logger()), testutil.NewTestStore(t), nil, opts, testutil.Logger())
	r.keys = []placement.Key{placement.Auto, gpuKey}

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Stats, 2)

	for _, s := range sum.Stats {
		assert.True(t, s.EnergyMeasured)
		// Constant power: 10 s wall time at 50 W and 150 W.
		assert.InDelta(t, 500, s.CPUEnergy.Mean, 1e-9)
		assert.InDelta(t, 1500, s.GPUEnergy.Mean, 1e-9)
		assert.InDelta(t, 2000, s.TotalEnergy.Mean, 1e-9)
		assert.Greater(t, s.Samples[telemetry.ChannelCPU], 0)

		samples, err := records.ReadTelemetry(sum.Layout.TelemetryPath(s.Configuration, telemetry.ChannelGPU), s.Configuration, telemetry.ChannelGPU)
		require.NoError(t, err)
		assert.Equal(t, s.Samples[telemetry.ChannelGPU], len(samples))
	}

	data, err := os.ReadFile(sum.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Ranking by total energy")
	assert.Contains(t, string(data), "energy (mean-power)")
}

func TestRunnerParseFailureAborts(t *testing.T) {
	dir := t.TempDir()
	keys := []placement.Key{placement.Auto, gpuKey, placement.Key{NB: placement.GPU}}

	eng := &MockEngine{}
	eng.On("Run", mock.Anything, keys[0], mock.Anything).Return(&engine.Result{Log: logFor(12)}, nil)
	eng.On("Run", mock.Anything, keys[1], 1).Return(&engine.Result{Log: logFor(9)}, nil)
	eng.On("Run", mock.Anything, keys[1], 2).Return(&engine.Result{Log: "Segmentation fault\n"}, nil)

	st := testutil.NewTestStore(t)
	rec := metrics.New("lysozyme")
	opts := testRunOptions(dir)
	r := NewRunner(NewOrchestrator(eng, nil, rec, testutil.Logger()), st, rec, opts, testutil.Logger())
	r.keys = keys

	sum, err := r.Run(context.Background())
	assert.Nil(t, sum)
	assert.ErrorIs(t, err, mdlog.ErrNoPerformance)

	runs, err := st.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "performance line not found")

	layout := opts.Layout.Run(runs[0].ID)
	assert.FileExists(t, layout.AnalysisPath(keys[0]))
	assert.NoFileExists(t, layout.AnalysisPath(keys[1]))
	assert.NoDirExists(t, layout.ConfigDir(keys[2]))
	assert.NoFileExists(t, layout.ReportPath())
	eng.AssertNotCalled(t, "Run", mock.Anything, keys[2], mock.Anything)

	// The completed trial of the failing configuration stays on disk.
	trials, err := records.ReadTrials(layout.TrialsPath(keys[1]))
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, 9.0, trials[0].WallTimeS)
}

func TestRunnerFailedRunKeepsEarlierRunApart(t *testing.T) {
	dir := t.TempDir()
	keys := []placement.Key{placement.Auto, gpuKey}
	st := testutil.NewTestStore(t)
	opts := testRunOptions(dir)

	good := &MockEngine{}
	good.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(&engine.Result{Log: goodLog}, nil)
	first := NewRunner(NewOrchestrator(good, nil, nil, testutil.Logger()), st, nil, opts, testutil.Logger())
	first.keys = keys
	sum, err := first.Run(context.Background())
	require.NoError(t, err)
	firstReport, err := os.ReadFile(sum.ReportPath)
	require.NoError(t, err)

	bad := &MockEngine{}
	bad.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(&engine.Result{Log: "Segmentation fault\n"}, nil)
	second := NewRunner(NewOrchestrator(bad, nil, nil, testutil.Logger()), st, nil, opts, testutil.Logger())
	second.keys = keys
	_, err = second.Run(context.Background())
	require.Error(t, err)

	runs, err := st.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	var failedID string
	for _, run := range runs {
		if run.Status == store.StatusFailed {
			failedID = run.ID
		}
	}
	require.NotEmpty(t, failedID)
	require.NotEqual(t, sum.RunID, failedID)

	failed := opts.Layout.Run(failedID)
	assert.NoFileExists(t, failed.ReportPath())
	assert.NoFileExists(t, failed.AnalysisPath(keys[0]))
	assert.NoDirExists(t, failed.ConfigDir(keys[1]))
	assert.NoFileExists(t, opts.Layout.ReportPath())

	// The earlier run is untouched and still names itself.
	again, err := os.ReadFile(sum.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, firstReport, again)
	assert.Contains(t, string(again), sum.RunID)
	assert.FileExists(t, sum.Layout.AnalysisPath(keys[1]))
}

func TestRunnerEngineFailureNamesConfiguration(t *testing.T) {
	eng := &MockEngine{}
	eng.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(&engine.Result{ExitCode: 2, Log: "Fatal error: bad flag\n"}, nil)

	r := NewRunner(NewOrchestrator(eng, nil, nil, testutil.Logger()), testutil.NewTestStore(t), nil, testRunOptions(t.TempDir()), testutil.Logger())
	_, err := r.Run(context.Background())

	var fe *engine.FailureError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, placement.Auto, fe.Configuration)
	assert.Equal(t, 1, fe.Replicate)
	assert.True(t, strings.Contains(err.Error(), "auto replicate 1"))
}

func TestRunnerStoreFailure(t *testing.T) {
	st := testutil.NewTestStore(t)
	require.NoError(t, st.Close())

	r := NewRunner(NewOrchestrator(&MockEngine{}, nil, nil, testutil.Logger()), st, nil, testRunOptions(t.TempDir()), testutil.Logger())
	_, err := r.Run(context.Background())
	assert.ErrorContains(t, err, "inserting run")
}
