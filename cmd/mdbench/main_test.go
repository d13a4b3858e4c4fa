package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/p-arndt/mdbench/internal/analysis"
	"github.com/p-arndt/mdbench/internal/config"
	"github.com/p-arndt/mdbench/internal/placement"
	"github.com/p-arndt/mdbench/internal/stats"
	"github.com/p-arndt/mdbench/internal/store"
	"github.com/p-arndt/mdbench/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigsCommand(t *testing.T) {
	out, err := execute(t, "configs")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 15)
	assert.Contains(t, lines[1], "auto")
	assert.True(t, strings.HasSuffix(lines[1], "-"))
	assert.Contains(t, lines[14], "-nb gpu -pme gpu -pmefft gpu -bonded gpu -update gpu")
}

func TestParseCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "md.log")
	log := "       Time:      80.000       10.500      800.0\nPerformance:       82.286        0.292\n"
	require.NoError(t, os.WriteFile(path, []byte(log), 0644))

	out, err := execute(t, "parse", path)
	require.NoError(t, err)
	assert.Equal(t, "wall_time_s\t10.5\nns_per_day\t82.286\nhours_per_ns\t0.292\n", out)

	require.NoError(t, os.WriteFile(path, []byte("nothing here\n"), 0644))
	_, err = execute(t, "parse", path)
	assert.ErrorContains(t, err, "performance line not found")
}

func seedStore(t *testing.T, dbPath string) {
	t.Helper()
	st, err := store.New(dbPath, 0)
	require.NoError(t, err)
	defer st.Close()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateRun(&store.Run{
		ID: "run-1", Case: "lysozyme", Mode: "speed", Steps: 5000, Replicates: 2,
		Host: `{"hostname":"node01","logical_cpus":8}`, StartedAt: started,
	}))
	require.NoError(t, st.SaveStats("run-1", 0, analysis.Stats{
		Configuration: placement.Auto,
		Trials:        2,
		WallTime:      stats.Summary{Mean: 10, SD: 1},
		NsPerDay:      stats.Summary{Mean: 86.4, SD: 0.5},
		HoursPerNs:    stats.Summary{Mean: 0.278, SD: 0.01},
		NormFactor:    2,
	}))
	require.NoError(t, st.FinishRun("run-1", started.Add(90*time.Second), nil))

	require.NoError(t, st.CreateRun(&store.Run{ID: "run-2", Case: "lysozyme", Mode: "energy", StartedAt: started.Add(time.Hour)}))
}

func TestHistoryAndReportCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "mdbench.db")
	t.Setenv("MDBENCH_DB_PATH", db)
	seedStore(t, db)

	out, err := execute(t, "history")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "run-2"))
	assert.Contains(t, lines[1], "running")
	assert.Contains(t, lines[2], "completed")

	out, err = execute(t, "history", "-n", "1")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	out, err = execute(t, "report", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "mdbench report: lysozyme")
	assert.Contains(t, out, "node01")
	assert.Contains(t, out, "10.000 (±1.000)")
	assert.Contains(t, out, "20.000 (±2.000)")

	_, err = execute(t, "report", "run-2")
	assert.ErrorContains(t, err, "is running")

	_, err = execute(t, "report", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuildSamplers(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	samplers, err := buildSamplers(cfg, newLogger(io.Discard, "error"))
	require.NoError(t, err)
	assert.Empty(t, samplers)

	cfg.Mode = config.ModeEnergy
	cfg.Telemetry.RAPLGlob = filepath.Join(t.TempDir(), "intel-rapl:*")
	samplers, err = buildSamplers(cfg, newLogger(io.Discard, "error"))
	require.NoError(t, err)
	require.Len(t, samplers, 2)
	assert.Equal(t, telemetry.ChannelCPU, samplers[0].Channel())
	assert.Equal(t, telemetry.ChannelGPU, samplers[1].Channel())
	assert.Equal(t, 150*time.Millisecond, samplers[1].Period())

	cfg.Telemetry.DisableGPU = true
	samplers, err = buildSamplers(cfg, newLogger(io.Discard, "error"))
	require.NoError(t, err)
	assert.Len(t, samplers, 1)
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	newLogger(&buf, "bogus").Info("default info")
	assert.Contains(t, buf.String(), "default info")
}
