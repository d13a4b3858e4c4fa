package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/p-arndt/mdbench/internal/config"
	"github.com/p-arndt/mdbench/internal/store"
)

// TestConfig returns a Config with small test defaults rooted at dir.
func TestConfig(dir string) *config.Config {
	return &config.Config{
		Case:       "lysozyme",
		Steps:      5000,
		Replicates: 2,
		Mode:       config.ModeSpeed,
		OutputDir:  filepath.Join(dir, "results"),
		DBPath:     ":memory:",
		LogLevel:   "warn",
		Engine: config.EngineConfig{
			Binary:  "gmx",
			Args:    []string{"mdrun", "-s", "benchmark.tpr"},
			Workdir: dir,
		},
		Telemetry: config.TelemetryConfig{
			CPUPeriodMs: 5,
			GPUPeriodMs: 5,
			DisableGPU:  true,
			StopGraceMs: 100,
		},
		Analysis: config.AnalysisConfig{
			EnergyMethod:   config.EnergyMeanPower,
			NormalizeSteps: 10000,
		},
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EngineLog returns the tail of an engine log reporting the given wall time
// and throughput.
func EngineLog(wallS, nsPerDay, hoursPerNs float64) string {
	return fmt.Sprintf(`
               Core t (s)   Wall t (s)        (%%)
       Time:  %11.3f  %11.3f      800.0
                 (ns/day)    (hour/ns)
Performance:  %11.3f  %11.3f
`, wallS*8, wallS, nsPerDay, hoursPerNs)
}

// FakeEngine writes an executable shell script to dir that stands in for the
// engine binary. It writes log to "<deffnm>.log" in its working directory and
// exits with code. Every invocation's arguments are appended to argv.txt.
func FakeEngine(t *testing.T, dir, log string, code int) string {
	t.Helper()
	logPath := filepath.Join(dir, "engine-log.txt")
	if err := os.WriteFile(logPath, []byte(log), 0644); err != nil {
		t.Fatalf("write fake log: %v", err)
	}
	script := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %q
deffnm=""
while [ $# -gt 0 ]; do
	if [ "$1" = "-deffnm" ]; then deffnm="$2"; fi
	shift
done
sleep 0.05
cp %q "$deffnm.log"
exit %d
`, filepath.Join(dir, "argv.txt"), logPath, code)
	path := filepath.Join(dir, "gmx")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake engine: %v", err)
	}
	return path
}
