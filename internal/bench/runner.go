package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/p-arndt/mdbench/internal/analysis"
	"github.com/p-arndt/mdbench/internal/metrics"
	"github.com/p-arndt/mdbench/internal/placement"
	"github.com/p-arndt/mdbench/internal/records"
	"github.com/p-arndt/mdbench/internal/report"
	"github.com/p-arndt/mdbench/internal/store"
	"github.com/p-arndt/mdbench/internal/telemetry"
)

// RunOptions describe one benchmark run.
type RunOptions struct {
	Case           string
	Mode           string
	Steps          int
	Replicates     int
	EnergyMethod   string
	NormalizeSteps int
	Layout         records.Layout
	// Layout is the case directory; each run writes below Layout.Run(id).
	// MetricsTextfile, when set, receives the run counters at the end.
	MetricsTextfile string
	Host            report.Host
}

// Summary is what a successful run produced.
type Summary struct {
	RunID      string
	Layout     records.Layout
	ReportPath string
	Stats      []analysis.Stats
	Duration   time.Duration
}

// Runner walks the configuration space, aggregates every configuration and
// writes the report.
type Runner struct {
	orch    *Orchestrator
	store   ResultStore
	metrics *metrics.Recorder
	opts    RunOptions
	logger  *slog.Logger

	keys []placement.Key
	now  func() time.Time
}

func NewRunner(orch *Orchestrator, st ResultStore, rec *metrics.Recorder, opts RunOptions, logger *slog.Logger) *Runner {
	return &Runner{
		orch:    orch,
		store:   st,
		metrics: rec,
		opts:    opts,
		logger:  logger,
		keys:    placement.Enumerate(),
		now:     time.Now,
	}
}

// Run executes the whole benchmark. All files go to a directory of their
// own named after the run ID. Configurations completed before a fatal error
// keep their files on disk; the failing configuration gets no analysis file
// and no report is written.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	runID := uuid.NewString()
	started := r.now()
	layout := r.opts.Layout.Run(runID)
	logger := r.logger.With("run_id", runID)

	host, err := json.Marshal(r.opts.Host)
	if err != nil {
		return nil, fmt.Errorf("encode host: %w", err)
	}
	if err := r.store.CreateRun(&store.Run{
		ID:         runID,
		Case:       r.opts.Case,
		Mode:       r.opts.Mode,
		Steps:      r.opts.Steps,
		Replicates: r.opts.Replicates,
		Host:       string(host),
		StartedAt:  started,
	}); err != nil {
		return nil, err
	}

	logger.Info("run started",
		"case", r.opts.Case,
		"mode", r.opts.Mode,
		"configurations", len(r.keys),
		"replicates", r.opts.Replicates,
		"channels", r.orch.Channels(),
		"dir", layout.Root,
	)

	all := make([]analysis.Stats, 0, len(r.keys))
	for i, key := range r.keys {
		st, err := r.runConfiguration(ctx, runID, layout, i, key, logger)
		if err != nil {
			return nil, r.fail(runID, err, logger)
		}
		all = append(all, st)
	}

	duration := r.now().Sub(started)
	reportPath := layout.ReportPath()
	meta := report.Meta{
		RunID:        runID,
		Case:         r.opts.Case,
		Mode:         r.opts.Mode,
		EnergyMethod: r.opts.EnergyMethod,
		Steps:        r.opts.Steps,
		Replicates:   r.opts.Replicates,
		StartedAt:    started,
		Duration:     duration,
		Host:         r.opts.Host,
	}
	if err := writeReport(reportPath, meta, all); err != nil {
		return nil, r.fail(runID, err, logger)
	}

	if r.metrics != nil {
		r.metrics.Finished(float64(r.now().Unix()))
		if r.opts.MetricsTextfile != "" {
			if err := r.metrics.WriteTextfile(r.opts.MetricsTextfile); err != nil {
				logger.Warn("metrics textfile not written", "error", err)
			}
		}
	}
	if err := r.store.FinishRun(runID, r.now(), nil); err != nil {
		logger.Warn("run history not updated", "error", err)
	}

	logger.Info("run finished", "duration", units.HumanDuration(duration), "report", reportPath)
	return &Summary{RunID: runID, Layout: layout, ReportPath: reportPath, Stats: all, Duration: duration}, nil
}

func (r *Runner) fail(runID string, err error, logger *slog.Logger) error {
	if r.metrics != nil {
		r.metrics.Failure()
		if r.opts.MetricsTextfile != "" {
			if werr := r.metrics.WriteTextfile(r.opts.MetricsTextfile); werr != nil {
				logger.Warn("metrics textfile not written", "error", werr)
			}
		}
	}
	if ferr := r.store.FinishRun(runID, r.now(), err); ferr != nil {
		logger.Warn("run history not updated", "error", ferr)
	}
	logger.Error("run aborted", "error", err)
	return err
}

func (r *Runner) runConfiguration(ctx context.Context, runID string, layout records.Layout, ordinal int, key placement.Key, logger *slog.Logger) (analysis.Stats, error) {
	logger = logger.With("configuration", key.String())

	trials, samples, err := r.collect(ctx, runID, layout, key)
	if err != nil {
		return analysis.Stats{}, err
	}

	st, err := analysis.Aggregate(key, trials, samples, analysis.Options{
		Channels:       r.orch.Channels(),
		Method:         r.opts.EnergyMethod,
		Steps:          r.opts.Steps,
		NormalizeSteps: r.opts.NormalizeSteps,
	})
	if err != nil {
		return analysis.Stats{}, err
	}
	if err := analysis.WriteFile(layout.AnalysisPath(key), st); err != nil {
		return analysis.Stats{}, err
	}
	if err := r.store.SaveStats(runID, ordinal, st); err != nil {
		return analysis.Stats{}, err
	}
	if r.metrics != nil {
		r.metrics.Configuration(key.String(), st.WallTime.Mean, st.TotalEnergy.Mean)
	}

	logger.Info("configuration finished",
		"trials", st.Trials,
		"wall_time_s", st.WallTime.Mean,
		"total_energy_j", st.TotalEnergy.Mean,
	)
	return st, nil
}

// collect runs the trials of one configuration and reads back what was
// recorded. The record files are closed before they are read.
func (r *Runner) collect(ctx context.Context, runID string, layout records.Layout, key placement.Key) ([]records.Trial, map[telemetry.Channel][]telemetry.Sample, error) {

	trialFile, err := records.CreateTrialFile(layout.TrialsPath(key))
	if err != nil {
		return nil, nil, err
	}
	defer trialFile.Close()

	sinks := make(map[telemetry.Channel]telemetry.Appender)
	var files []*records.TelemetryFile
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, ch := range r.orch.Channels() {
		f, err := records.CreateTelemetryFile(layout.TelemetryPath(key, ch), key, ch)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, f)
		sinks[ch] = f
	}

	sink := &trialRecorder{file: trialFile, store: r.store, runID: runID}
	if _, err := r.orch.RunConfiguration(ctx, key, r.opts.Replicates, sink, sinks); err != nil {
		return nil, nil, err
	}

	if err := trialFile.Close(); err != nil {
		return nil, nil, fmt.Errorf("close trials: %w", err)
	}
	for _, f := range files {
		if err := f.Close(); err != nil {
			return nil, nil, fmt.Errorf("close telemetry: %w", err)
		}
	}

	trials, err := records.ReadTrials(layout.TrialsPath(key))
	if err != nil {
		return nil, nil, err
	}
	samples := make(map[telemetry.Channel][]telemetry.Sample)
	for _, ch := range r.orch.Channels() {
		s, err := records.ReadTelemetry(layout.TelemetryPath(key, ch), key, ch)
		if err != nil {
			return nil, nil, err
		}
		samples[ch] = s
	}
	return trials, samples, nil
}

// trialRecorder writes each trial to the configuration's trial file and the
// run history.
type trialRecorder struct {
	file  *records.TrialFile
	store ResultStore
	runID string
}

func (t *trialRecorder) Append(tr records.Trial) error {
	if err := t.file.Append(tr); err != nil {
		return err
	}
	return t.store.SaveTrial(t.runID, tr)
}

func writeReport(path string, meta report.Meta, all []analysis.Stats) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.Render(f, meta, all); err != nil {
		f.Close()
		return fmt.Errorf("render report: %w", err)
	}
	return f.Close()
}
