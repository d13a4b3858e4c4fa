// Package bench drives benchmark runs: trials per configuration with
// telemetry around each engine invocation, then aggregation and reporting.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/p-arndt/mdbench/internal/engine"
	"github.com/p-arndt/mdbench/internal/mdlog"
	"github.com/p-arndt/mdbench/internal/metrics"
	"github.com/p-arndt/mdbench/internal/placement"
	"github.com/p-arndt/mdbench/internal/records"
	"github.com/p-arndt/mdbench/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// TrialState is the lifecycle of a single trial.
type TrialState int

const (
	Idle TrialState = iota
	SamplersStarted
	EngineRunning
	SamplersStopped
	Parsed
	Done
)

func (s TrialState) String() string {
	switch s {
	case Idle:
		return "idle"
	case SamplersStarted:
		return "samplers-started"
	case EngineRunning:
		return "engine-running"
	case SamplersStopped:
		return "samplers-stopped"
	case Parsed:
		return "parsed"
	case Done:
		return "done"
	}
	return fmt.Sprintf("TrialState(%d)", int(s))
}

// logTailLines is how much of a failed engine log goes into the error.
const logTailLines = 5

// Orchestrator runs the trials of one configuration strictly in sequence.
// Samplers are the only work that runs concurrently with the engine.
type Orchestrator struct {
	engine   engine.Engine
	samplers []*telemetry.Sampler
	metrics  *metrics.Recorder
	logger   *slog.Logger

	// OnTransition, when set, is called on every trial state change.
	OnTransition func(key placement.Key, replicate int, state TrialState)
}

// NewOrchestrator returns an orchestrator. With no samplers it measures
// speed only. rec may be nil.
func NewOrchestrator(eng engine.Engine, samplers []*telemetry.Sampler, rec *metrics.Recorder, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		engine:   eng,
		samplers: samplers,
		metrics:  rec,
		logger:   logger,
	}
}

// Channels lists the telemetry channels sampled during each trial.
func (o *Orchestrator) Channels() []telemetry.Channel {
	out := make([]telemetry.Channel, len(o.samplers))
	for i, s := range o.samplers {
		out[i] = s.Channel()
	}
	return out
}

// RunConfiguration runs replicates 1..n of key. Trials are appended to
// trials as they complete; telemetry goes to the sink of its channel. The
// first engine or parse failure ends the configuration.
func (o *Orchestrator) RunConfiguration(ctx context.Context, key placement.Key, n int, trials TrialSink, sinks map[telemetry.Channel]telemetry.Appender) ([]records.Trial, error) {
	for _, s := range o.samplers {
		if sinks[s.Channel()] == nil {
			return nil, fmt.Errorf("no telemetry sink for channel %s", s.Channel())
		}
	}

	out := make([]records.Trial, 0, n)
	for rep := 1; rep <= n; rep++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		tr, err := o.runTrial(ctx, key, rep, sinks)
		if err != nil {
			return out, err
		}
		if err := trials.Append(tr); err != nil {
			return out, fmt.Errorf("record trial %s replicate %d: %w", key, rep, err)
		}
		o.transition(key, rep, Done)
		if o.metrics != nil {
			o.metrics.Trial(key.String())
		}
		out = append(out, tr)
	}
	return out, nil
}

func (o *Orchestrator) runTrial(ctx context.Context, key placement.Key, rep int, sinks map[telemetry.Channel]telemetry.Appender) (records.Trial, error) {
	logger := o.logger.With("configuration", key.String(), "replicate", rep)
	o.transition(key, rep, Idle)

	handles := make([]*telemetry.Handle, len(o.samplers))
	for i, s := range o.samplers {
		handles[i] = s.Start(ctx, sinks[s.Channel()], key, rep)
	}
	o.transition(key, rep, SamplersStarted)

	o.transition(key, rep, EngineRunning)
	logger.Info("trial started")
	res, runErr := o.engine.Run(ctx, key, rep)

	// Samplers stop whatever the engine outcome.
	results, stopErr := stopAll(handles)
	o.transition(key, rep, SamplersStopped)
	for _, r := range results {
		logger.Debug("telemetry stopped", "channel", string(r.Channel), "samples", r.Samples, "gaps", r.Gaps)
		if r.Partial > 0 {
			logger.Warn("telemetry polls missed some readings", "channel", string(r.Channel), "polls", r.Partial)
		}
		if r.Abandoned {
			logger.Warn("telemetry poll did not return after stop, abandoned", "channel", string(r.Channel))
		}
		if o.metrics != nil {
			o.metrics.Telemetry(string(r.Channel), r.Samples, r.Gaps)
		}
	}

	if runErr != nil {
		logger.Error("engine failed", "error", runErr)
		return records.Trial{}, runErr
	}
	if res.ExitCode != 0 {
		err := &engine.FailureError{
			Configuration: key,
			Replicate:     rep,
			ExitCode:      res.ExitCode,
			Err:           errors.New(tail(res.Log, logTailLines)),
		}
		logger.Error("engine failed", "exit_code", res.ExitCode)
		return records.Trial{}, err
	}
	if stopErr != nil {
		return records.Trial{}, fmt.Errorf("trial %s replicate %d: %w", key, rep, stopErr)
	}

	perf, err := mdlog.Parse(res.Log)
	if err != nil {
		logger.Error("engine log unusable", "error", err)
		return records.Trial{}, fmt.Errorf("trial %s replicate %d: %w", key, rep, err)
	}
	o.transition(key, rep, Parsed)

	logger.Info("trial finished", "wall_time_s", perf.WallTimeS, "ns_per_day", perf.NsPerDay, "duration", res.Duration)
	return records.Trial{
		Configuration: key,
		Replicate:     rep,
		WallTimeS:     perf.WallTimeS,
		NsPerDay:      perf.NsPerDay,
		HoursPerNs:    perf.HoursPerNs,
	}, nil
}

func (o *Orchestrator) transition(key placement.Key, rep int, s TrialState) {
	if o.OnTransition != nil {
		o.OnTransition(key, rep, s)
	}
}

// stopAll stops every handle concurrently so one slow poll does not delay
// the others' grace periods.
func stopAll(handles []*telemetry.Handle) ([]telemetry.Result, error) {
	results := make([]telemetry.Result, len(handles))
	var g errgroup.Group
	for i, h := range handles {
		g.Go(func() error {
			res, err := h.Stop()
			results[i] = res
			if err != nil {
				return fmt.Errorf("%s telemetry: %w", h.Channel(), err)
			}
			return nil
		})
	}
	return results, g.Wait()
}

// tail returns the last n non-empty lines of text.
func tail(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			out = append([]string{l}, out...)
		}
	}
	if len(out) == 0 {
		return "no engine output"
	}
	return strings.Join(out, " | ")
}
