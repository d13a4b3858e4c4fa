// Package analysis reduces the trials and telemetry of one configuration
// into configuration-level statistics.
package analysis

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/p-arndt/mdbench/internal/placement"
	"github.com/p-arndt/mdbench/internal/records"
	"github.com/p-arndt/mdbench/internal/stats"
	"github.com/p-arndt/mdbench/internal/telemetry"
)

var ErrNoTrials = errors.New("no trials")

// Energy derivation methods.
const (
	MethodMeanPower = "mean-power"
	MethodTrapezoid = "trapezoid"
)

// Options control how energy is derived and normalised.
type Options struct {
	// Channels whose telemetry was recorded. Empty means speed-only.
	Channels []telemetry.Channel
	Method   string
	// Steps is the step count each trial ran. 0 disables normalisation.
	Steps          int
	NormalizeSteps int
}

// Stats is the per-configuration summary consumed by ranking and reporting.
type Stats struct {
	Configuration placement.Key
	Trials        int

	WallTime   stats.Summary
	NsPerDay   stats.Summary
	HoursPerNs stats.Summary

	EnergyMeasured bool
	CPUEnergy      stats.Summary
	GPUEnergy      stats.Summary
	TotalEnergy    stats.Summary

	// NormFactor scales a per-trial figure to NormalizeSteps steps. It is
	// NaN when the trial step count is unknown.
	NormalizeSteps int
	NormFactor     float64

	// Samples counts telemetry samples per channel across all trials.
	Samples map[telemetry.Channel]int
}

// Aggregate computes Stats for key. Trials are ordered by replicate before
// reduction so the result does not depend on input order.
func Aggregate(key placement.Key, trials []records.Trial, samples map[telemetry.Channel][]telemetry.Sample, opts Options) (Stats, error) {
	if len(trials) == 0 {
		return Stats{}, fmt.Errorf("aggregate %s: %w", key, ErrNoTrials)
	}
	trials = append([]records.Trial(nil), trials...)
	sort.SliceStable(trials, func(i, j int) bool { return trials[i].Replicate < trials[j].Replicate })

	wall := make([]float64, len(trials))
	nsDay := make([]float64, len(trials))
	hns := make([]float64, len(trials))
	for i, tr := range trials {
		if tr.Configuration != key {
			return Stats{}, fmt.Errorf("aggregate %s: trial %d belongs to %s", key, tr.Replicate, tr.Configuration)
		}
		wall[i] = tr.WallTimeS
		nsDay[i] = tr.NsPerDay
		hns[i] = tr.HoursPerNs
	}

	st := Stats{
		Configuration:  key,
		Trials:         len(trials),
		WallTime:       stats.Summarize(wall),
		NsPerDay:       stats.Summarize(nsDay),
		HoursPerNs:     stats.Summarize(hns),
		NormalizeSteps: opts.NormalizeSteps,
		CPUEnergy:      undefined(),
		GPUEnergy:      undefined(),
		TotalEnergy:    undefined(),
		Samples:        make(map[telemetry.Channel]int),
	}

	st.NormFactor = math.NaN()
	if opts.Steps > 0 && opts.NormalizeSteps > 0 {
		st.NormFactor = float64(opts.NormalizeSteps) / float64(opts.Steps)
	}

	if len(opts.Channels) == 0 {
		return st, nil
	}
	st.EnergyMeasured = true

	total := make([]float64, len(trials))
	for _, ch := range opts.Channels {
		chSamples := samples[ch]
		st.Samples[ch] = len(chSamples)

		energies, err := channelEnergy(trials, wall, chSamples, opts.Method)
		if err != nil {
			return Stats{}, fmt.Errorf("aggregate %s %s: %w", key, ch, err)
		}
		for i := range total {
			total[i] += energies[i]
		}
		switch ch {
		case telemetry.ChannelCPU:
			st.CPUEnergy = stats.Summarize(energies)
		case telemetry.ChannelGPU:
			st.GPUEnergy = stats.Summarize(energies)
		}
	}
	st.TotalEnergy = stats.Summarize(total)
	return st, nil
}

// Normalize scales x to NormalizeSteps steps.
func (s Stats) Normalize(x stats.Summary) stats.Summary {
	return x.Scale(s.NormFactor)
}

// channelEnergy returns one energy figure in Joules per trial. A trial with
// no usable power samples yields NaN.
func channelEnergy(trials []records.Trial, wall []float64, samples []telemetry.Sample, method string) ([]float64, error) {
	switch method {
	case MethodTrapezoid:
		out := make([]float64, len(trials))
		for i, tr := range trials {
			e, err := integratePower(telemetry.Filter(samples, tr.Replicate, telemetry.MetricPower))
			if err != nil {
				return nil, fmt.Errorf("replicate %d: %w", tr.Replicate, err)
			}
			out[i] = e
		}
		return out, nil
	case MethodMeanPower, "":
		powers := make([]float64, len(trials))
		for i, tr := range trials {
			powers[i] = stats.Mean(values(telemetry.Filter(samples, tr.Replicate, telemetry.MetricPower)))
		}
		return stats.Energy(wall, powers)
	default:
		return nil, fmt.Errorf("unknown energy method %q", method)
	}
}

// integratePower integrates a power series over seconds elapsed since its
// first sample.
func integratePower(samples []telemetry.Sample) (float64, error) {
	if len(samples) < 2 {
		return math.NaN(), nil
	}
	sorted := append([]telemetry.Sample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	t0 := sorted[0].Timestamp
	ts := make([]float64, len(sorted))
	vs := make([]float64, len(sorted))
	for i, s := range sorted {
		ts[i] = s.Timestamp.Sub(t0).Seconds()
		vs[i] = s.Value
	}
	return stats.TrapezoidalIntegral(ts, vs)
}

func values(samples []telemetry.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

func undefined() stats.Summary {
	return stats.Summary{Mean: math.NaN(), SD: math.NaN()}
}
