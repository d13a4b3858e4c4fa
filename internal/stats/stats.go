// Package stats holds the numeric reductions used to turn per-trial
// measurements into configuration statistics. Nothing here rounds; rounding
// happens when values are rendered.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrLengthMismatch = errors.New("length mismatch")
	ErrUnsorted       = errors.New("timestamps not sorted")
)

// Mean returns the arithmetic mean, or NaN for empty input.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return stat.Mean(xs, nil)
}

// SampleStdDev returns the n-1 standard deviation. It is NaN when fewer
// than two values are given.
func SampleStdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	return stat.StdDev(xs, nil)
}

// Energy multiplies each trial's wall time by its mean power, giving Joules
// per trial.
func Energy(wallTimes, powers []float64) ([]float64, error) {
	if len(wallTimes) != len(powers) {
		return nil, fmt.Errorf("energy: %w: %d wall times, %d powers", ErrLengthMismatch, len(wallTimes), len(powers))
	}
	out := make([]float64, len(wallTimes))
	for i := range wallTimes {
		out[i] = wallTimes[i] * powers[i]
	}
	return out, nil
}

// TrapezoidalIntegral integrates values over timestamps (seconds). Fewer
// than two points integrate to zero.
func TrapezoidalIntegral(timestamps, values []float64) (float64, error) {
	if len(timestamps) != len(values) {
		return 0, fmt.Errorf("integral: %w: %d timestamps, %d values", ErrLengthMismatch, len(timestamps), len(values))
	}
	if len(timestamps) < 2 {
		return 0, nil
	}
	if !sort.Float64sAreSorted(timestamps) {
		return 0, fmt.Errorf("integral: %w", ErrUnsorted)
	}
	return integrate.Trapezoidal(timestamps, values), nil
}

// Summary is a mean with its sample standard deviation.
type Summary struct {
	Mean float64
	SD   float64
}

func Summarize(xs []float64) Summary {
	return Summary{Mean: Mean(xs), SD: SampleStdDev(xs)}
}

// Scale multiplies both mean and SD by f.
func (s Summary) Scale(f float64) Summary {
	return Summary{Mean: s.Mean * f, SD: s.SD * f}
}

func (s Summary) Defined() bool {
	return !math.IsNaN(s.Mean)
}
