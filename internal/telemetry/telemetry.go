package telemetry

import (
	"context"
	"time"

	"github.com/p-arndt/mdbench/internal/placement"
)

// Channel is a class of power/utilization source.
type Channel string

const (
	ChannelCPU Channel = "cpu"
	ChannelGPU Channel = "gpu"
)

// Metric names reported by the sources.
const (
	MetricFrequency   = "frequency"
	MetricUtilization = "utilization"
	MetricPower       = "power"
)

// Reading is one metric returned by a single poll of a Source.
type Reading struct {
	Metric string
	Value  float64
	Unit   string
}

// Sample is a Reading attributed to a trial. Samples are never modified
// after they are appended.
type Sample struct {
	Configuration placement.Key
	Replicate     int
	Timestamp     time.Time
	Channel       Channel
	Metric        string
	Value         float64
	Unit          string
}

// Source is queried once per sampling period. A partial read returns the
// readings it got together with an error describing what was missing.
type Source interface {
	Channel() Channel
	Read(ctx context.Context) ([]Reading, error)
}

// Resetter is implemented by sources that keep state between reads. The
// sampler resets it when a trial starts.
type Resetter interface {
	Reset()
}

// Appender receives samples. Each Append must be atomic: a sample is either
// fully recorded or not at all.
type Appender interface {
	Append(s Sample) error
}

// Filter returns the samples for one replicate and metric, in the order
// they were recorded.
func Filter(samples []Sample, replicate int, metric string) []Sample {
	var out []Sample
	for _, s := range samples {
		if s.Replicate == replicate && s.Metric == metric {
			out = append(out, s)
		}
	}
	return out
}
