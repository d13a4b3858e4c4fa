// Package metrics records run counters in a private Prometheus registry and
// writes them as a node_exporter textfile when the run ends.
package metrics

import (
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mdbench"

type Recorder struct {
	registry *prometheus.Registry

	trials      *prometheus.CounterVec
	samples     *prometheus.CounterVec
	gaps        *prometheus.CounterVec
	wallTime    *prometheus.GaugeVec
	totalEnergy *prometheus.GaugeVec
	failures    prometheus.Counter
	lastRun     prometheus.Gauge
}

func New(caseName string) *Recorder {
	labels := prometheus.Labels{"case": caseName}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "trials_total",
			Help:        "Completed engine trials.",
			ConstLabels: labels,
		}, []string{"configuration"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "telemetry_samples_total",
			Help:        "Telemetry samples recorded.",
			ConstLabels: labels,
		}, []string{"channel"}),
		gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "telemetry_gaps_total",
			Help:        "Telemetry polls that returned no data.",
			ConstLabels: labels,
		}, []string{"channel"}),
		wallTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "wall_time_seconds",
			Help:        "Mean trial wall time per configuration.",
			ConstLabels: labels,
		}, []string{"configuration"}),
		totalEnergy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "total_energy_joules",
			Help:        "Mean total trial energy per configuration.",
			ConstLabels: labels,
		}, []string{"configuration"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "run_failures_total",
			Help:        "Runs aborted by an engine or parse failure.",
			ConstLabels: labels,
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_timestamp_seconds",
			Help:        "Unix time the last run finished.",
			ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(r.trials, r.samples, r.gaps, r.wallTime, r.totalEnergy, r.failures, r.lastRun)
	return r
}

func (r *Recorder) Trial(configuration string) {
	r.trials.WithLabelValues(configuration).Inc()
}

func (r *Recorder) Telemetry(channel string, samples, gaps int) {
	r.samples.WithLabelValues(channel).Add(float64(samples))
	r.gaps.WithLabelValues(channel).Add(float64(gaps))
}

// Configuration records a configuration's mean figures. NaN energy is not
// exported.
func (r *Recorder) Configuration(configuration string, wallTime, totalEnergy float64) {
	r.wallTime.WithLabelValues(configuration).Set(wallTime)
	if !math.IsNaN(totalEnergy) {
		r.totalEnergy.WithLabelValues(configuration).Set(totalEnergy)
	}
}

func (r *Recorder) Failure() {
	r.failures.Inc()
}

func (r *Recorder) Finished(unix float64) {
	r.lastRun.Set(unix)
}

// WriteTextfile writes every metric to path in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
