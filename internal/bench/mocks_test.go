package bench

import (
	"context"
	"errors"
	"sync"

	"github.com/p-arndt/mdbench/internal/engine"
	"github.com/p-arndt/mdbench/internal/placement"
	"github.com/p-arndt/mdbench/internal/records"
	"github.com/p-arndt/mdbench/internal/telemetry"
	"github.com/stretchr/testify/mock"
)

// MockEngine mocks the engine.Engine interface.
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Run(ctx context.Context, key placement.Key, replicate int) (*engine.Result, error) {
	args := m.Called(ctx, key, replicate)
	var res *engine.Result
	if r := args.Get(0); r != nil {
		res = r.(*engine.Result)
	}
	return res, args.Error(1)
}

// powerSource reports a constant power draw.
type powerSource struct {
	channel telemetry.Channel
	watts   float64
}

func (s powerSource) Channel() telemetry.Channel { return s.channel }

func (s powerSource) Read(context.Context) ([]telemetry.Reading, error) {
	return []telemetry.Reading{
		{Metric: telemetry.MetricUtilization, Value: 100, Unit: "%"},
		{Metric: telemetry.MetricPower, Value: s.watts, Unit: "W"},
	}, nil
}

// memSink records appended samples in memory.
type memSink struct {
	mu      sync.Mutex
	samples []telemetry.Sample
}

func (s *memSink) Append(sample telemetry.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *memSink) All() []telemetry.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Sample(nil), s.samples...)
}

// trialList collects trials in memory.
type trialList struct {
	trials []records.Trial
	err    error
}

func (l *trialList) Append(tr records.Trial) error {
	if l.err != nil {
		return l.err
	}
	l.trials = append(l.trials, tr)
	return nil
}

var errSinkFull = errors.New("sink full")
