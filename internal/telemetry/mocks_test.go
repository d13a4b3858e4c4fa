package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockSource mocks the Source interface.
type MockSource struct {
	mock.Mock
}

func (m *MockSource) Channel() Channel {
	args := m.Called()
	return args.Get(0).(Channel)
}

func (m *MockSource) Read(ctx context.Context) ([]Reading, error) {
	args := m.Called(ctx)
	if r := args.Get(0); r != nil {
		return r.([]Reading), args.Error(1)
	}
	return nil, args.Error(1)
}

// memSink records appended samples in memory.
type memSink struct {
	mu      sync.Mutex
	samples []Sample
	err     error
}

func (s *memSink) Append(sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *memSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func (s *memSink) All() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.samples...)
}

// blockingSource blocks every Read until its context is cancelled.
type blockingSource struct{}

func (blockingSource) Channel() Channel { return ChannelGPU }

func (blockingSource) Read(ctx context.Context) ([]Reading, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stubbornSource sleeps through every Read regardless of its context and
// then reports a reading.
type stubbornSource struct {
	delay time.Duration
}

func (stubbornSource) Channel() Channel { return ChannelCPU }

func (s stubbornSource) Read(context.Context) ([]Reading, error) {
	time.Sleep(s.delay)
	return []Reading{{Metric: MetricPower, Value: 80, Unit: "W"}}, nil
}
