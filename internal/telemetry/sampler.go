package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/mdbench/internal/placement"
)

// DefaultStopGrace bounds how long Stop waits for an in-flight poll before
// cancelling it, and again before abandoning a poll that ignores
// cancellation.
const DefaultStopGrace = time.Second

// Sampler polls one Source at a fixed period while a trial runs.
type Sampler struct {
	source Source
	period time.Duration
	grace  time.Duration
	logger *slog.Logger
}

func NewSampler(src Source, period, grace time.Duration, logger *slog.Logger) *Sampler {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return &Sampler{
		source: src,
		period: period,
		grace:  grace,
		logger: logger.With("channel", string(src.Channel())),
	}
}

func (s *Sampler) Channel() Channel {
	return s.source.Channel()
}

func (s *Sampler) Period() time.Duration {
	return s.period
}

// Result summarises one sampling session.
type Result struct {
	Channel Channel
	Polls   int
	Samples int
	Gaps    int
	// Partial counts polls that returned some readings and an error.
	Partial int
	// Abandoned is set when a poll outlived both grace periods. Its
	// readings are discarded.
	Abandoned bool
}

// Handle controls a running sampling session.
type Handle struct {
	channel Channel
	stopCh  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	grace   time.Duration
	once    sync.Once

	mu     sync.Mutex
	closed bool
	res    Result
	err    error

	// snapshot taken by the first Stop
	final    Result
	finalErr error
}

// Start begins sampling into sink. Every sample is attributed to key and
// replicate; the attribution cannot change for the life of the handle.
func (s *Sampler) Start(ctx context.Context, sink Appender, key placement.Key, replicate int) *Handle {
	if r, ok := s.source.(Resetter); ok {
		r.Reset()
	}
	pollCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		channel: s.source.Channel(),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
		grace:   s.grace,
		res:     Result{Channel: s.source.Channel()},
	}
	logger := s.logger.With("configuration", key.String(), "replicate", replicate)
	go s.run(pollCtx, h, sink, key, replicate, logger)
	return h
}

func (s *Sampler) run(ctx context.Context, h *Handle, sink Appender, key placement.Key, replicate int, logger *slog.Logger) {
	defer close(h.done)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.poll(ctx, h, sink, key, replicate, logger)
	for {
		// Stop is only observed between polls, and wins over a pending tick.
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.poll(ctx, h, sink, key, replicate, logger) {
				return
			}
		}
	}
}

// poll reads the source once and appends every reading. It returns false
// when the sink failed or the handle was stopped while the read was in
// flight.
func (s *Sampler) poll(ctx context.Context, h *Handle, sink Appender, key placement.Key, replicate int, logger *slog.Logger) bool {
	readings, err := s.source.Read(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.res.Polls++
	if len(readings) == 0 {
		h.res.Gaps++
		logger.Debug("telemetry gap", "error", err)
		return true
	}
	if err != nil {
		h.res.Partial++
		logger.Debug("partial telemetry read", "error", err)
	}

	now := time.Now()
	for _, r := range readings {
		sample := Sample{
			Configuration: key,
			Replicate:     replicate,
			Timestamp:     now,
			Channel:       h.channel,
			Metric:        r.Metric,
			Value:         r.Value,
			Unit:          r.Unit,
		}
		if err := sink.Append(sample); err != nil {
			h.err = err
			logger.Error("telemetry append failed", "error", err)
			return false
		}
		h.res.Samples++
	}
	return true
}

// Stop ends sampling. No sample is appended after Stop returns. An in-flight
// poll is given the grace period to finish before it is cancelled, and the
// same again to return before it is abandoned. Stop is safe to call more
// than once.
func (h *Handle) Stop() (Result, error) {
	h.once.Do(func() {
		close(h.stopCh)
		abandoned := false
		if !waitFor(h.done, h.grace) {
			h.cancel()
			abandoned = !waitFor(h.done, h.grace)
		}
		h.cancel()

		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed = true
		h.res.Abandoned = abandoned
		h.final, h.finalErr = h.res, h.err
	})
	return h.final, h.finalErr
}

func waitFor(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (h *Handle) Channel() Channel {
	return h.channel
}
