package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// DefaultRAPLGlob matches the package-level RAPL domains.
const DefaultRAPLGlob = "/sys/class/powercap/intel-rapl:[0-9]"

// CPUSource reports host CPU utilization, mean core frequency and package
// power. Power is derived from the RAPL energy counters between consecutive
// reads, so the first read after construction carries no power reading.
type CPUSource struct {
	percent func(ctx context.Context) ([]float64, error)
	info    func(ctx context.Context) ([]cpu.InfoStat, error)
	domains []string

	mu       sync.Mutex
	lastUJ   map[string]uint64
	lastRead time.Time
}

func NewCPUSource(raplGlob string) (*CPUSource, error) {
	if raplGlob == "" {
		raplGlob = DefaultRAPLGlob
	}
	matches, err := filepath.Glob(raplGlob)
	if err != nil {
		return nil, fmt.Errorf("rapl glob: %w", err)
	}
	// energy_uj is root-only on recent kernels, so a domain counts only if
	// it can actually be read.
	var domains []string
	for _, m := range matches {
		if _, err := readUint(filepath.Join(m, "energy_uj")); err == nil {
			domains = append(domains, m)
		}
	}
	return &CPUSource{
		percent: func(ctx context.Context) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, false)
		},
		info:    cpu.InfoWithContext,
		domains: domains,
		lastUJ:  make(map[string]uint64),
	}, nil
}

func (s *CPUSource) Channel() Channel { return ChannelCPU }

// HasPower reports whether any RAPL domain is readable.
func (s *CPUSource) HasPower() bool { return len(s.domains) > 0 }

func (s *CPUSource) Read(ctx context.Context) ([]Reading, error) {
	var out []Reading
	var errs []error

	if pct, err := s.percent(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cpu percent: %w", err))
	} else if len(pct) > 0 {
		out = append(out, Reading{Metric: MetricUtilization, Value: pct[0], Unit: "%"})
	}

	if infos, err := s.info(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cpu info: %w", err))
	} else if len(infos) > 0 {
		var sum float64
		for _, in := range infos {
			sum += in.Mhz
		}
		out = append(out, Reading{Metric: MetricFrequency, Value: sum / float64(len(infos)), Unit: "MHz"})
	}

	if watts, ok, err := s.power(); err != nil {
		errs = append(errs, err)
	} else if ok {
		out = append(out, Reading{Metric: MetricPower, Value: watts, Unit: "W"})
	}

	if len(out) == 0 && len(errs) == 0 {
		return nil, errors.New("no cpu readings")
	}
	return out, errors.Join(errs...)
}

// Reset drops the energy baseline so the next read starts a new interval.
func (s *CPUSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUJ = make(map[string]uint64)
	s.lastRead = time.Time{}
}

// power returns the mean package power since the previous call.
func (s *CPUSource) power() (float64, bool, error) {
	if len(s.domains) == 0 {
		return 0, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.lastRead).Seconds()
	first := s.lastRead.IsZero()

	var joules float64
	for _, d := range s.domains {
		uj, err := readUint(filepath.Join(d, "energy_uj"))
		if err != nil {
			return 0, false, fmt.Errorf("rapl %s: %w", filepath.Base(d), err)
		}
		prev, seen := s.lastUJ[d]
		s.lastUJ[d] = uj
		if !seen {
			continue
		}
		delta := uj - prev
		if uj < prev {
			// counter wrapped
			maxUJ, err := readUint(filepath.Join(d, "max_energy_range_uj"))
			if err != nil {
				return 0, false, fmt.Errorf("rapl %s: %w", filepath.Base(d), err)
			}
			delta = maxUJ - prev + uj
		}
		joules += float64(delta) / 1e6
	}
	s.lastRead = now

	if first || elapsed <= 0 {
		return 0, false, nil
	}
	return joules / elapsed, true, nil
}

func readUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}
