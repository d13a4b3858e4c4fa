package telemetry

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const smiQuery = "clocks.sm,utilization.gpu,power.draw"

// GPUSource queries nvidia-smi. Power is summed across devices; clock and
// utilization are averaged.
type GPUSource struct {
	query func(ctx context.Context) ([]byte, error)
}

func NewGPUSource(smiPath string) *GPUSource {
	if smiPath == "" {
		smiPath = "nvidia-smi"
	}
	return &GPUSource{
		query: func(ctx context.Context) ([]byte, error) {
			cmd := exec.CommandContext(ctx, smiPath,
				"--query-gpu="+smiQuery, "--format=csv,noheader,nounits")
			return cmd.Output()
		},
	}
}

func (s *GPUSource) Channel() Channel { return ChannelGPU }

func (s *GPUSource) Read(ctx context.Context) ([]Reading, error) {
	out, err := s.query(ctx)
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSMI(out)
}

// parseSMI reads "clock, util, power" rows, one per device. Fields reported
// as "[N/A]" or similar are skipped. Power is only reported when every device
// reports it, since a partial sum would undercount; the missing devices are
// returned as an error alongside the other readings.
func parseSMI(out []byte) ([]Reading, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.FieldsPerRecord = 3
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}

	var clock, util, power []float64
	var noPower []int
	for dev, row := range rows {
		for i, dst := range []*[]float64{&clock, &util, &power} {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
			if err != nil {
				if i == 2 {
					noPower = append(noPower, dev)
				}
				continue
			}
			*dst = append(*dst, v)
		}
	}

	var readings []Reading
	if len(clock) > 0 {
		readings = append(readings, Reading{Metric: MetricFrequency, Value: sum(clock) / float64(len(clock)), Unit: "MHz"})
	}
	if len(util) > 0 {
		readings = append(readings, Reading{Metric: MetricUtilization, Value: sum(util) / float64(len(util)), Unit: "%"})
	}
	if len(power) > 0 && len(noPower) == 0 {
		readings = append(readings, Reading{Metric: MetricPower, Value: sum(power), Unit: "W"})
	}
	if len(readings) == 0 {
		return nil, errors.New("nvidia-smi: no readings")
	}
	if len(noPower) > 0 {
		return readings, fmt.Errorf("nvidia-smi: power unavailable on device(s) %v of %d", noPower, len(rows))
	}
	return readings, nil
}

func sum(xs []float64) float64 {
	var t float64
	for _, x := range xs {
		t += x
	}
	return t
}
