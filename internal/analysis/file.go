package analysis

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/p-arndt/mdbench/internal/stats"
)

var fileHeader = []string{"metric", "mean", "sd"}

// Rows returns the analyzed-results table for s: raw figures first, then
// the same figures normalised to NormalizeSteps steps. Energy rows appear
// only when energy was measured.
func (s Stats) Rows() [][]string {
	type row struct {
		name string
		sum  stats.Summary
	}
	raw := []row{
		{"wall_time_s", s.WallTime},
		{"ns_per_day", s.NsPerDay},
		{"hours_per_ns", s.HoursPerNs},
	}
	norm := []row{{"wall_time_s", s.Normalize(s.WallTime)}}
	if s.EnergyMeasured {
		raw = append(raw,
			row{"cpu_energy_j", s.CPUEnergy},
			row{"gpu_energy_j", s.GPUEnergy},
			row{"total_energy_j", s.TotalEnergy},
		)
		norm = append(norm,
			row{"cpu_energy_j", s.Normalize(s.CPUEnergy)},
			row{"gpu_energy_j", s.Normalize(s.GPUEnergy)},
			row{"total_energy_j", s.Normalize(s.TotalEnergy)},
		)
	}

	out := [][]string{fileHeader}
	for _, r := range raw {
		out = append(out, []string{r.name, formatFloat(r.sum.Mean), formatFloat(r.sum.SD)})
	}
	suffix := "_per_" + strconv.Itoa(s.NormalizeSteps) + "_steps"
	for _, r := range norm {
		out = append(out, []string{r.name + suffix, formatFloat(r.sum.Mean), formatFloat(r.sum.SD)})
	}
	return out
}

// WriteFile writes the analyzed-results file. The file is written to a
// temporary name and renamed so a partial file is never left behind.
func WriteFile(path string, s Stats) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".analysis-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}

	w := csv.NewWriter(tmp)
	w.Comma = '\t'
	if err := w.WriteAll(s.Rows()); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
