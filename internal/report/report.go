// Package report ranks configuration statistics and renders the
// consolidated plain-text report of a run.
package report

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/p-arndt/mdbench/internal/analysis"
	"github.com/p-arndt/mdbench/internal/stats"
)

// Meta is the run metadata printed above the rankings.
type Meta struct {
	RunID        string
	Case         string
	Mode         string
	EnergyMethod string
	Steps        int
	Replicates   int
	StartedAt    time.Time
	Duration     time.Duration
	Host         Host
}

// Render writes the report: metadata, the ranking by wall time and, when any
// configuration measured energy, the ranking by total energy. stats must be
// in enumeration order.
func Render(w io.Writer, meta Meta, all []analysis.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "mdbench report: %s\n\n", meta.Case)
	fmt.Fprintf(tw, "Run:\t%s\n", meta.RunID)
	fmt.Fprintf(tw, "Started:\t%s\n", meta.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Duration:\t%s\n", units.HumanDuration(meta.Duration))
	mode := meta.Mode
	if measuredEnergy(all) && meta.EnergyMethod != "" {
		mode += " (" + meta.EnergyMethod + ")"
	}
	fmt.Fprintf(tw, "Mode:\t%s\n", mode)
	fmt.Fprintf(tw, "Steps:\t%s\n", steps(meta.Steps))
	fmt.Fprintf(tw, "Replicates:\t%d\n", meta.Replicates)
	fmt.Fprintf(tw, "Configurations:\t%d\n", len(all))
	fmt.Fprintf(tw, "Host:\t%s | OS: %s/%s | Kernel: %s | CPU: %s (%d logical) | RAM: %s\n",
		orNA(meta.Host.Hostname),
		orNA(meta.Host.OS),
		orNA(meta.Host.Arch),
		orNA(meta.Host.Kernel),
		orNA(meta.Host.CPUModel),
		meta.Host.LogicalCPUs,
		units.BytesSize(float64(meta.Host.MemoryBytes)),
	)

	norm := normLabel(all)

	fmt.Fprintf(tw, "\nRanking by %s\n", ByWallTime)
	fmt.Fprintf(tw, "Rank\tConfiguration\tWall time (s)\tns/day\thours/ns\tWall time %s (s)\n", norm)
	for _, e := range Rank(all, ByWallTime) {
		s := e.Stats
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Rank, s.Configuration,
			Format(s.WallTime), Format(s.NsPerDay), Format(s.HoursPerNs),
			Format(s.Normalize(s.WallTime)),
		)
	}

	if measuredEnergy(all) {
		fmt.Fprintf(tw, "\nRanking by %s\n", ByTotalEnergy)
		fmt.Fprintf(tw, "Rank\tConfiguration\tCPU energy (J)\tGPU energy (J)\tTotal energy (J)\tTotal energy %s (J)\tWall time (s)\n", norm)
		for _, e := range Rank(all, ByTotalEnergy) {
			s := e.Stats
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Rank, s.Configuration,
				Format(s.CPUEnergy), Format(s.GPUEnergy), Format(s.TotalEnergy),
				Format(s.Normalize(s.TotalEnergy)),
				Format(s.WallTime),
			)
		}
	}

	return tw.Flush()
}

// Format renders a summary as "mean (±SD)" with three decimals. Undefined
// values print as n/a.
func Format(s stats.Summary) string {
	return fmt.Sprintf("%s (±%s)", num(s.Mean), num(s.SD))
}

func num(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func measuredEnergy(all []analysis.Stats) bool {
	for _, s := range all {
		if s.EnergyMeasured {
			return true
		}
	}
	return false
}

func normLabel(all []analysis.Stats) string {
	for _, s := range all {
		if s.NormalizeSteps > 0 {
			return "per " + strconv.Itoa(s.NormalizeSteps) + " steps"
		}
	}
	return "normalised"
}

func steps(n int) string {
	if n <= 0 {
		return "engine default"
	}
	return strconv.Itoa(n)
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
