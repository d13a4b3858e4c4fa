package report

import (
	"math"
	"sort"

	"github.com/p-arndt/mdbench/internal/analysis"
)

// Criterion selects the figure configurations are ranked by. Smaller is
// better for every criterion.
type Criterion int

const (
	ByWallTime Criterion = iota
	ByTotalEnergy
)

func (c Criterion) String() string {
	if c == ByTotalEnergy {
		return "total energy"
	}
	return "wall time"
}

func (c Criterion) value(s analysis.Stats) float64 {
	if c == ByTotalEnergy {
		return s.TotalEnergy.Mean
	}
	return s.WallTime.Mean
}

// Entry is one row of a ranking.
type Entry struct {
	Rank  int
	Stats analysis.Stats
}

// Rank orders stats ascending by criterion. stats must be in enumeration
// order: equal values keep that order, and undefined values sort last.
func Rank(stats []analysis.Stats, c Criterion) []Entry {
	ordered := append([]analysis.Stats(nil), stats...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := c.value(ordered[i]), c.value(ordered[j])
		if math.IsNaN(b) {
			return !math.IsNaN(a)
		}
		return a < b
	})

	out := make([]Entry, len(ordered))
	for i, s := range ordered {
		out[i] = Entry{Rank: i + 1, Stats: s}
	}
	return out
}
