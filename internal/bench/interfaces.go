package bench

import (
	"time"

	"github.com/p-arndt/mdbench/internal/analysis"
	"github.com/p-arndt/mdbench/internal/records"
	"github.com/p-arndt/mdbench/internal/store"
)

// TrialSink receives each completed trial.
type TrialSink interface {
	Append(tr records.Trial) error
}

// ResultStore abstracts the run history operations needed by the runner.
type ResultStore interface {
	CreateRun(run *store.Run) error
	FinishRun(id string, finishedAt time.Time, runErr error) error
	SaveTrial(runID string, tr records.Trial) error
	SaveStats(runID string, ordinal int, st analysis.Stats) error
}
