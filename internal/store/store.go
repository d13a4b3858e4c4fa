package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/p-arndt/mdbench/internal/analysis"
	"github.com/p-arndt/mdbench/internal/placement"
	"github.com/p-arndt/mdbench/internal/records"
	"github.com/p-arndt/mdbench/internal/stats"
	"github.com/p-arndt/mdbench/internal/telemetry"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isBusyLock(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(policy, 3))
}

// Run is one invocation of the benchmark.
type Run struct {
	ID         string
	Case       string
	Mode       string
	Steps      int
	Replicates int
	Host       string // JSON-encoded host description
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	case_name   TEXT NOT NULL,
	mode        TEXT NOT NULL,
	steps       INTEGER NOT NULL,
	replicates  INTEGER NOT NULL,
	host        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'running',
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE TABLE IF NOT EXISTS trials (
	run_id        TEXT NOT NULL REFERENCES runs(id),
	configuration TEXT NOT NULL,
	replicate     INTEGER NOT NULL,
	wall_time_s   REAL NOT NULL,
	ns_per_day    REAL NOT NULL,
	hours_per_ns  REAL NOT NULL,
	PRIMARY KEY (run_id, configuration, replicate)
);
CREATE TABLE IF NOT EXISTS config_stats (
	run_id            TEXT NOT NULL REFERENCES runs(id),
	ordinal           INTEGER NOT NULL,
	configuration     TEXT NOT NULL,
	trials            INTEGER NOT NULL,
	wall_mean         REAL,
	wall_sd           REAL,
	ns_day_mean       REAL,
	ns_day_sd         REAL,
	hours_ns_mean     REAL,
	hours_ns_sd       REAL,
	energy_measured   INTEGER NOT NULL DEFAULT 0,
	cpu_energy_mean   REAL,
	cpu_energy_sd     REAL,
	gpu_energy_mean   REAL,
	gpu_energy_sd     REAL,
	total_energy_mean REAL,
	total_energy_sd   REAL,
	normalize_steps   INTEGER NOT NULL DEFAULT 0,
	norm_factor       REAL,
	cpu_samples       INTEGER NOT NULL DEFAULT 0,
	gpu_samples       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, configuration)
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL and busy_timeout
// applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	// Each connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRun(run *Run) error {
	if run.Status == "" {
		run.Status = StatusRunning
	}
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO runs (id, case_name, mode, steps, replicates, host, status, error, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Case, run.Mode, run.Steps, run.Replicates, run.Host, run.Status, run.Error,
			run.StartedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// FinishRun marks a run completed, or failed when runErr is non-nil.
func (s *Store) FinishRun(id string, finishedAt time.Time, runErr error) error {
	status, msg := StatusCompleted, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
			status, msg, finishedAt.UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, case_name, mode, steps, replicates, host, status, error, started_at, finished_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns runs newest first. limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, case_name, mode, steps, replicates, host, status, error, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

func (s *Store) SaveTrial(runID string, tr records.Trial) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO trials (run_id, configuration, replicate, wall_time_s, ns_per_day, hours_per_ns)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, tr.Configuration.String(), tr.Replicate, tr.WallTimeS, tr.NsPerDay, tr.HoursPerNs,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting trial: %w", err)
	}
	return nil
}

// ListTrials returns a run's trials in insertion order.
func (s *Store) ListTrials(runID string) ([]records.Trial, error) {
	rows, err := s.db.Query(
		`SELECT configuration, replicate, wall_time_s, ns_per_day, hours_per_ns
		 FROM trials WHERE run_id = ? ORDER BY rowid`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing trials: %w", err)
	}
	defer rows.Close()

	var out []records.Trial
	for rows.Next() {
		var tr records.Trial
		var cfg string
		if err := rows.Scan(&cfg, &tr.Replicate, &tr.WallTimeS, &tr.NsPerDay, &tr.HoursPerNs); err != nil {
			return nil, fmt.Errorf("scanning trial: %w", err)
		}
		if tr.Configuration, err = placement.ParseKey(cfg); err != nil {
			return nil, fmt.Errorf("scanning trial: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating trials: %w", err)
	}
	return out, nil
}

// SaveStats records one configuration's statistics. ordinal is the
// configuration's position in enumeration order and orders ListStats.
func (s *Store) SaveStats(runID string, ordinal int, st analysis.Stats) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO config_stats (run_id, ordinal, configuration, trials,
				wall_mean, wall_sd, ns_day_mean, ns_day_sd, hours_ns_mean, hours_ns_sd,
				energy_measured, cpu_energy_mean, cpu_energy_sd, gpu_energy_mean, gpu_energy_sd,
				total_energy_mean, total_energy_sd, normalize_steps, norm_factor, cpu_samples, gpu_samples)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, ordinal, st.Configuration.String(), st.Trials,
			nullable(st.WallTime.Mean), nullable(st.WallTime.SD),
			nullable(st.NsPerDay.Mean), nullable(st.NsPerDay.SD),
			nullable(st.HoursPerNs.Mean), nullable(st.HoursPerNs.SD),
			st.EnergyMeasured,
			nullable(st.CPUEnergy.Mean), nullable(st.CPUEnergy.SD),
			nullable(st.GPUEnergy.Mean), nullable(st.GPUEnergy.SD),
			nullable(st.TotalEnergy.Mean), nullable(st.TotalEnergy.SD),
			st.NormalizeSteps, nullable(st.NormFactor),
			st.Samples[telemetry.ChannelCPU], st.Samples[telemetry.ChannelGPU],
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting stats: %w", err)
	}
	return nil
}

// ListStats returns a run's configuration statistics in enumeration order.
func (s *Store) ListStats(runID string) ([]analysis.Stats, error) {
	rows, err := s.db.Query(
		`SELECT configuration, trials,
			wall_mean, wall_sd, ns_day_mean, ns_day_sd, hours_ns_mean, hours_ns_sd,
			energy_measured, cpu_energy_mean, cpu_energy_sd, gpu_energy_mean, gpu_energy_sd,
			total_energy_mean, total_energy_sd, normalize_steps, norm_factor, cpu_samples, gpu_samples
		 FROM config_stats WHERE run_id = ? ORDER BY ordinal`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing stats: %w", err)
	}
	defer rows.Close()

	var out []analysis.Stats
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stats: %w", err)
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var run Run
	var finished sql.NullTime
	err := row.Scan(
		&run.ID, &run.Case, &run.Mode, &run.Steps, &run.Replicates, &run.Host,
		&run.Status, &run.Error, &run.StartedAt, &finished,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

func scanStats(row scannable) (analysis.Stats, error) {
	var (
		st             analysis.Stats
		cfg            string
		f              [13]sql.NullFloat64
		cpuN, gpuN     int
		normalizeSteps int
		energyMeasured bool
	)
	err := row.Scan(
		&cfg, &st.Trials,
		&f[0], &f[1], &f[2], &f[3], &f[4], &f[5],
		&energyMeasured, &f[6], &f[7], &f[8], &f[9],
		&f[10], &f[11], &normalizeSteps, &f[12], &cpuN, &gpuN,
	)
	if err != nil {
		return analysis.Stats{}, fmt.Errorf("scanning stats: %w", err)
	}
	if st.Configuration, err = placement.ParseKey(cfg); err != nil {
		return analysis.Stats{}, fmt.Errorf("scanning stats: %w", err)
	}

	v := func(i int) float64 {
		if !f[i].Valid {
			return math.NaN()
		}
		return f[i].Float64
	}
	st.WallTime = stats.Summary{Mean: v(0), SD: v(1)}
	st.NsPerDay = stats.Summary{Mean: v(2), SD: v(3)}
	st.HoursPerNs = stats.Summary{Mean: v(4), SD: v(5)}
	st.EnergyMeasured = energyMeasured
	st.CPUEnergy = stats.Summary{Mean: v(6), SD: v(7)}
	st.GPUEnergy = stats.Summary{Mean: v(8), SD: v(9)}
	st.TotalEnergy = stats.Summary{Mean: v(10), SD: v(11)}
	st.NormalizeSteps = normalizeSteps
	st.NormFactor = v(12)
	st.Samples = map[telemetry.Channel]int{}
	if cpuN > 0 {
		st.Samples[telemetry.ChannelCPU] = cpuN
	}
	if gpuN > 0 {
		st.Samples[telemetry.ChannelGPU] = gpuN
	}
	return st, nil
}

// nullable stores NaN as NULL; SQLite has no NaN.
func nullable(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}
