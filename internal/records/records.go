// Package records persists trial and telemetry rows as tab-separated files,
// one trial file per configuration and one telemetry file per configuration
// per channel.
package records

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/p-arndt/mdbench/internal/placement"
	"github.com/p-arndt/mdbench/internal/telemetry"
)

var ErrBadHeader = errors.New("unexpected header")

var (
	trialHeader     = []string{"configuration", "replicate", "wall_time_s", "ns_per_day", "hours_per_ns"}
	telemetryHeader = []string{"replicate", "timestamp", "metric", "value", "unit"}
)

// Trial is the measured outcome of one completed engine run.
type Trial struct {
	Configuration placement.Key
	Replicate     int
	WallTimeS     float64
	NsPerDay      float64
	HoursPerNs    float64
}

// Layout names the files of one benchmark case.
type Layout struct {
	Root string
}

func NewLayout(outputDir, caseName string) Layout {
	return Layout{Root: filepath.Join(outputDir, caseName)}
}

// Run narrows the layout to the directory of one run, so files of different
// runs never mix.
func (l Layout) Run(runID string) Layout {
	return Layout{Root: filepath.Join(l.Root, runID)}
}

func (l Layout) ConfigDir(key placement.Key) string {
	return filepath.Join(l.Root, key.String())
}

func (l Layout) TrialsPath(key placement.Key) string {
	return filepath.Join(l.ConfigDir(key), "trials.tsv")
}

func (l Layout) TelemetryPath(key placement.Key, ch telemetry.Channel) string {
	return filepath.Join(l.ConfigDir(key), "telemetry_"+string(ch)+".tsv")
}

func (l Layout) AnalysisPath(key placement.Key) string {
	return filepath.Join(l.ConfigDir(key), "analysis.tsv")
}

func (l Layout) ReportPath() string {
	return filepath.Join(l.Root, "report.txt")
}

// file is an append-only TSV file. Each row is encoded in full and written
// with a single Write so a row is never partially visible.
type file struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func createFile(path string, header []string) (*file, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	tf := &file{f: f, path: path}
	if err := tf.writeRow(header); err != nil {
		f.Close()
		return nil, err
	}
	return tf, nil
}

func (t *file) writeRow(row []string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '\t'
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return fmt.Errorf("write %s: %w", t.path, os.ErrClosed)
	}
	if _, err := t.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", t.path, err)
	}
	return nil
}

func (t *file) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

func readRows(path string, header []string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.FieldsPerRecord = len(header)
	r.ReuseRecord = false

	got, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: %w: empty file", path, ErrBadHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range header {
		if got[i] != header[i] {
			return nil, fmt.Errorf("%s: %w: %v", path, ErrBadHeader, got)
		}
	}

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// TrialFile is the per-configuration trial store.
type TrialFile struct {
	*file
}

func CreateTrialFile(path string) (*TrialFile, error) {
	f, err := createFile(path, trialHeader)
	if err != nil {
		return nil, err
	}
	return &TrialFile{f}, nil
}

func (t *TrialFile) Append(tr Trial) error {
	return t.writeRow([]string{
		tr.Configuration.String(),
		strconv.Itoa(tr.Replicate),
		formatFloat(tr.WallTimeS),
		formatFloat(tr.NsPerDay),
		formatFloat(tr.HoursPerNs),
	})
}

func ReadTrials(path string) ([]Trial, error) {
	rows, err := readRows(path, trialHeader)
	if err != nil {
		return nil, err
	}
	trials := make([]Trial, 0, len(rows))
	for i, row := range rows {
		tr, err := parseTrial(row)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+2, err)
		}
		trials = append(trials, tr)
	}
	return trials, nil
}

func parseTrial(row []string) (Trial, error) {
	key, err := placement.ParseKey(row[0])
	if err != nil {
		return Trial{}, err
	}
	rep, err := strconv.Atoi(row[1])
	if err != nil {
		return Trial{}, fmt.Errorf("replicate: %w", err)
	}
	var vals [3]float64
	for i := range vals {
		if vals[i], err = strconv.ParseFloat(row[2+i], 64); err != nil {
			return Trial{}, fmt.Errorf("%s: %w", trialHeader[2+i], err)
		}
	}
	return Trial{Configuration: key, Replicate: rep, WallTimeS: vals[0], NsPerDay: vals[1], HoursPerNs: vals[2]}, nil
}

// TelemetryFile is the per-configuration, per-channel telemetry store. It
// implements telemetry.Appender.
type TelemetryFile struct {
	*file
	key     placement.Key
	channel telemetry.Channel
}

func CreateTelemetryFile(path string, key placement.Key, ch telemetry.Channel) (*TelemetryFile, error) {
	f, err := createFile(path, telemetryHeader)
	if err != nil {
		return nil, err
	}
	return &TelemetryFile{file: f, key: key, channel: ch}, nil
}

func (t *TelemetryFile) Append(s telemetry.Sample) error {
	if s.Channel != t.channel || s.Configuration != t.key {
		return fmt.Errorf("sample for %s/%s written to %s/%s store", s.Configuration, s.Channel, t.key, t.channel)
	}
	return t.writeRow([]string{
		strconv.Itoa(s.Replicate),
		s.Timestamp.UTC().Format(time.RFC3339Nano),
		s.Metric,
		formatFloat(s.Value),
		s.Unit,
	})
}

// ReadTelemetry reads a telemetry store. The configuration and channel are
// not stored per row; they are implied by the file.
func ReadTelemetry(path string, key placement.Key, ch telemetry.Channel) ([]telemetry.Sample, error) {
	rows, err := readRows(path, telemetryHeader)
	if err != nil {
		return nil, err
	}
	samples := make([]telemetry.Sample, 0, len(rows))
	for i, row := range rows {
		rep, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: replicate: %w", path, i+2, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, row[1])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: timestamp: %w", path, i+2, err)
		}
		v, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: value: %w", path, i+2, err)
		}
		samples = append(samples, telemetry.Sample{
			Configuration: key,
			Replicate:     rep,
			Timestamp:     ts,
			Channel:       ch,
			Metric:        row[2],
			Value:         v,
			Unit:          row[4],
		})
	}
	return samples, nil
}
