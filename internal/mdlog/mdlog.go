// Package mdlog extracts timing figures from the engine's run log.
package mdlog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	ErrNoPerformance = errors.New("performance line not found")
	ErrNoTime        = errors.New("time line not found")
)

// ParseError reports a log that does not describe a measurable run.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Performance holds the figures reported at the end of one run.
type Performance struct {
	WallTimeS  float64
	NsPerDay   float64
	HoursPerNs float64
}

// Parse reads the last "Time:" and "Performance:" lines of a run log:
//
//	       Time:     1234.567      123.456     1000.0
//	Performance:       12.345        1.944
//
// Wall time is the third field of the time line; throughput is the second
// and third fields of the performance line. Either line missing is fatal.
func Parse(text string) (Performance, error) {
	var timeLine, perfLine []string

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) == 0 {
			continue
		}
		switch f[0] {
		case "Time:":
			timeLine = f
		case "Performance:":
			perfLine = f
		}
	}
	if err := sc.Err(); err != nil {
		return Performance{}, fmt.Errorf("scan log: %w", err)
	}

	if perfLine == nil {
		return Performance{}, &ParseError{Field: "performance", Err: ErrNoPerformance}
	}
	if timeLine == nil {
		return Performance{}, &ParseError{Field: "wall time", Err: ErrNoTime}
	}

	var p Performance
	var err error
	if p.WallTimeS, err = field(timeLine, 2, "wall time"); err != nil {
		return Performance{}, err
	}
	if p.NsPerDay, err = field(perfLine, 1, "ns/day"); err != nil {
		return Performance{}, err
	}
	if p.HoursPerNs, err = field(perfLine, 2, "hours/ns"); err != nil {
		return Performance{}, err
	}
	return p, nil
}

// ParseFile reads and parses the log at path.
func ParseFile(path string) (Performance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Performance{}, fmt.Errorf("read log: %w", err)
	}
	return Parse(string(data))
}

func field(fields []string, idx int, name string) (float64, error) {
	if idx >= len(fields) {
		return 0, &ParseError{Field: name, Err: fmt.Errorf("line has %d fields", len(fields))}
	}
	v, err := strconv.ParseFloat(fields[idx], 64)
	if err != nil {
		return 0, &ParseError{Field: name, Err: err}
	}
	return v, nil
}
