package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/p-arndt/mdbench/internal/placement"
)

// Result is what one engine run leaves behind.
type Result struct {
	Log      string
	ExitCode int
	Duration time.Duration
}

// Engine runs one trial of the simulation for a placement configuration.
type Engine interface {
	Run(ctx context.Context, key placement.Key, replicate int) (*Result, error)
}

// FailureError reports an engine run that did not exit cleanly.
type FailureError struct {
	Configuration placement.Key
	Replicate     int
	ExitCode      int
	Err           error
}

func (e *FailureError) Error() string {
	msg := fmt.Sprintf("engine failed for %s replicate %d: exit code %d", e.Configuration, e.Replicate, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FailureError) Unwrap() error { return e.Err }

// Invocation is a fully resolved command line.
type Invocation struct {
	Workdir string
	Argv    []string
}

// Executor runs an Invocation to completion and reports its exit code. A
// non-nil error means the command could not be run at all.
type Executor interface {
	Exec(ctx context.Context, inv Invocation) (exitCode int, output []byte, err error)
}

// Options configure an Mdrun engine.
type Options struct {
	Binary      string
	Args        []string
	Workdir     string
	Steps       int
	CustomFlags []string
	// Timeout bounds each run; zero blocks until the engine exits.
	Timeout time.Duration
}

// Mdrun runs the engine's mdrun stage and reads back its log.
type Mdrun struct {
	opts Options
	exec Executor
}

func NewMdrun(opts Options, exec Executor) *Mdrun {
	return &Mdrun{opts: opts, exec: exec}
}

// Deffnm is the output file stem for one trial.
func Deffnm(key placement.Key, replicate int) string {
	return fmt.Sprintf("%s_rep%d", key, replicate)
}

// Argv builds the command line for one trial.
func (m *Mdrun) Argv(key placement.Key, replicate int) []string {
	argv := []string{m.opts.Binary}
	argv = append(argv, m.opts.Args...)
	if m.opts.Steps > 0 {
		argv = append(argv, "-nsteps", strconv.Itoa(m.opts.Steps))
	}
	argv = append(argv, "-deffnm", Deffnm(key, replicate))
	argv = append(argv, key.Flags()...)
	argv = append(argv, m.opts.CustomFlags...)
	return argv
}

// LogPath is where the engine writes the log for one trial.
func (m *Mdrun) LogPath(key placement.Key, replicate int) string {
	return filepath.Join(m.opts.Workdir, Deffnm(key, replicate)+".log")
}

func (m *Mdrun) Run(ctx context.Context, key placement.Key, replicate int) (*Result, error) {
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	inv := Invocation{Workdir: m.opts.Workdir, Argv: m.Argv(key, replicate)}
	start := time.Now()
	code, output, err := m.exec.Exec(ctx, inv)
	res := &Result{ExitCode: code, Duration: time.Since(start)}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", m.opts.Timeout, err)
		}
		return res, &FailureError{Configuration: key, Replicate: replicate, ExitCode: code, Err: err}
	}

	logData, readErr := os.ReadFile(m.LogPath(key, replicate))
	switch {
	case readErr == nil:
		res.Log = string(logData)
	case errors.Is(readErr, os.ErrNotExist):
		// Fall back to the captured output when no log file was written.
		res.Log = string(output)
	default:
		return res, fmt.Errorf("read engine log: %w", readErr)
	}
	return res, nil
}
