package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// MaxOutputBytes caps the captured stdout/stderr of one run.
const MaxOutputBytes = 1 << 20

// DefaultWaitDelay bounds how long Exec waits for the output pipes to close
// once the engine has been killed.
const DefaultWaitDelay = 5 * time.Second

// LocalExecutor runs the engine as a child process.
type LocalExecutor struct {
	// WaitDelay overrides DefaultWaitDelay. Children of the engine (MPI
	// ranks) can hold its output open after it is killed.
	WaitDelay time.Duration
}

func (e LocalExecutor) Exec(ctx context.Context, inv Invocation) (int, []byte, error) {
	if len(inv.Argv) == 0 {
		return -1, nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Workdir
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	out := &cappedBuffer{limit: MaxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if err == nil {
		return 0, out.Bytes(), nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ctx.Err() == nil {
		return ee.ExitCode(), out.Bytes(), nil
	}
	return -1, out.Bytes(), fmt.Errorf("run %s: %w", inv.Argv[0], err)
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
