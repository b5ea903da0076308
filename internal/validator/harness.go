package validator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// TimeoutMarker is appended to the output of a harness run that was killed.
const TimeoutMarker = "TIMEOUT: Process killed after timeout"

// Invocation describes one harness process.
type Invocation struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
}

// Execution is what a finished harness process left behind.
type Execution struct {
	Output   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner executes harness processes. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Execution, error)
}

// ProcessRunner runs the harness as a child process in its own process group
// so that the whole tree (npx, node, workers) can be signalled on timeout.
type ProcessRunner struct {
	// Grace is how long the group gets between SIGTERM and SIGKILL.
	Grace time.Duration
	// MaxOutput bounds the retained output; the tail is kept.
	MaxOutput int
}

// NewProcessRunner returns a ProcessRunner with default limits.
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{
		Grace:     5 * time.Second,
		MaxOutput: 4 << 20,
	}
}

// Run starts the process and waits for it, its timeout, or ctx.
// A process that cannot be started is an error; a non-zero exit is not.
func (r *ProcessRunner) Run(ctx context.Context, inv Invocation) (Execution, error) {
	if len(inv.Argv) == 0 {
		return Execution{}, errors.New("empty harness command")
	}

	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	setProcessGroup(cmd)
	cmd.WaitDelay = r.Grace

	out := newTailBuffer(r.MaxOutput)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Execution{}, fmt.Errorf("failed to start harness %s: %w", inv.Argv[0], err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-done:
		res := Execution{Output: out.String(), Duration: time.Since(start)}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return res, fmt.Errorf("harness wait failed: %w", err)
			}
			res.ExitCode = exitErr.ExitCode()
		}
		return res, nil

	case <-deadline:
		r.terminate(cmd, done)
		return Execution{
			Output:   appendLine(out.String(), TimeoutMarker),
			ExitCode: -1,
			TimedOut: true,
			Duration: time.Since(start),
		}, nil

	case <-ctx.Done():
		r.terminate(cmd, done)
		return Execution{
			Output:   out.String(),
			ExitCode: -1,
			Duration: time.Since(start),
		}, ctx.Err()
	}
}

// terminate signals the process group with SIGTERM, then SIGKILL once the
// grace period is over, and waits for the process to be reaped.
func (r *ProcessRunner) terminate(cmd *exec.Cmd, done <-chan error) {
	signalGroup(cmd, false)
	if r.Grace > 0 {
		select {
		case <-done:
			return
		case <-time.After(r.Grace):
		}
	}
	signalGroup(cmd, true)
	<-done
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s + line
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{max: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if t.max > 0 && len(t.buf) > t.max {
		t.buf = append(t.buf[:0:0], t.buf[len(t.buf)-t.max:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "...[output truncated]\n" + string(t.buf)
	}
	return string(t.buf)
}
