// Package spawn runs child processes and streams their output line-by-line.
//
// It is the single subprocess primitive of the system: the workspace manager
// uses Run for bounded build commands (clone, install, build, pytest) and the
// terminal streamer uses Start for long-lived interactive sessions. Both
// stdout and stderr are captured on their own goroutines and delivered to a
// callback in the order the child produced them per stream.
package spawn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stream identifies which pipe a captured line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// maxLineBuffer is the longest single output line the scanner accepts (1MB).
// Build tools occasionally emit very long lines (minified bundles, tracebacks).
const maxLineBuffer = 1 << 20

// LineFunc receives one captured output line, without its trailing newline.
type LineFunc func(stream Stream, line string)

// Command describes a child process to run.
type Command struct {
	// Name and Args run the program directly. Ignored when Shell is set.
	Name string
	Args []string

	// Shell, when non-empty, runs the string through "sh -c". Used by the
	// terminal streamer, which accepts whole command lines.
	Shell string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Env appends to the inherited environment.
	Env []string

	// Timeout bounds the wall clock. Zero means no limit.
	Timeout time.Duration
}

// Result reports how a child process ended.
type Result struct {
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Process is a handle on a started child.
type Process struct {
	cmd       *exec.Cmd
	group     *errgroup.Group
	startedAt time.Time
	cancel    context.CancelFunc
	timedOut  func() bool
}

// Start launches the command and begins streaming its output to onLine.
// It returns an error only if the process could not be spawned; in that case
// no lines are delivered.
func Start(ctx context.Context, command Command, onLine LineFunc) (*Process, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	deadline := time.Time{}
	if command.Timeout > 0 {
		deadline = time.Now().Add(command.Timeout)
		runCtx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	var cmd *exec.Cmd
	if command.Shell != "" {
		cmd = exec.CommandContext(runCtx, "sh", "-c", command.Shell)
	} else {
		cmd = exec.CommandContext(runCtx, command.Name, command.Args...)
	}
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(cmd.Environ(), command.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %q: %w", command.describe(), err)
	}

	group := &errgroup.Group{}
	group.Go(func() error { return pump(stdout, StreamStdout, onLine) })
	group.Go(func() error { return pump(stderr, StreamStderr, onLine) })

	return &Process{
		cmd:       cmd,
		group:     group,
		startedAt: time.Now(),
		cancel:    cancel,
		timedOut: func() bool {
			return !deadline.IsZero() && time.Now().After(deadline)
		},
	}, nil
}

// Run launches the command and waits for it to finish. A non-zero exit is
// reported through Result, not an error; errors mean the process could not
// be spawned or its pipes failed.
func Run(ctx context.Context, command Command, onLine LineFunc) (*Result, error) {
	proc, err := Start(ctx, command, onLine)
	if err != nil {
		return nil, err
	}
	return proc.Wait(), nil
}

// Wait blocks until the process exits and both output pumps drain.
func (p *Process) Wait() *Result {
	// Pipe readers must drain before Wait closes them.
	pumpErr := p.group.Wait()
	err := p.cmd.Wait()
	p.cancel()

	res := &Result{
		Duration: time.Since(p.startedAt),
		TimedOut: p.timedOut(),
	}
	switch {
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	_ = pumpErr // pipe read errors end the stream; the exit code stands alone
	return res
}

// Terminate asks the process to stop with SIGTERM. Callers that need a hard
// stop follow up with Kill after a grace period.
func (p *Process) Terminate() error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill stops the process immediately.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Kill()
}

// StartedAt reports when the process was spawned.
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Running reports whether the process has not yet exited.
func (p *Process) Running() bool {
	return p.cmd.ProcessState == nil
}

func (c Command) describe() string {
	if c.Shell != "" {
		return c.Shell
	}
	return c.Name
}

func pump(r interface{ Read([]byte) (int, error) }, stream Stream, onLine LineFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBuffer)
	for scanner.Scan() {
		if onLine != nil {
			onLine(stream, scanner.Text())
		}
	}
	return scanner.Err()
}
