// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
	"github.com/dpt-tools/bootmgr/pkg/logging"
)

// DefaultTailSize is how many output lines a Result keeps.
const DefaultTailSize = 200

// maxLineSize bounds a single output line. Compose progress output can
// emit long lines without a newline when it redraws.
const maxLineSize = 1024 * 1024

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Command describes a program invocation.
type Command struct {
	// Name is the program, resolved through PATH.
	Name string

	// Args are passed verbatim.
	Args []string

	// Dir is the working directory ("" for the current one).
	Dir string

	// Env entries are appended to the parent environment.
	Env []string
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result describes a finished process.
type Result struct {
	// Command is the rendered command line.
	Command string

	// ExitCode is the process exit code, -1 if it never ran or was killed.
	ExitCode int

	// Duration is the wall time from start to reap.
	Duration time.Duration

	// Tail holds the last output lines of both streams in read order.
	Tail []string
}

// Runner runs a command to completion, streaming its output.
//
// # Description
//
// Implementations forward every line from stdout and stderr to the sink
// as soon as it is read. Order is preserved within a stream; lines of
// the two streams may interleave arbitrarily.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, cmd Command, sink logstream.Sink) (*Result, error)
}

// -----------------------------------------------------------------------------
// Default Implementation
// -----------------------------------------------------------------------------

// DefaultRunner executes real processes.
type DefaultRunner struct {
	// TailSize bounds Result.Tail (DefaultTailSize if <= 0).
	TailSize int

	logger *logging.Logger
}

// NewDefaultRunner creates a runner that logs process starts and exits.
func NewDefaultRunner(logger *logging.Logger) *DefaultRunner {
	return &DefaultRunner{
		TailSize: DefaultTailSize,
		logger:   logging.OrDiscard(logger),
	}
}

// Run starts the command and blocks until it has exited and both of its
// output streams are drained.
//
// # Description
//
// The child's stdout and stderr are connected to two OS pipes owned by
// this call. Three goroutines run concurrently under an errgroup: one
// drains stdout, one drains stderr, one waits for the exit status. The
// pipes are drained rather than buffered, so a chatty child can never
// block on a full pipe.
//
// When ctx is cancelled the child is killed and the read ends are
// closed, which also unblocks the drains if a grandchild inherited the
// pipes.
//
// # Outputs
//
//   - *Result: Always non-nil
//   - error: exec.ErrNotFound (wrapped) when the binary is missing, the
//     context error on cancellation, *util.CommandError on non-zero exit
func (r *DefaultRunner) Run(ctx context.Context, c Command, sink logstream.Sink) (*Result, error) {
	sink = logstream.OrDiscard(sink)
	res := &Result{Command: c.String(), ExitCode: -1}

	path, err := exec.LookPath(c.Name)
	if err != nil {
		return res, fmt.Errorf("%s: %w", c.Name, err)
	}

	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return res, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return res, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	started := time.Now()
	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return res, fmt.Errorf("start %s: %w", res.Command, err)
	}
	// The child holds its own copies; ours must go so EOF can arrive.
	stdoutW.Close()
	stderrW.Close()

	r.logger.Debug("process started", "command", res.Command, "pid", cmd.Process.Pid)

	tailSize := r.TailSize
	if tailSize <= 0 {
		tailSize = DefaultTailSize
	}
	tail := util.NewRingBuffer[string](tailSize)

	var waitErr error
	var g errgroup.Group
	g.Go(func() error {
		return drain(stdoutR, logstream.StreamStdout, sink, tail)
	})
	g.Go(func() error {
		return drain(stderrR, logstream.StreamStderr, sink, tail)
	})
	g.Go(func() error {
		waitErr = cmd.Wait()
		if ctx.Err() != nil {
			stdoutR.Close()
			stderrR.Close()
		}
		return nil
	})
	drainErr := g.Wait()

	res.Duration = time.Since(started)
	res.Tail = tail.ToSlice()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	r.logger.Debug("process exited",
		"command", res.Command,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", res.Command, ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, util.NewCommandError(res.Command, res.ExitCode, res.Tail, waitErr)
		}
		return res, fmt.Errorf("wait %s: %w", res.Command, waitErr)
	}
	if drainErr != nil {
		return res, fmt.Errorf("read output of %s: %w", res.Command, drainErr)
	}
	return res, nil
}

// drain forwards lines from r until EOF and closes r.
func drain(r *os.File, stream logstream.Stream, sink logstream.Sink, tail *util.RingBuffer[string]) error {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		tail.Push(text)
		sink.Emit(logstream.Line{
			Time:   time.Now(),
			Stream: stream,
			Text:   text,
		})
	}
	err := scanner.Err()
	if err == nil || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

var _ Runner = (*DefaultRunner)(nil)
