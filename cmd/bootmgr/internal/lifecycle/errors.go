// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"errors"
	"fmt"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/process"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrBusy is returned when another lifecycle operation is in flight.
	ErrBusy = errors.New("another lifecycle operation is in progress")

	// ErrAlreadyRunning is returned by Start when the stack is up.
	ErrAlreadyRunning = errors.New("stack is already running")

	// ErrNotRunning is returned by Stop when the stack is stopped.
	ErrNotRunning = errors.New("stack is not running")

	// ErrRuntimeUnavailable is returned when the container runtime did not
	// become ready within the configured timeout.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrProcessFailure matches every *ProcessFailure.
	ErrProcessFailure = errors.New("compose command failed")

	// ErrNotStopped is returned by WithStopped when the stack is not
	// Stopped or an operation is in flight.
	ErrNotStopped = errors.New("stack is not stopped")

	// ErrShuttingDown is returned once the shutdown hook has run.
	ErrShuttingDown = errors.New("controller is shutting down")
)

// ProcessFailure reports a compose command that exited non-zero.
//
// # Description
//
// Output holds the captured tail of the command's stdout and stderr so a
// driver can show why the stack did not come up. errors.Is(err,
// ErrProcessFailure) matches; errors.As reaches the *util.CommandError.
type ProcessFailure struct {
	// Operation is "start" or "stop".
	Operation string

	Command  string
	ExitCode int
	Output   []string
	Err      error
}

func (e *ProcessFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s: %s exited with code %d", e.Operation, e.Command, e.ExitCode)
}

func (e *ProcessFailure) Unwrap() error {
	return e.Err
}

// Is matches ErrProcessFailure.
func (e *ProcessFailure) Is(target error) bool {
	return target == ErrProcessFailure
}

func newProcessFailure(op string, res *process.Result, err error) *ProcessFailure {
	pf := &ProcessFailure{Operation: op, ExitCode: -1, Err: err}
	if res != nil {
		pf.Command = res.Command
		pf.ExitCode = res.ExitCode
		pf.Output = append([]string(nil), res.Tail...)
	}
	if out := util.ExtractOutput(err); len(out) > 0 {
		pf.Output = append([]string(nil), out...)
	}
	return pf
}
