// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Command Error Type
// =============================================================================

// CommandError describes a child process that exited unsuccessfully.
//
// # Description
//
// Carries the command line, the exit code and the tail of the combined
// output the process produced. The output is kept as lines so callers
// can render it the same way the live stream was rendered.
//
// # Example
//
//	err := NewCommandError("docker-compose -f stack.yml up -d", 1, tail, nil)
//	fmt.Println(err.Error())
//	// docker-compose -f stack.yml up -d (exit 1): pull access denied for web
//
//	var cmdErr *CommandError
//	if errors.As(err, &cmdErr) {
//	    fmt.Println(len(cmdErr.Output))
//	}
type CommandError struct {
	// Command is the command line that was executed.
	Command string

	// ExitCode is the process exit code (-1 if the process never ran).
	ExitCode int

	// Output is the captured tail of stdout and stderr, oldest first.
	Output []string

	// Wrapped is the underlying error (may be nil).
	Wrapped error
}

// Error returns "<command> (exit N): <last output line>".
//
// The last non-empty output line is usually the one that explains the
// failure; the full tail stays available in Output.
func (e *CommandError) Error() string {
	if last := e.LastLine(); last != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, last)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// LastLine returns the last non-blank output line, or "".
func (e *CommandError) LastLine() string {
	for i := len(e.Output) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(e.Output[i]); line != "" {
			return line
		}
	}
	return ""
}

// CombinedOutput joins the captured output with newlines.
func (e *CommandError) CombinedOutput() string {
	return strings.Join(e.Output, "\n")
}

var _ error = (*CommandError)(nil)

// NewCommandError creates a CommandError.
//
// # Inputs
//
//   - cmd: The command line that was executed
//   - exitCode: Process exit code (-1 if unknown)
//   - output: Captured output tail; copied so the caller may reuse its slice
//   - wrapped: Underlying error (may be nil)
func NewCommandError(cmd string, exitCode int, output []string, wrapped error) *CommandError {
	out := make([]string, len(output))
	copy(out, output)
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Output:   out,
		Wrapped:  wrapped,
	}
}

// ExtractOutput walks the error chain and returns the captured output of
// the first CommandError found, or nil.
func ExtractOutput(err error) []string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Output
	}
	return nil
}
