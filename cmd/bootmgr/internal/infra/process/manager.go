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
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Manager handles short-lived and detached process operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Manager interface {
	// Run executes a command synchronously and returns its combined output.
	//
	// # Description
	//
	// Used for quick commands whose output is only interesting on
	// failure, such as `docker info`. A non-zero exit returns a
	// *util.CommandError-compatible error that includes the output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// Start launches a command detached from this process and returns
	// its PID without waiting.
	//
	// # Description
	//
	// The child gets its own session (process group on Windows) so it
	// survives this process exiting. Used to launch the container
	// runtime, to relaunch bootmgr after an update, and to open the
	// frontend in a browser. ctx only bounds the start itself.
	Start(ctx context.Context, name string, args ...string) (int, error)

	// Attach runs a command in the foreground with this process's stdin,
	// stdout and stderr and waits for it.
	//
	// # Description
	//
	// Used to hand the terminal over to a freshly installed bootmgr.
	// A non-zero exit is reported through exitCode with a nil error.
	Attach(ctx context.Context, name string, args ...string) (exitCode int, err error)

	// LookPath resolves name through PATH.
	LookPath(name string) (string, error)
}

// -----------------------------------------------------------------------------
// Default Implementation
// -----------------------------------------------------------------------------

// DefaultManager is the production Manager.
type DefaultManager struct{}

// NewDefaultManager creates a DefaultManager.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

// Run executes name with args and returns combined stdout and stderr.
func (pm *DefaultManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("%s %s (exit %d): %s: %w",
				name, strings.Join(args, " "), exitErr.ExitCode(), strings.TrimSpace(string(out)), err)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Start launches name detached and reaps it in the background.
func (pm *DefaultManager) Start(ctx context.Context, name string, args ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	go func() {
		_ = cmd.Wait()
	}()
	return pid, nil
}

// Attach runs name with the inherited stdio and returns its exit code.
func (pm *DefaultManager) Attach(ctx context.Context, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("run %s: %w", name, err)
	}
	return 0, nil
}

// LookPath resolves name through PATH.
func (pm *DefaultManager) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

var _ Manager = (*DefaultManager)(nil)
