// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compose issues the two orchestration commands bootmgr needs:
// bring the stack up (always pulling, detached) and stop it.
package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/process"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
	"github.com/dpt-tools/bootmgr/pkg/logging"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrComposeFileMissing is returned when the compose file doesn't exist.
	ErrComposeFileMissing = errors.New("compose file not found")

	// ErrInvalidConfig is returned when Config is invalid.
	ErrInvalidConfig = errors.New("invalid compose configuration")
)

// =============================================================================
// Supporting Types
// =============================================================================

// Config configures the executor.
type Config struct {
	// Command is the orchestration tool and any leading arguments.
	// Default: ["docker-compose"]. Use ["docker", "compose"] for the
	// plugin form or ["podman-compose"] with podman.
	Command []string

	// File is the compose file path. Required.
	File string

	// ProjectDir is the working directory for commands.
	// Default: the directory containing File
	ProjectDir string
}

// Executor runs compose commands, streaming their output.
type Executor interface {
	// Up runs "up -d --pull always".
	Up(ctx context.Context, sink logstream.Sink) (*process.Result, error)

	// Stop runs "stop".
	Stop(ctx context.Context, sink logstream.Sink) (*process.Result, error)

	// File returns the compose file path.
	File() string
}

// DefaultExecutor runs commands through a process.Runner.
type DefaultExecutor struct {
	config Config
	runner process.Runner
	logger *logging.Logger

	// statFunc is os.Stat, swappable in tests.
	statFunc func(string) (os.FileInfo, error)
}

// NewDefaultExecutor validates cfg and applies defaults.
func NewDefaultExecutor(cfg Config, runner process.Runner, logger *logging.Logger) (*DefaultExecutor, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("%w: File is required", ErrInvalidConfig)
	}
	if runner == nil {
		return nil, fmt.Errorf("%w: runner is required", ErrInvalidConfig)
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"docker-compose"}
	}
	if cfg.ProjectDir == "" {
		cfg.ProjectDir = filepath.Dir(cfg.File)
	}
	return &DefaultExecutor{
		config:   cfg,
		runner:   runner,
		logger:   logging.OrDiscard(logger),
		statFunc: os.Stat,
	}, nil
}

// Up brings the stack up detached, pulling every image first.
//
// # Description
//
// Runs `<command> -f <file> up -d --pull always` in the project
// directory. Each output line reaches sink as it is produced. A non-zero
// exit returns the result together with a *util.CommandError.
func (e *DefaultExecutor) Up(ctx context.Context, sink logstream.Sink) (*process.Result, error) {
	return e.run(ctx, sink, "up", "-d", "--pull", "always")
}

// Stop stops the stack's containers without removing them.
func (e *DefaultExecutor) Stop(ctx context.Context, sink logstream.Sink) (*process.Result, error) {
	return e.run(ctx, sink, "stop")
}

// File returns the compose file path.
func (e *DefaultExecutor) File() string {
	return e.config.File
}

// BuildCommand returns the process.Command for a compose subcommand.
func (e *DefaultExecutor) BuildCommand(sub ...string) process.Command {
	args := append([]string{}, e.config.Command[1:]...)
	args = append(args, "-f", e.config.File)
	args = append(args, sub...)
	return process.Command{
		Name: e.config.Command[0],
		Args: args,
		Dir:  e.config.ProjectDir,
	}
}

func (e *DefaultExecutor) run(ctx context.Context, sink logstream.Sink, sub ...string) (*process.Result, error) {
	if _, err := e.statFunc(e.config.File); err != nil {
		return &process.Result{ExitCode: -1}, fmt.Errorf("%w: %s", ErrComposeFileMissing, e.config.File)
	}

	cmd := e.BuildCommand(sub...)
	e.logger.Info("running compose command", "command", cmd.String(), "dir", cmd.Dir)
	logstream.Systemf(sink, "$ %s", cmd.String())

	res, err := e.runner.Run(ctx, cmd, sink)
	if res == nil {
		res = &process.Result{Command: cmd.String(), ExitCode: -1}
	}
	if err != nil {
		e.logger.Warn("compose command failed", "command", cmd.String(), "exit_code", res.ExitCode, "error", err)
		return res, err
	}
	e.logger.Info("compose command finished", "command", cmd.String(), "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

var _ Executor = (*DefaultExecutor)(nil)

// =============================================================================
// Test Double
// =============================================================================

// MockExecutor is a test double for Executor.
//
// Unset function fields succeed with exit code 0.
type MockExecutor struct {
	UpFunc   func(ctx context.Context, sink logstream.Sink) (*process.Result, error)
	StopFunc func(ctx context.Context, sink logstream.Sink) (*process.Result, error)
	FilePath string

	mu    sync.Mutex
	calls []string
}

// Up records the call and delegates to UpFunc.
func (m *MockExecutor) Up(ctx context.Context, sink logstream.Sink) (*process.Result, error) {
	m.record("up")
	if m.UpFunc == nil {
		return &process.Result{}, nil
	}
	return m.UpFunc(ctx, sink)
}

// Stop records the call and delegates to StopFunc.
func (m *MockExecutor) Stop(ctx context.Context, sink logstream.Sink) (*process.Result, error) {
	m.record("stop")
	if m.StopFunc == nil {
		return &process.Result{}, nil
	}
	return m.StopFunc(ctx, sink)
}

// File returns FilePath.
func (m *MockExecutor) File() string {
	return m.FilePath
}

// Calls returns the recorded subcommands in order.
func (m *MockExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockExecutor) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

var _ Executor = (*MockExecutor)(nil)
