// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package update

import (
	"context"
	"fmt"
	"sync"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/process"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
)

// Relauncher starts the freshly installed executable. The caller exits
// through its normal path afterwards.
type Relauncher interface {
	Relaunch(ctx context.Context, path string) (pid int, err error)
}

// DetachedRelauncher starts the new executable in its own session, so it
// outlives the current process. Used by long-running drivers (serve).
type DetachedRelauncher struct {
	Manager process.Manager
	Args    []string
}

// Relaunch starts path with r.Args detached.
func (r *DetachedRelauncher) Relaunch(ctx context.Context, path string) (int, error) {
	return r.Manager.Start(ctx, path, r.Args...)
}

// ForegroundRelauncher runs the new executable to completion with its
// output on Sink. Interactive drivers use it with Args ["version"] to
// prove the new binary starts before they hand the terminal over to it.
type ForegroundRelauncher struct {
	Runner process.Runner
	Args   []string
	Sink   logstream.Sink
}

// Relaunch runs path with r.Args and waits for it.
func (r *ForegroundRelauncher) Relaunch(ctx context.Context, path string) (int, error) {
	res, err := r.Runner.Run(ctx, process.Command{Name: path, Args: r.Args}, r.Sink)
	if err != nil {
		return 0, fmt.Errorf("run %s: %w", path, err)
	}
	if res != nil && res.ExitCode != 0 {
		return 0, fmt.Errorf("run %s: exit code %d", path, res.ExitCode)
	}
	return 0, nil
}

// MockRelauncher records relaunches.
type MockRelauncher struct {
	Err error
	PID int

	mu    sync.Mutex
	paths []string
}

// Relaunch records path.
func (m *MockRelauncher) Relaunch(ctx context.Context, path string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, path)
	return m.PID, m.Err
}

// Paths returns the relaunched paths.
func (m *MockRelauncher) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

var (
	_ Relauncher = (*DetachedRelauncher)(nil)
	_ Relauncher = (*ForegroundRelauncher)(nil)
	_ Relauncher = (*MockRelauncher)(nil)
)
