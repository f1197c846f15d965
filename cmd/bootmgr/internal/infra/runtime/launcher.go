// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/process"
	"github.com/dpt-tools/bootmgr/pkg/logging"
)

// DockerDesktopWindows is where the Docker Desktop installer puts the app.
const DockerDesktopWindows = `C:\Program Files\Docker\Docker\Docker Desktop.exe`

// Launcher asks the OS to start the container runtime.
//
// Launch returns once the launch request was issued. It does not wait
// for the runtime to become ready; that is the check's job.
type Launcher interface {
	Launch(ctx context.Context) error
}

// DefaultLaunchCommand returns the launch command for an engine on goos.
//
// # Description
//
// Returns nil when there is nothing sensible to run (Linux with podman,
// whose socket is started on demand).
//
// # Examples
//
//	DefaultLaunchCommand("docker", "windows")
//	// ["C:\Program Files\Docker\Docker\Docker Desktop.exe"]
//	DefaultLaunchCommand("podman", "darwin")
//	// ["podman", "machine", "start"]
func DefaultLaunchCommand(engine, goos string) []string {
	if engine == EnginePodman {
		if goos == "linux" {
			return nil
		}
		return []string{"podman", "machine", "start"}
	}
	switch goos {
	case "windows":
		return []string{DockerDesktopWindows}
	case "darwin":
		return []string{"open", "-a", "Docker"}
	default:
		return []string{"systemctl", "--user", "start", "docker-desktop"}
	}
}

// CommandLauncher runs a configured command detached.
type CommandLauncher struct {
	pm      process.Manager
	command []string
	logger  *logging.Logger
}

// NewCommandLauncher creates a launcher. An empty command makes Launch a no-op.
func NewCommandLauncher(pm process.Manager, command []string, logger *logging.Logger) *CommandLauncher {
	return &CommandLauncher{
		pm:      pm,
		command: append([]string(nil), command...),
		logger:  logging.OrDiscard(logger),
	}
}

// Launch starts the runtime.
func (l *CommandLauncher) Launch(ctx context.Context) error {
	if len(l.command) == 0 {
		l.logger.Debug("no runtime launch command configured")
		return nil
	}
	pid, err := l.pm.Start(ctx, l.command[0], l.command[1:]...)
	if err != nil {
		return fmt.Errorf("launch runtime (%s): %w", strings.Join(l.command, " "), err)
	}
	l.logger.Info("runtime launch requested", "command", l.command[0], "pid", pid)
	return nil
}

// Command returns a copy of the configured command.
func (l *CommandLauncher) Command() []string {
	return append([]string(nil), l.command...)
}

// MockLauncher records launches and returns Err.
type MockLauncher struct {
	Err error

	mu    sync.Mutex
	count int
}

// Launch records the call.
func (m *MockLauncher) Launch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	return m.Err
}

// Count returns how many times Launch ran.
func (m *MockLauncher) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

var (
	_ Launcher = (*CommandLauncher)(nil)
	_ Launcher = (*MockLauncher)(nil)
)
