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
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/process"
)

// =============================================================================
// CommandChecker Tests
// =============================================================================

func TestCommandChecker_MissingBinaryIsNotReady(t *testing.T) {
	pm := &process.MockManager{
		LookPathFunc: func(name string) (string, error) {
			return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
		},
	}
	check := NewCommandChecker(pm, "docker", time.Second, nil)

	assert.False(t, check.IsReady(context.Background()))
	for _, c := range pm.GetCalls() {
		assert.NotEqual(t, "Run", c.Method, "must not run a binary that is not on PATH")
	}
}

func TestCommandChecker_RealMissingBinary(t *testing.T) {
	check := NewCommandChecker(process.NewDefaultManager(), "definitely-not-docker-xyz", time.Second, nil)
	assert.False(t, check.IsReady(context.Background()))
}

func TestCommandChecker_ExitStatus(t *testing.T) {
	tests := []struct {
		name   string
		runErr error
		want   bool
	}{
		{"zero exit", nil, true},
		{"daemon down", errors.New("Cannot connect to the Docker daemon (exit 1)"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := &process.MockManager{
				RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
					assert.Equal(t, "podman", name)
					assert.Equal(t, []string{"info"}, args)
					_, hasDeadline := ctx.Deadline()
					assert.True(t, hasDeadline)
					return nil, tt.runErr
				},
			}
			check := NewCommandChecker(pm, "podman", 0, nil)
			assert.Equal(t, tt.want, check.IsReady(context.Background()))
		})
	}
}

// =============================================================================
// APIChecker Tests
// =============================================================================

type fakePinger struct {
	ping   types.Ping
	err    error
	closed int
}

func (f *fakePinger) Ping(ctx context.Context) (types.Ping, error) { return f.ping, f.err }
func (f *fakePinger) Close() error                                  { f.closed++; return nil }

func TestAPIChecker(t *testing.T) {
	ok := &fakePinger{ping: types.Ping{APIVersion: "1.47"}}
	assert.True(t, newAPIChecker(ok, time.Second, nil).IsReady(context.Background()))

	down := &fakePinger{err: errors.New("connection refused")}
	assert.False(t, newAPIChecker(down, time.Second, nil).IsReady(context.Background()))

	empty := &fakePinger{}
	check := newAPIChecker(empty, time.Second, nil)
	assert.False(t, check.IsReady(context.Background()))
	require.NoError(t, check.Close())
	require.NoError(t, check.Close())
	assert.Equal(t, 1, empty.closed)
}

func TestMockChecker_ScriptedAnswers(t *testing.T) {
	m := &MockChecker{Answers: []bool{false, false, true}}
	got := []bool{}
	for i := 0; i < 4; i++ {
		got = append(got, m.IsReady(context.Background()))
	}
	assert.Equal(t, []bool{false, false, true, true}, got)
	assert.Equal(t, 4, m.Calls())
}

// =============================================================================
// Launcher Tests
// =============================================================================

func TestDefaultLaunchCommand(t *testing.T) {
	assert.Equal(t, []string{DockerDesktopWindows}, DefaultLaunchCommand("docker", "windows"))
	assert.Equal(t, []string{"open", "-a", "Docker"}, DefaultLaunchCommand("docker", "darwin"))
	assert.Equal(t, []string{"systemctl", "--user", "start", "docker-desktop"}, DefaultLaunchCommand("docker", "linux"))
	assert.Equal(t, []string{"podman", "machine", "start"}, DefaultLaunchCommand("podman", "darwin"))
	assert.Nil(t, DefaultLaunchCommand("podman", "linux"))
}

func TestCommandLauncher(t *testing.T) {
	pm := &process.MockManager{
		StartFunc: func(ctx context.Context, name string, args ...string) (int, error) {
			return 7, nil
		},
	}
	l := NewCommandLauncher(pm, []string{"open", "-a", "Docker"}, nil)
	require.NoError(t, l.Launch(context.Background()))

	calls := pm.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "open", calls[0].Name)
	assert.Equal(t, []string{"-a", "Docker"}, calls[0].Args)

	failing := NewCommandLauncher(&process.MockManager{
		StartFunc: func(ctx context.Context, name string, args ...string) (int, error) {
			return 0, errors.New("no such file")
		},
	}, []string{"docker-desktop"}, nil)
	assert.ErrorContains(t, failing.Launch(context.Background()), "launch runtime")

	assert.NoError(t, NewCommandLauncher(pm, nil, nil).Launch(context.Background()))
}
