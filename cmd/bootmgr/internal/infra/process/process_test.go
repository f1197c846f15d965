// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
)

func sh(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

// =============================================================================
// Runner Tests
// =============================================================================

func TestDefaultRunner_StreamsBothStreams(t *testing.T) {
	var rec logstream.Recorder
	runner := NewDefaultRunner(nil)

	res, err := runner.Run(context.Background(),
		sh(`for i in 1 2 3; do echo "out $i"; echo "err $i" >&2; done`), &rec)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"out 1", "out 2", "out 3"}, rec.Texts(logstream.StreamStdout))
	assert.Equal(t, []string{"err 1", "err 2", "err 3"}, rec.Texts(logstream.StreamStderr))
	assert.Len(t, res.Tail, 6)
	assert.Contains(t, res.Command, "sh -c")
}

func TestDefaultRunner_LinesArriveBeforeExit(t *testing.T) {
	first := make(chan time.Time, 1)
	sink := logstream.SinkFunc(func(l logstream.Line) {
		select {
		case first <- time.Now():
		default:
		}
	})

	runner := NewDefaultRunner(nil)
	_, err := runner.Run(context.Background(), sh(`echo early; sleep 0.5; echo late`), sink)
	finished := time.Now()
	require.NoError(t, err)

	got := <-first
	assert.GreaterOrEqual(t, finished.Sub(got), 300*time.Millisecond,
		"first line should be forwarded while the process is still running")
}

func TestDefaultRunner_NonZeroExit(t *testing.T) {
	runner := NewDefaultRunner(nil)

	res, err := runner.Run(context.Background(), sh(`echo "pull access denied" >&2; exit 3`), nil)
	require.Error(t, err)

	var cmdErr *util.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "pull access denied", cmdErr.LastLine())
}

func TestDefaultRunner_MissingBinary(t *testing.T) {
	runner := NewDefaultRunner(nil)

	res, err := runner.Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, exec.ErrNotFound)
	assert.Equal(t, -1, res.ExitCode)
}

func TestDefaultRunner_ContextCancel(t *testing.T) {
	runner := NewDefaultRunner(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runner.Run(ctx, sh(`sleep 10`), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDefaultRunner_TailBounded(t *testing.T) {
	runner := NewDefaultRunner(nil)
	runner.TailSize = 5

	res, err := runner.Run(context.Background(), sh(`i=0; while [ $i -lt 50 ]; do echo $i; i=$((i+1)); done`), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"45", "46", "47", "48", "49"}, res.Tail)
}

func TestDefaultRunner_ManyLinesNoDeadlock(t *testing.T) {
	runner := NewDefaultRunner(nil)
	var rec logstream.Recorder

	script := `i=0; while [ $i -lt 5000 ]; do echo "o$i"; echo "e$i" >&2; i=$((i+1)); done`
	_, err := runner.Run(context.Background(), sh(script), &rec)
	require.NoError(t, err)

	out := rec.Texts(logstream.StreamStdout)
	require.Len(t, out, 5000)
	for i, line := range out {
		if line != fmt.Sprintf("o%d", i) {
			t.Fatalf("stdout order broken at %d: %q", i, line)
		}
	}
	assert.Len(t, rec.Texts(logstream.StreamStderr), 5000)
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "docker", Command{Name: "docker"}.String())
	assert.Equal(t, "docker info", Command{Name: "docker", Args: []string{"info"}}.String())
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestDefaultManager_Run(t *testing.T) {
	pm := NewDefaultManager()

	out, err := pm.Run(context.Background(), "sh", "-c", "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(out))

	_, err = pm.Run(context.Background(), "sh", "-c", "echo nope; exit 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestDefaultManager_Start(t *testing.T) {
	pm := NewDefaultManager()
	pid, err := pm.Start(context.Background(), "sh", "-c", "exit 0")
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	_, err = pm.Start(context.Background(), "definitely-not-a-real-binary-xyz")
	assert.Error(t, err)
}

func TestDefaultManager_Attach(t *testing.T) {
	pm := NewDefaultManager()
	code, err := pm.Attach(context.Background(), "sh", "-c", "exit 0")
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	code, err = pm.Attach(context.Background(), "sh", "-c", "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	_, err = pm.Attach(context.Background(), "definitely-not-a-real-binary-xyz")
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestMockManager_RecordsCalls(t *testing.T) {
	m := &MockManager{
		StartFunc: func(ctx context.Context, name string, args ...string) (int, error) { return 42, nil },
	}
	pid, err := m.Start(context.Background(), "open", "-a", "Docker")
	require.NoError(t, err)
	assert.Equal(t, 42, pid)

	calls := m.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, Call{Method: "Start", Name: "open", Args: []string{"-a", "Docker"}}, calls[0])
}

// =============================================================================
// Lock Tests
// =============================================================================

func TestLock_ExclusiveAcrossInstances(t *testing.T) {
	cfg := LockConfig{LockDir: t.TempDir(), LockName: "test"}
	a := NewLock(cfg)
	b := NewLock(cfg)

	require.NoError(t, a.Acquire())
	assert.True(t, a.IsHeld())
	require.NoError(t, a.Acquire(), "re-acquire by holder is a no-op")

	err := b.Acquire()
	var held *ErrLockHeld
	require.True(t, errors.As(err, &held))
	assert.Greater(t, held.HolderPID, 0)
	assert.Contains(t, err.Error(), "another bootmgr instance")

	require.NoError(t, a.Release())
	require.NoError(t, a.Release())
	assert.Equal(t, 0, a.HolderPID())

	require.NoError(t, b.Acquire())
	require.NoError(t, b.Release())
}
