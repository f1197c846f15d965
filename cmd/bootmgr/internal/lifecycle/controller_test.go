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
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/diagnostics"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/compose"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/process"
	bmruntime "github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/runtime"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
)

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	check    *bmruntime.MockChecker
	launcher *bmruntime.MockLauncher
	compose  *compose.MockExecutor
	metrics  *diagnostics.NoOpMetrics
	rec      *logstream.Recorder
	c        *Controller

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, check *bmruntime.MockChecker, exec *compose.MockExecutor, cfg Config) *harness {
	t.Helper()
	if exec == nil {
		exec = &compose.MockExecutor{FilePath: "/srv/docker-compose.prod.yml"}
	}
	h := &harness{
		check:    check,
		launcher: &bmruntime.MockLauncher{},
		compose:  exec,
		metrics:  diagnostics.NewNoOpMetrics(),
		rec:      &logstream.Recorder{},
	}
	h.c = NewController(h.check, h.launcher, h.compose, Options{
		Config:  cfg,
		Sink:    h.rec,
		Metrics: h.metrics,
	})
	h.c.OnStateChange(func(from, to State) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.states = append(h.states, to)
	})
	return h
}

func (h *harness) seen() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func fastConfig() Config {
	return Config{LaunchGrace: time.Millisecond, PollInterval: time.Millisecond}
}

func systemText(rec *logstream.Recorder) string {
	return strings.Join(rec.Texts(logstream.StreamSystem), "\n")
}

// =============================================================================
// State Tests
// =============================================================================

func TestState_String(t *testing.T) {
	assert.Equal(t, "WaitingForRuntime", WaitingForRuntime.String())
	assert.Equal(t, "State(42)", State(42).String())
	b, err := Running.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Running", string(b))
	assert.True(t, ComposeStarting.InFlight())
	assert.False(t, Running.InFlight())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(Stopped, StartingRuntime))
	assert.True(t, CanTransition(StartingRuntime, ComposeStarting))
	assert.True(t, CanTransition(ComposeStarting, Stopped))
	assert.True(t, CanTransition(Running, Stopping))
	assert.False(t, CanTransition(Stopped, Running))
	assert.False(t, CanTransition(Running, Stopped))
	assert.False(t, CanTransition(Stopping, Running))
}

// =============================================================================
// Start Tests
// =============================================================================

func TestStart_RuntimeAlreadyReady(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, nil, fastConfig())

	require.NoError(t, h.c.Start(context.Background()))

	assert.Equal(t, Running, h.c.State())
	assert.Equal(t, []State{StartingRuntime, ComposeStarting, Running}, h.seen())
	assert.Equal(t, []string{"up"}, h.compose.Calls())
	assert.Equal(t, 0, h.launcher.Count())
	assert.Equal(t, 1, h.check.Calls())
	assert.Contains(t, systemText(h.rec), "stack is running")
	assert.Equal(t, int64(1), h.metrics.Operations())

	for _, l := range h.rec.Lines() {
		assert.NotEmpty(t, l.OpID, "every line carries the operation id")
	}
}

func TestStart_LaunchesAndWaitsForRuntime(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{Answers: []bool{false, false, false, true}}, nil, fastConfig())

	require.NoError(t, h.c.Start(context.Background()))

	assert.Equal(t, []State{StartingRuntime, WaitingForRuntime, ComposeStarting, Running}, h.seen())
	assert.Equal(t, 1, h.launcher.Count())
	assert.Equal(t, 4, h.check.Calls())
	assert.Contains(t, systemText(h.rec), "waiting for container runtime (attempt 2)")
	assert.Equal(t, int64(4), h.metrics.Polls())
}

func TestStart_LaunchFailureIsBestEffort(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{Answers: []bool{false, true}}, nil, fastConfig())
	h.launcher.Err = errors.New("docker desktop not installed")

	require.NoError(t, h.c.Start(context.Background()))
	assert.Equal(t, Running, h.c.State())
	assert.Contains(t, systemText(h.rec), "docker desktop not installed")
}

func TestStart_RuntimeTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.ReadyTimeout = 30 * time.Millisecond
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: false}, nil, cfg)

	err := h.c.Start(context.Background())

	assert.ErrorIs(t, err, ErrRuntimeUnavailable)
	assert.Equal(t, Stopped, h.c.State())
	assert.Empty(t, h.compose.Calls(), "compose must not run before the runtime is ready")
	assert.Equal(t, []State{StartingRuntime, WaitingForRuntime, Stopped}, h.seen())
	assert.Contains(t, h.c.Status().LastError, "container runtime unavailable")
}

func TestStart_ComposeFailure(t *testing.T) {
	exec := &compose.MockExecutor{
		UpFunc: func(ctx context.Context, sink logstream.Sink) (*process.Result, error) {
			sink.Emit(logstream.Line{Stream: logstream.StreamStderr, Text: "pull access denied for dpt/web"})
			res := &process.Result{Command: "docker-compose up", ExitCode: 1, Tail: []string{"pull access denied for dpt/web"}}
			return res, util.NewCommandError(res.Command, 1, res.Tail, nil)
		},
	}
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, exec, fastConfig())

	err := h.c.Start(context.Background())

	require.ErrorIs(t, err, ErrProcessFailure)
	var pf *ProcessFailure
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, 1, pf.ExitCode)
	assert.Equal(t, "start", pf.Operation)
	assert.Equal(t, []string{"pull access denied for dpt/web"}, pf.Output)

	var cmdErr *util.CommandError
	assert.True(t, errors.As(err, &cmdErr))

	assert.Equal(t, Stopped, h.c.State())
	assert.Equal(t, []State{StartingRuntime, ComposeStarting, Stopped}, h.seen())
	assert.Equal(t, int64(1), h.metrics.Failures())
}

func TestStart_Rejections(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, nil, fastConfig())

	assert.ErrorIs(t, h.c.Stop(context.Background()), ErrNotRunning)
	require.NoError(t, h.c.Start(context.Background()))
	assert.ErrorIs(t, h.c.Start(context.Background()), ErrAlreadyRunning)
	assert.Equal(t, Running, h.c.State())
}

func TestStart_CanceledWhileWaiting(t *testing.T) {
	cfg := Config{LaunchGrace: time.Hour, PollInterval: time.Hour}
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: false}, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done, err := h.c.StartAsync(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.c.State() == WaitingForRuntime }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not observe cancellation")
	}
	assert.Equal(t, Stopped, h.c.State())
	assert.Empty(t, h.compose.Calls())
}

// =============================================================================
// Mutual Exclusion Tests
// =============================================================================

func TestOverlappingRequestsAreRejected(t *testing.T) {
	release := make(chan struct{})
	var ups int
	var upsMu sync.Mutex
	exec := &compose.MockExecutor{
		UpFunc: func(ctx context.Context, sink logstream.Sink) (*process.Result, error) {
			upsMu.Lock()
			ups++
			upsMu.Unlock()
			<-release
			return &process.Result{}, nil
		},
	}
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, exec, fastConfig())

	done, err := h.c.StartAsync(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.c.State() == ComposeStarting }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- h.c.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			errs <- h.c.Stop(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrBusy)
	}

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Running, h.c.State())
	upsMu.Lock()
	assert.Equal(t, 1, ups, "rejected requests must never run later")
	upsMu.Unlock()
	assert.NotEmpty(t, h.c.Status().State.String())
}

func TestWithStopped_HoldsOffStart(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, &compose.MockExecutor{}, fastConfig())

	entered := make(chan struct{})
	release := make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- h.c.WithStopped(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.c.StartAsync(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrBusy)
	}
	assert.Equal(t, Stopped, h.c.State())

	close(release)
	require.NoError(t, <-held)
	require.NoError(t, h.c.Start(context.Background()))
	assert.Equal(t, Running, h.c.State())
}

func TestWithStopped_RejectsUnlessStopped(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, &compose.MockExecutor{}, fastConfig())
	require.NoError(t, h.c.Start(context.Background()))

	called := false
	err := h.c.WithStopped(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotStopped)
	assert.ErrorContains(t, err, "Running")
	assert.False(t, called)

	require.NoError(t, h.c.Stop(context.Background()))
	boom := errors.New("boom")
	assert.ErrorIs(t, h.c.WithStopped(func() error { return boom }), boom)

	h.c.ShutdownHook(time.Second)
	assert.ErrorIs(t, h.c.WithStopped(func() error { return nil }), ErrShuttingDown)
}

func TestStartAsync_RejectsSynchronously(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, nil, fastConfig())
	require.NoError(t, h.c.Start(context.Background()))

	done, err := h.c.StartAsync(context.Background())
	assert.Nil(t, done)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	stopped, err := h.c.StopAsync(context.Background())
	require.NoError(t, err)
	assert.NoError(t, <-stopped)
	assert.Equal(t, Stopped, h.c.State())
}

// =============================================================================
// Stop Tests
// =============================================================================

func TestStop(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, nil, fastConfig())
	require.NoError(t, h.c.Start(context.Background()))

	require.NoError(t, h.c.Stop(context.Background()))

	assert.Equal(t, Stopped, h.c.State())
	assert.Equal(t, []string{"up", "stop"}, h.compose.Calls())
	assert.Equal(t, []State{StartingRuntime, ComposeStarting, Running, Stopping, Stopped}, h.seen())
}

func TestStop_FailureStillEndsStopped(t *testing.T) {
	exec := &compose.MockExecutor{
		StopFunc: func(ctx context.Context, sink logstream.Sink) (*process.Result, error) {
			return &process.Result{ExitCode: 2}, util.NewCommandError("docker-compose stop", 2, []string{"daemon gone"}, nil)
		},
	}
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, exec, fastConfig())
	require.NoError(t, h.c.Start(context.Background()))

	err := h.c.Stop(context.Background())

	assert.ErrorIs(t, err, ErrProcessFailure)
	assert.Equal(t, Stopped, h.c.State())
	require.NoError(t, h.c.Start(context.Background()), "controller stays usable")
}

// =============================================================================
// Shutdown Tests
// =============================================================================

func TestShutdownHook_StopsRunningStack(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, nil, fastConfig())
	require.NoError(t, h.c.Start(context.Background()))

	h.c.ShutdownHook(time.Second)
	h.c.ShutdownHook(time.Second)

	assert.Equal(t, Stopped, h.c.State())
	assert.Equal(t, []string{"up", "stop"}, h.compose.Calls(), "hook runs once")
	assert.ErrorIs(t, h.c.Start(context.Background()), ErrShuttingDown)
}

func TestShutdownHook_NothingToDoWhenStopped(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, nil, fastConfig())
	h.c.ShutdownHook(time.Second)
	assert.Empty(t, h.compose.Calls())
}

func TestShutdownHook_CancelsInFlightStart(t *testing.T) {
	exec := &compose.MockExecutor{
		UpFunc: func(ctx context.Context, sink logstream.Sink) (*process.Result, error) {
			<-ctx.Done()
			return &process.Result{ExitCode: -1}, ctx.Err()
		},
	}
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, exec, fastConfig())

	done, err := h.c.StartAsync(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.c.State() == ComposeStarting }, time.Second, time.Millisecond)

	h.c.ShutdownHook(time.Second)

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, Stopped, h.c.State())
	assert.Equal(t, []string{"up", "stop"}, h.compose.Calls(), "a partially started stack is stopped")
}

func TestShutdownHook_SwallowsStopError(t *testing.T) {
	exec := &compose.MockExecutor{
		StopFunc: func(ctx context.Context, sink logstream.Sink) (*process.Result, error) {
			return nil, errors.New("boom")
		},
	}
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, exec, fastConfig())
	require.NoError(t, h.c.Start(context.Background()))

	assert.NotPanics(t, func() { h.c.ShutdownHook(time.Second) })
	assert.Equal(t, Stopped, h.c.State())
}

func TestStackGuard_ReleaseOnce(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, nil, fastConfig())
	require.NoError(t, h.c.Start(context.Background()))

	g := NewStackGuard(h.c, time.Second)
	g.Release()
	g.Release()

	select {
	case <-g.Released():
	default:
		t.Fatal("Released must be closed")
	}
	assert.Equal(t, []string{"up", "stop"}, h.compose.Calls())
}

func TestStackGuard_Signal(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, nil, fastConfig())
	require.NoError(t, h.c.Start(context.Background()))

	g := NewStackGuard(h.c, time.Second)
	sigs := make(chan os.Signal, 1)
	signaled := make(chan struct{})
	stop := g.watch(context.Background(), sigs, func() { close(signaled) })
	defer stop()

	sigs <- os.Interrupt

	select {
	case <-signaled:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler did not run")
	}
	assert.Equal(t, Stopped, h.c.State())
	assert.Equal(t, []string{"up", "stop"}, h.compose.Calls())
}

// =============================================================================
// Listener Tests
// =============================================================================

func TestOnStateChange_Unsubscribe(t *testing.T) {
	h := newHarness(t, &bmruntime.MockChecker{ReadyDefault: true}, nil, fastConfig())

	var pairs [][2]State
	unsubscribe := h.c.OnStateChange(func(from, to State) {
		pairs = append(pairs, [2]State{from, to})
	})
	require.NoError(t, h.c.Start(context.Background()))
	unsubscribe()
	require.NoError(t, h.c.Stop(context.Background()))

	assert.Equal(t, [][2]State{
		{Stopped, StartingRuntime},
		{StartingRuntime, ComposeStarting},
		{ComposeStarting, Running},
	}, pairs)
}

func TestProcessFailure_Error(t *testing.T) {
	pf := &ProcessFailure{Operation: "start", Command: "docker-compose up", ExitCode: 3}
	assert.Equal(t, "start: docker-compose up exited with code 3", pf.Error())
	assert.ErrorIs(t, pf, ErrProcessFailure)
	assert.NotErrorIs(t, pf, ErrBusy)
}
