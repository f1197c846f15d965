// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package lifecycle drives the compose stack through its states.

	Stopped → StartingRuntime → [WaitingForRuntime] → ComposeStarting → Running
	Running → Stopping → Stopped

Exactly one Start or Stop runs at a time. A second request while one is in
flight fails immediately with ErrBusy; nothing is queued. The state is owned
by the Controller and changes only through its transitions; drivers read it
with State or Status and observe changes with OnStateChange.
*/
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/diagnostics"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/compose"
	bmruntime "github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/runtime"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
	"github.com/dpt-tools/bootmgr/pkg/logging"
)

const (
	opStart    = "start"
	opStop     = "stop"
	opShutdown = "shutdown"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the controller's timing.
type Config struct {
	// LaunchGrace is the wait between launching the runtime and the first
	// readiness poll. DefaultConfig uses 10s; zero polls immediately.
	LaunchGrace time.Duration

	// PollInterval is the wait between readiness polls. Default: 5s.
	PollInterval time.Duration

	// ReadyTimeout bounds the whole runtime wait. Zero waits forever.
	ReadyTimeout time.Duration
}

// DefaultConfig returns the production timing.
func DefaultConfig() Config {
	return Config{
		LaunchGrace:  util.DefaultLaunchGrace,
		PollInterval: util.DefaultPollInterval,
		ReadyTimeout: util.DefaultRuntimeTimeout,
	}
}

// Options carries the controller's optional collaborators.
type Options struct {
	Config Config

	// Sink receives every system and process line. Default: discard.
	Sink logstream.Sink

	Logger  *logging.Logger
	Tracer  diagnostics.Tracer
	Metrics diagnostics.Metrics
}

// =============================================================================
// Controller
// =============================================================================

// Controller owns the lifecycle state.
//
// # Thread Safety
//
// All methods are safe for concurrent use. State listeners run on the
// goroutine that performed the transition, after the state mutex is
// released; they must not call Start or Stop synchronously.
type Controller struct {
	check    bmruntime.Checker
	launcher bmruntime.Launcher
	compose  compose.Executor

	config  Config
	sink    logstream.Sink
	logger  *logging.Logger
	tracer  diagnostics.Tracer
	metrics diagnostics.Metrics

	mu        sync.Mutex
	state     State
	since     time.Time
	current   *operation
	lastError string
	// composeTouched is set once "up" has been issued and cleared after a
	// successful "stop"; the shutdown hook stops the stack while it is set.
	composeTouched bool
	closed         bool
	// holds counts WithStopped callbacks in progress; begin rejects while
	// it is non-zero.
	holds int

	notifyMu     sync.Mutex
	listeners    map[int]func(from, to State)
	nextListener int

	shutdownOnce sync.Once
}

// operation is one in-flight Start or Stop.
type operation struct {
	kind   string
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	sink   logstream.Sink
	finish func(error)
	began  time.Time
}

// NewController creates a controller in the Stopped state.
func NewController(check bmruntime.Checker, launcher bmruntime.Launcher, executor compose.Executor, opts Options) *Controller {
	cfg := opts.Config
	cfg.LaunchGrace = util.EnforceDefaultTimeout(cfg.LaunchGrace, 0)
	cfg.PollInterval = util.EnforceDefaultTimeout(cfg.PollInterval, util.DefaultPollInterval)
	if cfg.ReadyTimeout < 0 {
		cfg.ReadyTimeout = 0
	}

	c := &Controller{
		check:     check,
		launcher:  launcher,
		compose:   executor,
		config:    cfg,
		sink:      logstream.OrDiscard(opts.Sink),
		logger:    logging.OrDiscard(opts.Logger),
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		state:     Stopped,
		since:     time.Now(),
		listeners: make(map[int]func(from, to State)),
	}
	if c.launcher == nil {
		c.launcher = bmruntime.NewCommandLauncher(nil, nil, c.logger)
	}
	if c.tracer == nil {
		c.tracer = diagnostics.NewNoOpTracer()
	}
	if c.metrics == nil {
		c.metrics = diagnostics.NewNoOpMetrics()
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the state together with the in-flight operation id and
// the last operation error.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, Since: c.since, LastError: c.lastError}
	if c.current != nil {
		st.OpID = c.current.id
	}
	return st
}

// ComposeFile returns the compose file the controller drives.
func (c *Controller) ComposeFile() string {
	return c.compose.File()
}

// OnStateChange registers fn for every transition and returns a function
// that unregisters it.
func (c *Controller) OnStateChange(fn func(from, to State)) func() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.notifyMu.Lock()
		defer c.notifyMu.Unlock()
		delete(c.listeners, id)
	}
}

// =============================================================================
// Start
// =============================================================================

// Start brings the stack up and blocks until it is Running or back in
// Stopped.
//
// # Description
//
//  1. StartingRuntime: check the runtime
//  2. If not ready: launch it (best effort), WaitingForRuntime, wait
//     LaunchGrace, then poll every PollInterval until ready or ReadyTimeout
//  3. ComposeStarting: run "up -d --pull always"
//  4. Running on exit 0; Stopped otherwise
//
// # Outputs
//
//   - error: ErrBusy, ErrAlreadyRunning, ErrShuttingDown (rejected, state
//     unchanged); ErrRuntimeUnavailable, *ProcessFailure or the context
//     error (state back to Stopped)
func (c *Controller) Start(ctx context.Context) error {
	op, err := c.begin(ctx, opStart)
	if err != nil {
		return err
	}
	return c.runStart(op)
}

// StartAsync claims the transition synchronously and runs the rest of
// Start in the background. A rejection is returned immediately; otherwise
// the channel receives Start's result and is closed.
func (c *Controller) StartAsync(ctx context.Context) (<-chan error, error) {
	op, err := c.begin(ctx, opStart)
	if err != nil {
		return nil, err
	}
	return c.async(op, c.runStart), nil
}

func (c *Controller) runStart(op *operation) (err error) {
	defer func() { c.end(op, err) }()
	defer util.RecoverPanic(func(r util.SafeGoResult) {
		c.logger.Error("panic during start", "op_id", op.id, "panic", r.PanicValue, "stack", r.Stack)
		err = r.Err()
		c.setState(Stopped)
	})()

	ctx := op.ctx
	logstream.Systemf(op.sink, "checking container runtime")
	ready := c.check.IsReady(ctx)
	c.metrics.RecordRuntimePoll(ready)

	if !ready {
		logstream.Systemf(op.sink, "container runtime not ready, launching it")
		if lerr := c.launcher.Launch(ctx); lerr != nil {
			c.logger.Warn("runtime launch failed", "op_id", op.id, "error", lerr)
			logstream.Systemf(op.sink, "could not launch container runtime: %v", lerr)
		}
		c.setState(WaitingForRuntime)
		if werr := c.waitForRuntime(op); werr != nil {
			c.setState(Stopped)
			logstream.Systemf(op.sink, "start aborted: %v", werr)
			return werr
		}
	}

	if cerr := ctx.Err(); cerr != nil {
		c.setState(Stopped)
		return cerr
	}

	c.mu.Lock()
	c.composeTouched = true
	c.mu.Unlock()
	c.setState(ComposeStarting)

	res, uerr := c.compose.Up(ctx, op.sink)
	if uerr != nil {
		c.setState(Stopped)
		if cerr := ctx.Err(); cerr != nil {
			logstream.Systemf(op.sink, "start canceled")
			return cerr
		}
		pf := newProcessFailure(opStart, res, uerr)
		logstream.Systemf(op.sink, "stack failed to start: %v", pf)
		return pf
	}

	c.setState(Running)
	logstream.Systemf(op.sink, "stack is running")
	return nil
}

// waitForRuntime polls the check until it answers, the context ends or
// ReadyTimeout elapses.
func (c *Controller) waitForRuntime(op *operation) error {
	ctx := op.ctx

	var deadline <-chan time.Time
	if c.config.ReadyTimeout > 0 {
		t := time.NewTimer(c.config.ReadyTimeout)
		defer t.Stop()
		deadline = t.C
	}

	wait := time.NewTimer(c.config.LaunchGrace)
	defer wait.Stop()

	started := time.Now()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w: not ready after %s (%d checks)",
				ErrRuntimeUnavailable, time.Since(started).Round(time.Second), attempt-1)
		case <-wait.C:
		}

		ready := c.check.IsReady(ctx)
		c.metrics.RecordRuntimePoll(ready)
		if ready {
			c.logger.Info("container runtime ready", "op_id", op.id, "checks", attempt)
			logstream.Systemf(op.sink, "container runtime is ready")
			return nil
		}
		logstream.Systemf(op.sink, "waiting for container runtime (attempt %d)", attempt)
		wait.Reset(c.config.PollInterval)
	}
}

// =============================================================================
// Stop
// =============================================================================

// Stop runs "stop" and always ends in Stopped.
//
// # Outputs
//
//   - error: ErrBusy, ErrNotRunning, ErrShuttingDown (rejected); a
//     *ProcessFailure or context error is still reported after the state
//     has moved to Stopped
func (c *Controller) Stop(ctx context.Context) error {
	op, err := c.begin(ctx, opStop)
	if err != nil {
		return err
	}
	return c.runStop(op)
}

// StopAsync is the Stop counterpart of StartAsync.
func (c *Controller) StopAsync(ctx context.Context) (<-chan error, error) {
	op, err := c.begin(ctx, opStop)
	if err != nil {
		return nil, err
	}
	return c.async(op, c.runStop), nil
}

func (c *Controller) runStop(op *operation) (err error) {
	defer func() { c.end(op, err) }()
	defer util.RecoverPanic(func(r util.SafeGoResult) {
		c.logger.Error("panic during stop", "op_id", op.id, "panic", r.PanicValue, "stack", r.Stack)
		err = r.Err()
		c.setState(Stopped)
	})()

	res, serr := c.compose.Stop(op.ctx, op.sink)
	c.setState(Stopped)
	if serr != nil {
		if cerr := op.ctx.Err(); cerr != nil {
			return cerr
		}
		pf := newProcessFailure(opStop, res, serr)
		logstream.Systemf(op.sink, "stop reported an error: %v", pf)
		return pf
	}

	c.mu.Lock()
	c.composeTouched = false
	c.mu.Unlock()
	logstream.Systemf(op.sink, "stack stopped")
	return nil
}

// =============================================================================
// Shutdown
// =============================================================================

// WithStopped runs fn while the stack is Stopped and keeps it there.
//
// # Description
//
// The check and the hold are taken under the state mutex, so no Start can
// slip in between them. Start and Stop requests made while fn runs fail
// with ErrBusy. Several WithStopped calls may run at once. fn must not
// call Start or Stop.
//
// # Outputs
//
//   - error: ErrNotStopped or ErrShuttingDown without calling fn, else
//     whatever fn returns
func (c *Controller) WithStopped(fn func() error) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrShuttingDown
	case c.state != Stopped || c.current != nil:
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state is %s)", ErrNotStopped, st)
	}
	c.holds++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.holds--
		c.mu.Unlock()
	}()
	return fn()
}

// ShutdownHook tears the stack down when bootmgr exits.
//
// # Description
//
// Runs at most once. New operations are rejected with ErrShuttingDown, an
// in-flight operation is canceled and awaited (up to timeout), and then,
// if the stack is not Stopped or "up" was issued without a later
// successful "stop", "stop" runs bounded by timeout. Errors are logged
// and swallowed.
func (c *Controller) ShutdownHook(timeout time.Duration) {
	c.shutdownOnce.Do(func() {
		c.shutdown(util.EnforceDefaultTimeout(timeout, util.DefaultStopTimeout))
	})
}

func (c *Controller) shutdown(timeout time.Duration) {
	began := time.Now()

	c.mu.Lock()
	c.closed = true
	cur := c.current
	c.mu.Unlock()

	if cur != nil {
		c.logger.Info("canceling in-flight operation for shutdown", "op_id", cur.id, "operation", cur.kind)
		cur.cancel()
		select {
		case <-cur.done:
		case <-time.After(timeout):
			c.logger.Warn("in-flight operation did not finish before shutdown", "op_id", cur.id)
		}
	}

	c.mu.Lock()
	state, touched := c.state, c.composeTouched
	c.mu.Unlock()
	if state == Stopped && !touched {
		return
	}

	opID := uuid.NewString()
	sink := logstream.WithOp(c.sink, opID)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, finish := c.tracer.StartSpan(ctx, "lifecycle.shutdown", map[string]string{"op_id": opID})

	logstream.Systemf(sink, "shutting down: stopping stack")
	if state == Running {
		c.setState(Stopping)
	}
	_, err := c.compose.Stop(ctx, sink)
	c.setState(Stopped)
	finish(err)

	outcome := diagnostics.OutcomeSuccess
	if err != nil {
		outcome = diagnostics.OutcomeFailure
		c.logger.Warn("stop during shutdown failed", "op_id", opID, "error", err)
	} else {
		c.mu.Lock()
		c.composeTouched = false
		c.mu.Unlock()
	}
	c.metrics.RecordOperation(opShutdown, outcome, time.Since(began))
}

// =============================================================================
// Internals
// =============================================================================

// begin validates the request and claims the first transition under one
// lock acquisition, so two callers can never both pass the check.
func (c *Controller) begin(ctx context.Context, kind string) (*operation, error) {
	c.mu.Lock()
	var rejected error
	switch {
	case c.closed:
		rejected = ErrShuttingDown
	case c.current != nil:
		rejected = fmt.Errorf("%w: %s %s", ErrBusy, c.current.kind, c.current.id)
	case c.holds > 0:
		rejected = fmt.Errorf("%w: deployment settings are being changed", ErrBusy)
	case kind == opStart && c.state == Running:
		rejected = ErrAlreadyRunning
	case kind == opStop && c.state == Stopped:
		rejected = ErrNotRunning
	case kind == opStart && c.state != Stopped, kind == opStop && c.state != Running:
		rejected = fmt.Errorf("%w: state is %s", ErrBusy, c.state)
	}
	if rejected != nil {
		state := c.state
		c.mu.Unlock()
		c.metrics.RecordOperation(kind, diagnostics.OutcomeRejected, 0)
		c.logger.Debug("lifecycle request rejected", "operation", kind, "state", state.String(), "reason", rejected)
		return nil, rejected
	}

	id := uuid.NewString()
	opCtx, cancel := context.WithCancel(ctx)
	opCtx, finish := c.tracer.StartSpan(opCtx, "lifecycle."+kind, map[string]string{"op_id": id})
	op := &operation{
		kind:   kind,
		id:     id,
		ctx:    opCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		sink:   logstream.WithOp(c.sink, id),
		finish: finish,
		began:  time.Now(),
	}
	c.current = op
	c.lastError = ""

	next := StartingRuntime
	if kind == opStop {
		next = Stopping
	}
	from := c.applyLocked(next)
	c.mu.Unlock()

	c.notify(from, next)
	c.logger.Info("lifecycle operation started", "operation", kind, "op_id", id, "trace_id", c.tracer.TraceID(opCtx))
	return op, nil
}

// end releases the operation slot and records the outcome.
func (c *Controller) end(op *operation, err error) {
	c.mu.Lock()
	if c.current == op {
		c.current = nil
	}
	if err != nil {
		c.lastError = err.Error()
	}
	c.mu.Unlock()

	outcome := diagnostics.OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = diagnostics.OutcomeCanceled
	default:
		outcome = diagnostics.OutcomeFailure
	}

	elapsed := time.Since(op.began)
	c.metrics.RecordOperation(op.kind, outcome, elapsed)
	op.finish(err)
	op.cancel()
	close(op.done)

	if err != nil {
		c.logger.Warn("lifecycle operation failed", "operation", op.kind, "op_id", op.id, "duration_ms", elapsed.Milliseconds(), "error", err)
	} else {
		c.logger.Info("lifecycle operation finished", "operation", op.kind, "op_id", op.id, "duration_ms", elapsed.Milliseconds())
	}
}

func (c *Controller) async(op *operation, run func(*operation) error) <-chan error {
	done := make(chan error, 1)
	util.SafeGo(func() {
		done <- run(op)
		close(done)
	}, func(r util.SafeGoResult) {
		done <- r.Err()
		close(done)
	})
	return done
}

// setState performs a transition and notifies listeners.
func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.applyLocked(to)
	c.mu.Unlock()
	if from != to {
		c.notify(from, to)
	}
}

func (c *Controller) applyLocked(to State) State {
	from := c.state
	if from == to {
		return from
	}
	if !CanTransition(from, to) {
		c.logger.Error("illegal lifecycle transition", "from", from.String(), "to", to.String())
	}
	c.state = to
	c.since = time.Now()
	return from
}

func (c *Controller) notify(from, to State) {
	c.metrics.RecordTransition(from.String(), to.String())
	c.logger.Debug("lifecycle transition", "from", from.String(), "to", to.String())

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, fn := range c.listeners {
		fn(from, to)
	}
}
