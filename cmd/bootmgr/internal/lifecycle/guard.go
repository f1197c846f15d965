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
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
)

// StackGuard ties the controller's shutdown hook to every exit path.
//
// # Description
//
// Drivers acquire a guard right after building the controller and defer
// Release. Watch additionally fires Release when a termination signal
// arrives, before the driver's own signal handling runs, so the stack is
// torn down on Ctrl-C as well as on a normal return.
//
// # Examples
//
//	guard := lifecycle.NewStackGuard(controller, 60*time.Second)
//	defer guard.Release()
//	stopWatch := guard.Watch(ctx, cancel, os.Interrupt, syscall.SIGTERM)
//	defer stopWatch()
type StackGuard struct {
	controller *Controller
	timeout    time.Duration
	once       sync.Once
	released   chan struct{}
}

// NewStackGuard creates a guard whose Release stops the stack within timeout.
func NewStackGuard(c *Controller, timeout time.Duration) *StackGuard {
	return &StackGuard{
		controller: c,
		timeout:    timeout,
		released:   make(chan struct{}),
	}
}

// Release runs the controller's shutdown hook once. Later calls wait for
// the first one to finish.
func (g *StackGuard) Release() {
	g.once.Do(func() {
		defer close(g.released)
		g.controller.ShutdownHook(g.timeout)
	})
	<-g.released
}

// Released is closed after Release has finished.
func (g *StackGuard) Released() <-chan struct{} {
	return g.released
}

// Watch releases the guard when one of sigs arrives, then calls onSignal
// (typically the driver's root context cancel). The returned function
// stops watching.
func (g *StackGuard) Watch(ctx context.Context, onSignal func(), sigs ...os.Signal) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	stop := g.watch(ctx, ch, onSignal)
	return func() {
		signal.Stop(ch)
		stop()
	}
}

func (g *StackGuard) watch(ctx context.Context, ch <-chan os.Signal, onSignal func()) func() {
	ctx, cancel := context.WithCancel(ctx)
	util.SafeGo(func() {
		select {
		case <-ctx.Done():
		case <-ch:
			g.Release()
			if onSignal != nil {
				onSignal()
			}
		}
	}, nil)
	return cancel
}
