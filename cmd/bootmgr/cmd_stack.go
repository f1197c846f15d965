// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/process"
	"github.com/dpt-tools/bootmgr/pkg/ux"
)

// runStart owns the stack for as long as the command runs. The guard
// stops it again on return and on Ctrl-C.
func runStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	lock, err := acquireInstanceLock(ctx, 0)
	if err != nil {
		return err
	}
	defer lock.Release()

	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	stopOutput := followOutput(app)
	defer stopOutput()

	guard := app.Guard()
	defer guard.Release()
	stopWatch := guard.Watch(ctx, cancel, os.Interrupt, syscall.SIGTERM)
	defer stopWatch()

	ux.Title("Starting the stack")
	if err := app.Start(ctx); err != nil {
		if ctx.Err() != nil {
			ux.Warning("start interrupted")
			return nil
		}
		return err
	}

	ux.Success("stack is running at " + app.Store().FrontendURL())
	ux.Muted("Press Ctrl-C to stop the stack and exit.")
	<-ctx.Done()
	ux.Info("stopping the stack...")
	return nil
}

// runStop tears down a stack no running instance owns.
func runStop(cmd *cobra.Command, args []string) error {
	lock, err := acquireInstanceLock(cmd.Context(), 0)
	if err != nil {
		return err
	}
	defer lock.Release()

	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	stopOutput := followOutput(app)
	err = app.Teardown(cmd.Context())
	stopOutput()
	if err != nil {
		return err
	}
	ux.Success("services stopped")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), settings.Runtime.CheckTimeout+time.Second)
	defer cancel()

	runtimeState := "not ready"
	if app.RuntimeReady(ctx) {
		runtimeState = "ready"
	}

	instance := "none"
	if pid, running := instanceHolder(); running {
		instance = "running"
		if pid > 0 {
			instance += " (PID " + strconv.Itoa(pid) + ")"
		}
	}

	ux.Title("bootmgr " + app.Version())
	rows := [][2]string{
		{"settings", settings.Path},
		{"executable", app.ExecutablePath()},
		{"compose file", app.ComposePath()},
		{"engine", settings.Runtime.Engine + " (" + runtimeState + ")"},
		{"controller", instance},
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		ux.KeyValue(rows)
		return err
	}
	rows = append(rows, configRows(cfg.Redacted())...)
	ux.KeyValue(rows)

	if warnings, err := app.ValidateCompose(cmd.Context()); err != nil {
		ux.Warning("compose file: " + err.Error())
	} else {
		for _, w := range warnings {
			ux.Warning(w)
		}
	}
	return nil
}

// instanceHolder reports whether another bootmgr holds the instance lock.
func instanceHolder() (pid int, running bool) {
	lock := instanceLock()
	err := lock.Acquire()
	if err == nil {
		_ = lock.Release()
		return 0, false
	}
	var held *process.ErrLockHeld
	if errors.As(err, &held) {
		return held.HolderPID, true
	}
	return 0, false
}

func runOpen(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	url, err := app.OpenFrontend(cmd.Context())
	if err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("opened %s", url))
	return nil
}
