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
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/controlapi"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/lifecycle"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/update"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
)

// runServe runs the control API as the only front end.
//
// # Description
//
// After an update applied through the API, the new executable is started
// detached with the same arguments and this process exits; the successor
// waits for the instance lock, which is released only after the guard
// has stopped the stack.
func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	lock, err := acquireInstanceLock(ctx, settings.Runtime.StopTimeout+instanceLockWait)
	if err != nil {
		return err
	}
	defer lock.Release()

	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	app.SetRelauncher(app.DetachedRelauncher(os.Args[1:]...))

	guard := app.Guard()
	defer guard.Release()
	stopWatch := guard.Watch(ctx, cancel, os.Interrupt, syscall.SIGTERM)
	defer stopWatch()

	unsubscribe := app.OnStateChange(func(from, to lifecycle.State) {
		logger.Info("stack state changed", "from", from.String(), "to", to.String())
	})
	defer unsubscribe()

	listen := settings.API.Listen
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		listen = v
	}
	srv := controlapi.New(controlapi.Config{
		Listen:   listen,
		Hub:      app.Hub(),
		Gatherer: app.Gatherer(),
		Logger:   logger,
		AfterUpdate: func(res *update.ApplyResult) {
			logger.Info("handing over to the new version", "tag", res.Tag, "pid", res.RelaunchPID)
			cancel()
		},
	}, app)

	if start, _ := cmd.Flags().GetBool("start"); start {
		done, err := app.StartAsync(ctx)
		if err != nil {
			return err
		}
		util.SafeGo(func() {
			if err := <-done; err != nil {
				logger.Error("stack start failed", "error", err)
			}
		}, nil)
	}

	return srv.Run(ctx)
}
