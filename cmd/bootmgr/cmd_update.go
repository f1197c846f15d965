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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/update"
	"github.com/dpt-tools/bootmgr/pkg/ux"
)

func runUpdateCheck(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	d, err := app.CheckForUpdate(cmd.Context())
	if err != nil {
		return err
	}
	printDecision(d)
	return nil
}

func printDecision(d *update.Decision) {
	if !d.Available {
		ux.Success("bootmgr " + d.Current + " is up to date")
		return
	}
	if d.Downgrade {
		ux.Warning(fmt.Sprintf("the feed offers %s, which is older than %s", d.Latest, d.Current))
	}
	rows := [][2]string{
		{"current", d.Current},
		{"latest", d.Latest},
	}
	if d.Release != nil {
		if d.Release.Name != "" {
			rows = append(rows, [2]string{"name", d.Release.Name})
		}
		if !d.Release.PublishedAt.IsZero() {
			rows = append(rows, [2]string{"published", d.Release.PublishedAt.Format("2006-01-02")})
		}
		if d.Release.HTMLURL != "" {
			rows = append(rows, [2]string{"notes", d.Release.HTMLURL})
		}
	}
	ux.Info("update available")
	ux.KeyValue(rows)
}

func runUpdateApply(cmd *cobra.Command, args []string) error {
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
	defer stopOutput()

	res, err := applyLatest(cmd.Context(), app, confirmer())
	if err != nil {
		return err
	}
	if res != nil && res.RelaunchPID == 0 {
		ux.Info("Run bootmgr again to use the new version.")
	}
	return nil
}

// applyLatest checks the feed, confirms, and installs. It returns nil
// result and nil error when there is nothing to do or the user declines.
func applyLatest(ctx context.Context, app *App, confirm ux.Confirmer) (*update.ApplyResult, error) {
	d, err := app.CheckForUpdate(ctx)
	if err != nil {
		return nil, err
	}
	printDecision(d)
	if !d.Available {
		return nil, nil
	}

	ok, err := confirm.Confirm(
		fmt.Sprintf("Install bootmgr %s?", d.Latest),
		fmt.Sprintf("The running executable (%s) is replaced and %s is overwritten by the release's copy.",
			d.Current, app.ComposePath()),
	)
	if err != nil {
		return nil, err
	}
	if !ok {
		ux.Muted("update canceled")
		return nil, nil
	}

	res, err := app.ApplyUpdate(ctx, d.Release)
	if err != nil {
		if res != nil {
			ux.Warning(fmt.Sprintf("%s is installed at %s but did not start", res.Tag, res.ExecutablePath))
		}
		return res, err
	}

	ux.Success("installed bootmgr " + res.Tag)
	ux.KeyValue([][2]string{
		{"executable", res.ExecutablePath},
		{"previous", res.PreviousPath},
		{"compose file", res.ComposePath},
	})
	return res, nil
}
