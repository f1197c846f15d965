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
	"errors"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/composefile"
	"github.com/dpt-tools/bootmgr/pkg/ux"
)

// errNothingToChange is returned by `config set` without any flag.
var errNothingToChange = errors.New("nothing to change: pass at least one of --port, --url or a password flag")

// configRows renders cfg for ux.KeyValue.
func configRows(cfg composefile.DeploymentConfig) [][2]string {
	return [][2]string{
		{"frontend port", cfg.FrontendPort},
		{"frontend url", cfg.FrontendURL},
		{"web ports", strings.Join(cfg.WebPortMapping, ", ")},
		{"mysql root password", cfg.MySQLRootPassword},
		{"mysql password", cfg.MySQLUserPassword},
		{"controller password", cfg.InitialControllerPassword},
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	if reveal, _ := cmd.Flags().GetBool("reveal"); !reveal {
		cfg = cfg.Redacted()
	}
	ux.Title("Deployment settings")
	ux.Muted(app.ComposePath())
	ux.KeyValue(configRows(cfg))
	return nil
}

// applyConfigFlags copies the flags the user set onto cfg and reports
// whether any was set.
func applyConfigFlags(flags *pflag.FlagSet, cfg *composefile.DeploymentConfig) bool {
	fields := []struct {
		flag string
		dst  *string
	}{
		{"port", &cfg.FrontendPort},
		{"url", &cfg.FrontendURL},
		{"mysql-root-password", &cfg.MySQLRootPassword},
		{"mysql-password", &cfg.MySQLUserPassword},
		{"controller-password", &cfg.InitialControllerPassword},
	}
	changed := false
	for _, f := range fields {
		if !flags.Changed(f.flag) {
			continue
		}
		v, _ := flags.GetString(f.flag)
		*f.dst = strings.TrimSpace(v)
		changed = true
	}
	// A new port re-derives a localhost URL unless --url was given too.
	if flags.Changed("port") && !flags.Changed("url") && composefile.IsLocalURL(cfg.FrontendURL) {
		cfg.FrontendURL = ""
	}
	return changed
}

func runConfigSet(cmd *cobra.Command, args []string) error {
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

	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	if !applyConfigFlags(cmd.Flags(), &cfg) {
		return errNothingToChange
	}

	saved, err := app.SaveConfig(cfg)
	if err != nil {
		return err
	}
	ux.Success("deployment settings saved")
	ux.KeyValue(configRows(saved.Redacted()))
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	ok, err := confirmer().Confirm(
		"Reset deployment settings?",
		"Port, frontend URL and passwords return to their factory values.",
	)
	if err != nil {
		return err
	}
	if !ok {
		ux.Muted("reset canceled")
		return nil
	}

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

	cfg, err := app.ResetConfig()
	if err != nil {
		return err
	}
	ux.Success("deployment settings reset")
	ux.KeyValue(configRows(cfg.Redacted()))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	warnings, err := app.ValidateCompose(cmd.Context())
	if err != nil {
		return err
	}
	for _, w := range warnings {
		ux.Warning(w)
	}
	ux.Success(app.ComposePath() + " is valid")
	return nil
}

func runConfigSettings(cmd *cobra.Command, args []string) error {
	s := settings.Redacted()
	ux.Title("Settings")
	ux.Muted(s.Path)
	ux.KeyValue([][2]string{
		{"compose.file", s.Compose.File},
		{"compose.command", strings.Join(s.Compose.Command, " ")},
		{"runtime.engine", s.Runtime.Engine},
		{"runtime.check", s.Runtime.Check},
		{"runtime.auto_launch", strconv.FormatBool(s.Runtime.AutoLaunch)},
		{"runtime.launch_command", strings.Join(s.Runtime.LaunchCommand, " ")},
		{"runtime.launch_grace", s.Runtime.LaunchGrace.String()},
		{"runtime.poll_interval", s.Runtime.PollInterval.String()},
		{"runtime.ready_timeout", s.Runtime.ReadyTimeout.String()},
		{"runtime.stop_timeout", s.Runtime.StopTimeout.String()},
		{"update.repository", s.Update.Repository},
		{"update.api_base_url", s.Update.APIBaseURL},
		{"update.token", tokenState(s.Update.Token)},
		{"update.check_on_start", strconv.FormatBool(s.Update.CheckOnStart)},
		{"logging.level", s.Logging.Level},
		{"logging.dir", s.Logging.Dir},
		{"api.listen", s.API.Listen},
		{"telemetry.metrics", strconv.FormatBool(s.Telemetry.Metrics)},
		{"telemetry.trace_exporter", s.Telemetry.TraceExporter},
	})
	return nil
}

func tokenState(token string) string {
	if token == "" {
		return "not set"
	}
	return "set"
}
