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
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/config"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/process"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/update"
	"github.com/dpt-tools/bootmgr/pkg/logging"
	"github.com/dpt-tools/bootmgr/pkg/ux"
)

// Command annotations read by loadEnvironment.
const (
	annotationNoSettings = "bootmgr/no-settings"
	annotationQuietLog   = "bootmgr/quiet-log"
)

// --- Global Command Variables ---
var (
	settingsPath     string
	assumeYes        bool
	personalityLevel string
	logLevelFlag     string

	settings *config.Settings
	logger   = logging.Discard()

	rootCmd = &cobra.Command{
		Use:   "bootmgr",
		Short: "Start, stop, configure and update a docker-compose application stack",
		Long: `bootmgr manages one docker-compose application on this machine.

It waits for the container runtime (launching it when needed), brings the
stack up, edits the deployment settings kept in the compose file, and
replaces itself with new releases from the release feed.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadEnvironment,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Close()
		},
	}

	// --- Stack ---
	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the stack and follow its output until interrupted",
		Long: `Starts the container runtime if needed, runs the stack up, and keeps
streaming output. Ctrl-C stops the stack before bootmgr exits.`,
		Args: cobra.NoArgs,
		RunE: runStart, // Defined in cmd_stack.go
	}
	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the stack's services",
		Args:  cobra.NoArgs,
		RunE:  runStop, // Defined in cmd_stack.go
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show runtime, compose file and deployment settings",
		Args:  cobra.NoArgs,
		RunE:  runStatus, // Defined in cmd_stack.go
	}
	openCmd = &cobra.Command{
		Use:   "open",
		Short: "Open the frontend in the default browser",
		Args:  cobra.NoArgs,
		RunE:  runOpen, // Defined in cmd_stack.go
	}

	// --- Deployment settings ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Show and edit the deployment settings stored in the compose file",
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Show the deployment settings (passwords masked unless --reveal)",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow, // Defined in cmd_config.go
	}
	configSetCmd = &cobra.Command{
		Use:   "set",
		Short: "Change deployment settings",
		Example: `  bootmgr config set --port 8080
  bootmgr config set --url https://erp.example.com --mysql-root-password s3cret`,
		Args: cobra.NoArgs,
		RunE: runConfigSet, // Defined in cmd_config.go
	}
	configResetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Restore the factory deployment settings",
		Args:  cobra.NoArgs,
		RunE:  runConfigReset, // Defined in cmd_config.go
	}
	configValidateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Check the compose file with the compose-spec loader",
		Args:  cobra.NoArgs,
		RunE:  runConfigValidate, // Defined in cmd_config.go
	}
	configSettingsCmd = &cobra.Command{
		Use:   "settings",
		Short: "Show bootmgr's own settings (token masked)",
		Args:  cobra.NoArgs,
		RunE:  runConfigSettings, // Defined in cmd_config.go
	}

	// --- Update ---
	updateCmd = &cobra.Command{
		Use:   "update",
		Short: "Check for and install new releases",
	}
	updateCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Compare the running version with the latest release",
		Args:  cobra.NoArgs,
		RunE:  runUpdateCheck, // Defined in cmd_update.go
	}
	updateApplyCmd = &cobra.Command{
		Use:   "apply",
		Short: "Download the latest release and replace this executable",
		Args:  cobra.NoArgs,
		RunE:  runUpdateApply, // Defined in cmd_update.go
	}

	// --- Front ends ---
	consoleCmd = &cobra.Command{
		Use:         "console",
		Short:       "Interactive console: start, stop, configure and update",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationQuietLog: "true"},
		RunE:        runConsole, // Defined in console.go
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	versionCmd = &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoSettings: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "bootmgr "+version)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&settingsPath, "settings", "", "settings file (default ~/.bootmgr/bootmgr.yaml)")
	pf.BoolVarP(&assumeYes, "yes", "y", false, "answer yes to every confirmation")
	pf.StringVar(&personalityLevel, "output", "", "output style: standard, minimal or machine")
	pf.StringVar(&logLevelFlag, "log-level", "", "override logging.level (debug, info, warn, error)")

	configShowCmd.Flags().Bool("reveal", false, "print passwords in clear text")
	configSetCmd.Flags().String("port", "", "host port the web frontend is published on")
	configSetCmd.Flags().String("url", "", "FRONTEND_URL (defaults to http://localhost:<port>)")
	configSetCmd.Flags().String("mysql-root-password", "", "MYSQL_ROOT_PASSWORD of the db service")
	configSetCmd.Flags().String("mysql-password", "", "MYSQL_PASSWORD shared by the api and db services")
	configSetCmd.Flags().String("controller-password", "", "INITIAL_CONTROLLER_PASSWORD of the api service")

	consoleCmd.Flags().Bool("api", false, "also serve the control API")
	serveCmd.Flags().Bool("start", false, "start the stack once the API is listening")
	serveCmd.Flags().String("listen", "", "override api.listen")

	configCmd.AddCommand(configShowCmd, configSetCmd, configResetCmd, configValidateCmd, configSettingsCmd)
	updateCmd.AddCommand(updateCheckCmd, updateApplyCmd)
	rootCmd.AddCommand(
		startCmd, stopCmd, statusCmd, openCmd,
		configCmd, updateCmd,
		consoleCmd, serveCmd,
		versionCmd,
	)
}

// loadEnvironment reads settings and builds the logger before any
// command runs.
func loadEnvironment(cmd *cobra.Command, args []string) error {
	if personalityLevel != "" {
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
	} else {
		ux.InitPersonality()
	}
	if cmd.Annotations[annotationNoSettings] == "true" {
		return nil
	}

	s, err := config.Load(settingsPath)
	if err != nil {
		return err
	}
	settings = s

	levelName := s.Logging.Level
	if logLevelFlag != "" {
		levelName = logLevelFlag
	}
	level, ok := logging.ParseLevel(levelName)
	if !ok {
		return fmt.Errorf("unknown log level %q", levelName)
	}
	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  s.LogDir(),
		Service: "bootmgr",
		JSON:    s.Logging.JSON,
		Quiet:   cmd.Annotations[annotationQuietLog] == "true",
	})
	logger.Debug("settings loaded", "path", s.Path, "command", cmd.CommandPath())
	return nil
}

// newApp builds the App for the current command.
func newApp(cmd *cobra.Command) (*App, error) {
	return NewApp(cmd.Context(), settings, version, logger, AppDeps{})
}

// instanceLockWait is how long serve waits for a predecessor that is
// handing over after an update.
const instanceLockWait = 15 * time.Second

// instanceLock is the single-instance lock kept next to the settings file.
func instanceLock() *process.Lock {
	return process.NewLock(process.LockConfig{
		LockDir:  filepath.Dir(settings.Path),
		LockName: "bootmgr",
	})
}

// acquireInstanceLock takes instanceLock, retrying for up to wait while
// another instance holds it.
func acquireInstanceLock(ctx context.Context, wait time.Duration) (*process.Lock, error) {
	lock := instanceLock()
	deadline := time.Now().Add(wait)
	for {
		err := lock.Acquire()
		if err == nil {
			return lock, nil
		}
		var held *process.ErrLockHeld
		if !errors.As(err, &held) || !time.Now().Before(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// followOutput prints every line the App emits until the returned
// function is called.
func followOutput(app *App) func() {
	return app.OnOutputLine(func(l logstream.Line) {
		ux.PrintLine(l.Stream.String(), l.Text)
	})
}

// confirmer answers yes for --yes and refuses to prompt without a terminal.
func confirmer() ux.Confirmer {
	return ux.HuhConfirmer{Assume: assumeYes}
}

// reportError prints err with whatever remediation it carries.
func reportError(err error) {
	var (
		ue      *update.Error
		swapErr *update.SwapFailedError
		held    *process.ErrLockHeld
	)
	switch {
	case errors.As(err, &swapErr):
		ux.ErrorBox("Update failed", swapErr.Error()+"\n\n"+swapErr.Remediation())
	case errors.As(err, &ue):
		ux.ErrorBox("Update failed", ue.FullError())
	case errors.As(err, &held):
		ux.Error(held.Error())
		ux.Muted("Use that instance's console or control API, or close it first.")
	case errors.Is(err, ux.ErrNotInteractive):
		ux.Error(err.Error())
		ux.Muted("Pass --yes to confirm without a prompt.")
	default:
		ux.Error(strings.TrimSpace(err.Error()))
	}
}
