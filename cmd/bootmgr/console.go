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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/composefile"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/controlapi"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/process"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/lifecycle"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/update"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
	"github.com/dpt-tools/bootmgr/pkg/ux"
)

// =============================================================================
// Input
// =============================================================================

// InputReader abstracts line input so the console can be driven by tests.
//
// ReadLine returns the trimmed line, or io.EOF when input is exhausted.
type InputReader interface {
	ReadLine() (string, error)
}

// StdinReader reads lines from os.Stdin.
//
// # Limitations
//
//   - No line editing or history
//   - A pending read cannot be canceled; the console abandons it on exit
type StdinReader struct {
	reader *bufio.Reader
}

// NewStdinReader wraps os.Stdin.
func NewStdinReader() *StdinReader {
	return &StdinReader{reader: bufio.NewReader(os.Stdin)}
}

// ReadLine reads one line.
func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// Console
// =============================================================================

const consoleHelp = `Commands:
  start                 start the stack
  stop                  stop the stack
  status                show the lifecycle state
  config                show the deployment settings
  set <field> <value>   change a setting: port, url, mysql-root-password,
                        mysql-password, controller-password
  reset                 restore the factory settings
  open                  open the frontend in the browser
  logs [n]              print the last n output lines (default 20)
  check                 check for a new release
  update                install the latest release and restart into it
  help                  this text
  quit                  stop the stack and exit`

// Console is the interactive front end.
//
// # Description
//
// Each input line is one command. Start and stop are accepted
// immediately and report completion asynchronously; progress arrives as
// output lines while the prompt stays usable, so a stop can be requested
// while a start waits for the runtime.
type Console struct {
	app     *App
	in      InputReader
	confirm ux.Confirmer

	// RelaunchArgs are passed to the new executable after an update.
	RelaunchArgs []string

	mu       sync.Mutex
	known    *composefile.DeploymentConfig
	handover *process.Command
}

// NewConsole creates a console reading from in.
func NewConsole(app *App, in InputReader, confirm ux.Confirmer) *Console {
	return &Console{app: app, in: in, confirm: confirm, RelaunchArgs: []string{"console"}}
}

// Handover returns the command that should take over the terminal once
// the console has shut down, or nil when no update was installed.
func (c *Console) Handover() *process.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handover
}

func (c *Console) handOverTo(res *update.ApplyResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handover = &process.Command{
		Name: res.ExecutablePath,
		Args: append([]string(nil), c.RelaunchArgs...),
	}
}

// Run reads and executes commands until quit, end of input, or ctx is
// done.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ux.Title("bootmgr " + c.app.Version())
	ux.Muted(c.app.ComposePath())
	c.printStatus()
	ux.Muted(`Type "help" for commands.`)

	lines := make(chan string)
	readErr := make(chan error, 1)
	util.SafeGo(func() {
		for {
			line, err := c.in.ReadLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}, nil)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			quit, err := c.Execute(ctx, line)
			if err != nil {
				reportError(err)
			}
			if quit {
				return nil
			}
		}
	}
}

// Execute runs one command line. quit is true when the console should
// exit.
func (c *Console) Execute(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch strings.ToLower(fields[0]) {
	case "start":
		return false, c.startAsync(ctx)
	case "stop":
		return false, c.stopAsync(ctx)
	case "status", "state":
		c.printStatus()
	case "config", "show":
		return false, c.showConfig()
	case "set":
		return false, c.set(fields[1:])
	case "reset":
		return false, c.reset()
	case "open":
		url, err := c.app.OpenFrontend(ctx)
		if err != nil {
			return false, err
		}
		ux.Success("opened " + url)
	case "logs":
		return false, c.printLogs(fields[1:])
	case "check":
		d, err := c.app.CheckForUpdate(ctx)
		if err != nil {
			return false, err
		}
		printDecision(d)
	case "update":
		res, err := applyLatest(ctx, c.app, c.confirm)
		if err != nil {
			return false, err
		}
		if res == nil {
			return false, nil
		}
		// The new executable is installed; this process is the old one.
		c.handOverTo(res)
		ux.Info("restarting into bootmgr " + res.Tag)
		return true, nil
	case "help", "?":
		ux.Info(consoleHelp)
	case "quit", "exit", "q":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (type \"help\")", fields[0])
	}
	return false, nil
}

func (c *Console) startAsync(ctx context.Context) error {
	done, err := c.app.StartAsync(ctx)
	if err != nil {
		return err
	}
	c.report("start", done)
	return nil
}

func (c *Console) stopAsync(ctx context.Context) error {
	done, err := c.app.StopAsync(ctx)
	if err != nil {
		return err
	}
	c.report("stop", done)
	return nil
}

// report prints the outcome of an accepted operation when it finishes.
func (c *Console) report(op string, done <-chan error) {
	util.SafeGo(func() {
		err := <-done
		switch {
		case err == nil && op == "start":
			ux.Success("stack is running at " + c.app.Store().FrontendURL())
		case err == nil:
			ux.Success("stack stopped")
		case errors.Is(err, context.Canceled):
			ux.Warning(op + " canceled")
		default:
			reportError(fmt.Errorf("%s failed: %w", op, err))
		}
	}, nil)
}

func (c *Console) printStatus() {
	st := c.app.Status()
	rows := [][2]string{
		{"state", ux.StateBadge(st.State.String())},
		{"since", st.Since.Format("15:04:05")},
	}
	if st.LastError != "" {
		rows = append(rows, [2]string{"last error", st.LastError})
	}
	ux.KeyValue(rows)
}

func (c *Console) showConfig() error {
	cfg, err := c.app.LoadConfig()
	if err != nil {
		return err
	}
	c.remember(cfg)
	ux.KeyValue(configRows(cfg.Redacted()))
	return nil
}

// set handles "set <field> <value>".
func (c *Console) set(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: set <field> <value>")
	}
	field, value := strings.ToLower(args[0]), strings.Join(args[1:], " ")

	cfg, err := c.app.LoadConfig()
	if err != nil {
		return err
	}
	switch field {
	case "port":
		cfg.FrontendPort = value
		if composefile.IsLocalURL(cfg.FrontendURL) {
			cfg.FrontendURL = ""
		}
	case "url":
		cfg.FrontendURL = value
	case "mysql-root-password":
		cfg.MySQLRootPassword = value
	case "mysql-password":
		cfg.MySQLUserPassword = value
	case "controller-password":
		cfg.InitialControllerPassword = value
	default:
		return fmt.Errorf("unknown field %q", field)
	}

	saved, err := c.app.SaveConfig(cfg)
	if err != nil {
		return err
	}
	c.remember(saved)
	ux.Success("saved")
	ux.KeyValue(configRows(saved.Redacted()))
	return nil
}

func (c *Console) reset() error {
	ok, err := c.confirm.Confirm(
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
	cfg, err := c.app.ResetConfig()
	if err != nil {
		return err
	}
	c.remember(cfg)
	ux.Success("deployment settings reset")
	ux.KeyValue(configRows(cfg.Redacted()))
	return nil
}

func (c *Console) printLogs(args []string) error {
	n := 20
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 0 {
			return fmt.Errorf("invalid line count %q", args[0])
		}
		n = v
	}
	lines := c.app.Hub().History()
	if n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	for _, l := range lines {
		ux.PrintLine(l.Stream.String(), l.Text)
	}
	return nil
}

func (c *Console) remember(cfg composefile.DeploymentConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known = &cfg
}

// composeChanged reloads the compose file after an on-disk change and
// announces edits the console did not make itself.
func (c *Console) composeChanged() {
	cfg, err := c.app.LoadConfig()
	if err != nil {
		ux.Warning("compose file changed on disk and could not be read: " + err.Error())
		return
	}
	c.mu.Lock()
	same := c.known != nil && reflect.DeepEqual(*c.known, cfg)
	c.known = &cfg
	c.mu.Unlock()
	if same {
		return
	}
	ux.Info("compose file changed on disk")
	ux.KeyValue(configRows(cfg.Redacted()))
}

// =============================================================================
// Command
// =============================================================================

func runConsole(cmd *cobra.Command, args []string) error {
	next, err := consoleSession(cmd)
	if err != nil || next == nil {
		return err
	}
	return handOver(cmd.Context(), process.NewDefaultManager(), *next)
}

// handOver runs the updated executable in the foreground. It is called
// after the session has released the stack guard and the instance lock,
// so the successor can take both.
func handOver(ctx context.Context, pm process.Manager, next process.Command) error {
	logger.Info("handing the console over to the new version", "command", next.String())
	code, err := pm.Attach(ctx, next.Name, next.Args...)
	if err != nil {
		return fmt.Errorf("start the new version: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("%s exited with code %d", next.Name, code)
	}
	return nil
}

// consoleSession runs the console until it quits and returns the command
// to hand over to, if an update was installed.
func consoleSession(cmd *cobra.Command) (*process.Command, error) {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	lock, err := acquireInstanceLock(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	app, err := newApp(cmd)
	if err != nil {
		return nil, err
	}
	defer app.Close()

	stopOutput := followOutput(app)
	defer stopOutput()

	guard := app.Guard()
	defer guard.Release()
	stopWatch := guard.Watch(ctx, cancel, os.Interrupt, syscall.SIGTERM)
	defer stopWatch()

	console := NewConsole(app, NewStdinReader(), confirmer())
	console.RelaunchArgs = os.Args[1:]
	if cfg, err := app.LoadConfig(); err == nil {
		console.remember(cfg)
	}
	util.SafeGo(func() {
		if err := app.Store().Watch(ctx, console.composeChanged); err != nil {
			logger.Warn("compose file watch stopped", "error", err)
		}
	}, nil)

	unsubscribe := app.OnStateChange(func(from, to lifecycle.State) {
		ux.Info("state " + ux.StateBadge(to.String()))
	})
	defer unsubscribe()

	if withAPI, _ := cmd.Flags().GetBool("api"); withAPI {
		srv := controlapi.New(controlapi.Config{
			Listen:   settings.API.Listen,
			Hub:      app.Hub(),
			Gatherer: app.Gatherer(),
			Logger:   logger,
			AfterUpdate: func(res *update.ApplyResult) {
				ux.Success("installed bootmgr " + res.Tag + " through the control API")
				console.handOverTo(res)
				cancel()
			},
		}, app)
		util.SafeGo(func() {
			if err := srv.Run(ctx); err != nil {
				ux.Warning("control API: " + err.Error())
			}
		}, nil)
	}

	if settings.Update.CheckOnStart {
		util.SafeGo(func() {
			d, err := app.CheckForUpdate(ctx)
			if err != nil {
				logger.Debug("update check on start failed", "error", err)
				return
			}
			if d.Available {
				ux.Info(fmt.Sprintf("bootmgr %s is available; type \"update\" to install it", d.Latest))
			}
		}, nil)
	}

	if err := console.Run(ctx); err != nil {
		return nil, err
	}
	return console.Handover(), nil
}
