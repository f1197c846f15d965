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
	"io"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/config"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/composefile"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/controlapi"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/diagnostics"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/compose"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/process"
	bmruntime "github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/runtime"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/lifecycle"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/update"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
	"github.com/dpt-tools/bootmgr/pkg/logging"
)

// historySize is how many output lines the hub keeps for late subscribers.
const historySize = 2000

// AppDeps replaces the App's collaborators. Zero fields are built from
// the settings; tests fill them with mocks.
type AppDeps struct {
	Manager  process.Manager
	Runner   process.Runner
	Checker  bmruntime.Checker
	Launcher bmruntime.Launcher
	Executor compose.Executor
	Feed     update.Feed
	Tracer   diagnostics.Tracer
	Metrics  diagnostics.Metrics

	// ExecutablePath is the running binary. Default: os.Executable with
	// symlinks resolved.
	ExecutablePath string
}

// App is the collaborator every front end drives: the CLI commands, the
// console and the control API.
//
// # Description
//
// App owns one lifecycle controller, one update mechanism and the log
// hub they both write to. It adds the rules that span components:
// deployment settings can only change while the stack is stopped, and
// the relaunch strategy after an update depends on the driver.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type App struct {
	settings *config.Settings
	version  string
	logger   *logging.Logger

	exePath    string
	pm         process.Manager
	runner     process.Runner
	check      bmruntime.Checker
	executor   compose.Executor
	hub        *logstream.Hub
	store      *composefile.Store
	controller *lifecycle.Controller
	updater    *update.Updater
	tracer     diagnostics.Tracer
	metrics    diagnostics.Metrics
	closers    []io.Closer

	mu         sync.Mutex
	relauncher update.Relauncher
	closeOnce  sync.Once
}

var _ controlapi.Backend = (*App)(nil)

// NewApp wires the components from settings.
//
// # Inputs
//
//   - ctx: Used only while building the tracer exporter
//   - s: Loaded and validated settings
//   - version: The running binary's release tag
//   - logger: May be nil
//   - deps: Overrides; zero fields are built from s
func NewApp(ctx context.Context, s *config.Settings, version string, logger *logging.Logger, deps AppDeps) (*App, error) {
	logger = logging.OrDiscard(logger)

	exePath := deps.ExecutablePath
	if exePath == "" {
		p, err := executablePath()
		if err != nil {
			return nil, err
		}
		exePath = p
	}
	composePath := s.ComposePath(filepath.Dir(exePath))

	a := &App{
		settings: s,
		version:  version,
		logger:   logger,
		exePath:  exePath,
		pm:       deps.Manager,
		runner:   deps.Runner,
		check:    deps.Checker,
		executor: deps.Executor,
		tracer:   deps.Tracer,
		metrics:  deps.Metrics,
		hub:      logstream.NewHub(historySize, logger),
		store:    composefile.NewStore(composePath, logger),
	}
	if a.pm == nil {
		a.pm = process.NewDefaultManager()
	}
	if a.runner == nil {
		a.runner = process.NewDefaultRunner(logger)
	}

	if err := a.initDiagnostics(ctx); err != nil {
		return nil, err
	}
	if err := a.initLifecycle(composePath, deps.Launcher); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initUpdater(composePath, deps.Feed); err != nil {
		a.Close()
		return nil, err
	}
	a.relauncher = &update.ForegroundRelauncher{
		Runner: a.runner,
		Args:   []string{"version"},
		Sink:   a.hub,
	}

	logger.Debug("app ready",
		"version", version,
		"executable", exePath,
		"compose_file", composePath,
		"engine", s.Runtime.Engine,
		"check", s.Runtime.Check,
	)
	return a, nil
}

func (a *App) initDiagnostics(ctx context.Context) error {
	if a.tracer == nil {
		t, err := diagnostics.NewTracer(ctx, diagnostics.TracerConfig{
			ServiceName:    "bootmgr",
			ServiceVersion: a.version,
			Exporter:       a.settings.Telemetry.TraceExporter,
			Endpoint:       a.settings.Telemetry.OTLPEndpoint,
			Insecure:       true,
		})
		if err != nil {
			return fmt.Errorf("tracer: %w", err)
		}
		a.tracer = t
	}
	if a.metrics == nil {
		m, err := diagnostics.NewMetrics(a.settings.Telemetry.Metrics)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		a.metrics = m
	}
	return nil
}

func (a *App) initLifecycle(composePath string, launcher bmruntime.Launcher) error {
	rs := a.settings.Runtime

	if a.check == nil {
		switch rs.Check {
		case "api":
			p, err := bmruntime.NewAPIChecker(rs.DockerHost, rs.CheckTimeout, a.logger)
			if err != nil {
				return fmt.Errorf("runtime check: %w", err)
			}
			a.check = p
			a.closers = append(a.closers, p)
		default:
			a.check = bmruntime.NewCommandChecker(a.pm, rs.Engine, rs.CheckTimeout, a.logger)
		}
	}

	if launcher == nil {
		var command []string
		if rs.AutoLaunch {
			command = rs.LaunchCommand
			if len(command) == 0 {
				command = bmruntime.DefaultLaunchCommand(rs.Engine, goruntime.GOOS)
			}
		}
		launcher = bmruntime.NewCommandLauncher(a.pm, command, a.logger)
	}

	if a.executor == nil {
		exec, err := compose.NewDefaultExecutor(compose.Config{
			Command: a.settings.Compose.Command,
			File:    composePath,
		}, a.runner, a.logger)
		if err != nil {
			return err
		}
		a.executor = exec
	}

	a.controller = lifecycle.NewController(a.check, launcher, a.executor, lifecycle.Options{
		Config: lifecycle.Config{
			LaunchGrace:  rs.LaunchGrace,
			PollInterval: rs.PollInterval,
			ReadyTimeout: rs.ReadyTimeout,
		},
		Sink:    a.hub,
		Logger:  a.logger,
		Tracer:  a.tracer,
		Metrics: a.metrics,
	})
	return nil
}

func (a *App) initUpdater(composePath string, feed update.Feed) error {
	us := a.settings.Update
	if feed == nil {
		f, err := update.NewGitHubFeed(update.FeedConfig{
			BaseURL:         us.APIBaseURL,
			Repository:      us.Repository,
			Token:           us.Token,
			UserAgent:       "bootmgr/" + a.version,
			Timeout:         us.Timeout,
			DownloadTimeout: us.DownloadTimeout,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("release feed: %w", err)
		}
		feed = f
	}

	u, err := update.New(feed, update.Config{
		CurrentVersion:   a.version,
		ExecutablePath:   a.exePath,
		ComposePath:      composePath,
		ExecutableSuffix: us.ExecutableSuffix,
	}, update.Options{
		Validate: update.ValidateCompose,
		Sink:     a.hub,
		Logger:   a.logger,
		Tracer:   a.tracer,
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}
	a.updater = u
	return nil
}

// executablePath returns the running binary with symlinks resolved; it is
// both the replace target and the relaunch target of an update.
func executablePath() (string, error) {
	p, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("resolve executable %s: %w", p, err)
	}
	return resolved, nil
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// State returns the lifecycle state.
func (a *App) State() lifecycle.State {
	return a.controller.State()
}

// Status returns the lifecycle status.
func (a *App) Status() lifecycle.Status {
	return a.controller.Status()
}

// Start brings the stack up and waits for the result.
func (a *App) Start(ctx context.Context) error {
	return a.controller.Start(ctx)
}

// StartAsync accepts a start and returns its completion channel.
func (a *App) StartAsync(ctx context.Context) (<-chan error, error) {
	return a.controller.StartAsync(ctx)
}

// Stop stops the stack and waits for the result.
func (a *App) Stop(ctx context.Context) error {
	return a.controller.Stop(ctx)
}

// StopAsync accepts a stop and returns its completion channel.
func (a *App) StopAsync(ctx context.Context) (<-chan error, error) {
	return a.controller.StopAsync(ctx)
}

// OnStateChange registers fn for every transition.
func (a *App) OnStateChange(fn func(from, to lifecycle.State)) func() {
	return a.controller.OnStateChange(fn)
}

// Guard returns a stack guard for this App's controller.
func (a *App) Guard() *lifecycle.StackGuard {
	return lifecycle.NewStackGuard(a.controller, a.settings.Runtime.StopTimeout)
}

// Teardown runs the orchestration stop command once, outside the state
// machine. The one-shot `stop` command uses it for a stack left behind
// by a process that did not exit cleanly.
func (a *App) Teardown(ctx context.Context) error {
	sink := logstream.WithOp(a.hub, "teardown")
	logstream.Systemf(sink, "stopping services in %s", a.executor.File())
	_, err := a.executor.Stop(ctx, sink)
	if err != nil {
		logstream.Systemf(sink, "stop failed: %v", err)
		return err
	}
	logstream.Systemf(sink, "services stopped")
	return nil
}

// RuntimeReady asks the check once.
func (a *App) RuntimeReady(ctx context.Context) bool {
	return a.check.IsReady(ctx)
}

// -----------------------------------------------------------------------------
// Deployment settings
// -----------------------------------------------------------------------------

// ComposePath returns the compose file the App manages.
func (a *App) ComposePath() string {
	return a.store.Path()
}

// Store returns the compose file store.
func (a *App) Store() *composefile.Store {
	return a.store
}

// LoadConfig reads the deployment settings from the compose file.
func (a *App) LoadConfig() (composefile.DeploymentConfig, error) {
	return a.store.Load()
}

// SaveConfig writes cfg into the compose file.
//
// # Outputs
//
//   - error: composefile.ErrConfigLocked unless the stack is Stopped
func (a *App) SaveConfig(cfg composefile.DeploymentConfig) (composefile.DeploymentConfig, error) {
	var saved composefile.DeploymentConfig
	err := a.whileStopped(func() (err error) {
		saved, err = a.store.Save(cfg)
		return err
	})
	if err != nil {
		return composefile.DeploymentConfig{}, err
	}
	logstream.Systemf(a.hub, "deployment settings saved (frontend %s)", saved.FrontendURL)
	return saved, nil
}

// ResetConfig restores the factory deployment settings.
//
// # Outputs
//
//   - error: composefile.ErrConfigLocked unless the stack is Stopped
func (a *App) ResetConfig() (composefile.DeploymentConfig, error) {
	var cfg composefile.DeploymentConfig
	err := a.whileStopped(func() (err error) {
		cfg, err = a.store.Reset()
		return err
	})
	if err != nil {
		return composefile.DeploymentConfig{}, err
	}
	logstream.Systemf(a.hub, "deployment settings reset to defaults")
	return cfg, nil
}

// whileStopped runs fn with the controller held in Stopped, so a start
// requested meanwhile is rejected instead of reading a half-saved file.
func (a *App) whileStopped(fn func() error) error {
	err := a.controller.WithStopped(fn)
	if errors.Is(err, lifecycle.ErrNotStopped) || errors.Is(err, lifecycle.ErrShuttingDown) {
		return fmt.Errorf("%w: %w", composefile.ErrConfigLocked, err)
	}
	return err
}

// ValidateCompose checks the compose file with compose-go.
func (a *App) ValidateCompose(ctx context.Context) ([]string, error) {
	return a.store.Validate(ctx)
}

// OpenFrontend opens the configured FRONTEND_URL with the platform
// opener and returns the URL.
func (a *App) OpenFrontend(ctx context.Context) (string, error) {
	url := a.store.FrontendURL()
	name, args := openerCommand(goruntime.GOOS, url)
	if _, err := a.pm.Start(ctx, name, args...); err != nil {
		return url, fmt.Errorf("open %s: %w", url, err)
	}
	logstream.Systemf(a.hub, "opened %s", url)
	return url, nil
}

// openerCommand returns the command that opens url in the default browser.
func openerCommand(goos, url string) (string, []string) {
	switch goos {
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	case "darwin":
		return "open", []string{url}
	default:
		return "xdg-open", []string{url}
	}
}

// -----------------------------------------------------------------------------
// Update
// -----------------------------------------------------------------------------

// Version returns the running release tag.
func (a *App) Version() string {
	return a.version
}

// ExecutablePath returns the binary an update replaces.
func (a *App) ExecutablePath() string {
	return a.exePath
}

// CheckForUpdate asks the feed for the latest release.
func (a *App) CheckForUpdate(ctx context.Context) (*update.Decision, error) {
	return a.updater.Check(ctx)
}

// ApplyUpdate installs rel and relaunches with the driver's relauncher.
func (a *App) ApplyUpdate(ctx context.Context, rel *update.ReleaseInfo) (*update.ApplyResult, error) {
	a.mu.Lock()
	r := a.relauncher
	a.mu.Unlock()
	return a.updater.Apply(ctx, rel, r)
}

// SetRelauncher selects how ApplyUpdate starts the new binary. Nil skips
// the relaunch.
func (a *App) SetRelauncher(r update.Relauncher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relauncher = r
}

// DetachedRelauncher starts the new binary with args in its own session.
func (a *App) DetachedRelauncher(args ...string) update.Relauncher {
	return &update.DetachedRelauncher{Manager: a.pm, Args: args}
}

// -----------------------------------------------------------------------------
// Output
// -----------------------------------------------------------------------------

// Hub returns the log hub.
func (a *App) Hub() *logstream.Hub {
	return a.hub
}

// Subscribe returns a subscription to every output line.
func (a *App) Subscribe(queueSize int, replay bool) *logstream.Subscription {
	return a.hub.Subscribe(queueSize, replay)
}

// OnOutputLine calls fn for every line emitted from now on, on a single
// goroutine. The returned function unsubscribes.
func (a *App) OnOutputLine(fn func(logstream.Line)) func() {
	sub := a.hub.Subscribe(256, false)
	util.SafeGo(func() {
		for line := range sub.Lines() {
			fn(line)
		}
	}, func(r util.SafeGoResult) {
		a.logger.Error("output listener panicked", "panic", r.PanicValue)
	})
	return sub.Close
}

// Gatherer returns the metrics registry, or nil when metrics are off.
func (a *App) Gatherer() prometheus.Gatherer {
	if !a.settings.Telemetry.Metrics {
		return nil
	}
	return a.metrics.Gatherer()
}

// Tracer returns the operation tracer.
func (a *App) Tracer() diagnostics.Tracer {
	return a.tracer
}

// Close releases the check, flushes traces and closes the hub. It does
// not stop the stack; drivers hold a StackGuard for that.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		var errs []error
		for _, c := range a.closers {
			errs = append(errs, c.Close())
		}
		if a.tracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, a.tracer.Shutdown(ctx))
			cancel()
		}
		a.hub.Close()
		if err := errors.Join(errs...); err != nil {
			a.logger.Warn("app close", "error", err)
		}
	})
}
