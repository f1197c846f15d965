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
Package update keeps bootmgr's own executable and the stack's compose file
current against a release feed.

# Protocol

Apply runs three phases:

  - Stage: download the executable to <exe>.new and the compose asset to
    <compose>.download; validate the compose file and move it into place.
    Any failure removes the staged files and leaves the live files as
    they were.
  - Commit: rename the live executable to <base>.old<ext>, then <exe>.new
    to the live path. The previous executable is never deleted.
  - Relaunch: start the live path as a new process. The caller then exits
    through its normal path, which tears the stack down.

# Recovery

A failed commit returns *SwapFailedError. The staged executable stays at
<exe>.new; if the live path is empty the previous executable is renamed
back. SwapFailedError.Remediation describes what is left on disk.

Versions are compared as opaque strings. A semantic-version downgrade is
flagged on the Decision but still counts as available.
*/
package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/composefile"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/diagnostics"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
	"github.com/dpt-tools/bootmgr/pkg/logging"
)

// Config locates the files an update replaces.
type Config struct {
	// CurrentVersion is the running binary's tag.
	CurrentVersion string

	// ExecutablePath is the live executable (symlinks resolved).
	ExecutablePath string

	// ComposePath is the live compose file.
	ComposePath string

	// ExecutableSuffix marks the executable asset. Default: ".exe".
	ExecutableSuffix string
}

// Options carries optional collaborators.
type Options struct {
	// Validate checks the downloaded compose file. Nil skips validation.
	Validate ComposeValidator

	Sink    logstream.Sink
	Logger  *logging.Logger
	Tracer  diagnostics.Tracer
	Metrics diagnostics.Metrics
}

// ApplyResult describes an installed update.
type ApplyResult struct {
	Tag            string `json:"tag"`
	ExecutablePath string `json:"executable_path"`
	PreviousPath   string `json:"previous_path"`
	ComposePath    string `json:"compose_path"`
	Bytes          int64  `json:"bytes"`
	Relaunched     bool   `json:"relaunched"`
	RelaunchPID    int    `json:"relaunch_pid,omitempty"`
}

// Updater checks for and applies updates.
//
// # Thread Safety
//
// Check may run concurrently. Only one Apply runs at a time; a second
// returns ErrUpdateInProgress.
type Updater struct {
	feed     Feed
	config   Config
	validate ComposeValidator
	files    fileOps

	sink    logstream.Sink
	logger  *logging.Logger
	tracer  diagnostics.Tracer
	metrics diagnostics.Metrics

	applying sync.Mutex
}

// New creates an Updater.
func New(feed Feed, cfg Config, opts Options) (*Updater, error) {
	if feed == nil {
		return nil, errors.New("update feed is required")
	}
	if cfg.ExecutablePath == "" || cfg.ComposePath == "" {
		return nil, errors.New("executable and compose paths are required")
	}
	if cfg.ExecutableSuffix == "" {
		cfg.ExecutableSuffix = DefaultExecutableSuffix
	}
	u := &Updater{
		feed:     feed,
		config:   cfg,
		validate: opts.Validate,
		files:    osFileOps,
		sink:     logstream.OrDiscard(opts.Sink),
		logger:   logging.OrDiscard(opts.Logger),
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
	}
	if u.tracer == nil {
		u.tracer = diagnostics.NewNoOpTracer()
	}
	if u.metrics == nil {
		u.metrics = diagnostics.NewNoOpMetrics()
	}
	return u, nil
}

// CurrentVersion returns the running binary's tag.
func (u *Updater) CurrentVersion() string {
	return u.config.CurrentVersion
}

// Check fetches the latest release and compares tags.
//
// # Outputs
//
//   - *Decision: Available when the tags differ
//   - error: *Error with KindFeedUnreachable; never retried
func (u *Updater) Check(ctx context.Context) (_ *Decision, err error) {
	began := time.Now()
	opID := uuid.NewString()
	ctx, finish := u.tracer.StartSpan(ctx, "update.check", map[string]string{"op_id": opID})
	defer func() {
		finish(err)
		u.metrics.RecordOperation("update_check", outcome(err), time.Since(began))
	}()
	sink := logstream.WithOp(u.sink, opID)

	rel, err := u.feed.Latest(ctx)
	if err != nil {
		u.logger.Warn("update check failed", "op_id", opID, "error", err)
		logstream.Systemf(sink, "update check failed: %v", err)
		return nil, err
	}

	d := Decide(u.config.CurrentVersion, rel)
	switch {
	case !d.Available:
		logstream.Systemf(sink, "bootmgr %s is up to date", d.Current)
	case d.Downgrade:
		u.logger.Warn("release feed offers an older version", "current", d.Current, "latest", d.Latest)
		logstream.Systemf(sink, "warning: feed offers %s, which is older than %s", d.Latest, d.Current)
	default:
		logstream.Systemf(sink, "update available: %s → %s", d.Current, d.Latest)
	}
	u.logger.Info("update check finished", "op_id", opID, "current", d.Current, "latest", d.Latest, "available", d.Available)
	return d, nil
}

// Apply installs rel and relaunches through relauncher.
//
// # Description
//
// The caller must have obtained explicit confirmation first. rel is
// resolved to a Plan before anything touches the disk, so an incomplete
// release changes nothing. A nil relauncher skips the relaunch phase.
//
// # Outputs
//
//   - *ApplyResult: set on success, and on ErrRelaunchFailed (the new
//     executable is installed)
//   - error: ErrIncompleteRelease, ErrDownloadFailure, *SwapFailedError,
//     ErrRelaunchFailed, ErrUpdateInProgress
func (u *Updater) Apply(ctx context.Context, rel *ReleaseInfo, relauncher Relauncher) (_ *ApplyResult, err error) {
	if !u.applying.TryLock() {
		return nil, ErrUpdateInProgress
	}
	defer u.applying.Unlock()

	began := time.Now()
	opID := uuid.NewString()
	ctx, finish := u.tracer.StartSpan(ctx, "update.apply", map[string]string{"op_id": opID})
	sink := logstream.WithOp(u.sink, opID)
	defer func() {
		finish(err)
		u.metrics.RecordOperation("update_apply", outcome(err), time.Since(began))
		if err != nil {
			u.logger.Error("update failed", "op_id", opID, "error", err)
			logstream.Systemf(sink, "update failed: %v", err)
		}
	}()

	plan, err := ResolvePlan(rel, u.config.ExecutableSuffix)
	if err != nil {
		return nil, err
	}
	u.logger.Info("applying update", "op_id", opID, "tag", plan.Tag,
		"executable_asset", plan.Executable.Name, "compose_asset", plan.Compose.Name)

	n, err := u.stage(ctx, plan, sink)
	if err != nil {
		return nil, err
	}

	oldPath, err := u.commit(sink)
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{
		Tag:            plan.Tag,
		ExecutablePath: u.config.ExecutablePath,
		PreviousPath:   oldPath,
		ComposePath:    u.config.ComposePath,
		Bytes:          n,
	}
	if relauncher == nil {
		return result, nil
	}

	pid, err := relauncher.Relaunch(ctx, u.config.ExecutablePath)
	if err != nil {
		return result, &Error{
			Kind:        KindRelaunchFailed,
			Message:     fmt.Sprintf("Update to %s installed but the new executable did not start", plan.Tag),
			Detail:      err.Error(),
			Remediation: fmt.Sprintf("Start %s manually; the previous version is at %s", u.config.ExecutablePath, oldPath),
			Err:         err,
		}
	}
	result.Relaunched = true
	result.RelaunchPID = pid
	logstream.Systemf(sink, "relaunched %s", u.config.ExecutablePath)
	return result, nil
}

// ValidateCompose is the default ComposeValidator: the content must load
// as a compose project.
func ValidateCompose(ctx context.Context, filename string, content []byte, workingDir string) error {
	_, err := composefile.ValidateBytes(ctx, filename, content, workingDir)
	return err
}

func outcome(err error) string {
	if err != nil {
		return diagnostics.OutcomeFailure
	}
	return diagnostics.OutcomeSuccess
}
