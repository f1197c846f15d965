// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
)

// Suffixes used next to the live files.
const (
	NewSuffix      = ".new"
	OldInfix       = ".old"
	DownloadSuffix = ".download"
)

// StagedPaths returns the sibling paths used while replacing exe.
//
//	StagedPaths("/opt/bootmgr/bootmgr.exe")
//	// new: /opt/bootmgr/bootmgr.exe.new
//	// old: /opt/bootmgr/bootmgr.old.exe
func StagedPaths(exe string) (newPath, oldPath string) {
	ext := filepath.Ext(exe)
	return exe + NewSuffix, strings.TrimSuffix(exe, ext) + OldInfix + ext
}

// ComposeValidator checks a downloaded compose file before it replaces the
// live one.
type ComposeValidator func(ctx context.Context, filename string, content []byte, workingDir string) error

// fileOps is the filesystem surface of the swap, replaceable in tests.
type fileOps struct {
	rename func(oldpath, newpath string) error
	remove func(path string) error
}

var osFileOps = fileOps{rename: os.Rename, remove: os.Remove}

// -----------------------------------------------------------------------------
// Stage
// -----------------------------------------------------------------------------

// stage downloads both assets.
//
// The executable goes to <exe>.new. The compose asset goes to
// <compose>.download, is validated and then renamed over the live compose
// file. On failure every staged file is removed and the live files are
// untouched.
func (u *Updater) stage(ctx context.Context, plan *Plan, sink logstream.Sink) (int64, error) {
	newPath, _ := StagedPaths(u.config.ExecutablePath)

	logstream.Systemf(sink, "downloading %s", plan.Executable.Name)
	exeBytes, err := u.downloadTo(ctx, plan.Executable, newPath, 0o755)
	if err != nil {
		return 0, err
	}

	composeTmp := u.config.ComposePath + DownloadSuffix
	logstream.Systemf(sink, "downloading %s", plan.Compose.Name)
	composeBytes, err := u.downloadTo(ctx, plan.Compose, composeTmp, 0o644)
	if err != nil {
		_ = u.files.remove(newPath)
		return 0, err
	}

	if u.validate != nil {
		content, err := os.ReadFile(composeTmp)
		if err == nil {
			err = u.validate(ctx, u.config.ComposePath, content, filepath.Dir(u.config.ComposePath))
		}
		if err != nil {
			_ = u.files.remove(composeTmp)
			_ = u.files.remove(newPath)
			return 0, &Error{
				Kind:        KindDownloadFailure,
				Message:     fmt.Sprintf("Downloaded %s is not a usable compose file", plan.Compose.Name),
				Detail:      err.Error(),
				Remediation: "Nothing was installed. Report the broken release.",
				Err:         err,
			}
		}
	}

	if err := u.files.rename(composeTmp, u.config.ComposePath); err != nil {
		_ = u.files.remove(composeTmp)
		_ = u.files.remove(newPath)
		return 0, &Error{
			Kind:        KindDownloadFailure,
			Message:     "Failed to replace the compose file",
			Detail:      err.Error(),
			Remediation: fmt.Sprintf("Check write permission on %s", filepath.Dir(u.config.ComposePath)),
			Err:         err,
		}
	}

	return exeBytes + composeBytes, nil
}

// downloadTo writes asset to path, fsyncs, closes and checks the size.
func (u *Updater) downloadTo(ctx context.Context, asset Asset, path string, mode os.FileMode) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return 0, &Error{
			Kind:        KindDownloadFailure,
			Message:     fmt.Sprintf("Cannot create %s", path),
			Detail:      err.Error(),
			Remediation: fmt.Sprintf("Check write permission on %s", filepath.Dir(path)),
			Err:         err,
		}
	}

	n, err := u.feed.Download(ctx, asset, f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && asset.Size > 0 && n != asset.Size {
		err = &Error{
			Kind:        KindDownloadFailure,
			Message:     fmt.Sprintf("Download of %s is incomplete", asset.Name),
			Detail:      fmt.Sprintf("got %d of %d bytes", n, asset.Size),
			Remediation: "Try again; nothing was installed",
		}
	}
	if err != nil {
		_ = u.files.remove(path)
		var ue *Error
		if errors.As(err, &ue) {
			return 0, err
		}
		return 0, &Error{
			Kind:        KindDownloadFailure,
			Message:     fmt.Sprintf("Failed to write %s", path),
			Detail:      err.Error(),
			Remediation: "Check free disk space and try again",
			Err:         err,
		}
	}

	// Mode may be narrowed by umask; the executable must stay runnable.
	if mode&0o111 != 0 {
		_ = os.Chmod(path, mode)
	}
	u.metrics.RecordDownload(asset.Name, n)
	return n, nil
}

// -----------------------------------------------------------------------------
// Commit
// -----------------------------------------------------------------------------

// commit moves the live executable aside and installs the staged one.
//
// # Description
//
//  1. Rename a stale <base>.old<ext> from an earlier update to <old>.stale
//  2. Rename live → .old
//  3. Rename .new → live
//  4. Remove <old>.stale
//
// A failure in step 2 leaves the live executable in place and restores the
// stale .old. A failure in step 3 triggers a rollback (.old → live) when the
// live path is empty, after which the stale .old is restored as well.
// The .new file is never removed after a failed commit.
func (u *Updater) commit(sink logstream.Sink) (string, error) {
	live := u.config.ExecutablePath
	newPath, oldPath := StagedPaths(live)
	stalePath := oldPath + ".stale"

	staleKept := false
	if err := u.files.rename(oldPath, stalePath); err == nil {
		staleKept = true
	} else if !errors.Is(err, os.ErrNotExist) {
		u.logger.Warn("could not set aside stale previous executable", "path", oldPath, "error", err)
	}
	restoreStale := func() {
		if !staleKept {
			return
		}
		if err := u.files.rename(stalePath, oldPath); err != nil {
			u.logger.Warn("could not restore previous executable", "path", stalePath, "error", err)
		}
	}

	if err := u.files.rename(live, oldPath); err != nil {
		restoreStale()
		return oldPath, &SwapFailedError{
			Step: "move-aside", LivePath: live, NewPath: newPath, OldPath: oldPath, Err: err,
		}
	}

	if err := u.files.rename(newPath, live); err != nil {
		swapErr := &SwapFailedError{
			Step: "install", LivePath: live, NewPath: newPath, OldPath: oldPath, Err: err,
		}
		if _, statErr := os.Stat(live); errors.Is(statErr, os.ErrNotExist) {
			if rbErr := u.files.rename(oldPath, live); rbErr != nil {
				swapErr.RollbackErr = rbErr
			} else {
				swapErr.RolledBack = true
				restoreStale()
			}
		}
		return oldPath, swapErr
	}

	if staleKept {
		if err := u.files.remove(stalePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			u.logger.Warn("could not remove stale previous executable", "path", stalePath, "error", err)
		}
	}

	logstream.Systemf(sink, "installed new executable at %s (previous kept at %s)", live, oldPath)
	return oldPath, nil
}
