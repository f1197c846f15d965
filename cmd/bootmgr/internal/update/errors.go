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
	"bytes"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Sentinels
// -----------------------------------------------------------------------------

var (
	// ErrFeedUnreachable: release metadata could not be fetched.
	ErrFeedUnreachable = errors.New("release feed unreachable")

	// ErrIncompleteRelease: the release lacks the executable or compose asset.
	ErrIncompleteRelease = errors.New("release is missing required assets")

	// ErrDownloadFailure: an asset could not be fetched, written or validated.
	ErrDownloadFailure = errors.New("update download failed")

	// ErrSwapFailed: a rename failed after both downloads succeeded.
	ErrSwapFailed = errors.New("executable swap failed")

	// ErrRelaunchFailed: the new executable is installed but did not start.
	ErrRelaunchFailed = errors.New("relaunch failed")

	// ErrUpdateInProgress: another Apply is running.
	ErrUpdateInProgress = errors.New("an update is already being applied")
)

// -----------------------------------------------------------------------------
// Error
// -----------------------------------------------------------------------------

// ErrorKind categorizes update failures for programmatic handling.
type ErrorKind int

const (
	KindFeedUnreachable ErrorKind = iota
	KindIncompleteRelease
	KindDownloadFailure
	KindRelaunchFailed
)

// String returns the kind as a string for logging.
func (k ErrorKind) String() string {
	switch k {
	case KindFeedUnreachable:
		return "FEED_UNREACHABLE"
	case KindIncompleteRelease:
		return "INCOMPLETE_RELEASE"
	case KindDownloadFailure:
		return "DOWNLOAD_FAILURE"
	case KindRelaunchFailed:
		return "RELAUNCH_FAILED"
	default:
		return "UNKNOWN"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindFeedUnreachable:
		return ErrFeedUnreachable
	case KindIncompleteRelease:
		return ErrIncompleteRelease
	case KindDownloadFailure:
		return ErrDownloadFailure
	case KindRelaunchFailed:
		return ErrRelaunchFailed
	}
	return nil
}

// Error provides structured information about a failed update step.
//
// errors.Is matches the sentinel for Kind (ErrFeedUnreachable, ...).
type Error struct {
	// Kind categorizes the error.
	Kind ErrorKind

	// Message is a human-readable description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// StatusCode is the HTTP status, or 0 when no response arrived.
	StatusCode int

	// Remediation suggests how to fix the issue.
	Remediation string

	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Message + ": " + e.Detail
	}
	return e.Message
}

// FullError returns the message with detail and remediation.
func (e *Error) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&buf, " (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// -----------------------------------------------------------------------------
// SwapFailedError
// -----------------------------------------------------------------------------

// SwapFailedError reports a failed rename during commit.
//
// # Description
//
// The staged executable at NewPath is never deleted after a swap failure.
// When the live path was already moved aside, a rollback from OldPath is
// attempted and its outcome recorded in RolledBack and RollbackErr.
// Remediation spells out the manual recovery.
type SwapFailedError struct {
	// Step is "move-aside" (live → old) or "install" (new → live).
	Step string

	LivePath string
	NewPath  string
	OldPath  string

	RolledBack  bool
	RollbackErr error

	Err error
}

func (e *SwapFailedError) Error() string {
	msg := fmt.Sprintf("executable swap failed at %s: %v", e.Step, e.Err)
	switch {
	case e.RollbackErr != nil:
		msg += fmt.Sprintf("; rollback failed: %v", e.RollbackErr)
	case e.RolledBack:
		msg += "; previous executable restored"
	}
	return msg
}

func (e *SwapFailedError) Unwrap() error {
	return e.Err
}

// Is matches ErrSwapFailed.
func (e *SwapFailedError) Is(target error) bool {
	return target == ErrSwapFailed
}

// Remediation describes how to finish or undo the swap by hand.
func (e *SwapFailedError) Remediation() string {
	switch {
	case e.Step == "move-aside":
		return fmt.Sprintf("The running executable is unchanged. The new version is at %s; "+
			"close bootmgr and rename it to %s to finish the update.", e.NewPath, e.LivePath)
	case e.RolledBack:
		return fmt.Sprintf("The previous executable was restored at %s. The new version is at %s; "+
			"close bootmgr and rename it to %s to finish the update.", e.LivePath, e.NewPath, e.LivePath)
	default:
		return fmt.Sprintf("No executable is installed at %s. Rename %s (new) or %s (previous) "+
			"to %s before starting bootmgr again.", e.LivePath, e.NewPath, e.OldPath, e.LivePath)
	}
}
