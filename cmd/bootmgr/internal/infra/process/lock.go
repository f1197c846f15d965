// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Locker prevents multiple bootmgr instances from driving the same stack.
type Locker interface {
	// Acquire attempts to get an exclusive lock without blocking.
	Acquire() error

	// Release releases the lock if held. Safe to call multiple times.
	Release() error

	// IsHeld returns true if this instance currently holds the lock.
	IsHeld() bool

	// HolderPID returns the PID recorded by the holder, or 0.
	HolderPID() int
}

// LockConfig configures lock file location.
type LockConfig struct {
	// LockDir is the directory for lock files.
	// Default: system temp directory
	LockDir string

	// LockName is the base name for lock files.
	// Default: "bootmgr"
	LockName string
}

// DefaultLockConfig uses the system temp directory and "bootmgr".
func DefaultLockConfig() LockConfig {
	return LockConfig{
		LockDir:  os.TempDir(),
		LockName: "bootmgr",
	}
}

// Lock implements Locker with an OS advisory file lock.
//
// # Description
//
// Without it, two consoles could race: one waiting for the runtime to
// come up while the other stops the stack, or an update renaming the
// executable while another instance relaunches it.
//
// # How It Works
//
//  1. Opens {LockDir}/{LockName}.lock
//  2. Takes a non-blocking exclusive lock (flock on Unix, LockFileEx on Windows)
//  3. Writes the PID to {LockDir}/{LockName}.pid for error messages
//  4. Release removes the PID file and unlocks
//
// # Thread Safety
//
// Lock is NOT safe for concurrent use. Use it from main.
//
// # Limitations
//
//   - Advisory only
//   - The OS drops the lock if the process dies, but the PID file stays
type Lock struct {
	config   LockConfig
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewLock creates a Lock. It does not acquire it.
func NewLock(config LockConfig) *Lock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "bootmgr"
	}
	return &Lock{
		config:   config,
		lockPath: filepath.Join(config.LockDir, config.LockName+".lock"),
		pidPath:  filepath.Join(config.LockDir, config.LockName+".pid"),
	}
}

// Acquire attempts to get the exclusive lock.
//
// # Outputs
//
//   - error: nil if acquired (or already held), *ErrLockHeld if another
//     process holds it, or an I/O error
func (p *Lock) Acquire() error {
	if p.held {
		return nil
	}

	if err := os.MkdirAll(p.config.LockDir, 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory %s: %w", p.config.LockDir, err)
	}
	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", p.lockPath, err)
	}

	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return &ErrLockHeld{HolderPID: p.readHolderPID(), LockPath: p.lockPath}
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	p.lockFile = f
	p.held = true

	// Non-fatal; the lock is held either way.
	_ = os.WriteFile(p.pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
	return nil
}

// Release releases the lock if held.
func (p *Lock) Release() error {
	if !p.held || p.lockFile == nil {
		return nil
	}

	os.Remove(p.pidPath)
	err := unlock(p.lockFile)
	p.lockFile.Close()
	p.lockFile = nil
	p.held = false

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// IsHeld reports local state only.
func (p *Lock) IsHeld() bool {
	return p.held
}

// HolderPID reads the PID file. Returns 0 when unknown.
func (p *Lock) HolderPID() int {
	return p.readHolderPID()
}

// LockPath returns the path to the lock file.
func (p *Lock) LockPath() string {
	return p.lockPath
}

func (p *Lock) readHolderPID() int {
	data, err := os.ReadFile(p.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// errWouldBlock is returned by tryLock when another process holds the lock.
var errWouldBlock = errors.New("lock held by another process")

// ErrLockHeld is returned when the lock is held by another process.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

// Error implements the error interface.
func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another bootmgr instance is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another bootmgr instance is running (lock: %s)", e.LockPath)
}

var _ Locker = (*Lock)(nil)
