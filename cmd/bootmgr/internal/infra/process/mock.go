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
	"context"
	"sync"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
)

// Call records a single mock invocation.
type Call struct {
	Method string
	Name   string
	Args   []string
}

// MockManager is a test double for Manager.
//
// Configure the mock by setting function fields before use. If a function
// field is nil and the corresponding method is called, it panics.
//
//	mock := &MockManager{
//	    RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
//	        return []byte("Server Version: 27.3.1"), nil
//	    },
//	}
type MockManager struct {
	RunFunc      func(ctx context.Context, name string, args ...string) ([]byte, error)
	StartFunc    func(ctx context.Context, name string, args ...string) (int, error)
	AttachFunc   func(ctx context.Context, name string, args ...string) (int, error)
	LookPathFunc func(name string) (string, error)

	mu    sync.Mutex
	calls []Call
}

func (m *MockManager) record(method, name string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Name: name, Args: append([]string(nil), args...)})
}

// Run delegates to RunFunc and records the call.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record("Run", name, args)
	if m.RunFunc == nil {
		panic("MockManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// Start delegates to StartFunc and records the call.
func (m *MockManager) Start(ctx context.Context, name string, args ...string) (int, error) {
	m.record("Start", name, args)
	if m.StartFunc == nil {
		panic("MockManager.StartFunc not set")
	}
	return m.StartFunc(ctx, name, args...)
}

// Attach delegates to AttachFunc and records the call.
func (m *MockManager) Attach(ctx context.Context, name string, args ...string) (int, error) {
	m.record("Attach", name, args)
	if m.AttachFunc == nil {
		panic("MockManager.AttachFunc not set")
	}
	return m.AttachFunc(ctx, name, args...)
}

// LookPath delegates to LookPathFunc, or echoes name when unset.
func (m *MockManager) LookPath(name string) (string, error) {
	m.record("LookPath", name, nil)
	if m.LookPathFunc == nil {
		return name, nil
	}
	return m.LookPathFunc(name)
}

// GetCalls returns a copy of all recorded calls.
func (m *MockManager) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// MockRunner is a test double for Runner.
type MockRunner struct {
	RunFunc func(ctx context.Context, cmd Command, sink logstream.Sink) (*Result, error)

	mu       sync.Mutex
	commands []Command
}

// Run delegates to RunFunc and records the command.
func (m *MockRunner) Run(ctx context.Context, cmd Command, sink logstream.Sink) (*Result, error) {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	m.mu.Unlock()
	if m.RunFunc == nil {
		panic("MockRunner.RunFunc not set")
	}
	return m.RunFunc(ctx, cmd, sink)
}

// Commands returns a copy of the recorded commands.
func (m *MockRunner) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.commands))
	copy(out, m.commands)
	return out
}

var (
	_ Manager = (*MockManager)(nil)
	_ Runner  = (*MockRunner)(nil)
)
