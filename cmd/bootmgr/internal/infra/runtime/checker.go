// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runtime checks for and starts the container runtime the compose
// stack depends on.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/infra/process"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
	"github.com/dpt-tools/bootmgr/pkg/logging"
)

// Engine names accepted in settings.
const (
	EngineDocker = "docker"
	EnginePodman = "podman"
)

// Checker answers "is the container runtime accepting commands right now?".
//
// # Description
//
// IsReady never returns an error: every failure (missing binary, daemon
// down, timeout) is simply "not ready". The lifecycle controller polls
// it until it flips.
type Checker interface {
	IsReady(ctx context.Context) bool
}

// =============================================================================
// CommandChecker
// =============================================================================

// CommandChecker runs `<engine> info` and reports success.
type CommandChecker struct {
	pm      process.Manager
	binary  string
	timeout time.Duration
	logger  *logging.Logger
}

// NewCommandChecker creates a check for the given engine binary.
//
// # Inputs
//
//   - pm: Process manager used to run the command
//   - binary: "docker", "podman", or a full path
//   - timeout: Upper bound per check (util.DefaultCheckTimeout if <= 0)
//   - logger: May be nil
func NewCommandChecker(pm process.Manager, binary string, timeout time.Duration, logger *logging.Logger) *CommandChecker {
	if binary == "" {
		binary = EngineDocker
	}
	return &CommandChecker{
		pm:      pm,
		binary:  binary,
		timeout: util.EnforceDefaultTimeout(timeout, util.DefaultCheckTimeout),
		logger:  logging.OrDiscard(logger),
	}
}

// IsReady returns true when `<binary> info` exits zero within the timeout.
func (p *CommandChecker) IsReady(ctx context.Context) bool {
	if _, err := p.pm.LookPath(p.binary); err != nil {
		p.logger.Debug("runtime binary not found", "binary", p.binary, "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.pm.Run(ctx, p.binary, "info"); err != nil {
		p.logger.Debug("runtime not ready", "binary", p.binary, "error", err)
		return false
	}
	return true
}

// =============================================================================
// APIChecker
// =============================================================================

// pinger is the slice of the Docker client the check needs.
type pinger interface {
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// APIChecker pings the Docker Engine API directly.
//
// # Description
//
// Cheaper than spawning `docker info` every five seconds, and works when
// the CLI is not on PATH but DOCKER_HOST points at a reachable engine.
// The client honours DOCKER_HOST, DOCKER_TLS_VERIFY and DOCKER_CERT_PATH.
type APIChecker struct {
	client  pinger
	timeout time.Duration
	logger  *logging.Logger
	once    sync.Once
}

// NewAPIChecker creates an Engine API check.
//
// host overrides DOCKER_HOST when non-empty.
func NewAPIChecker(host string, timeout time.Duration, logger *logging.Logger) (*APIChecker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newAPIChecker(cli, timeout, logger), nil
}

func newAPIChecker(p pinger, timeout time.Duration, logger *logging.Logger) *APIChecker {
	return &APIChecker{
		client:  p,
		timeout: util.EnforceDefaultTimeout(timeout, util.DefaultCheckTimeout),
		logger:  logging.OrDiscard(logger),
	}
}

// IsReady returns true when the engine answers a ping with an API version.
func (p *APIChecker) IsReady(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ping, err := p.client.Ping(ctx)
	if err != nil {
		p.logger.Debug("engine ping failed", "error", err)
		return false
	}
	return ping.APIVersion != ""
}

// Close releases the client's idle connections.
func (p *APIChecker) Close() error {
	var err error
	p.once.Do(func() {
		err = p.client.Close()
	})
	return err
}

// =============================================================================
// Test Double
// =============================================================================

// MockChecker returns scripted answers.
//
// Answers are consumed in order; after the last one, the last answer
// repeats. With no answers, IsReady returns ReadyDefault.
type MockChecker struct {
	Answers      []bool
	ReadyDefault bool

	mu    sync.Mutex
	calls int
}

// IsReady returns the next scripted answer.
func (m *MockChecker) IsReady(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if len(m.Answers) == 0 {
		return m.ReadyDefault
	}
	if i >= len(m.Answers) {
		return m.Answers[len(m.Answers)-1]
	}
	return m.Answers[i]
}

// Calls returns how many times IsReady ran.
func (m *MockChecker) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var (
	_ Checker = (*CommandChecker)(nil)
	_ Checker = (*APIChecker)(nil)
	_ Checker = (*MockChecker)(nil)
)
