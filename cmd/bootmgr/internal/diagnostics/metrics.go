// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	metricsNamespace = "bootmgr"

	metricsSubsystemLifecycle = "lifecycle"

	metricsSubsystemUpdate = "update"
)

// Outcome labels shared by lifecycle and update metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
	OutcomeCanceled = "canceled"
)

// -----------------------------------------------------------------------------
// Metrics Interface
// -----------------------------------------------------------------------------

// Metrics records lifecycle and update activity.
//
// # Description
//
// State and operation names are passed as strings so that this package
// stays below lifecycle and update in the import graph.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
type Metrics interface {
	// RecordOperation counts a finished start/stop/check/apply operation.
	RecordOperation(op, outcome string, d time.Duration)

	// RecordTransition counts a state transition and sets the state gauge.
	RecordTransition(from, to string)

	// RecordRuntimePoll counts one readiness check.
	RecordRuntimePoll(ready bool)

	// RecordDownload counts bytes staged for an update asset.
	RecordDownload(asset string, bytes int64)

	// Gatherer returns the registry served at /metrics.
	Gatherer() prometheus.Gatherer
}

// NewMetrics returns PrometheusMetrics when enabled, NoOpMetrics otherwise.
func NewMetrics(enabled bool) (Metrics, error) {
	if !enabled {
		return NewNoOpMetrics(), nil
	}
	m := NewPrometheusMetrics()
	if err := m.Register(); err != nil {
		return nil, err
	}
	return m, nil
}

// -----------------------------------------------------------------------------
// NoOpMetrics
// -----------------------------------------------------------------------------

// NoOpMetrics keeps a few counters in memory and exports nothing.
type NoOpMetrics struct {
	operations  atomic.Int64
	failures    atomic.Int64
	transitions atomic.Int64
	polls       atomic.Int64
	downloaded  atomic.Int64

	mu        sync.Mutex
	lastState string
}

// NewNoOpMetrics returns empty counters.
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

func (m *NoOpMetrics) RecordOperation(op, outcome string, d time.Duration) {
	m.operations.Add(1)
	if outcome == OutcomeFailure {
		m.failures.Add(1)
	}
}

func (m *NoOpMetrics) RecordTransition(from, to string) {
	m.transitions.Add(1)
	m.mu.Lock()
	m.lastState = to
	m.mu.Unlock()
}

func (m *NoOpMetrics) RecordRuntimePoll(ready bool) {
	m.polls.Add(1)
}

func (m *NoOpMetrics) RecordDownload(asset string, bytes int64) {
	m.downloaded.Add(bytes)
}

// Gatherer returns an empty registry.
func (m *NoOpMetrics) Gatherer() prometheus.Gatherer {
	return prometheus.NewRegistry()
}

// Operations returns the number of recorded operations.
func (m *NoOpMetrics) Operations() int64 { return m.operations.Load() }

// Failures returns the number of operations recorded as failures.
func (m *NoOpMetrics) Failures() int64 { return m.failures.Load() }

// Transitions returns the number of recorded transitions.
func (m *NoOpMetrics) Transitions() int64 { return m.transitions.Load() }

// Polls returns the number of recorded readiness checks.
func (m *NoOpMetrics) Polls() int64 { return m.polls.Load() }

// Downloaded returns the total recorded download bytes.
func (m *NoOpMetrics) Downloaded() int64 { return m.downloaded.Load() }

// LastState returns the target state of the last transition.
func (m *NoOpMetrics) LastState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastState
}

// -----------------------------------------------------------------------------
// PrometheusMetrics
// -----------------------------------------------------------------------------

// PrometheusMetrics records into a private registry.
//
// # Metrics Exported
//
//   - bootmgr_lifecycle_operations_total{operation,outcome}
//   - bootmgr_lifecycle_operation_duration_seconds{operation}
//   - bootmgr_lifecycle_transitions_total{from,to}
//   - bootmgr_lifecycle_state{state} (1 for the current state)
//   - bootmgr_lifecycle_runtime_polls_total{ready}
//   - bootmgr_update_download_bytes_total{asset}
//
// plus the Go and process collectors.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	transitionsTotal  *prometheus.CounterVec
	state             *prometheus.GaugeVec
	runtimePolls      *prometheus.CounterVec
	downloadBytes     *prometheus.CounterVec

	registered bool
	mu         sync.Mutex
}

// NewPrometheusMetrics creates the collectors. Call Register before use.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		registry: prometheus.NewRegistry(),

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystemLifecycle,
				Name:      "operations_total",
				Help:      "Lifecycle and update operations by outcome",
			},
			[]string{"operation", "outcome"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystemLifecycle,
				Name:      "operation_duration_seconds",
				Help:      "Duration of lifecycle and update operations",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"operation"},
		),

		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystemLifecycle,
				Name:      "transitions_total",
				Help:      "Lifecycle state transitions",
			},
			[]string{"from", "to"},
		),

		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystemLifecycle,
				Name:      "state",
				Help:      "Current lifecycle state (1 for the active state)",
			},
			[]string{"state"},
		),

		runtimePolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystemLifecycle,
				Name:      "runtime_polls_total",
				Help:      "Container runtime readiness checks by result",
			},
			[]string{"ready"},
		),

		downloadBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystemUpdate,
				Name:      "download_bytes_total",
				Help:      "Bytes staged for update assets",
			},
			[]string{"asset"},
		),
	}
}

func (m *PrometheusMetrics) RecordOperation(op, outcome string, d time.Duration) {
	m.operationsTotal.WithLabelValues(op, outcome).Inc()
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordTransition(from, to string) {
	m.transitionsTotal.WithLabelValues(from, to).Inc()
	m.state.Reset()
	m.state.WithLabelValues(to).Set(1)
}

func (m *PrometheusMetrics) RecordRuntimePoll(ready bool) {
	label := "false"
	if ready {
		label = "true"
	}
	m.runtimePolls.WithLabelValues(label).Inc()
}

func (m *PrometheusMetrics) RecordDownload(asset string, bytes int64) {
	m.downloadBytes.WithLabelValues(asset).Add(float64(bytes))
}

// Gatherer returns the private registry.
func (m *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Register adds all collectors to the registry. Calling it twice is a no-op.
func (m *PrometheusMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	cs := []prometheus.Collector{
		m.operationsTotal,
		m.operationDuration,
		m.transitionsTotal,
		m.state,
		m.runtimePolls,
		m.downloadBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

var _ Metrics = (*NoOpMetrics)(nil)
var _ Metrics = (*PrometheusMetrics)(nil)
