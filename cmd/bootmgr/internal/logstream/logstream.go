// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logstream carries output lines from background operations to
// whoever renders them.
//
// Producers (the process runner, the lifecycle controller, the updater)
// write to a [Sink]. The [Hub] fans lines out to subscribers over
// channels so that the console loop, the websocket endpoint and the CLI
// each consume on their own goroutine. Emit never blocks: a subscriber
// that falls behind loses its oldest queued lines.
package logstream

import (
	"fmt"
	"sync"
	"time"
)

// Stream identifies where a line came from.
type Stream int

const (
	// StreamSystem lines are status messages written by bootmgr itself.
	StreamSystem Stream = iota
	// StreamStdout lines come from a child process's standard output.
	StreamStdout
	// StreamStderr lines come from a child process's standard error.
	StreamStderr
)

// String returns "system", "stdout" or "stderr".
func (s Stream) String() string {
	switch s {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return "system"
	}
}

// MarshalText lets Line encode the stream by name in JSON.
func (s Stream) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Line is one line of output.
type Line struct {
	Time   time.Time `json:"time"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	OpID   string    `json:"op_id,omitempty"`
}

// Sink receives lines. Implementations must be safe for concurrent use:
// the process runner emits stdout and stderr from separate goroutines.
type Sink interface {
	Emit(Line)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Line)

// Emit calls f(l).
func (f SinkFunc) Emit(l Line) { f(l) }

// Discard is a Sink that drops every line.
var Discard Sink = SinkFunc(func(Line) {})

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// WithOp returns a Sink that stamps opID on lines that have none.
func WithOp(s Sink, opID string) Sink {
	s = OrDiscard(s)
	return SinkFunc(func(l Line) {
		if l.OpID == "" {
			l.OpID = opID
		}
		s.Emit(l)
	})
}

// Tee returns a Sink that forwards every line to each non-nil sink in order.
func Tee(sinks ...Sink) Sink {
	var out []Sink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(l Line) {
		for _, s := range out {
			s.Emit(l)
		}
	})
}

// Systemf emits a formatted system line.
func Systemf(s Sink, format string, args ...any) {
	OrDiscard(s).Emit(Line{
		Time:   time.Now(),
		Stream: StreamSystem,
		Text:   fmt.Sprintf(format, args...),
	})
}

// Recorder is a Sink that keeps every line in memory.
//
// Used by tests and by the one-shot CLI commands that print the output
// of a failed command after the fact.
type Recorder struct {
	mu    sync.Mutex
	lines []Line
}

// Emit appends l.
func (r *Recorder) Emit(l Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, l)
}

// Lines returns a copy of the recorded lines.
func (r *Recorder) Lines() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Line, len(r.lines))
	copy(out, r.lines)
	return out
}

// Texts returns the text of recorded lines from the given stream.
func (r *Recorder) Texts(stream Stream) []string {
	var out []string
	for _, l := range r.Lines() {
		if l.Stream == stream {
			out = append(out, l.Text)
		}
	}
	return out
}
