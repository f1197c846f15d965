// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"fmt"
	"time"
)

// State is the lifecycle state of the compose stack.
type State int

const (
	// Stopped: no lifecycle operation in flight, stack not known to be up.
	Stopped State = iota

	// StartingRuntime: checking whether the container runtime answers.
	StartingRuntime

	// WaitingForRuntime: runtime launched, polling until it answers.
	WaitingForRuntime

	// ComposeStarting: "up -d --pull always" is running.
	ComposeStarting

	// Running: the stack is up.
	Running

	// Stopping: "stop" is running.
	Stopping
)

var stateNames = [...]string{
	Stopped:           "Stopped",
	StartingRuntime:   "StartingRuntime",
	WaitingForRuntime: "WaitingForRuntime",
	ComposeStarting:   "ComposeStarting",
	Running:           "Running",
	Stopping:          "Stopping",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// InFlight reports whether s belongs to a running Start or Stop.
func (s State) InFlight() bool {
	switch s {
	case StartingRuntime, WaitingForRuntime, ComposeStarting, Stopping:
		return true
	}
	return false
}

// transitions lists the legal edges of the state machine.
var transitions = map[State][]State{
	Stopped:           {StartingRuntime},
	StartingRuntime:   {WaitingForRuntime, ComposeStarting, Stopped},
	WaitingForRuntime: {ComposeStarting, Stopped},
	ComposeStarting:   {Running, Stopped},
	Running:           {Stopping},
	Stopping:          {Stopped},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Status is a point-in-time view of the controller.
type Status struct {
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	OpID      string    `json:"op_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}
