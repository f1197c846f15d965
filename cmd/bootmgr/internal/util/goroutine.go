// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"fmt"
	"runtime/debug"
)

// SafeGoResult captures a recovered panic.
type SafeGoResult struct {
	// PanicValue is the value passed to panic().
	PanicValue any

	// Stack is the stack trace at panic time.
	Stack string
}

// Err converts the panic into an error suitable for returning from an
// operation.
func (r SafeGoResult) Err() error {
	if err, ok := r.PanicValue.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r.PanicValue)
}

// SafeGo runs fn in a goroutine with panic recovery.
//
// # Description
//
// Background work (lifecycle operations, stream pumps, file watchers)
// must never take the whole process down: a crash would skip the stack
// guard and leave containers running. A panic in fn is recovered and
// handed to onPanic.
//
// # Inputs
//
//   - fn: The function to execute in the goroutine
//   - onPanic: Callback invoked if fn panics (may be nil to silently recover)
//
// # Example
//
//	done := make(chan error, 1)
//	SafeGo(func() {
//	    done <- controller.Start(ctx)
//	}, func(r SafeGoResult) {
//	    done <- r.Err()
//	})
//
// # Limitations
//
//   - If onPanic itself panics, the application will crash
func SafeGo(fn func(), onPanic func(SafeGoResult)) {
	go func() {
		defer RecoverPanic(onPanic)()
		fn()
	}()
}

// RecoverPanic returns a deferred function that recovers panics.
//
// Must be called with the trailing (): defer RecoverPanic(handler)()
func RecoverPanic(onPanic func(SafeGoResult)) func() {
	return func() {
		if r := recover(); r != nil {
			result := SafeGoResult{
				PanicValue: r,
				Stack:      string(debug.Stack()),
			}
			if onPanic != nil {
				onPanic(result)
			}
		}
	}
}
