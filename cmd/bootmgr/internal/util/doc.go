// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package util provides foundational utilities for bootmgr.
//
// This is a leaf package: it depends only on the standard library and is
// imported by the process runner, the log stream and the lifecycle
// controller.
//
//   - Command Errors: [CommandError] describes a failed child process
//   - Ring Buffer: [RingBuffer] keeps the last N items (output tails, log history)
//   - Goroutine Safety: [SafeGo] and [RecoverPanic] turn panics into callbacks
//   - Timeouts: [EnforceMinTimeout] and [EnforceDefaultTimeout] clamp settings
//
// # Thread Safety
//
// [RingBuffer] is safe for concurrent use. [CommandError] is immutable.
package util
