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

import "time"

// Timeout floors and defaults shared by the runtime check, the compose
// executor, the update feed client and the shutdown hook.
const (
	MinHTTPTimeout    = 1 * time.Second
	MinProcessTimeout = 1 * time.Second

	DefaultHTTPTimeout    = 30 * time.Second
	DefaultCheckTimeout   = 15 * time.Second
	DefaultStopTimeout    = 60 * time.Second
	DefaultLaunchGrace    = 10 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultRuntimeTimeout = 5 * time.Minute
)

// EnforceMinTimeout returns requested, raised to minimum when it is lower.
//
// A zero or negative request is also raised to minimum.
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns defaultVal when requested is zero or
// negative, otherwise requested.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
