// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command bootmgr starts, stops, configures and updates a
// docker-compose application stack on a single machine.
package main

import (
	"os"
)

// version is the release tag, set at build time:
//
//	go build -ldflags "-X main.version=v1.4.0" ./cmd/bootmgr
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		reportError(err)
		os.Exit(1)
	}
}
