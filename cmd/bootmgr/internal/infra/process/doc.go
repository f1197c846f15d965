// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process runs external programs for bootmgr.

# Overview

Three components live here:

  - Runner: runs a command to completion while streaming each stdout and
    stderr line to a logstream.Sink as soon as it is read
  - Manager: short captured commands, detached starts and PATH lookups
  - Lock: a file lock that keeps two bootmgr instances from driving the
    same stack at once

# Runner

	runner := process.NewDefaultRunner(logger)
	res, err := runner.Run(ctx, process.Command{
	    Name: "docker-compose",
	    Args: []string{"-f", "stack.yml", "up", "-d", "--pull", "always"},
	}, hub)

Run returns only after both output streams reached end-of-file and the
child was reaped. A non-zero exit produces a *util.CommandError holding
the output tail; a missing binary produces an error wrapping
exec.ErrNotFound.

# Manager

	pm := process.NewDefaultManager()
	pid, err := pm.Start(ctx, exePath)

For tests, MockManager and MockRunner record calls and delegate to
function fields.

# Lock

	lock := process.NewLock(process.DefaultLockConfig())
	if err := lock.Acquire(); err != nil {
	    return err
	}
	defer lock.Release()
*/
package process
