// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package update

import (
	"fmt"
	"strings"
)

// DefaultExecutableSuffix marks the executable asset.
const DefaultExecutableSuffix = ".exe"

// ComposeAssetMarker marks the compose asset.
const ComposeAssetMarker = "docker-compose"

// Plan names the two assets an update installs.
type Plan struct {
	Tag        string
	Executable Asset
	Compose    Asset
}

// ExecutableAssetID returns the executable asset's id.
func (p *Plan) ExecutableAssetID() int64 { return p.Executable.ID }

// ComposeAssetID returns the compose asset's id.
func (p *Plan) ComposeAssetID() int64 { return p.Compose.ID }

// ResolvePlan picks the assets by name.
//
// # Description
//
// Assets are scanned in order and a later match replaces an earlier one.
// A name ending in exeSuffix is the executable; otherwise a name
// containing "docker-compose" is the compose file. Matching is
// case-sensitive. Both must resolve.
//
// # Outputs
//
//   - *Plan: the resolved assets
//   - error: *Error with KindIncompleteRelease
func ResolvePlan(rel *ReleaseInfo, exeSuffix string) (*Plan, error) {
	if rel == nil {
		return nil, &Error{Kind: KindIncompleteRelease, Message: "No release to apply"}
	}
	if exeSuffix == "" {
		exeSuffix = DefaultExecutableSuffix
	}

	plan := &Plan{Tag: rel.Tag}
	var haveExe, haveCompose bool
	names := make([]string, 0, len(rel.Assets))
	for _, a := range rel.Assets {
		names = append(names, a.Name)
		switch {
		case strings.HasSuffix(a.Name, exeSuffix):
			plan.Executable, haveExe = a, true
		case strings.Contains(a.Name, ComposeAssetMarker):
			plan.Compose, haveCompose = a, true
		}
	}

	var missing []string
	if !haveExe {
		missing = append(missing, fmt.Sprintf("executable (*%s)", exeSuffix))
	}
	if !haveCompose {
		missing = append(missing, "compose file (*"+ComposeAssetMarker+"*)")
	}
	if len(missing) > 0 {
		return nil, &Error{
			Kind:        KindIncompleteRelease,
			Message:     fmt.Sprintf("Release %s is missing the %s asset", rel.Tag, strings.Join(missing, " and ")),
			Detail:      "assets: " + strings.Join(names, ", "),
			Remediation: "Nothing was changed. Wait for a complete release or publish the missing asset.",
		}
	}
	return plan, nil
}
