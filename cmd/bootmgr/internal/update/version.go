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
	"strings"

	"golang.org/x/mod/semver"
)

// Decision is the result of comparing the running version to the feed.
type Decision struct {
	Current string `json:"current"`
	Latest  string `json:"latest"`

	// Available is true whenever the tags differ. Tags are opaque strings:
	// an older tag on the feed also counts as available.
	Available bool `json:"available"`

	// Downgrade is set when both tags parse as semantic versions and the
	// feed's is lower. It is reported, never acted on.
	Downgrade bool `json:"downgrade,omitempty"`

	Release *ReleaseInfo `json:"release,omitempty"`
}

// Decide compares current to the release tag by string inequality.
func Decide(current string, rel *ReleaseInfo) *Decision {
	d := &Decision{Current: current, Release: rel}
	if rel == nil {
		return d
	}
	d.Latest = rel.Tag
	d.Available = rel.Tag != current
	if d.Available {
		cur, lat := canonical(current), canonical(rel.Tag)
		d.Downgrade = semver.IsValid(cur) && semver.IsValid(lat) && semver.Compare(lat, cur) < 0
	}
	return d
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
