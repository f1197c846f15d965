// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

// capture runs f with both destinations redirected at the given level.
func capture(level PersonalityLevel, f func()) (string, string) {
	orig := GetPersonality()
	SetPersonalityLevel(level)
	defer SetPersonalityLevel(orig.Level)

	var out, errOut bytes.Buffer
	restore := SetOutput(&out, &errOut)
	defer restore()

	f()
	return out.String(), errOut.String()
}

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow} {
		if !strings.Contains(icon.Render(), string(icon)) {
			t.Errorf("Render(%q) lost the icon", icon)
		}
	}
}

// =============================================================================
// Machine Mode Tests
// =============================================================================

func TestMachineMode_PlainPrefixes(t *testing.T) {
	out, errOut := capture(PersonalityMachine, func() {
		Title("ignored")
		Success("stack running")
		Warning("runtime slow")
		Error("compose failed")
		Info("state: Running")
		Muted("ignored")
	})

	wantOut := "OK: stack running\nstate: Running\n"
	if out != wantOut {
		t.Errorf("stdout = %q, want %q", out, wantOut)
	}
	wantErr := "WARN: runtime slow\nERROR: compose failed\n"
	if errOut != wantErr {
		t.Errorf("stderr = %q, want %q", errOut, wantErr)
	}
}

func TestMachineMode_ErrorBoxIsOneLine(t *testing.T) {
	_, errOut := capture(PersonalityMachine, func() {
		ErrorBox("Update failed", "rename denied\n\nTo fix:\nclose bootmgr")
	})
	if strings.Count(errOut, "\n") != 1 {
		t.Errorf("expected one line, got %q", errOut)
	}
	if !strings.HasPrefix(errOut, "ERROR Update failed: ") {
		t.Errorf("unexpected prefix: %q", errOut)
	}
}

func TestMachineMode_KeyValue(t *testing.T) {
	out, _ := capture(PersonalityMachine, func() {
		KeyValue([][2]string{{"state", "Running"}, {"frontend", "http://localhost:8080"}})
	})
	if out != "state=Running\nfrontend=http://localhost:8080\n" {
		t.Errorf("unexpected output %q", out)
	}
}

// =============================================================================
// Standard Mode Tests
// =============================================================================

func TestStandardMode_Boxes(t *testing.T) {
	out, errOut := capture(PersonalityStandard, func() {
		Box("Update available", "v1.2.0 → v1.3.0")
		WarningBox("Downgrade", "feed offers an older version")
		ErrorBox("Swap failed", "the new executable is at bootmgr.exe.new")
	})
	for _, want := range []string{"Update available", "v1.3.0", "Downgrade"} {
		if !strings.Contains(out, want) {
			t.Errorf("stdout missing %q: %q", want, out)
		}
	}
	if !strings.Contains(errOut, "bootmgr.exe.new") {
		t.Errorf("stderr missing remediation: %q", errOut)
	}
}

func TestStateBadge(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonalityLevel(orig.Level)

	SetPersonalityLevel(PersonalityMachine)
	if got := StateBadge("Running"); got != "Running" {
		t.Errorf("machine badge = %q", got)
	}

	SetPersonalityLevel(PersonalityStandard)
	for _, state := range []string{"Running", "Stopped", "WaitingForRuntime"} {
		if !strings.Contains(StateBadge(state), state) {
			t.Errorf("badge for %s lost the name", state)
		}
	}
}

func TestLogLine(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonalityLevel(orig.Level)

	SetPersonalityLevel(PersonalityMachine)
	if got := LogLine("stderr", "pulling db"); got != "[stderr] pulling db" {
		t.Errorf("LogLine = %q", got)
	}

	SetPersonalityLevel(PersonalityStandard)
	if got := LogLine("stdout", "Container api Started"); !strings.HasSuffix(got, "Container api Started") {
		t.Errorf("LogLine = %q", got)
	}
}
