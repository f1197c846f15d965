// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the bootmgr CLI and
// console.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	ColorAccent    = lipgloss.Color("#2CD7C7") // highlights, titles
	ColorPrimary   = lipgloss.Color("#20B9B4")
	ColorBorder    = lipgloss.Color("#16858E")
	ColorSlate     = lipgloss.Color("#2C4A54") // muted text
	ColorSuccess   = lipgloss.Color("#2CD7C7")
	ColorWarning   = lipgloss.Color("#F4D03F")
	ColorError     = lipgloss.Color("#E74C3C")
	ColorTransient = lipgloss.Color("#5DADE2") // in-flight states
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Transient lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style

	// Log stream prefixes
	Stdout lipgloss.Style
	Stderr lipgloss.Style
	System lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorAccent).Bold(true),
	Transient: lipgloss.NewStyle().Foreground(ColorTransient),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),

	Stdout: lipgloss.NewStyle().Foreground(ColorSlate),
	Stderr: lipgloss.NewStyle().Foreground(ColorWarning),
	System: lipgloss.NewStyle().Foreground(ColorPrimary),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

var (
	outMu  sync.Mutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects both destinations; tests use it to capture output.
// It returns a function restoring the previous writers.
func SetOutput(out, errOut io.Writer) (restore func()) {
	outMu.Lock()
	defer outMu.Unlock()
	prevOut, prevErr := stdout, stderr
	stdout, stderr = out, errOut
	return func() {
		outMu.Lock()
		defer outMu.Unlock()
		stdout, stderr = prevOut, prevErr
	}
}

func printTo(toErr bool, format string, args ...any) {
	outMu.Lock()
	defer outMu.Unlock()
	w := stdout
	if toErr {
		w = stderr
	}
	fmt.Fprintf(w, format, args...)
}

// Title prints a styled title
func Title(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	printTo(false, "%s\n", Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func Success(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		printTo(false, "OK: %s\n", text)
	case PersonalityMinimal:
		printTo(false, "%s %s\n", IconSuccess.Render(), text)
	default:
		printTo(false, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func Warning(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		printTo(true, "WARN: %s\n", text)
	case PersonalityMinimal:
		printTo(false, "%s %s\n", IconWarning.Render(), text)
	default:
		printTo(false, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func Error(text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		printTo(true, "ERROR: %s\n", text)
	case PersonalityMinimal:
		printTo(true, "%s %s\n", IconError.Render(), text)
	default:
		printTo(true, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational message
func Info(text string) {
	if GetPersonality().Level == PersonalityMachine {
		printTo(false, "%s\n", text)
		return
	}
	printTo(false, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints muted/secondary text
func Muted(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	printTo(false, "%s\n", Styles.Muted.Render(text))
}

// Box prints text in a rounded box
func Box(title, content string) {
	if GetPersonality().Level == PersonalityMachine {
		printTo(false, "%s: %s\n", title, content)
		return
	}
	titleLine := Styles.Title.Render(title)
	printTo(false, "%s\n", Styles.Box.Width(72).Render(titleLine+"\n"+content))
}

// WarningBox prints text in a warning-styled box
func WarningBox(title, content string) {
	if GetPersonality().Level == PersonalityMachine {
		printTo(true, "WARN %s: %s\n", title, content)
		return
	}
	titleLine := Styles.Warning.Bold(true).Render(title)
	printTo(false, "%s\n", Styles.WarningBox.Width(72).Render(titleLine+"\n"+content))
}

// ErrorBox prints an error with its remediation in a red box.
func ErrorBox(title, content string) {
	if GetPersonality().Level == PersonalityMachine {
		printTo(true, "ERROR %s: %s\n", title, strings.ReplaceAll(content, "\n", " "))
		return
	}
	titleLine := Styles.Error.Bold(true).Render(title)
	printTo(true, "%s\n", Styles.ErrorBox.Width(72).Render(titleLine+"\n"+content))
}

// KeyValue prints aligned "key  value" rows.
func KeyValue(rows [][2]string) {
	width := 0
	for _, r := range rows {
		if len(r[0]) > width {
			width = len(r[0])
		}
	}
	for _, r := range rows {
		if GetPersonality().Level == PersonalityMachine {
			printTo(false, "%s=%s\n", r[0], r[1])
			continue
		}
		key := r[0] + strings.Repeat(" ", width-len(r[0]))
		printTo(false, "  %s  %s\n", Styles.Muted.Render(key), r[1])
	}
}

// StateBadge renders a lifecycle state name. Running is green, Stopped is
// muted, anything else is an in-flight state.
func StateBadge(state string) string {
	if GetPersonality().Level == PersonalityMachine {
		return state
	}
	switch state {
	case "Running":
		return Styles.Success.Bold(true).Render("● " + state)
	case "Stopped":
		return Styles.Muted.Render("○ " + state)
	default:
		return Styles.Transient.Render("◐ " + state)
	}
}

// LogLine renders one streamed output line with its stream prefix.
func LogLine(stream, text string) string {
	if GetPersonality().Level == PersonalityMachine {
		return fmt.Sprintf("[%s] %s", stream, text)
	}
	switch stream {
	case "stderr":
		return Styles.Stderr.Render("│ ") + text
	case "system":
		return Styles.System.Render("» " + text)
	default:
		return Styles.Stdout.Render("│ ") + text
	}
}

// PrintLine prints a rendered log line to stdout.
func PrintLine(stream, text string) {
	printTo(false, "%s\n", LogLine(stream, text))
}
