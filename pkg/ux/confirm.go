// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"errors"

	"github.com/charmbracelet/huh"
)

// ErrNotInteractive is returned by Confirm when no terminal is attached
// and the caller did not pre-approve.
var ErrNotInteractive = errors.New("confirmation required: rerun with --yes or from a terminal")

// Confirmer asks a yes/no question.
type Confirmer interface {
	Confirm(title, description string) (bool, error)
}

// HuhConfirmer prompts with a huh confirm field.
type HuhConfirmer struct {
	// Assume answers every question without prompting (--yes).
	Assume bool
}

// Confirm asks the question.
//
// # Outputs
//
//   - bool: true only on an explicit yes
//   - error: ErrNotInteractive without a terminal; huh.ErrUserAborted
//     is reported as a plain "no"
func (c HuhConfirmer) Confirm(title, description string) (bool, error) {
	if c.Assume {
		return true, nil
	}
	if !IsInteractive() {
		return false, ErrNotInteractive
	}

	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}

// StaticConfirmer answers every question with Answer. Used in tests and
// by the console's scripted mode.
type StaticConfirmer struct {
	Answer bool
	Err    error
	Asked  []string
}

// Confirm records title and returns Answer.
func (s *StaticConfirmer) Confirm(title, description string) (bool, error) {
	s.Asked = append(s.Asked, title)
	return s.Answer, s.Err
}

var (
	_ Confirmer = HuhConfirmer{}
	_ Confirmer = (*StaticConfirmer)(nil)
)
