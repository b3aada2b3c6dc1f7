// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel defines the verbosity and richness of CLI output
type PersonalityLevel string

const (
	// PersonalityFull enables boxes, colors and the welcome banner
	PersonalityFull PersonalityLevel = "full"

	// PersonalityStandard enables colors and icons without boxes
	PersonalityStandard PersonalityLevel = "standard"

	// PersonalityMinimal uses plain text with icons
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs prefixed lines suitable for scripting
	PersonalityMachine PersonalityLevel = "machine"
)

// ParsePersonalityLevel converts a name or its short form to a level.
func ParsePersonalityLevel(s string) (PersonalityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "f":
		return PersonalityFull, nil
	case "", "standard", "std", "s":
		return PersonalityStandard, nil
	case "minimal", "min", "m":
		return PersonalityMinimal, nil
	case "machine", "quiet", "q":
		return PersonalityMachine, nil
	default:
		return PersonalityStandard, fmt.Errorf("unknown personality %q", s)
	}
}

// Interactive reports whether the level shows spinners and prompts.
func (l PersonalityLevel) Interactive() bool {
	return l != PersonalityMachine
}

// Colored reports whether the level styles its output.
func (l PersonalityLevel) Colored() bool {
	return l == PersonalityFull || l == PersonalityStandard
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ResolvePersonality picks the effective level: machine output when w is
// not a terminal and the level was not chosen explicitly, else requested.
func ResolvePersonality(requested PersonalityLevel, explicit bool, w io.Writer) PersonalityLevel {
	if !explicit && !IsTerminal(w) {
		return PersonalityMachine
	}
	return requested
}
