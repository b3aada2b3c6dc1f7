// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
)

// ErrNotInteractive is returned when a confirmation is needed but the
// session cannot prompt.
var ErrNotInteractive = errors.New("confirmation required; rerun with --yes")

// Confirmer asks a yes/no question.
type Confirmer interface {
	Confirm(title, description string) (bool, error)
}

// HuhConfirmer prompts with a huh confirm field.
type HuhConfirmer struct{}

// Confirm implements Confirmer. An aborted form (Ctrl+C) counts as "no".
func (HuhConfirmer) Confirm(title, description string) (bool, error) {
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
		return false, fmt.Errorf("confirm: %w", err)
	}
	return ok, nil
}

// LineConfirmer asks on a plain line: "title [y/N]: ".
type LineConfirmer struct {
	In  LineReader
	Out io.Writer
}

// Confirm implements Confirmer. Anything but y or yes is "no".
func (c LineConfirmer) Confirm(title, description string) (bool, error) {
	if description != "" {
		fmt.Fprintln(c.Out, description)
	}
	fmt.Fprintf(c.Out, "%s [y/N]: ", title)
	line, err := c.In.ReadLine()
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// RefuseConfirmer never prompts; it is used in machine mode.
type RefuseConfirmer struct{}

// Confirm implements Confirmer.
func (RefuseConfirmer) Confirm(string, string) (bool, error) {
	return false, ErrNotInteractive
}
