// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"strings"
)

// DocumentProgress is one row of the progress board.
type DocumentProgress struct {
	ID      string
	Name    string
	Phase   string
	Stage   string
	Detail  string
	Percent int
	Done    bool
	Failed  bool
}

const progressBarWidth = 24

// ProgressLine formats one document.
//
//	✓ report.pdf          ████████████████████████ 100%  Done
//	machine: PROGRESS: <id> <phase> <percent> <detail>
func (p *Printer) ProgressLine(d DocumentProgress) string {
	if p.Machine() {
		return fmt.Sprintf("PROGRESS: %s %s %d %s", d.ID, d.Phase, d.Percent, collapse(d.Detail))
	}

	icon := IconPending
	switch {
	case d.Failed:
		icon = IconError
	case d.Done:
		icon = IconSuccess
	}

	name := d.Name
	if name == "" {
		name = d.ID
	}
	name = truncate(name, 28)
	status := d.Stage
	if d.Detail != "" {
		status = collapse(d.Detail)
	}
	if d.Failed {
		status = p.style(Styles.Error, status)
	} else {
		status = p.style(Styles.Muted, status)
	}
	return fmt.Sprintf("%s %-31s %s  %s", p.icon(icon), name, p.ProgressBar(d.Percent, progressBarWidth), status)
}

// ProgressBoard formats every document, one per line.
func (p *Printer) ProgressBoard(docs []DocumentProgress) string {
	if len(docs) == 0 {
		if p.Machine() {
			return ""
		}
		return p.style(Styles.Muted, "No documents.")
	}
	lines := make([]string, len(docs))
	for i, d := range docs {
		lines[i] = p.ProgressLine(d)
	}
	return strings.Join(lines, "\n")
}
