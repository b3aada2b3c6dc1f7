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

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Table prints rows under headers.
//
// Full and standard modes draw a bordered lipgloss table; minimal mode
// aligns plain columns; machine mode writes tab-separated values with a
// header row. Cells have tabs and newlines replaced by spaces in machine
// mode so every record stays on one line.
func (p *Printer) Table(headers []string, rows [][]string) {
	switch p.Level {
	case PersonalityMachine:
		fmt.Fprintln(p.Out, strings.Join(headers, "\t"))
		for _, row := range rows {
			cells := make([]string, len(row))
			for i, c := range row {
				cells[i] = strings.NewReplacer("\t", " ", "\n", " ").Replace(c)
			}
			fmt.Fprintln(p.Out, strings.Join(cells, "\t"))
		}
	case PersonalityMinimal:
		fmt.Fprintln(p.Out, plainTable(headers, rows))
	default:
		fmt.Fprintln(p.Out, styledTable(headers, rows))
	}
}

func styledTable(headers []string, rows [][]string) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(ColorAccent).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorBorder)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	return t.Render()
}

func plainTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	measure := func(cells []string) {
		for i, c := range cells {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}
	measure(headers)
	for _, r := range rows {
		measure(r)
	}

	var sb strings.Builder
	line := func(cells []string) {
		for i := range widths {
			c := ""
			if i < len(cells) {
				c = cells[i]
			}
			sb.WriteString(c)
			if i < len(widths)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
			}
		}
		sb.WriteString("\n")
	}
	line(headers)
	for _, r := range rows {
		line(r)
	}
	return strings.TrimRight(sb.String(), "\n")
}
