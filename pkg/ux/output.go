// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders memodesk output in the terminal.
//
// Nothing here is global: a Printer carries its writers and personality
// level, and every renderer is built from one.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// memodesk palette
var (
	ColorAccent  = lipgloss.Color("#2CD7C7")
	ColorPrimary = lipgloss.Color("#20B9B4")
	ColorBorder  = lipgloss.Color("#16858E")
	ColorSlate   = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6B8A94")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Italic    lipgloss.Style
	Code      lipgloss.Style
	Citation  lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	InfoBox    lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Italic:    lipgloss.NewStyle().Italic(true),
	Code:      lipgloss.NewStyle().Foreground(ColorWarning),
	Citation:  lipgloss.NewStyle().Foreground(ColorPrimary).Underline(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorAccent).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
	InfoBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorPrimary).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
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

// Printer writes personality-aware messages.
//
// # Description
//
// Results go to Out. In machine mode warnings and errors go to Err with
// WARN:/ERROR: prefixes so that scripts can parse Out undisturbed.
//
// # Thread Safety
//
// Each call issues a single write; concurrent calls may interleave lines
// but not characters on writers that are themselves safe.
type Printer struct {
	Out   io.Writer
	Err   io.Writer
	Level PersonalityLevel
}

// NewPrinter creates a Printer. Nil writers default to stdout and stderr.
func NewPrinter(out, errOut io.Writer, level PersonalityLevel) *Printer {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Printer{Out: out, Err: errOut, Level: level}
}

// Machine reports whether output is for scripts.
func (p *Printer) Machine() bool {
	return p.Level == PersonalityMachine
}

// Styled renders text with s on colored levels and returns it unchanged
// otherwise.
func (p *Printer) Styled(s lipgloss.Style, text string) string {
	return p.style(s, text)
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if !p.Level.Colored() {
		return text
	}
	return s.Render(text)
}

func (p *Printer) icon(i Icon) string {
	if !p.Level.Colored() {
		return string(i)
	}
	return i.Render()
}

// Printf writes unstyled text to Out.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.Out, format, args...)
}

// Println writes unstyled text and a newline to Out.
func (p *Printer) Println(args ...any) {
	fmt.Fprintln(p.Out, args...)
}

// Title prints a styled title. Machine mode prints nothing.
func (p *Printer) Title(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.Out, p.style(Styles.Title, text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	switch p.Level {
	case PersonalityMachine:
		fmt.Fprintf(p.Out, "OK: %s\n", text)
	default:
		fmt.Fprintf(p.Out, "%s %s\n", p.icon(IconSuccess), p.style(Styles.Success, text))
	}
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	switch p.Level {
	case PersonalityMachine:
		fmt.Fprintf(p.Err, "WARN: %s\n", text)
	default:
		fmt.Fprintf(p.Out, "%s %s\n", p.icon(IconWarning), p.style(Styles.Warning, text))
	}
}

// Error prints an error message
func (p *Printer) Error(text string) {
	switch p.Level {
	case PersonalityMachine:
		fmt.Fprintf(p.Err, "ERROR: %s\n", text)
	default:
		fmt.Fprintf(p.Out, "%s %s\n", p.icon(IconError), p.style(Styles.Error, text))
	}
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	switch p.Level {
	case PersonalityMachine, PersonalityMinimal:
		fmt.Fprintln(p.Out, text)
	default:
		fmt.Fprintf(p.Out, "%s %s\n", p.style(Styles.Muted, "│"), text)
	}
}

// Muted prints secondary text. Machine mode prints nothing.
func (p *Printer) Muted(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.Out, p.style(Styles.Muted, text))
}

// Field prints a key/value line: "KEY: value" in machine mode.
func (p *Printer) Field(key, value string) {
	if p.Machine() {
		fmt.Fprintf(p.Out, "%s: %s\n", strings.ToUpper(strings.ReplaceAll(key, " ", "_")), value)
		return
	}
	fmt.Fprintf(p.Out, "%s %s\n", p.style(Styles.Muted, key+":"), value)
}

// Box prints text in a rounded box in full mode and as a titled block
// otherwise.
func (p *Printer) Box(title, content string) {
	switch p.Level {
	case PersonalityMachine:
		fmt.Fprintf(p.Out, "%s: %s\n", strings.ToUpper(title), content)
	case PersonalityFull:
		fmt.Fprintln(p.Out, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
	default:
		fmt.Fprintln(p.Out, p.style(Styles.Title, title))
		fmt.Fprintln(p.Out, content)
	}
}

// ProgressBar renders a bar for percent (0-100) width cells wide.
func (p *Printer) ProgressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if p.Machine() {
		return fmt.Sprintf("%d%%", percent)
	}
	filled := percent * width / 100
	bar := p.style(Styles.Success, strings.Repeat("█", filled)) +
		p.style(Styles.Muted, strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3d%%", bar, percent)
}
