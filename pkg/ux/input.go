// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// LineReader reads one line of user input at a time.
//
// ReadLine returns the trimmed line, or io.EOF when input ends.
type LineReader interface {
	ReadLine() (string, error)
}

// NewLineReader picks an interactive reader with history when in is a
// terminal and a plain line reader otherwise. The interactive reader draws
// its prompt on out.
func NewLineReader(in io.Reader, out io.Writer, prompt string, maxHistory int) LineReader {
	if f, ok := in.(*os.File); ok && IsTerminal(f) {
		return &InteractiveReader{in: f, out: out, prompt: prompt, maxHistory: maxHistory}
	}
	return NewPlainReader(in)
}

// =============================================================================
// PlainReader
// =============================================================================

// PlainReader reads newline-terminated lines. It serves piped input and
// tests.
type PlainReader struct {
	r *bufio.Reader
}

// NewPlainReader wraps in.
func NewPlainReader(in io.Reader) *PlainReader {
	return &PlainReader{r: bufio.NewReader(in)}
}

// ReadLine implements LineReader. A final line without a newline is
// returned before io.EOF.
func (r *PlainReader) ReadLine() (string, error) {
	line, err := r.r.ReadString('\n')
	if err == io.EOF && line != "" {
		return strings.TrimSpace(line), nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// InteractiveReader
// =============================================================================

// InteractiveReader reads lines through a bubbletea text input with
// up/down history navigation.
//
// Ctrl+C clears the line and returns "", Ctrl+D on an empty line returns
// io.EOF. History is kept in memory and skips repeats of the last entry.
type InteractiveReader struct {
	in         io.Reader
	out        io.Writer
	prompt     string
	maxHistory int
	history    []string
}

type inputModel struct {
	input        textinput.Model
	history      []string
	historyIndex int
	draft        string
	done         bool
	eof          bool
}

// ReadLine implements LineReader.
func (r *InteractiveReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.CharLimit = 4096
	ti.Width = 80
	ti.Focus()

	m := inputModel{input: ti, history: r.history, historyIndex: -1}
	final, err := tea.NewProgram(m, tea.WithInput(r.in), tea.WithOutput(r.out)).Run()
	if err != nil {
		return "", err
	}
	result, ok := final.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", final)
	}
	if result.eof {
		return "", io.EOF
	}

	line := strings.TrimSpace(result.input.Value())
	if line != "" {
		fmt.Fprintln(r.out, r.prompt+line)
		r.remember(line)
	}
	return line, nil
}

func (r *InteractiveReader) remember(line string) {
	if n := len(r.history); n > 0 && r.history[n-1] == line {
		return
	}
	r.history = append(r.history, line)
	if r.maxHistory > 0 && len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch key.Type {
	case tea.KeyEnter:
		m.done = true
		return m, tea.Quit

	case tea.KeyCtrlC:
		m.input.SetValue("")
		m.done = true
		return m, tea.Quit

	case tea.KeyCtrlD:
		if m.input.Value() == "" {
			m.eof = true
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case tea.KeyUp:
		if len(m.history) == 0 {
			return m, nil
		}
		if m.historyIndex == -1 {
			m.draft = m.input.Value()
			m.historyIndex = len(m.history) - 1
		} else if m.historyIndex > 0 {
			m.historyIndex--
		}
		m.input.SetValue(m.history[m.historyIndex])
		m.input.CursorEnd()
		return m, nil

	case tea.KeyDown:
		if m.historyIndex == -1 {
			return m, nil
		}
		if m.historyIndex < len(m.history)-1 {
			m.historyIndex++
			m.input.SetValue(m.history[m.historyIndex])
		} else {
			m.historyIndex = -1
			m.input.SetValue(m.draft)
		}
		m.input.CursorEnd()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.input.View()
}
