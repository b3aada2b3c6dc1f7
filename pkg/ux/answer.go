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
	"strings"
	"sync"
)

// Source is one citation shown under an answer.
type Source struct {
	Doc     string
	Page    int
	Snippet string
}

// Ref renders the citation reference, e.g. "[Annual Report, Page 3]".
func (s Source) Ref() string {
	return fmt.Sprintf("[%s, Page %d]", s.Doc, s.Page)
}

// AnswerView is the state of an answer at one point in time.
type AnswerView struct {
	Content   string
	Sources   []Source
	Finalized bool
	Failed    bool
}

// AnswerRenderer prints one answer while it streams.
//
// # Description
//
// Each Render receives the whole answer so far. Interactive levels print
// only the text not printed yet, so tokens appear as they arrive; a
// spinner runs from Begin until the first text. When the answer is
// finalized the sources follow, then a newline.
//
// Machine mode prints nothing until the answer is finalized and then
// writes:
//
//	ANSWER: <content>
//	SOURCE: [Doc, Page N] <snippet>
//
// or, for a failed answer, "ERROR: <message>".
//
// # Thread Safety
//
// Safe for concurrent use. Render calls for one answer are expected in
// order.
type AnswerRenderer struct {
	w       io.Writer
	level   PersonalityLevel
	spinner *Spinner

	mu      sync.Mutex
	printed int
	done    bool
}

// NewAnswerRenderer creates a renderer writing to w. The spinner draws on
// spinnerOut, usually the same terminal.
func NewAnswerRenderer(w, spinnerOut io.Writer, level PersonalityLevel) *AnswerRenderer {
	return &AnswerRenderer{
		w:       w,
		level:   level,
		spinner: NewSpinner(spinnerOut, level, "Thinking..."),
	}
}

// Begin resets the renderer for a new answer and starts the spinner.
func (r *AnswerRenderer) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.printed = 0
	r.done = false
	r.spinner.Start()
}

// Render prints whatever v adds to what was already printed.
func (r *AnswerRenderer) Render(v AnswerView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}

	if r.level == PersonalityMachine {
		if v.Finalized {
			r.done = true
			r.machine(v)
		}
		return
	}

	if v.Failed {
		r.spinner.Stop()
		if r.printed > 0 {
			fmt.Fprintln(r.w)
		}
		msg := v.Content
		if r.level.Colored() {
			msg = IconError.Render() + " " + Styles.Error.Render(msg)
		}
		fmt.Fprintln(r.w, msg)
		r.done = true
		return
	}

	// Content only grows while an answer streams.
	if len(v.Content) > r.printed {
		r.spinner.Stop()
		fmt.Fprint(r.w, v.Content[r.printed:])
		r.printed = len(v.Content)
	}

	if v.Finalized {
		r.spinner.Stop()
		if r.printed > 0 {
			fmt.Fprintln(r.w)
		}
		r.sources(v.Sources)
		r.done = true
	}
}

// Abort stops the spinner without printing anything more.
func (r *AnswerRenderer) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spinner.Stop()
	r.done = true
}

func (r *AnswerRenderer) machine(v AnswerView) {
	if v.Failed {
		fmt.Fprintf(r.w, "ERROR: %s\n", v.Content)
		return
	}
	fmt.Fprintf(r.w, "ANSWER: %s\n", v.Content)
	for _, s := range v.Sources {
		fmt.Fprintf(r.w, "SOURCE: %s %s\n", s.Ref(), collapse(s.Snippet))
	}
}

func (r *AnswerRenderer) sources(sources []Source) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(r.w)

	switch r.level {
	case PersonalityMinimal:
		fmt.Fprintln(r.w, "Sources:")
		for i, s := range sources {
			fmt.Fprintf(r.w, "  %d. %s\n", i+1, s.Ref())
		}
	case PersonalityFull:
		var content strings.Builder
		for i, s := range sources {
			content.WriteString(fmt.Sprintf("%d. %s", i+1, Styles.Citation.Render(s.Ref())))
			if snippet := truncate(collapse(s.Snippet), 90); snippet != "" {
				content.WriteString("\n   " + Styles.Muted.Render(snippet))
			}
			if i < len(sources)-1 {
				content.WriteString("\n")
			}
		}
		fmt.Fprintln(r.w, Styles.InfoBox.Width(72).Render(Styles.Subtitle.Render("Sources")+"\n"+content.String()))
	default:
		fmt.Fprintln(r.w, Styles.Subtitle.Render("Sources"))
		for i, s := range sources {
			fmt.Fprintf(r.w, "  %d. %s %s\n", i+1, Styles.Citation.Render(s.Ref()), Styles.Muted.Render(truncate(collapse(s.Snippet), 60)))
		}
	}
}

// collapse joins whitespace runs into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// PrintAnswer prints a complete answer in one go, formatting markdown on
// interactive levels.
func (p *Printer) PrintAnswer(v AnswerView) {
	r := NewAnswerRenderer(p.Out, p.Err, p.Level)
	if p.Level != PersonalityMachine && !v.Failed {
		v.Content = MarkdownRenderer{Level: p.Level}.Render(v.Content)
	}
	v.Finalized = true
	r.Render(v)
}
