// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"sync"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/progress"
	"github.com/AleutianAI/memodesk/pkg/ux"
)

// answerView converts a turn for the answer renderer.
func answerView(t conversation.Turn) ux.AnswerView {
	v := ux.AnswerView{Content: t.Content, Finalized: t.Finalized, Failed: t.Failed}
	for _, c := range t.Sources {
		v.Sources = append(v.Sources, ux.Source{Doc: c.DocName, Page: c.Page, Snippet: c.Snippet})
	}
	return v
}

// turnPrinter is a conversation.Store observer that prints the assistant
// answer as it streams.
//
// An appended assistant turn starts the renderer (and its spinner); each
// update prints what the answer gained. An answer that arrives finalized
// in a single update, as with the non-streaming endpoint, is printed with
// markdown formatting instead.
type turnPrinter struct {
	printer  *ux.Printer
	renderer *ux.AnswerRenderer

	mu      sync.Mutex
	active  bool
	partial bool
}

func newTurnPrinter(p *ux.Printer) *turnPrinter {
	return &turnPrinter{
		printer:  p,
		renderer: ux.NewAnswerRenderer(p.Out, p.Err, p.Level),
	}
}

// Observe implements conversation.Observer.
func (tp *turnPrinter) Observe(ch conversation.Change) {
	if ch.Turn.Role != conversation.RoleAssistant {
		return
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()

	switch ch.Kind {
	case conversation.ChangeAppended:
		tp.active = true
		tp.partial = false
		tp.renderer.Begin()

	case conversation.ChangeUpdated:
		if !tp.active {
			return
		}
		turn := ch.Turn
		if turn.Finalized && !tp.partial && !turn.Failed {
			tp.renderer.Abort()
			tp.printer.PrintAnswer(answerView(turn))
			tp.active = false
			return
		}
		tp.partial = true
		tp.renderer.Render(answerView(turn))
		if turn.Finalized {
			tp.active = false
		}
	}
}

// Stop halts a spinner left running by an interrupted exchange.
func (tp *turnPrinter) Stop() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.active {
		tp.renderer.Abort()
		tp.active = false
	}
}

// printTranscript prints stored turns, used when a session is resumed.
func printTranscript(p *ux.Printer, turns []conversation.Turn) {
	for _, t := range turns {
		switch t.Role {
		case conversation.RoleUser:
			if p.Machine() {
				p.Printf("QUESTION: %s\n", t.Content)
				continue
			}
			p.Println()
			p.Printf("%s %s\n", p.Styled(ux.Styles.Highlight, "You:"), t.Content)
		default:
			p.PrintAnswer(answerView(t))
		}
	}
}

// documentProgress converts a projection for the progress board.
func documentProgress(proj progress.Projection) ux.DocumentProgress {
	return ux.DocumentProgress{
		ID:      proj.DocID,
		Name:    proj.Name,
		Phase:   proj.Phase.String(),
		Stage:   proj.Stage.Label(),
		Detail:  proj.Detail,
		Percent: proj.Percent,
		Done:    proj.Phase == progress.PhaseDone,
		Failed:  proj.Phase == progress.PhaseError,
	}
}

// boardView redraws the progress board in place on a terminal and prints
// one line per change otherwise.
type boardView struct {
	printer *ux.Printer

	mu    sync.Mutex
	lines int
}

func (b *boardView) draw(docs []progress.Projection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := make([]ux.DocumentProgress, len(docs))
	for i, d := range docs {
		rows[i] = documentProgress(d)
	}
	if b.lines > 0 {
		// Move to the first line of the previous board and clear below.
		b.printer.Printf("\033[%dA\r\033[J", b.lines)
	}
	board := b.printer.ProgressBoard(rows)
	if board == "" {
		b.lines = 0
		return
	}
	b.printer.Println(board)
	b.lines = len(rows)
	if len(rows) == 0 {
		b.lines = 1
	}
}

func (b *boardView) line(proj progress.Projection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.printer.Println(b.printer.ProgressLine(documentProgress(proj)))
}

// formatSize renders a byte count for listings.
func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
