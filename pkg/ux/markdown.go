// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// Blocks
// =============================================================================

// BlockKind classifies one line of an answer.
type BlockKind int

const (
	BlockBlank BlockKind = iota
	BlockParagraph
	BlockHeading
	BlockBullet
	BlockNumbered
)

// Block is one classified line.
//
// Level is the heading depth (1-3) for BlockHeading and the item number
// for BlockNumbered. Text has the block marker removed.
type Block struct {
	Kind  BlockKind
	Level int
	Text  string
}

// ClassifyLine decides the block kind of a single line.
func ClassifyLine(line string) Block {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Block{Kind: BlockBlank}
	}

	if level, text, ok := headingMarker(trimmed); ok {
		return Block{Kind: BlockHeading, Level: level, Text: text}
	}
	for _, marker := range []string{"- ", "• ", "* "} {
		if strings.HasPrefix(trimmed, marker) {
			return Block{Kind: BlockBullet, Text: strings.TrimSpace(trimmed[len(marker):])}
		}
	}
	if n, text, ok := numberMarker(trimmed); ok {
		return Block{Kind: BlockNumbered, Level: n, Text: text}
	}
	return Block{Kind: BlockParagraph, Text: trimmed}
}

// headingMarker matches "# ", "## " and "### ".
func headingMarker(line string) (int, string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 3 || level >= len(line) || line[level] != ' ' {
		return 0, "", false
	}
	return level, strings.TrimSpace(line[level+1:]), true
}

// numberMarker matches "12. ".
func numberMarker(line string) (int, string, bool) {
	digits := 0
	for digits < len(line) && line[digits] >= '0' && line[digits] <= '9' {
		digits++
	}
	if digits == 0 || digits+1 >= len(line) || line[digits] != '.' || line[digits+1] != ' ' {
		return 0, "", false
	}
	n, err := strconv.Atoi(line[:digits])
	if err != nil {
		return 0, "", false
	}
	return n, strings.TrimSpace(line[digits+2:]), true
}

// =============================================================================
// Inline spans
// =============================================================================

// SpanKind classifies a run of inline text.
type SpanKind int

const (
	SpanText SpanKind = iota
	SpanBold
	SpanItalic
	SpanCode
	SpanCitation
)

// Span is one run of inline text. Doc and Page are set for SpanCitation.
type Span struct {
	Kind SpanKind
	Text string
	Doc  string
	Page int
}

// LexInline splits a line into spans.
//
// # Description
//
// Scans left to right. A marker only opens a span when its closing marker
// exists later on the line; otherwise it is literal text. Code spans are
// taken verbatim, so markers inside backticks are never interpreted.
// Spans do not nest.
//
// Recognized: **bold**, *italic*, `code`, and citations of the form
// [Document name, Page 3] (also "Pg 3" and "p. 3").
func LexInline(line string) []Span {
	var spans []Span
	var text strings.Builder

	emit := func(s Span) {
		if text.Len() > 0 {
			spans = append(spans, Span{Kind: SpanText, Text: text.String()})
			text.Reset()
		}
		spans = append(spans, s)
	}

	for i := 0; i < len(line); {
		switch {
		case line[i] == '`':
			if end := strings.IndexByte(line[i+1:], '`'); end > 0 {
				emit(Span{Kind: SpanCode, Text: line[i+1 : i+1+end]})
				i += end + 2
				continue
			}

		case strings.HasPrefix(line[i:], "**"):
			if end := strings.Index(line[i+2:], "**"); end > 0 {
				emit(Span{Kind: SpanBold, Text: line[i+2 : i+2+end]})
				i += end + 4
				continue
			}

		case line[i] == '*':
			if end := strings.IndexByte(line[i+1:], '*'); end > 0 {
				closing := i + 1 + end
				if closing+1 >= len(line) || line[closing+1] != '*' {
					emit(Span{Kind: SpanItalic, Text: line[i+1 : closing]})
					i = closing + 1
					continue
				}
			}

		case line[i] == '[':
			if end := strings.IndexByte(line[i+1:], ']'); end > 0 {
				if doc, page, ok := parseCitation(line[i+1 : i+1+end]); ok {
					emit(Span{Kind: SpanCitation, Text: line[i : i+end+2], Doc: doc, Page: page})
					i += end + 2
					continue
				}
			}
		}
		text.WriteByte(line[i])
		i++
	}
	if text.Len() > 0 {
		spans = append(spans, Span{Kind: SpanText, Text: text.String()})
	}
	return spans
}

// parseCitation parses the inside of "[Doc, Page 3]".
func parseCitation(inner string) (string, int, bool) {
	comma := strings.LastIndexByte(inner, ',')
	if comma <= 0 {
		return "", 0, false
	}
	doc := strings.TrimSpace(inner[:comma])
	ref := strings.TrimSpace(inner[comma+1:])

	lower := strings.ToLower(ref)
	matched := false
	for _, prefix := range []string{"page", "pg", "p."} {
		if strings.HasPrefix(lower, prefix) {
			ref = strings.TrimSpace(ref[len(prefix):])
			matched = true
			break
		}
	}
	if !matched || doc == "" {
		return "", 0, false
	}
	page, err := strconv.Atoi(ref)
	if err != nil || page <= 0 {
		return "", 0, false
	}
	return doc, page, true
}

// =============================================================================
// Rendering
// =============================================================================

// MarkdownRenderer renders answer text for the terminal.
//
// The pipeline is lines -> ClassifyLine -> LexInline -> styled output.
// Runs of blank lines collapse to one. Machine mode returns the text
// unchanged.
type MarkdownRenderer struct {
	Level PersonalityLevel
}

// Render formats a complete answer.
func (r MarkdownRenderer) Render(text string) string {
	if r.Level == PersonalityMachine {
		return text
	}

	var out []string
	blank := false
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		b := ClassifyLine(line)
		if b.Kind == BlockBlank {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, r.block(b))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func (r MarkdownRenderer) block(b Block) string {
	inline := r.inline(b.Text)
	switch b.Kind {
	case BlockHeading:
		if !r.Level.Colored() {
			return strings.ToUpper(b.Text)
		}
		switch b.Level {
		case 1:
			return Styles.Title.Render(b.Text)
		case 2:
			return Styles.Subtitle.Bold(true).Render(b.Text)
		default:
			return Styles.Bold.Render(b.Text)
		}
	case BlockBullet:
		bullet := string(IconBullet)
		if r.Level.Colored() {
			bullet = Styles.Subtitle.Render(bullet)
		}
		return "  " + bullet + " " + inline
	case BlockNumbered:
		return fmt.Sprintf("  %d. %s", b.Level, inline)
	default:
		return inline
	}
}

func (r MarkdownRenderer) inline(text string) string {
	var sb strings.Builder
	colored := r.Level.Colored()
	for _, s := range LexInline(text) {
		switch s.Kind {
		case SpanBold:
			if colored {
				sb.WriteString(Styles.Bold.Render(s.Text))
			} else {
				sb.WriteString(s.Text)
			}
		case SpanItalic:
			if colored {
				sb.WriteString(Styles.Italic.Render(s.Text))
			} else {
				sb.WriteString(s.Text)
			}
		case SpanCode:
			if colored {
				sb.WriteString(Styles.Code.Render(s.Text))
			} else {
				sb.WriteString(s.Text)
			}
		case SpanCitation:
			ref := fmt.Sprintf("[%s, p.%d]", s.Doc, s.Page)
			if colored {
				ref = Styles.Citation.Render(ref)
			}
			sb.WriteString(ref)
		default:
			sb.WriteString(s.Text)
		}
	}
	return sb.String()
}
