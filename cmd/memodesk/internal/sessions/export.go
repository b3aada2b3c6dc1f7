// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sessions

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
)

// Format is a transcript export format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// ErrUnknownFormat is returned for unsupported export formats.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts "markdown", "md" and "html".
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "markdown", "md", "":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// Export writes a transcript of session to w.
//
// # Description
//
// Markdown output has a heading with the title, one section per turn and
// a source list under each answer that cited any. HTML output is the same
// Markdown rendered with GitHub-flavored extensions inside a minimal page.
// Failed answers are kept and marked.
//
// # Inputs
//
//   - w: Destination.
//   - session: Metadata for the header.
//   - turns: Turns in conversation order. Unfinalized turns are exported
//     with their current content.
//   - format: FormatMarkdown or FormatHTML.
func Export(w io.Writer, session conversation.Session, turns []conversation.Turn, format Format) error {
	md := renderMarkdown(session, turns)

	switch format {
	case FormatMarkdown:
		_, err := io.WriteString(w, md)
		return err
	case FormatHTML:
		return renderHTML(w, session, md)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func renderMarkdown(session conversation.Session, turns []conversation.Turn) string {
	title := session.Title
	if title == "" {
		title = conversation.DefaultTitle
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if !session.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "_Started %s_\n\n", session.CreatedAt.Local().Format(time.RFC1123))
	}

	for _, turn := range turns {
		switch turn.Role {
		case conversation.RoleUser:
			b.WriteString("## You\n\n")
		default:
			b.WriteString("## Assistant\n\n")
		}

		b.WriteString(strings.TrimRight(turn.Content, "\n"))
		b.WriteString("\n\n")
		if turn.Failed {
			b.WriteString("_(this answer failed)_\n\n")
		}

		if len(turn.Sources) > 0 {
			b.WriteString("**Sources**\n\n")
			for _, c := range turn.Sources {
				fmt.Fprintf(&b, "- %s", c.String())
				if snippet := strings.TrimSpace(c.Snippet); snippet != "" {
					fmt.Fprintf(&b, ": %s", strings.Join(strings.Fields(snippet), " "))
				}
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderHTML(w io.Writer, session conversation.Session, md string) error {
	converter := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)

	var body bytes.Buffer
	if err := converter.Convert([]byte(md), &body); err != nil {
		return fmt.Errorf("render transcript: %w", err)
	}

	title := session.Title
	if title == "" {
		title = conversation.DefaultTitle
	}
	_, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n%s</body>\n</html>\n",
		html.EscapeString(title), body.String())
	return err
}
