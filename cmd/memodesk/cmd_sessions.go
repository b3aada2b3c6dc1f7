// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/sessions"
)

func (c *cli) runSessionsList(cmd *cobra.Command, _ []string) error {
	return c.printSessions(cmd.Context())
}

// printSessions prints the session list, newest first.
func (c *cli) printSessions(ctx context.Context) error {
	list, err := c.app.Sessions.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		c.printer.Muted("No saved sessions.")
		return nil
	}

	current := c.app.Store.Session().ID
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		id := s.ID
		if id == current && !c.printer.Machine() {
			id += " *"
		}
		rows = append(rows, []string{id, s.Title, strconv.Itoa(s.TurnCount), formatTime(s.UpdatedAt)})
	}
	c.printer.Table([]string{"ID", "Title", "Messages", "Updated"}, rows)
	return nil
}

func (c *cli) runSessionsShow(cmd *cobra.Command, args []string) error {
	session, turns, err := c.app.Sessions.LoadSession(cmd.Context(), args[0])
	if errors.Is(err, api.ErrSessionNotFound) {
		return fmt.Errorf("session %s not found", args[0])
	}
	if err != nil {
		return err
	}

	p := c.printer
	p.Title(session.Title)
	p.Muted(fmt.Sprintf("%d messages, updated %s", session.TurnCount, formatTime(session.UpdatedAt)))
	if p.Machine() {
		p.Field("session", session.ID)
		p.Field("title", session.Title)
	}
	printTranscript(p, turns)
	return nil
}

func (c *cli) runSessionsNew(cmd *cobra.Command, _ []string) error {
	session, err := c.app.Sessions.CreateSession(cmd.Context())
	if err != nil {
		return err
	}
	if c.printer.Machine() {
		c.printer.Field("session", session.ID)
		return nil
	}
	c.printer.Success("Created session " + session.ID)
	return nil
}

func (c *cli) runSessionsDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	yes, _ := cmd.Flags().GetBool("yes")
	ok, err := c.confirm(yes, fmt.Sprintf("Delete session %s?", id), "The transcript cannot be recovered.")
	if err != nil {
		return err
	}
	if !ok {
		c.printer.Muted("Cancelled.")
		return nil
	}
	if !c.app.Sessions.DeleteSession(cmd.Context(), id) {
		return fmt.Errorf("could not delete session %s", id)
	}
	c.printer.Success("Deleted session " + id)
	return nil
}

// runSessionsExport writes a transcript to stdout or --output.
func (c *cli) runSessionsExport(cmd *cobra.Command, args []string) error {
	formatName, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	format, err := sessions.ParseFormat(formatName)
	if err != nil {
		return err
	}

	session, turns, err := c.app.Sessions.LoadSession(cmd.Context(), args[0])
	if errors.Is(err, api.ErrSessionNotFound) {
		return fmt.Errorf("session %s not found", args[0])
	}
	if err != nil {
		return err
	}

	var w io.Writer = c.out
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}
		defer f.Close()
		w = f
	}
	if err := sessions.Export(w, session, turns, format); err != nil {
		return err
	}
	if output != "" {
		c.printer.Success(fmt.Sprintf("Exported %q to %s", session.Title, output))
	}
	return nil
}

// formatTime renders a timestamp for listings; the zero time is blank.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}
