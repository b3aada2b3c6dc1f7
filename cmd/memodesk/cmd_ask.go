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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
	"github.com/AleutianAI/memodesk/pkg/ux"
)

// errAnswerFailed is the exit cause of an ask whose answer failed. The
// failure text has already been printed by then.
var errAnswerFailed = errors.New("the answer could not be completed")

// chatHistorySize is how many lines the interactive reader remembers.
const chatHistorySize = 200

type asker func(ctx context.Context, question string, scope []string) (conversation.Turn, error)

// askFunc picks the streaming or the non-streaming exchange.
func (c *cli) askFunc(noStream bool) asker {
	if noStream || !c.cfg.UI.Stream {
		return c.app.Exchange.AskOnce
	}
	return c.app.Exchange.Ask
}

// runAsk asks one question and prints the answer as it arrives.
func (c *cli) runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scope, _ := cmd.Flags().GetStringSlice("doc")
	noStream, _ := cmd.Flags().GetBool("no-stream")
	sessionID, _ := cmd.Flags().GetString("session")

	if sessionID != "" {
		if _, err := c.resume(ctx, sessionID); err != nil {
			return err
		}
	}

	tp := newTurnPrinter(c.printer)
	unsubscribe := c.app.Store.Subscribe(tp.Observe)
	defer unsubscribe()
	defer tp.Stop()

	turn, err := c.askFunc(noStream)(ctx, strings.Join(args, " "), scope)
	if err != nil {
		return err
	}
	if session := c.app.Store.Session(); session.Saved() {
		c.printer.Field("session", session.ID)
	}
	if turn.Failed {
		return NewCommandError("ask", 1, errAnswerFailed).AlreadyReported()
	}
	return nil
}

// resume loads a stored session into the conversation.
func (c *cli) resume(ctx context.Context, id string) ([]conversation.Turn, error) {
	session, turns, err := c.app.Sessions.LoadSession(ctx, id)
	if errors.Is(err, api.ErrSessionNotFound) {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	c.app.Store.ReplaceAll(session, turns)
	return turns, nil
}

// =============================================================================
// CHAT
// =============================================================================

// runChat runs the interactive loop.
//
// # Description
//
// Reads a line at a time: slash commands manage the conversation, every
// other line is asked as a question. Switching sessions replaces the
// conversation contents. The loop ends on /exit, end of input or when the
// context is cancelled.
func (c *cli) runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	scope, _ := cmd.Flags().GetStringSlice("doc")
	sessionID, _ := cmd.Flags().GetString("session")

	if sessionID != "" {
		turns, err := c.resume(ctx, sessionID)
		if err != nil {
			return err
		}
		printTranscript(c.printer, turns)
	}

	tp := newTurnPrinter(c.printer)
	unsubscribe := c.app.Store.Subscribe(tp.Observe)
	defer unsubscribe()
	defer tp.Stop()

	notices, err := watchSessions(ctx, c.app.Bus, c.logger.With("component", "chat"))
	if err != nil {
		return err
	}

	c.welcome()
	reader := ux.NewLineReader(c.in, c.out, "> ", chatHistorySize)
	ask := c.askFunc(false)

	for ctx.Err() == nil {
		for _, notice := range notices.drain() {
			c.printer.Muted(notice)
		}
		line, err := reader.ReadLine()
		if errors.Is(err, io.EOF) {
			c.printer.Muted("Bye.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := c.chatCommand(ctx, line, &scope)
			if err != nil {
				c.printer.Error(err.Error())
			}
			if quit {
				return nil
			}
			continue
		}

		if _, err := ask(ctx, line, scope); err != nil {
			c.printer.Error(err.Error())
		}
	}
	return nil
}

func (c *cli) welcome() {
	p := c.printer
	switch p.Level {
	case ux.PersonalityMachine:
		return
	case ux.PersonalityFull:
		p.Box("memodesk", "Ask anything about your documents.\nType /help for commands, Ctrl+D to quit.")
	default:
		p.Title("memodesk")
		p.Muted("Type a question, /help for commands, Ctrl+D to quit.")
	}
}

var chatCommands = [][2]string{
	{"/new", "start a new conversation"},
	{"/sessions", "list saved sessions"},
	{"/switch <id>", "continue a saved session"},
	{"/delete <id>", "delete a saved session"},
	{"/docs", "list documents"},
	{"/scope [id...]", "limit questions to documents (no ids: all)"},
	{"/suggest", "show suggested questions"},
	{"/exit", "quit"},
}

// chatCommand runs one slash command and reports whether to quit.
func (c *cli) chatCommand(ctx context.Context, line string, scope *[]string) (bool, error) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	p := c.printer

	switch name {
	case "/exit", "/quit":
		return true, nil

	case "/help":
		rows := make([][]string, len(chatCommands))
		for i, cmd := range chatCommands {
			rows[i] = []string{cmd[0], cmd[1]}
		}
		p.Table([]string{"Command", "Description"}, rows)

	case "/new":
		c.app.Store.Reset()
		p.Success("Started a new conversation")

	case "/sessions":
		return false, c.printSessions(ctx)

	case "/switch":
		if len(args) != 1 {
			return false, errors.New("usage: /switch <session id>")
		}
		turns, err := c.resume(ctx, args[0])
		if err != nil {
			return false, err
		}
		p.Success(fmt.Sprintf("Switched to %q", c.app.Store.Session().Title))
		printTranscript(p, turns)

	case "/delete":
		if len(args) != 1 {
			return false, errors.New("usage: /delete <session id>")
		}
		if !c.app.Sessions.DeleteSession(ctx, args[0]) {
			return false, fmt.Errorf("could not delete session %s", args[0])
		}
		if c.app.Store.Session().ID == args[0] {
			c.app.Store.Reset()
		}
		p.Success("Deleted session " + args[0])

	case "/docs":
		return false, c.printDocuments(ctx)

	case "/scope":
		*scope = args
		if len(args) == 0 {
			p.Success("Searching all documents")
		} else {
			p.Success("Searching " + strings.Join(args, ", "))
		}

	case "/suggest":
		return false, c.printSuggestions(ctx)

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}
