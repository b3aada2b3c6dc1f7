// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/events"
	"github.com/AleutianAI/memodesk/pkg/logging"
)

// sessionNotices follows the session topics while chat runs.
//
// Lifecycle events go to the log. Updates from detached exchanges (an
// answer that finished after the user switched away) are queued and shown
// before the next prompt, never in the middle of another answer.
type sessionNotices struct {
	logger *logging.Logger

	mu      sync.Mutex
	pending []string
}

// watchSessions subscribes to the session topics until ctx is done.
func watchSessions(ctx context.Context, bus *events.Bus, logger *logging.Logger) (*sessionNotices, error) {
	n := &sessionNotices{logger: logger}
	subs := []struct {
		topic string
		fn    func(events.SessionEvent)
	}{
		{events.TopicSessionCreated, n.created},
		{events.TopicSessionUpdated, n.updated},
		{events.TopicSessionDeleted, n.deleted},
	}
	for _, s := range subs {
		if err := events.Handle(ctx, bus, s.topic, s.fn); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *sessionNotices) created(ev events.SessionEvent) {
	n.logger.Info("session created", "session_id", ev.ID)
}

func (n *sessionNotices) deleted(ev events.SessionEvent) {
	n.logger.Info("session deleted", "session_id", ev.ID)
}

func (n *sessionNotices) updated(ev events.SessionEvent) {
	n.logger.Debug("session updated",
		"session_id", ev.ID,
		"turns", ev.TurnCount,
		"detached", ev.Detached,
	)
	if !ev.Detached {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, fmt.Sprintf("An earlier answer finished and was saved to %q (%s)", ev.Title, ev.ID))
}

// drain returns and clears the queued notices.
func (n *sessionNotices) drain() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.pending
	n.pending = nil
	return out
}
