// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/events"
	"github.com/AleutianAI/memodesk/pkg/logging"
)

// DefaultWriteTimeout bounds a single queued append.
const DefaultWriteTimeout = 10 * time.Second

// FailureRecorder counts persistence failures by operation.
type FailureRecorder interface {
	PersistenceFailure(op string)
}

type nopRecorder struct{}

func (nopRecorder) PersistenceFailure(string) {}

// AdapterConfig configures an Adapter. Only Store is required.
type AdapterConfig struct {
	Store        Store
	Logger       *logging.Logger
	Publisher    events.Publisher
	Failures     FailureRecorder
	WriteTimeout time.Duration
}

// job is one queued write. A job with a non-nil marker is a flush
// barrier: the writer closes it when every earlier job is done.
type job struct {
	sessionID string
	msg       api.SessionMessage
	marker    chan struct{}
}

// Adapter is the conversation's view of the session store.
//
// # Description
//
// Appends are fire-and-forget. They go into an unbounded FIFO drained by
// a single writer goroutine, so writes for a session reach the store in
// the order they were submitted and a slow store never blocks an
// exchange. Failed writes are logged and counted and not retried.
//
// # Thread Safety
//
// Safe for concurrent use. Close must be called to stop the writer.
type Adapter struct {
	store        Store
	logger       *logging.Logger
	publisher    events.Publisher
	failures     FailureRecorder
	writeTimeout time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewAdapter starts the background writer.
func NewAdapter(cfg AdapterConfig) *Adapter {
	a := &Adapter{
		store:        cfg.Store,
		logger:       cfg.Logger,
		publisher:    cfg.Publisher,
		failures:     cfg.Failures,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
	if a.logger == nil {
		a.logger = logging.Nop()
	}
	if a.publisher == nil {
		a.publisher = events.Discard
	}
	if a.failures == nil {
		a.failures = nopRecorder{}
	}
	if a.writeTimeout <= 0 {
		a.writeTimeout = DefaultWriteTimeout
	}
	a.cond = sync.NewCond(&a.mu)

	go a.run()
	return a
}

// CreateSession creates a session in the store.
//
// # Outputs
//
//   - conversation.Session: The new session, titled "New Chat".
//   - error: Non-nil if the store failed. The caller may continue without
//     a saved session.
func (a *Adapter) CreateSession(ctx context.Context) (conversation.Session, error) {
	info, err := a.store.Create(ctx)
	if err != nil {
		a.failures.PersistenceFailure("create")
		return conversation.Session{}, fmt.Errorf("create session: %w", err)
	}
	session := info.Session()
	if session.Title == "" {
		session.Title = conversation.DefaultTitle
	}
	a.publish(events.TopicSessionCreated, session)
	return session, nil
}

// AppendMessage queues turn for appending to session sessionID and
// returns immediately. An empty sessionID means the conversation is not
// saved and the turn is dropped.
func (a *Adapter) AppendMessage(sessionID string, turn conversation.Turn) {
	if sessionID == "" {
		a.logger.Debug("skipping persistence for unsaved conversation", "role", turn.Role.String())
		return
	}

	msg := api.SessionMessage{
		Role:      turn.Role.String(),
		Content:   turn.Content,
		Sources:   turn.Clone().Sources,
		Timestamp: api.Timestamp{Time: time.Now().UTC()},
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("persistence adapter closed, dropping message", "session_id", sessionID)
		a.failures.PersistenceFailure("append")
		return
	}
	a.queue = append(a.queue, job{sessionID: sessionID, msg: msg})
	a.cond.Signal()
}

// Flush waits until every append queued before the call has been
// attempted, or ctx is done.
func (a *Adapter) Flush(ctx context.Context) error {
	marker := make(chan struct{})

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		select {
		case <-a.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.queue = append(a.queue, job{marker: marker})
	a.cond.Signal()
	a.mu.Unlock()

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued writes.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, j := range a.queue {
		if j.marker == nil {
			n++
		}
	}
	return n
}

// Close stops accepting writes, drains the queue and stops the writer.
// It is safe to call more than once.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	<-a.done
	return nil
}

func (a *Adapter) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}
		next := a.queue[0]
		a.queue[0] = job{}
		a.queue = a.queue[1:]
		a.mu.Unlock()

		if next.marker != nil {
			close(next.marker)
			continue
		}
		a.write(next)
	}
}

func (a *Adapter) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	defer cancel()

	if err := a.store.Append(ctx, j.sessionID, j.msg); err != nil {
		a.failures.PersistenceFailure("append")
		a.logger.Warn("failed to persist message",
			"session_id", j.sessionID,
			"role", j.msg.Role,
			"error", err,
		)
	}
}

// ListSessions returns session metadata, newest first.
func (a *Adapter) ListSessions(ctx context.Context) ([]conversation.Session, error) {
	infos, err := a.store.List(ctx)
	if err != nil {
		a.failures.PersistenceFailure("list")
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	list := make([]conversation.Session, 0, len(infos))
	for _, info := range infos {
		list = append(list, info.Session())
	}
	return list, nil
}

// LoadSession returns a stored session as finalized turns.
//
// # Description
//
// Flushes queued writes first so that a session switched away from and
// back again includes its latest turns. Messages with a role other than
// user or assistant are skipped with a warning.
//
// # Outputs
//
//   - conversation.Session: Metadata; TurnCount is the number of turns returned.
//   - []conversation.Turn: Finalized turns in stored order.
//   - error: api.ErrSessionNotFound for unknown ids, or the store's error.
func (a *Adapter) LoadSession(ctx context.Context, id string) (conversation.Session, []conversation.Turn, error) {
	if err := a.Flush(ctx); err != nil {
		return conversation.Session{}, nil, err
	}

	detail, err := a.store.Get(ctx, id)
	if err != nil {
		a.failures.PersistenceFailure("load")
		return conversation.Session{}, nil, fmt.Errorf("load session %s: %w", id, err)
	}

	turns := make([]conversation.Turn, 0, len(detail.Messages))
	for i, msg := range detail.Messages {
		role, err := conversation.ParseRole(msg.Role)
		if err != nil {
			a.logger.Warn("skipping stored message with unknown role",
				"session_id", id,
				"index", i,
				"role", msg.Role,
			)
			continue
		}
		turn := conversation.Turn{Role: role, Content: msg.Content, Finalized: true}
		if role == conversation.RoleAssistant && msg.Sources != nil {
			turn.Sources = append([]conversation.Citation{}, msg.Sources...)
		}
		turns = append(turns, turn)
	}

	session := detail.SessionInfo.Session()
	session.TurnCount = len(turns)
	return session, turns, nil
}

// DeleteSession deletes a session and reports whether the store accepted
// it. Failures are logged, not returned.
func (a *Adapter) DeleteSession(ctx context.Context, id string) bool {
	if err := a.store.Delete(ctx, id); err != nil {
		a.failures.PersistenceFailure("delete")
		a.logger.Warn("failed to delete session", "session_id", id, "error", err)
		return false
	}
	a.publish(events.TopicSessionDeleted, conversation.Session{ID: id})
	return true
}

func (a *Adapter) publish(topic string, session conversation.Session) {
	err := a.publisher.Publish(topic, events.SessionEvent{
		ID:        session.ID,
		Title:     session.Title,
		TurnCount: session.TurnCount,
		At:        time.Now(),
	})
	if err != nil {
		a.logger.Debug("event publish failed", "topic", topic, "error", err)
	}
}
