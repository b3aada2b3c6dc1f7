// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/events"
)

// =============================================================================
// Fakes
// =============================================================================

type recordingStore struct {
	mu        sync.Mutex
	appended  map[string][]api.SessionMessage
	detail    api.SessionDetail
	failWith  error
	delay     time.Duration
	createErr error
	deleteErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{appended: make(map[string][]api.SessionMessage)}
}

func (s *recordingStore) Create(context.Context) (api.SessionInfo, error) {
	if s.createErr != nil {
		return api.SessionInfo{}, s.createErr
	}
	return api.SessionInfo{ID: "s1", Title: conversation.DefaultTitle}, nil
}

func (s *recordingStore) List(context.Context) ([]api.SessionInfo, error) {
	return []api.SessionInfo{{ID: "s2", Title: "B", MessageCount: 4}, {ID: "s1", Title: "A"}}, nil
}

func (s *recordingStore) Get(_ context.Context, id string) (api.SessionDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detail.ID != id {
		return api.SessionDetail{}, api.ErrSessionNotFound
	}
	return s.detail, nil
}

func (s *recordingStore) Append(ctx context.Context, id string, msg api.SessionMessage) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.appended[id] = append(s.appended[id], msg)
	return nil
}

func (s *recordingStore) Delete(context.Context, string) error {
	return s.deleteErr
}

func (s *recordingStore) messages(id string) []api.SessionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.SessionMessage(nil), s.appended[id]...)
}

type countingRecorder struct {
	mu  sync.Mutex
	ops map[string]int
}

func (c *countingRecorder) PersistenceFailure(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ops == nil {
		c.ops = make(map[string]int)
	}
	c.ops[op]++
}

func (c *countingRecorder) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops[op]
}

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturePublisher) Publish(topic string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

// =============================================================================
// Tests
// =============================================================================

func TestAdapter_AppendsArriveInSubmissionOrder(t *testing.T) {
	store := newRecordingStore()
	store.delay = time.Millisecond
	adapter := NewAdapter(AdapterConfig{Store: store})
	defer adapter.Close()

	for i := 0; i < 50; i++ {
		adapter.AppendMessage("s1", conversation.NewUserTurn(fmt.Sprintf("q%d", i)))
	}
	require.NoError(t, adapter.Flush(context.Background()))

	got := store.messages("s1")
	require.Len(t, got, 50)
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("q%d", i), msg.Content)
		assert.Equal(t, "user", msg.Role)
	}
	assert.Zero(t, adapter.Pending())
}

func TestAdapter_AppendDoesNotBlock(t *testing.T) {
	store := newRecordingStore()
	store.delay = 200 * time.Millisecond
	adapter := NewAdapter(AdapterConfig{Store: store})
	defer adapter.Close()

	start := time.Now()
	for i := 0; i < 5; i++ {
		adapter.AppendMessage("s1", conversation.NewUserTurn("q"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAdapter_AssistantTurnCarriesSources(t *testing.T) {
	store := newRecordingStore()
	adapter := NewAdapter(AdapterConfig{Store: store})
	defer adapter.Close()

	turn, err := conversation.NewAssistantTurn().AppendContent("answer")
	require.NoError(t, err)
	turn, err = turn.AttachSources([]conversation.Citation{{DocName: "a.pdf", Page: 2}})
	require.NoError(t, err)
	adapter.AppendMessage("s1", turn.Finalize())
	require.NoError(t, adapter.Flush(context.Background()))

	got := store.messages("s1")
	require.Len(t, got, 1)
	assert.Equal(t, "assistant", got[0].Role)
	assert.Equal(t, "answer", got[0].Content)
	assert.Equal(t, []conversation.Citation{{DocName: "a.pdf", Page: 2}}, got[0].Sources)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestAdapter_UnsavedConversationIsSkipped(t *testing.T) {
	store := newRecordingStore()
	adapter := NewAdapter(AdapterConfig{Store: store})
	defer adapter.Close()

	adapter.AppendMessage("", conversation.NewUserTurn("q"))
	require.NoError(t, adapter.Flush(context.Background()))
	assert.Empty(t, store.messages(""))
}

func TestAdapter_FailuresAreCountedNotRetried(t *testing.T) {
	store := newRecordingStore()
	store.failWith = errors.New("store down")
	failures := &countingRecorder{}
	adapter := NewAdapter(AdapterConfig{Store: store, Failures: failures})
	defer adapter.Close()

	adapter.AppendMessage("s1", conversation.NewUserTurn("q1"))
	adapter.AppendMessage("s1", conversation.NewUserTurn("q2"))
	require.NoError(t, adapter.Flush(context.Background()))

	assert.Equal(t, 2, failures.count("append"))

	store.mu.Lock()
	store.failWith = nil
	store.mu.Unlock()
	require.NoError(t, adapter.Flush(context.Background()))
	assert.Empty(t, store.messages("s1"), "failed writes are dropped")
}

func TestAdapter_WriteTimeout(t *testing.T) {
	store := newRecordingStore()
	store.delay = time.Second
	failures := &countingRecorder{}
	adapter := NewAdapter(AdapterConfig{Store: store, Failures: failures, WriteTimeout: 20 * time.Millisecond})
	defer adapter.Close()

	adapter.AppendMessage("s1", conversation.NewUserTurn("q"))
	require.NoError(t, adapter.Flush(context.Background()))
	assert.Equal(t, 1, failures.count("append"))
}

func TestAdapter_FlushHonoursContext(t *testing.T) {
	store := newRecordingStore()
	store.delay = time.Second
	adapter := NewAdapter(AdapterConfig{Store: store})
	defer adapter.Close()

	adapter.AppendMessage("s1", conversation.NewUserTurn("q"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, adapter.Flush(ctx), context.DeadlineExceeded)
}

func TestAdapter_CloseDrainsQueue(t *testing.T) {
	store := newRecordingStore()
	store.delay = time.Millisecond
	failures := &countingRecorder{}
	adapter := NewAdapter(AdapterConfig{Store: store, Failures: failures})

	for i := 0; i < 10; i++ {
		adapter.AppendMessage("s1", conversation.NewUserTurn("q"))
	}
	require.NoError(t, adapter.Close())
	assert.Len(t, store.messages("s1"), 10)

	adapter.AppendMessage("s1", conversation.NewUserTurn("late"))
	assert.Equal(t, 1, failures.count("append"), "appends after close are dropped")
	assert.NoError(t, adapter.Flush(context.Background()))
	assert.NoError(t, adapter.Close(), "close is idempotent")
}

func TestAdapter_CreateSession(t *testing.T) {
	store := newRecordingStore()
	publisher := &capturePublisher{}
	adapter := NewAdapter(AdapterConfig{Store: store, Publisher: publisher})
	defer adapter.Close()

	session, err := adapter.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s1", session.ID)
	assert.Equal(t, conversation.DefaultTitle, session.Title)
	assert.Equal(t, []string{events.TopicSessionCreated}, publisher.topics)

	store.createErr = errors.New("down")
	failures := &countingRecorder{}
	adapter2 := NewAdapter(AdapterConfig{Store: store, Failures: failures})
	defer adapter2.Close()
	_, err = adapter2.CreateSession(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, failures.count("create"))
}

func TestAdapter_ListSessions(t *testing.T) {
	adapter := NewAdapter(AdapterConfig{Store: newRecordingStore()})
	defer adapter.Close()

	list, err := adapter.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].ID)
	assert.Equal(t, 4, list[0].TurnCount)
}

func TestAdapter_LoadSessionConvertsAndSkipsUnknownRoles(t *testing.T) {
	store := newRecordingStore()
	store.detail = api.SessionDetail{
		SessionInfo: api.SessionInfo{ID: "s1", Title: "Deck questions", MessageCount: 3},
		Messages: []api.SessionMessage{
			{Role: "user", Content: "Who founded it?"},
			{Role: "system", Content: "ignored"},
			{Role: "assistant", Content: "Two founders.", Sources: []conversation.Citation{{DocName: "d.pdf", Page: 1}}},
		},
	}
	adapter := NewAdapter(AdapterConfig{Store: store})
	defer adapter.Close()

	session, turns, err := adapter.LoadSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Deck questions", session.Title)
	assert.Equal(t, 2, session.TurnCount)
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.RoleUser, turns[0].Role)
	assert.True(t, turns[0].Finalized)
	assert.False(t, turns[0].HasSources())
	assert.Equal(t, conversation.RoleAssistant, turns[1].Role)
	assert.True(t, turns[1].Finalized)
	assert.Equal(t, []conversation.Citation{{DocName: "d.pdf", Page: 1}}, turns[1].Sources)

	_, _, err = adapter.LoadSession(context.Background(), "other")
	assert.ErrorIs(t, err, api.ErrSessionNotFound)
}

func TestAdapter_LoadSessionSeesQueuedWrites(t *testing.T) {
	store := newLocalStore(t)
	adapter := NewAdapter(AdapterConfig{Store: store})
	defer adapter.Close()
	ctx := context.Background()

	session, err := adapter.CreateSession(ctx)
	require.NoError(t, err)
	adapter.AppendMessage(session.ID, conversation.NewUserTurn("first question"))
	answer, err := conversation.NewAssistantTurn().AppendContent("first answer")
	require.NoError(t, err)
	adapter.AppendMessage(session.ID, answer.Finalize())

	loaded, turns, err := adapter.LoadSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "first question", loaded.Title)
	require.Len(t, turns, 2)
	assert.Equal(t, "first answer", turns[1].Content)
}

func TestAdapter_DeleteSession(t *testing.T) {
	store := newRecordingStore()
	publisher := &capturePublisher{}
	failures := &countingRecorder{}
	adapter := NewAdapter(AdapterConfig{Store: store, Publisher: publisher, Failures: failures})
	defer adapter.Close()

	assert.True(t, adapter.DeleteSession(context.Background(), "s1"))
	assert.Equal(t, []string{events.TopicSessionDeleted}, publisher.topics)

	store.deleteErr = errors.New("down")
	assert.False(t, adapter.DeleteSession(context.Background(), "s1"))
	assert.Equal(t, 1, failures.count("delete"))
}
