// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/apitest"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/events"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/observability"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/sessions"
)

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	srv     *apitest.Server
	client  *api.Client
	store   *conversation.Store
	adapter *sessions.Adapter
	ctrl    *Controller
	events  *capturePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := apitest.New(t)
	client, err := api.New(api.Config{BaseURL: srv.BaseURL(), Timeout: 5 * time.Second})
	require.NoError(t, err)

	store := conversation.NewStore()
	adapter := sessions.NewAdapter(sessions.AdapterConfig{Store: sessions.NewRemoteStore(client)})
	t.Cleanup(func() { adapter.Close() })
	pub := &capturePublisher{}

	ctrl := New(Config{
		Store:     store,
		QA:        client,
		Sessions:  adapter,
		Publisher: pub,
		Metrics:   observability.NewMetrics(),
	})
	return &harness{srv: srv, client: client, store: store, adapter: adapter, ctrl: ctrl, events: pub}
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.adapter.Flush(ctx))
}

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	last   events.SessionEvent
}

func (p *capturePublisher) Publish(topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	if ev, ok := payload.(events.SessionEvent); ok {
		p.last = ev
	}
	return nil
}

func (p *capturePublisher) snapshot() ([]string, events.SessionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...), p.last
}

// pipeQA serves the answer stream from a pipe the test writes to.
type pipeQA struct {
	mu      sync.Mutex
	readers []*io.PipeReader
	writers []*io.PipeWriter
	opened  chan int
}

func newPipeQA() *pipeQA {
	return &pipeQA{opened: make(chan int, 8)}
}

func (p *pipeQA) OpenAskStream(context.Context, api.AskRequest) (io.ReadCloser, error) {
	r, w := io.Pipe()
	p.mu.Lock()
	p.readers = append(p.readers, r)
	p.writers = append(p.writers, w)
	n := len(p.writers) - 1
	p.mu.Unlock()
	p.opened <- n
	return r, nil
}

func (p *pipeQA) Ask(context.Context, api.AskRequest) (api.AskResponse, error) {
	return api.AskResponse{}, fmt.Errorf("not supported")
}

func (p *pipeQA) writer(n int) *io.PipeWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writers[n]
}

func (p *pipeQA) waitOpened(t *testing.T) int {
	t.Helper()
	select {
	case n := <-p.opened:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not opened")
		return -1
	}
}

// recordingPersister records appends per session.
type recordingPersister struct {
	mu       sync.Mutex
	next     int
	appended map[string][]conversation.Turn
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{appended: make(map[string][]conversation.Turn)}
}

func (r *recordingPersister) CreateSession(context.Context) (conversation.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return conversation.Session{ID: fmt.Sprintf("s%d", r.next), Title: conversation.DefaultTitle}, nil
}

func (r *recordingPersister) AppendMessage(id string, turn conversation.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended[id] = append(r.appended[id], turn)
}

func (r *recordingPersister) turns(id string) []conversation.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conversation.Turn(nil), r.appended[id]...)
}

var deckCitation = conversation.Citation{DocName: "acme.pdf", Page: 4, Snippet: "ARR of $1.2M"}

// =============================================================================
// Ask
// =============================================================================

func TestAsk_StreamsAnswerIntoStoreAndPersists(t *testing.T) {
	h := newHarness(t)
	h.srv.SetAskFrames(
		apitest.Frame("answer", "Revenue "),
		apitest.Frame("answer", "is $1.2M"),
		apitest.Frame("sources", []conversation.Citation{deckCitation}),
		apitest.Frame("answer", " ARR."),
		apitest.Frame("done", nil),
	)

	var mu sync.Mutex
	var contents []string
	h.store.Subscribe(func(ch conversation.Change) {
		if ch.Kind == conversation.ChangeUpdated {
			mu.Lock()
			contents = append(contents, ch.Turn.Content)
			mu.Unlock()
		}
	})

	turn, err := h.ctrl.Ask(context.Background(), "  What is the revenue?  ", nil)
	require.NoError(t, err)

	assert.Equal(t, conversation.RoleAssistant, turn.Role)
	assert.Equal(t, "Revenue is $1.2M ARR.", turn.Content)
	assert.Equal(t, []conversation.Citation{deckCitation}, turn.Sources)
	assert.True(t, turn.Finalized)
	assert.False(t, turn.Failed)

	turns := h.store.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.NewUserTurn("What is the revenue?"), turns[0])
	assert.Equal(t, turn, turns[1])

	mu.Lock()
	assert.Equal(t, []string{"Revenue ", "Revenue is $1.2M", "Revenue is $1.2M", "Revenue is $1.2M ARR.", "Revenue is $1.2M ARR."}, contents,
		"one update per token, one for sources, one for finalize")
	mu.Unlock()

	session := h.store.Session()
	require.True(t, session.Saved())
	assert.Equal(t, "What is the revenue?", session.Title)
	assert.Equal(t, 2, session.TurnCount)

	h.flush(t)
	msgs := h.srv.Messages(session.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "What is the revenue?", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Revenue is $1.2M ARR.", msgs[1].Content)
	assert.Equal(t, []conversation.Citation{deckCitation}, msgs[1].Sources)

	info, ok := h.srv.SessionInfo(session.ID)
	require.True(t, ok)
	assert.Equal(t, "What is the revenue?", info.Title)

	topics, last := h.events.snapshot()
	assert.Contains(t, topics, events.TopicSessionUpdated)
	assert.Equal(t, session.ID, last.ID)
	assert.Equal(t, 2, last.TurnCount)
	assert.False(t, last.Detached)
}

func TestAsk_SendsScope(t *testing.T) {
	h := newHarness(t)
	h.srv.SetAskFrames(apitest.Frame("done", nil))

	_, err := h.ctrl.Ask(context.Background(), "q1", nil)
	require.NoError(t, err)
	_, err = h.ctrl.Ask(context.Background(), "q2", []string{"d1", "d2"})
	require.NoError(t, err)

	reqs := h.srv.RequestsTo(http.MethodPost, "/api/v1/qa/ask/stream")
	require.Len(t, reqs, 2)
	assert.JSONEq(t, `{"question":"q1","doc_ids":null}`, reqs[0].Body)
	assert.JSONEq(t, `{"question":"q2","doc_ids":["d1","d2"]}`, reqs[1].Body)
}

func TestAsk_TruncatedStreamFails(t *testing.T) {
	h := newHarness(t)
	h.srv.SetAskFrames(
		apitest.Frame("answer", "Partial"),
		apitest.Frame("sources", []conversation.Citation{deckCitation}),
	)

	turn, err := h.ctrl.Ask(context.Background(), "What is the burn?", nil)
	require.NoError(t, err)
	assert.Equal(t, conversation.FailureMessage, turn.Content)
	assert.True(t, turn.Finalized)
	assert.True(t, turn.Failed)
	assert.Nil(t, turn.Sources, "a failed answer cites nothing")

	turns := h.store.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, turn, turns[1])

	h.flush(t)
	msgs := h.srv.Messages(h.store.Session().ID)
	require.Len(t, msgs, 1, "failed answers are not persisted")
	assert.Equal(t, "user", msgs[0].Role)
}

func TestAsk_ServerErrorFails(t *testing.T) {
	h := newHarness(t)
	h.srv.Fail("/qa/ask/stream", http.StatusInternalServerError)

	turn, err := h.ctrl.Ask(context.Background(), "Anything?", nil)
	require.NoError(t, err)
	assert.True(t, turn.Failed)
	assert.Equal(t, conversation.FailureMessage, turn.Content)
	assert.False(t, h.ctrl.Busy(), "guard is released after a failure")
}

func TestAsk_MalformedFramesAreSkipped(t *testing.T) {
	h := newHarness(t)
	h.srv.SetAskFrames(
		apitest.Frame("answer", "A"),
		"data: {not json}\n\n",
		apitest.Frame("mystery", "x"),
		apitest.Frame("answer", "B"),
		apitest.Frame("done", nil),
	)

	turn, err := h.ctrl.Ask(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "AB", turn.Content)
	assert.False(t, turn.Failed)
	assert.False(t, turn.HasSources())
}

func TestAsk_SecondSourcesEventIgnored(t *testing.T) {
	h := newHarness(t)
	h.srv.SetAskFrames(
		apitest.Frame("sources", []conversation.Citation{deckCitation}),
		apitest.Frame("sources", []conversation.Citation{{DocName: "other.pdf", Page: 1}}),
		apitest.Frame("answer", "ok"),
		apitest.Frame("done", nil),
	)

	turn, err := h.ctrl.Ask(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, []conversation.Citation{deckCitation}, turn.Sources)
	assert.Equal(t, "ok", turn.Content)
}

func TestAsk_EmptySourcesCountAsAttached(t *testing.T) {
	h := newHarness(t)
	h.srv.SetAskFrames(
		apitest.Frame("answer", "No documents mention it."),
		"data: {\"type\": \"sources\", \"data\": []}\n\n",
		apitest.Frame("done", nil),
	)

	turn, err := h.ctrl.Ask(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.True(t, turn.HasSources())
	assert.Empty(t, turn.Sources)
}

func TestAsk_FramesAfterDoneIgnored(t *testing.T) {
	h := newHarness(t)
	h.srv.SetAskFrames(
		apitest.Frame("answer", "final"),
		apitest.Frame("done", nil),
		apitest.Frame("answer", " extra"),
	)

	turn, err := h.ctrl.Ask(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "final", turn.Content)
	assert.True(t, turn.Finalized)
}

func TestAsk_EmptyQuestion(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Ask(context.Background(), "   \n\t", nil)
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Zero(t, h.store.Len())
	assert.Empty(t, h.srv.RequestsTo(http.MethodPost, "/api/v1/qa/sessions"))
}

func TestAsk_SessionCreationFailureContinuesUnsaved(t *testing.T) {
	h := newHarness(t)
	h.srv.Fail("/qa/sessions", http.StatusInternalServerError)
	h.srv.SetAskFrames(apitest.Frame("answer", "still answered"), apitest.Frame("done", nil))

	turn, err := h.ctrl.Ask(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "still answered", turn.Content)
	assert.False(t, h.store.Session().Saved())
	assert.Len(t, h.store.Turns(), 2)

	h.flush(t)
	for _, req := range h.srv.Requests() {
		assert.False(t, strings.HasSuffix(req.Path, "/messages"), "nothing is persisted without a session")
	}
}

func TestAsk_ReusesActiveSession(t *testing.T) {
	h := newHarness(t)
	h.srv.SetAskFrames(apitest.Frame("answer", "a"), apitest.Frame("done", nil))

	_, err := h.ctrl.Ask(context.Background(), "first", nil)
	require.NoError(t, err)
	_, err = h.ctrl.Ask(context.Background(), "second", nil)
	require.NoError(t, err)

	assert.Len(t, h.srv.RequestsTo(http.MethodPost, "/api/v1/qa/sessions"), 1)
	assert.Equal(t, "first", h.store.Session().Title)

	h.flush(t)
	msgs := h.srv.Messages(h.store.Session().ID)
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{"first", "a", "second", "a"},
		[]string{msgs[0].Content, msgs[1].Content, msgs[2].Content, msgs[3].Content})
}

func TestAsk_RejectsConcurrentExchange(t *testing.T) {
	qa := newPipeQA()
	store := conversation.NewStore()
	ctrl := New(Config{Store: store, QA: qa})

	result := make(chan conversation.Turn, 1)
	go func() {
		turn, err := ctrl.Ask(context.Background(), "first", nil)
		assert.NoError(t, err)
		result <- turn
	}()
	n := qa.waitOpened(t)
	assert.True(t, ctrl.Busy())

	_, err := ctrl.Ask(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrExchangeInFlight)

	w := qa.writer(n)
	_, err = io.WriteString(w, apitest.Frame("answer", "done now")+apitest.Frame("done", nil))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	turn := <-result
	assert.Equal(t, "done now", turn.Content)
	assert.False(t, ctrl.Busy())
	assert.Len(t, store.Turns(), 2, "the rejected question left no trace")
}

func TestAsk_SessionSwitchDetachesInFlightAnswer(t *testing.T) {
	qa := newPipeQA()
	store := conversation.NewStore()
	persister := newRecordingPersister()
	pub := &capturePublisher{}
	ctrl := New(Config{Store: store, QA: qa, Sessions: persister, Publisher: pub})

	result := make(chan conversation.Turn, 1)
	go func() {
		turn, err := ctrl.Ask(context.Background(), "question in s1", nil)
		assert.NoError(t, err)
		result <- turn
	}()
	n := qa.waitOpened(t)
	w := qa.writer(n)

	_, err := io.WriteString(w, apitest.Frame("answer", "Hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		turns := store.Turns()
		return len(turns) == 2 && turns[1].Content == "Hello"
	}, 5*time.Second, 5*time.Millisecond)

	// The user switches to another session.
	other := []conversation.Turn{conversation.NewUserTurn("old question"), conversation.NewAssistantTurn().Finalize()}
	store.ReplaceAll(conversation.Session{ID: "s9", Title: "old"}, other)
	assert.False(t, ctrl.Busy(), "the new conversation is not blocked")

	_, err = io.WriteString(w, apitest.Frame("answer", " world")+apitest.Frame("done", nil))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	turn := <-result
	assert.Equal(t, "Hello world", turn.Content)
	assert.True(t, turn.Finalized)

	assert.Equal(t, other, store.Turns(), "the new conversation never sees the old answer")
	assert.Equal(t, "s9", store.Session().ID)

	persisted := persister.turns("s1")
	require.Len(t, persisted, 2, "the answer is persisted to the session it was asked in")
	assert.Equal(t, "question in s1", persisted[0].Content)
	assert.Equal(t, "Hello world", persisted[1].Content)
	assert.Empty(t, persister.turns("s9"))

	_, last := pub.snapshot()
	assert.Equal(t, "s1", last.ID)
	assert.True(t, last.Detached, "the update announces an answer that is no longer shown")
}

// gatedPersister blocks CreateSession until release is closed.
type gatedPersister struct {
	*recordingPersister
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPersister) CreateSession(ctx context.Context) (conversation.Session, error) {
	close(g.entered)
	<-g.release
	return g.recordingPersister.CreateSession(ctx)
}

func TestAsk_SessionSwitchDuringSessionCreation(t *testing.T) {
	qa := newPipeQA()
	store := conversation.NewStore()
	persister := &gatedPersister{
		recordingPersister: newRecordingPersister(),
		entered:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	ctrl := New(Config{Store: store, QA: qa, Sessions: persister})

	result := make(chan conversation.Turn, 1)
	go func() {
		turn, err := ctrl.Ask(context.Background(), "question in abandoned exchange", nil)
		assert.NoError(t, err)
		result <- turn
	}()

	select {
	case <-persister.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("session creation was not started")
	}
	other := []conversation.Turn{conversation.NewUserTurn("old question")}
	store.ReplaceAll(conversation.Session{ID: "s9", Title: "old"}, other)
	close(persister.release)

	w := qa.writer(qa.waitOpened(t))
	_, err := io.WriteString(w, apitest.Frame("answer", "detached")+apitest.Frame("done", nil))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	turn := <-result
	assert.Equal(t, "detached", turn.Content)
	assert.True(t, turn.Finalized)

	assert.Equal(t, other, store.Turns())
	assert.Equal(t, "s9", store.Session().ID)

	persisted := persister.turns("s1")
	require.Len(t, persisted, 2, "the exchange persists to the session it created")
	assert.Equal(t, "question in abandoned exchange", persisted[0].Content)
	assert.Equal(t, "detached", persisted[1].Content)
}

func TestAsk_NewSessionCanAskWhileOldAnswerStreams(t *testing.T) {
	qa := newPipeQA()
	store := conversation.NewStore()
	ctrl := New(Config{Store: store, QA: qa})

	first := make(chan conversation.Turn, 1)
	go func() {
		turn, _ := ctrl.Ask(context.Background(), "old", nil)
		first <- turn
	}()
	n1 := qa.waitOpened(t)

	store.Reset()

	second := make(chan conversation.Turn, 1)
	go func() {
		turn, err := ctrl.Ask(context.Background(), "new", nil)
		assert.NoError(t, err)
		second <- turn
	}()
	n2 := qa.waitOpened(t)

	w2 := qa.writer(n2)
	_, err := io.WriteString(w2, apitest.Frame("answer", "fresh")+apitest.Frame("done", nil))
	require.NoError(t, err)
	require.NoError(t, w2.Close())
	assert.Equal(t, "fresh", (<-second).Content)

	w1 := qa.writer(n1)
	require.NoError(t, w1.CloseWithError(io.ErrUnexpectedEOF))
	assert.True(t, (<-first).Failed)

	turns := store.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "new", turns[0].Content)
	assert.Equal(t, "fresh", turns[1].Content)
}

func TestAsk_ContextCancelledFails(t *testing.T) {
	qa := newPipeQA()
	store := conversation.NewStore()
	ctrl := New(Config{Store: store, QA: qa})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan conversation.Turn, 1)
	go func() {
		turn, _ := ctrl.Ask(ctx, "q", nil)
		result <- turn
	}()
	n := qa.waitOpened(t)
	cancel()
	// An HTTP body unblocks on cancel; the pipe needs closing by hand.
	require.NoError(t, qa.writer(n).CloseWithError(context.Canceled))

	turn := <-result
	assert.True(t, turn.Failed)
	assert.Equal(t, conversation.FailureMessage, store.Turns()[1].Content)
}

// =============================================================================
// AskOnce
// =============================================================================

func TestAskOnce(t *testing.T) {
	h := newHarness(t)
	h.srv.SetAskAnswer(api.AskResponse{Answer: "Two founders.", Sources: []conversation.Citation{deckCitation}})

	turn, err := h.ctrl.AskOnce(context.Background(), "Who founded it?", []string{"d1"})
	require.NoError(t, err)
	assert.Equal(t, "Two founders.", turn.Content)
	assert.Equal(t, []conversation.Citation{deckCitation}, turn.Sources)
	assert.True(t, turn.Finalized)

	h.flush(t)
	msgs := h.srv.Messages(h.store.Session().ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Two founders.", msgs[1].Content)

	reqs := h.srv.RequestsTo(http.MethodPost, "/api/v1/qa/ask")
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"question":"Who founded it?","doc_ids":["d1"]}`, reqs[0].Body)
}

func TestAskOnce_Failure(t *testing.T) {
	h := newHarness(t)
	h.srv.Fail("/qa/ask", http.StatusBadGateway)

	turn, err := h.ctrl.AskOnce(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.True(t, turn.Failed)
	assert.Equal(t, conversation.FailureMessage, turn.Content)
}
