// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package exchange drives one question/answer exchange against the
// service and applies it to the conversation.
//
// # Architecture
//
//	Controller.Ask
//	   │ 1. ensure session ───────────────► sessions.Adapter.CreateSession
//	   │ 2. append user + empty assistant ► conversation.Store
//	   │ 3. persist user turn ────────────► sessions.Adapter.AppendMessage
//	   │ 4. open answer stream ───────────► api.Client.OpenAskStream
//	   │ 5. token / sources / done ───────► stream.Decoder ► Store.Update
//	   │ 6. persist final answer ─────────► sessions.Adapter.AppendMessage
//	   ▼
//	final assistant turn
//
// The assistant turn is a local value that is pushed into the store after
// every event. If the user switches sessions mid-answer the store's epoch
// moves on, Store.Update starts returning false, and the exchange keeps
// going against its own copy: the answer is still persisted to the session
// it was asked in, but never shown in the new one.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/events"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/observability"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/stream"
	"github.com/AleutianAI/memodesk/pkg/logging"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptyQuestion is returned for questions that are blank after trimming.
	ErrEmptyQuestion = errors.New("question is empty")

	// ErrExchangeInFlight is returned when the conversation already has an
	// unfinished exchange.
	ErrExchangeInFlight = errors.New("an answer is still streaming")

	// errStreamDone stops decoding once the done event has been applied.
	errStreamDone = errors.New("stream done")

	// errStreamEnded is the transport failure for a stream that ended
	// without a done event.
	errStreamEnded = errors.New("stream ended before done")
)

// =============================================================================
// INTERFACES
// =============================================================================

// QA is the part of api.Client the controller uses.
type QA interface {
	OpenAskStream(ctx context.Context, req api.AskRequest) (io.ReadCloser, error)
	Ask(ctx context.Context, req api.AskRequest) (api.AskResponse, error)
}

// Persister is the part of sessions.Adapter the controller uses.
type Persister interface {
	CreateSession(ctx context.Context) (conversation.Session, error)
	AppendMessage(sessionID string, turn conversation.Turn)
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Config wires a Controller. Store and QA are required.
type Config struct {
	Store     *conversation.Store
	QA        QA
	Sessions  Persister
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Tracer    trace.Tracer
	Logger    *logging.Logger
}

// Controller runs exchanges for one conversation store.
//
// # Thread Safety
//
// Safe for concurrent use. At most one exchange runs per store epoch;
// a concurrent Ask in the same epoch fails with ErrExchangeInFlight.
type Controller struct {
	store     *conversation.Store
	qa        QA
	sessions  Persister
	publisher events.Publisher
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *logging.Logger

	mu       sync.Mutex
	inFlight map[uint64]struct{}
}

// New creates a Controller.
func New(cfg Config) *Controller {
	c := &Controller{
		store:     cfg.Store,
		qa:        cfg.QA,
		sessions:  cfg.Sessions,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		inFlight:  make(map[uint64]struct{}),
	}
	if c.publisher == nil {
		c.publisher = events.Discard
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	if c.logger == nil {
		c.logger = logging.Nop()
	}
	return c
}

// Busy reports whether the current conversation has an unfinished exchange.
func (c *Controller) Busy() bool {
	epoch := c.store.Epoch()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[epoch]
	return ok
}

// Ask asks question over the streaming endpoint and applies the answer to
// the conversation as it arrives.
//
// # Description
//
// Creates a session if the conversation has none (a creation failure is
// logged and the exchange continues unsaved), appends the user turn and an
// empty assistant turn, persists the user turn, and streams the answer into
// the assistant turn one event at a time. On done the answer is finalized
// and persisted. Any transport failure (request error, non-200 status, read
// error, end of stream before done) replaces the answer with
// conversation.FailureMessage, finalizes it as failed and skips persisting
// it.
//
// # Inputs
//
//   - ctx: Bounds the exchange. Cancelling it fails the answer.
//   - question: Asked verbatim after trimming.
//   - scope: Document ids to search. Nil searches every document.
//
// # Outputs
//
//   - conversation.Turn: The final assistant turn. Transport failures are
//     reported here through Failed, not as an error.
//   - error: ErrEmptyQuestion or ErrExchangeInFlight.
func (c *Controller) Ask(ctx context.Context, question string, scope []string) (conversation.Turn, error) {
	return c.run(ctx, question, scope, "exchange.Ask", c.streamAnswer)
}

// AskOnce asks question over the non-streaming endpoint. The answer is
// applied to the conversation in one update; otherwise it behaves like Ask.
func (c *Controller) AskOnce(ctx context.Context, question string, scope []string) (conversation.Turn, error) {
	return c.run(ctx, question, scope, "exchange.AskOnce", c.fetchAnswer)
}

// =============================================================================
// EXCHANGE
// =============================================================================

// exchange is the state of one running exchange.
type exchange struct {
	ctx       context.Context
	request   api.AskRequest
	handle    conversation.Handle
	turn      conversation.Turn
	started   time.Time
	gotToken  bool
	tokens    int
	sessionID string
}

// apply pushes the current turn into the store. A stale handle means the
// conversation was replaced; the exchange then only updates its own copy.
func (c *Controller) apply(ex *exchange) {
	if !c.store.Update(ex.handle, ex.turn) {
		c.logger.Debug("conversation replaced, answer continues detached",
			"session_id", ex.sessionID,
		)
	}
}

type answerFunc func(ex *exchange) (completed bool, err error)

func (c *Controller) run(ctx context.Context, question string, scope []string, spanName string, answer answerFunc) (conversation.Turn, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return conversation.Turn{}, ErrEmptyQuestion
	}

	epoch := c.store.Epoch()
	c.mu.Lock()
	if _, busy := c.inFlight[epoch]; busy {
		c.mu.Unlock()
		return conversation.Turn{}, ErrExchangeInFlight
	}
	c.inFlight[epoch] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, epoch)
		c.mu.Unlock()
	}()

	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.Int("question.length", len(question)),
		attribute.Int("scope.documents", len(scope)),
	))
	defer span.End()

	session := c.ensureSession(ctx, epoch)
	span.SetAttributes(attribute.String("session.id", session.ID))

	// Session creation may have blocked; if the conversation was replaced
	// meanwhile, the exchange starts detached and only persists.
	user := conversation.NewUserTurn(question)
	handles, attached := c.store.AppendTurnsIn(epoch, user, conversation.NewAssistantTurn())
	if !attached {
		c.logger.Debug("conversation replaced before the question was shown, answer runs detached",
			"session_id", session.ID,
		)
	}
	firstQuestion := attached && handles[0].Index() == 0
	ex := &exchange{
		ctx:       ctx,
		request:   api.AskRequest{Question: question, DocIDs: scope},
		handle:    handles[1],
		turn:      conversation.NewAssistantTurn(),
		started:   time.Now(),
		sessionID: session.ID,
	}
	c.persist(session.ID, user)

	if firstQuestion && session.Saved() && session.Title == conversation.DefaultTitle {
		session.Title = conversation.TitleFromQuestion(question)
		if c.store.Epoch() == epoch {
			c.store.SetSession(session)
		}
	}

	completed, err := answer(ex)
	if completed {
		ex.turn = ex.turn.Finalize()
		c.apply(ex)
		c.persist(session.ID, ex.turn)
		c.metrics.ExchangeFinished(observability.OutcomeCompleted, time.Since(ex.started))
		span.SetAttributes(attribute.Int("answer.tokens", ex.tokens), attribute.Int("answer.sources", len(ex.turn.Sources)))
	} else {
		c.logger.Warn("exchange failed",
			"session_id", session.ID,
			"tokens", ex.tokens,
			"error", err,
		)
		observability.RecordError(span, err)
		ex.turn = ex.turn.Fail(conversation.FailureMessage)
		c.apply(ex)
		c.metrics.ExchangeFinished(observability.OutcomeFailed, time.Since(ex.started))
	}

	c.touchSession(epoch, session)
	return ex.turn, nil
}

// ensureSession returns the active session, creating one when the
// conversation has never been saved.
func (c *Controller) ensureSession(ctx context.Context, epoch uint64) conversation.Session {
	session := c.store.Session()
	if session.Saved() || c.sessions == nil {
		return session
	}

	created, err := c.sessions.CreateSession(ctx)
	if err != nil {
		c.logger.Warn("could not create session, continuing unsaved", "error", err)
		return session
	}
	if c.store.Epoch() == epoch {
		c.store.SetSession(created)
	}
	return created
}

func (c *Controller) persist(sessionID string, turn conversation.Turn) {
	if c.sessions == nil || sessionID == "" {
		return
	}
	c.sessions.AppendMessage(sessionID, turn)
}

// touchSession bumps the session's update time in the store, if the
// conversation is still the one the exchange ran in, and announces it.
func (c *Controller) touchSession(epoch uint64, session conversation.Session) {
	if !session.Saved() {
		return
	}
	detached := c.store.Epoch() != epoch
	if !detached {
		current := c.store.Session()
		current.UpdatedAt = time.Now()
		c.store.SetSession(current)
		session = c.store.Session()
	}
	err := c.publisher.Publish(events.TopicSessionUpdated, events.SessionEvent{
		ID:        session.ID,
		Title:     session.Title,
		TurnCount: session.TurnCount,
		Detached:  detached,
		At:        time.Now(),
	})
	if err != nil {
		c.logger.Debug("event publish failed", "topic", events.TopicSessionUpdated, "error", err)
	}
}

// =============================================================================
// ANSWER SOURCES
// =============================================================================

// streamAnswer reads the answer stream into ex.turn.
func (c *Controller) streamAnswer(ex *exchange) (bool, error) {
	body, err := c.qa.OpenAskStream(ex.ctx, ex.request)
	if err != nil {
		return false, fmt.Errorf("open answer stream: %w", err)
	}
	defer body.Close()

	decoder := stream.NewDecoder(stream.WithDropHandler(func(payload []byte, err error) {
		c.logger.Debug("dropping malformed frame", "payload", string(payload), "error", err)
	}))
	defer func() { c.metrics.DroppedFrames(decoder.Dropped()) }()

	err = decoder.Decode(ex.ctx, body, func(ev stream.Event) error {
		return c.applyEvent(ex, ev)
	})
	switch {
	case errors.Is(err, errStreamDone):
		return true, nil
	case err != nil:
		return false, err
	default:
		return false, errStreamEnded
	}
}

// applyEvent applies one stream event to ex.turn and pushes it to the store.
func (c *Controller) applyEvent(ex *exchange, ev stream.Event) error {
	switch ev.Kind {
	case stream.EventToken:
		if !ex.gotToken {
			ex.gotToken = true
			c.metrics.FirstToken(time.Since(ex.started))
		}
		turn, err := ex.turn.AppendContent(ev.Text)
		if err != nil {
			return err
		}
		ex.turn = turn
		ex.tokens++
		c.metrics.Token()
		c.apply(ex)

	case stream.EventSources:
		turn, err := ex.turn.AttachSources(ev.Sources)
		if errors.Is(err, conversation.ErrSourcesAttached) {
			c.logger.Warn("ignoring repeated sources event", "session_id", ex.sessionID)
			return nil
		}
		if err != nil {
			return err
		}
		ex.turn = turn
		c.apply(ex)

	case stream.EventDone:
		return errStreamDone
	}
	return nil
}

// fetchAnswer asks over the non-streaming endpoint.
func (c *Controller) fetchAnswer(ex *exchange) (bool, error) {
	resp, err := c.qa.Ask(ex.ctx, ex.request)
	if err != nil {
		return false, fmt.Errorf("ask: %w", err)
	}
	turn, err := ex.turn.AppendContent(resp.Answer)
	if err != nil {
		return false, err
	}
	turn, err = turn.AttachSources(resp.Sources)
	if err != nil {
		return false, err
	}
	ex.turn = turn
	ex.tokens = 1
	return true, nil
}
