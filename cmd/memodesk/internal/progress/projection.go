// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package progress tracks the asynchronous processing of uploaded
// documents.
//
// # Architecture
//
//	GET /documents/progress/stream ──► Feed ──┐
//	                                          ├──► Aggregator ──► observers, event bus
//	GET /documents (every 5s) ──────► Poller ─┘
//
// The service processes each document through upload, text extraction,
// embedding and structured extraction, reporting every step on the
// progress feed. The feed replays every event on each connection and
// closes after a long idle period, so the Feed reconnects forever and the
// Aggregator drops replayed duplicates. The Poller's snapshot is the
// backstop for anything the feed missed.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
)

// =============================================================================
// Events
// =============================================================================

// Stage is a processing step.
type Stage string

const (
	StageUpload         Stage = "upload"
	StageTextExtraction Stage = "text_extraction"
	StageEmbedding      Stage = "embedding"
	StageAIExtraction   Stage = "ai_extraction"
	StageDone           Stage = "done"
	StageError          Stage = "error"
)

// stageOrder ranks stages along the pipeline. StageError is absent: it
// is reachable from every stage.
var stageOrder = map[Stage]int{
	StageUpload:         1,
	StageTextExtraction: 2,
	StageEmbedding:      3,
	StageAIExtraction:   4,
	StageDone:           5,
}

// Stages lists the pipeline stages in order.
func Stages() []Stage {
	return []Stage{StageUpload, StageTextExtraction, StageEmbedding, StageAIExtraction, StageDone}
}

// Label is the human name of a stage.
func (s Stage) Label() string {
	switch s {
	case StageUpload:
		return "Upload"
	case StageTextExtraction:
		return "Text extraction"
	case StageEmbedding:
		return "Embedding"
	case StageAIExtraction:
		return "AI extraction"
	case StageDone:
		return "Done"
	case StageError:
		return "Error"
	default:
		return string(s)
	}
}

// Status is the state of a stage.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Event is one message of the progress feed.
type Event struct {
	DocID     string        `json:"doc_id"`
	Stage     Stage         `json:"step"`
	Status    Status        `json:"status"`
	Detail    string        `json:"detail"`
	Progress  int           `json:"progress"`
	Timestamp api.Timestamp `json:"timestamp"`
}

// ErrMalformedEvent is returned by ParseEvent for unusable payloads.
var ErrMalformedEvent = errors.New("malformed progress event")

// ParseEvent decodes one feed payload. Progress is clamped to 0-100.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.DocID == "" {
		return Event{}, fmt.Errorf("%w: missing doc_id", ErrMalformedEvent)
	}
	if _, known := stageOrder[ev.Stage]; !known && ev.Stage != StageError {
		return Event{}, fmt.Errorf("%w: unknown step %q", ErrMalformedEvent, ev.Stage)
	}
	switch ev.Status {
	case StatusStarted, StatusCompleted, StatusError:
	default:
		return Event{}, fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, ev.Status)
	}
	ev.Progress = clampPercent(ev.Progress)
	return ev, nil
}

func (e Event) failed() bool {
	return e.Stage == StageError || e.Status == StatusError
}

// rank orders events along the pipeline: by stage, then started before
// completed.
func (e Event) rank() int {
	r := stageOrder[e.Stage] * 2
	if e.Status == StatusCompleted {
		r++
	}
	return r
}

// dedupKey identifies an event across feed replays.
type dedupKey struct {
	stage     Stage
	status    Status
	timestamp int64
	detail    string
	progress  int
}

func (e Event) key() dedupKey {
	var ts int64
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.UnixNano()
	}
	return dedupKey{stage: e.Stage, status: e.Status, timestamp: ts, detail: e.Detail, progress: e.Progress}
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// =============================================================================
// Projection
// =============================================================================

// Phase is the coarse state of a document.
type Phase int

const (
	PhaseQueued Phase = iota
	PhaseUploaded
	PhaseProcessing
	PhaseDone
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseQueued:
		return "queued"
	case PhaseUploaded:
		return "uploaded"
	case PhaseProcessing:
		return "processing"
	case PhaseDone:
		return "done"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether no later event can move the phase.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

func phaseForStage(s Stage) Phase {
	switch s {
	case StageUpload:
		return PhaseUploaded
	case StageTextExtraction, StageEmbedding, StageAIExtraction:
		return PhaseProcessing
	case StageDone:
		return PhaseDone
	default:
		return PhaseError
	}
}

func phaseForStatus(s api.DocumentStatus) Phase {
	switch s {
	case api.StatusUploaded:
		return PhaseUploaded
	case api.StatusProcessing:
		return PhaseProcessing
	case api.StatusProcessed:
		return PhaseDone
	case api.StatusFailed:
		return PhaseError
	default:
		return PhaseQueued
	}
}

// Projection is the current view of one document.
//
// Phase only moves forward; PhaseError is reachable from every non-terminal
// phase and absorbs everything after it. Percent is the highest progress
// reported, frozen when the document fails.
type Projection struct {
	DocID     string
	Name      string
	Phase     Phase
	Stage     Stage
	Status    Status
	Detail    string
	Percent   int
	UpdatedAt time.Time

	rank int
}

// applyEvent moves p by ev observed at at. It returns false when ev is
// at or behind the current position.
func (p *Projection) applyEvent(ev Event, at time.Time) bool {
	if p.Phase.Terminal() {
		return false
	}

	if ev.failed() {
		p.Phase = PhaseError
		p.Stage = ev.Stage
		p.Status = StatusError
		p.Detail = ev.Detail
		p.UpdatedAt = at
		return true
	}

	r := ev.rank()
	if r <= p.rank {
		return false
	}
	p.rank = r
	p.Phase = phaseForStage(ev.Stage)
	p.Stage = ev.Stage
	p.Status = ev.Status
	p.Detail = ev.Detail
	if ev.Progress > p.Percent {
		p.Percent = ev.Progress
	}
	if p.Phase == PhaseDone {
		p.Percent = 100
	}
	p.UpdatedAt = at
	return true
}

// applySnapshot moves p to the phase a poll observed at at. The poll
// loses to anything observed later and never moves p backwards or out of
// a terminal phase.
func (p *Projection) applySnapshot(doc api.Document, at time.Time) bool {
	if name := doc.DisplayName(); name != "" {
		p.Name = name
	}
	if p.Phase.Terminal() || at.Before(p.UpdatedAt) {
		return false
	}

	phase := phaseForStatus(doc.Status)
	if phase <= p.Phase {
		return false
	}

	p.Phase = phase
	p.UpdatedAt = at
	switch phase {
	case PhaseDone:
		p.Stage = StageDone
		p.Status = StatusCompleted
		p.Percent = 100
		p.rank = StageDone.rankCompleted()
	case PhaseError:
		p.Stage = StageError
		p.Status = StatusError
		p.Detail = doc.ErrorMessage
	case PhaseUploaded:
		p.Stage = StageUpload
		p.Status = StatusCompleted
		p.rank = StageUpload.rankCompleted()
	case PhaseProcessing:
		// The poll does not say which step is running; any upload event
		// arriving later is behind it.
		if floor := StageUpload.rankCompleted(); p.rank < floor {
			p.rank = floor
		}
	}
	return true
}

func (s Stage) rankCompleted() int {
	return stageOrder[s]*2 + 1
}
