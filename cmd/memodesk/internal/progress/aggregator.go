// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package progress

import (
	"sync"
	"time"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/events"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/observability"
	"github.com/AleutianAI/memodesk/pkg/logging"
)

// Observer receives the projection of a document after it changes.
type Observer func(Projection)

// AggregatorConfig configures an Aggregator. Every field is optional.
type AggregatorConfig struct {
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *logging.Logger
}

type document struct {
	log  []Event
	seen map[dedupKey]struct{}
	proj Projection
}

// Aggregator folds feed events and poll snapshots into per-document
// projections.
//
// # Description
//
// Keeps, per document, the ordered log of distinct events and the current
// Projection. Events replayed by a reconnected feed are recognised and not
// logged twice. When a document reaches done or error the matching topic
// is published on the event bus.
//
// # Thread Safety
//
// Safe for concurrent use. Observers run synchronously on the goroutine
// that caused the change, one change at a time, in change order.
type Aggregator struct {
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *logging.Logger
	now       func() time.Time

	mu    sync.Mutex
	docs  map[string]*document
	order []string

	notifyMu  sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	a := &Aggregator{
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
		docs:      make(map[string]*document),
		observers: make(map[int]Observer),
	}
	if a.publisher == nil {
		a.publisher = events.Discard
	}
	if a.logger == nil {
		a.logger = logging.Nop()
	}
	return a
}

// Subscribe registers obs and returns a function that removes it.
func (a *Aggregator) Subscribe(obs Observer) func() {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()
	id := a.nextObs
	a.nextObs++
	a.observers[id] = obs
	return func() {
		a.notifyMu.Lock()
		defer a.notifyMu.Unlock()
		delete(a.observers, id)
	}
}

// docLocked returns the state of id, creating it. Caller holds mu.
func (a *Aggregator) docLocked(id string) *document {
	d, ok := a.docs[id]
	if !ok {
		d = &document{seen: make(map[dedupKey]struct{}), proj: Projection{DocID: id}}
		a.docs[id] = d
		a.order = append(a.order, id)
	}
	return d
}

// Apply folds one feed event in.
//
// # Outputs
//
//   - bool: False if the event is a replay of one already logged. A new
//     event that is behind the projection is logged but does not move it.
func (a *Aggregator) Apply(ev Event) bool {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	d := a.docLocked(ev.DocID)
	key := ev.key()
	if _, dup := d.seen[key]; dup {
		a.mu.Unlock()
		return false
	}
	d.seen[key] = struct{}{}
	d.log = append(d.log, ev)

	before := d.proj.Phase
	moved := d.proj.applyEvent(ev, a.now())
	proj := d.proj
	a.mu.Unlock()

	a.metrics.ProgressEvent(string(ev.Stage))
	if !moved {
		a.logger.Debug("progress event does not advance document",
			"doc_id", ev.DocID,
			"step", ev.Stage,
			"status", ev.Status,
			"phase", proj.Phase.String(),
		)
		return true
	}

	a.changedLocked(before, proj)
	return true
}

// Reconcile merges a polled document list observed at observedAt.
//
// # Description
//
// Documents missing from docs are forgotten. Documents only in docs are
// added in the phase their status implies. For the rest the poll moves a
// projection only when it was observed after the projection's last update,
// points further along the pipeline, and the document is not already done
// or failed.
func (a *Aggregator) Reconcile(docs []api.Document, observedAt time.Time) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	type change struct {
		before Phase
		proj   Projection
	}
	var changes []change

	a.mu.Lock()
	present := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		present[doc.ID] = struct{}{}
		_, known := a.docs[doc.ID]
		d := a.docLocked(doc.ID)
		before := d.proj.Phase
		if d.proj.applySnapshot(doc, observedAt) || !known {
			changes = append(changes, change{before: before, proj: d.proj})
		}
	}
	kept := a.order[:0]
	for _, id := range a.order {
		if _, ok := present[id]; ok {
			kept = append(kept, id)
			continue
		}
		delete(a.docs, id)
	}
	a.order = kept
	a.mu.Unlock()

	for _, c := range changes {
		a.changedLocked(c.before, c.proj)
	}
}

// changedLocked notifies observers and announces terminal transitions.
// Caller holds notifyMu.
func (a *Aggregator) changedLocked(before Phase, proj Projection) {
	for _, obs := range a.observers {
		obs(proj)
	}
	if before.Terminal() || !proj.Phase.Terminal() {
		return
	}

	topic := events.TopicDocumentProcessed
	if proj.Phase == PhaseError {
		topic = events.TopicDocumentFailed
	}
	err := a.publisher.Publish(topic, events.DocumentEvent{DocID: proj.DocID, Detail: proj.Detail, At: proj.UpdatedAt})
	if err != nil {
		a.logger.Debug("event publish failed", "topic", topic, "error", err)
	}
}

// Forget drops everything known about docID.
func (a *Aggregator) Forget(docID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.docs[docID]; !ok {
		return
	}
	delete(a.docs, docID)
	for i, id := range a.order {
		if id == docID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Documents returns every projection in first-seen order.
func (a *Aggregator) Documents() []Projection {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Projection, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.docs[id].proj)
	}
	return out
}

// Projection returns the projection of docID.
func (a *Aggregator) Projection(docID string) (Projection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.docs[docID]
	if !ok {
		return Projection{}, false
	}
	return d.proj, true
}

// Log returns the distinct events of docID in arrival order.
func (a *Aggregator) Log(docID string) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.docs[docID]
	if !ok {
		return nil
	}
	return append([]Event(nil), d.log...)
}
