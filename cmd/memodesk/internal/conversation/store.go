// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"errors"
	"sync"
)

// ErrNoTurns is returned by UpdateLastTurn on an empty conversation.
var ErrNoTurns = errors.New("conversation has no turns")

// =============================================================================
// Change Notifications
// =============================================================================

// ChangeKind describes what a Change did to the store.
type ChangeKind int

const (
	// ChangeAppended means Turn was appended at Index.
	ChangeAppended ChangeKind = iota + 1

	// ChangeUpdated means the turn at Index was replaced by Turn.
	ChangeUpdated

	// ChangeReplaced means the whole conversation was swapped (session
	// switch or reset). Turns holds the new contents.
	ChangeReplaced

	// ChangeSession means only the session metadata changed.
	ChangeSession
)

// Change is delivered to observers after each mutation.
//
// Turn and Turns are copies owned by the observer.
type Change struct {
	Kind    ChangeKind
	Epoch   uint64
	Index   int
	Turn    Turn
	Turns   []Turn
	Session Session
}

// Observer receives store changes.
type Observer func(Change)

// Handle identifies a turn appended in a particular epoch.
type Handle struct {
	epoch uint64
	index int
}

// Epoch returns the epoch the turn was appended in.
func (h Handle) Epoch() uint64 { return h.epoch }

// Index returns the position of the turn in its conversation.
func (h Handle) Index() int { return h.index }

// =============================================================================
// Store
// =============================================================================

// Store owns the ordered turns and metadata of the active session.
//
// # Description
//
// Every mutation replaces whole turns. Readers only ever get copies, so a
// renderer can never observe a turn that is being modified.
//
// Each ReplaceAll or Reset starts a new epoch. Handles from an earlier
// epoch are stale: Update with a stale handle reports false and changes
// nothing. An exchange that was streaming into the previous session keeps
// working on its own copy of the turn and never reaches the new session.
//
// # Thread Safety
//
// Safe for concurrent use. Observers are called synchronously, in mutation
// order, by the goroutine that performed the mutation, and must not call
// back into the store.
type Store struct {
	mu      sync.RWMutex
	session Session
	turns   []Turn
	epoch   uint64

	// notifyMu serializes observer calls so they see mutations in order
	notifyMu  sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// NewStore returns an empty store with no active session.
func NewStore() *Store {
	return &Store{
		session:   Session{Title: DefaultTitle},
		observers: make(map[int]Observer),
	}
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Store) Subscribe(obs Observer) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	id := s.nextObs
	s.nextObs++
	s.observers[id] = obs
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.observers, id)
	}
}

// AppendTurn appends turn and returns its handle.
func (s *Store) AppendTurn(turn Turn) Handle {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	turn = turn.Clone()
	s.turns = append(s.turns, turn)
	s.session.TurnCount = len(s.turns)
	h := Handle{epoch: s.epoch, index: len(s.turns) - 1}
	change := Change{Kind: ChangeAppended, Epoch: s.epoch, Index: h.index, Turn: turn.Clone(), Session: s.session}
	s.mu.Unlock()

	s.notifyLocked(change)
	return h
}

// AppendTurnsIn appends turns in order, as one mutation, if the store is
// still in epoch.
//
// # Description
//
// An exchange records the epoch before it may block (session creation,
// network) and appends its turns through AppendTurnsIn afterwards. If the
// conversation was replaced in between, nothing is appended and the
// returned handles are stale, so every later Update on them reports false.
//
// # Outputs
//
//   - []Handle: One handle per turn, in order.
//   - bool: False when epoch is no longer current.
func (s *Store) AppendTurnsIn(epoch uint64, turns ...Turn) ([]Handle, bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	handles := make([]Handle, len(turns))
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		for i := range handles {
			handles[i] = Handle{epoch: epoch, index: -1}
		}
		return handles, false
	}
	changes := make([]Change, len(turns))
	for i, turn := range turns {
		turn = turn.Clone()
		s.turns = append(s.turns, turn)
		handles[i] = Handle{epoch: s.epoch, index: len(s.turns) - 1}
		changes[i] = Change{Kind: ChangeAppended, Epoch: s.epoch, Index: handles[i].index, Turn: turn.Clone()}
	}
	s.session.TurnCount = len(s.turns)
	for i := range changes {
		changes[i].Session = s.session
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.notifyLocked(change)
	}
	return handles, true
}

// Update replaces the turn identified by h.
//
// Returns false, leaving the store untouched, when h belongs to an earlier
// epoch.
func (s *Store) Update(h Handle, turn Turn) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if h.epoch != s.epoch || h.index < 0 || h.index >= len(s.turns) {
		s.mu.Unlock()
		return false
	}
	turn = turn.Clone()
	s.turns[h.index] = turn
	change := Change{Kind: ChangeUpdated, Epoch: s.epoch, Index: h.index, Turn: turn.Clone(), Session: s.session}
	s.mu.Unlock()

	s.notifyLocked(change)
	return true
}

// UpdateLastTurn replaces the most recently appended turn.
func (s *Store) UpdateLastTurn(turn Turn) error {
	s.mu.RLock()
	h := Handle{epoch: s.epoch, index: len(s.turns) - 1}
	s.mu.RUnlock()

	if h.index < 0 {
		return ErrNoTurns
	}
	if !s.Update(h, turn) {
		// the conversation was swapped between the read and the write
		return ErrNoTurns
	}
	return nil
}

// ReplaceAll swaps in session and turns, starting a new epoch.
//
// The turn count of session is set from turns.
func (s *Store) ReplaceAll(session Session, turns []Turn) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.epoch++
	s.turns = cloneTurns(turns)
	session.TurnCount = len(s.turns)
	if session.Title == "" {
		session.Title = DefaultTitle
	}
	s.session = session
	change := Change{Kind: ChangeReplaced, Epoch: s.epoch, Index: -1, Turns: cloneTurns(s.turns), Session: s.session}
	s.mu.Unlock()

	s.notifyLocked(change)
}

// Reset clears the conversation and leaves no active session.
func (s *Store) Reset() {
	s.ReplaceAll(Session{}, nil)
}

// SetSession updates session metadata without touching the turns or the
// epoch. It is how a lazily created session gets its id and how the title
// is filled in after the first question.
func (s *Store) SetSession(session Session) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	session.TurnCount = len(s.turns)
	if session.Title == "" {
		session.Title = DefaultTitle
	}
	s.session = session
	change := Change{Kind: ChangeSession, Epoch: s.epoch, Index: -1, Session: s.session}
	s.mu.Unlock()

	s.notifyLocked(change)
}

// Session returns the active session metadata.
func (s *Store) Session() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Turns returns a copy of the turns of the active session.
func (s *Store) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTurns(s.turns)
}

// Len returns the number of turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Epoch returns the current epoch.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Stale reports whether h belongs to an earlier epoch.
func (s *Store) Stale(h Handle) bool {
	return h.epoch != s.Epoch()
}

// notifyLocked runs observers. Caller holds notifyMu.
func (s *Store) notifyLocked(change Change) {
	for _, obs := range s.observers {
		c := change
		c.Turn = change.Turn.Clone()
		c.Turns = cloneTurns(change.Turns)
		obs(c)
	}
}

func cloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}
