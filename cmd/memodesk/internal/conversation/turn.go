// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation holds the client-side model of a Q&A conversation
// and the store that owns the ordered turns of the active session.
//
// Turns are values. Every change produces a new Turn which replaces the
// old one in the Store as a whole, so observers never see a turn that is
// half-way through a mutation.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrTurnFinalized is returned when mutating a finalized turn.
	ErrTurnFinalized = errors.New("turn is finalized")

	// ErrSourcesAttached is returned when sources are attached a second time.
	ErrSourcesAttached = errors.New("sources already attached")

	// ErrUnknownRole is returned when parsing a role string other than
	// "user" or "assistant".
	ErrUnknownRole = errors.New("unknown role")
)

// FailureMessage replaces the content of an assistant turn whose exchange
// failed in transport.
const FailureMessage = "Sorry, something went wrong. Please try again."

// DefaultTitle is the title of a session before its first question.
const DefaultTitle = "New Chat"

// titleLimit is the number of runes of the first question kept in a title.
const titleLimit = 50

// =============================================================================
// Role
// =============================================================================

// Role identifies who authored a turn.
type Role int

const (
	// RoleUser marks a question typed by the user.
	RoleUser Role = iota + 1

	// RoleAssistant marks a streamed answer.
	RoleAssistant
)

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole maps a wire name to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// MarshalJSON encodes the role as its wire name.
func (r Role) MarshalJSON() ([]byte, error) {
	if r != RoleUser && r != RoleAssistant {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, int(r))
	}
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a wire name into a Role.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// =============================================================================
// Citation
// =============================================================================

// Citation is one source reference attached to an assistant answer.
type Citation struct {
	DocName string `json:"doc_name"`
	Page    int    `json:"page"`
	Snippet string `json:"snippet"`
}

// String renders the citation the way answers reference it inline.
func (c Citation) String() string {
	return fmt.Sprintf("[%s, Page %d]", c.DocName, c.Page)
}

// =============================================================================
// Turn
// =============================================================================

// Turn is one message in a conversation.
//
// # Description
//
// Content only grows while the turn is unfinalized. Sources are attached
// at most once, as a whole list. Once Finalized is set, neither changes.
// A nil Sources means no sources were attached; an empty non-nil slice
// means the service reported none.
//
// # Thread Safety
//
// Turn is a value type. The mutating methods return a modified copy and
// leave the receiver untouched; Sources slices are copied on attach.
type Turn struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Sources   []Citation `json:"sources,omitempty"`
	Finalized bool       `json:"finalized"`
	Failed    bool       `json:"failed,omitempty"`
}

// NewUserTurn returns a finalized user turn holding question.
func NewUserTurn(question string) Turn {
	return Turn{Role: RoleUser, Content: question, Finalized: true}
}

// NewAssistantTurn returns the empty, unfinalized placeholder an answer
// streams into.
func NewAssistantTurn() Turn {
	return Turn{Role: RoleAssistant}
}

// HasSources reports whether sources have been attached.
func (t Turn) HasSources() bool {
	return t.Sources != nil
}

// AppendContent returns t with fragment appended to its content.
func (t Turn) AppendContent(fragment string) (Turn, error) {
	if t.Finalized {
		return t, ErrTurnFinalized
	}
	t.Content += fragment
	return t, nil
}

// AttachSources returns t with sources set to a copy of list.
//
// A nil list is treated as an empty one so that attaching is observable.
func (t Turn) AttachSources(list []Citation) (Turn, error) {
	if t.Finalized {
		return t, ErrTurnFinalized
	}
	if t.HasSources() {
		return t, ErrSourcesAttached
	}
	sources := make([]Citation, len(list))
	copy(sources, list)
	t.Sources = sources
	return t, nil
}

// Finalize returns t marked finalized. Finalizing twice is a no-op.
func (t Turn) Finalize() Turn {
	t.Finalized = true
	return t
}

// Fail returns t finalized in the error state with its content replaced
// by message. Sources that arrived before the failure are dropped.
func (t Turn) Fail(message string) Turn {
	if t.Finalized {
		return t
	}
	t.Content = message
	t.Sources = nil
	t.Finalized = true
	t.Failed = true
	return t
}

// Clone returns a deep copy of t.
func (t Turn) Clone() Turn {
	if t.Sources != nil {
		sources := make([]Citation, len(t.Sources))
		copy(sources, t.Sources)
		t.Sources = sources
	}
	return t
}

// =============================================================================
// Session
// =============================================================================

// Session is the metadata of a conversation held by the external store.
//
// An empty ID means the conversation has not been saved (creation failed
// or no question has been asked yet).
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"message_count"`
}

// Saved reports whether the session has an id from the external store.
func (s Session) Saved() bool {
	return s.ID != ""
}

// TitleFromQuestion derives a session title from the first question:
// the first 50 runes, followed by "..." when the question is longer.
func TitleFromQuestion(question string) string {
	if utf8.RuneCountInString(question) <= titleLimit {
		return question
	}
	runes := []rune(question)
	return string(runes[:titleLimit]) + "..."
}
