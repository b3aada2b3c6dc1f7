// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Turn Tests
// =============================================================================

func TestTurn_AppendContent(t *testing.T) {
	turn := NewAssistantTurn()

	turn, err := turn.AppendContent("Hello")
	require.NoError(t, err)
	turn, err = turn.AppendContent(", world")
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", turn.Content)

	final := turn.Finalize()
	_, err = final.AppendContent("!")
	assert.ErrorIs(t, err, ErrTurnFinalized)
	assert.Equal(t, "Hello, world", final.Content)
}

func TestTurn_AppendDoesNotMutateReceiver(t *testing.T) {
	original := NewAssistantTurn()
	updated, err := original.AppendContent("x")
	require.NoError(t, err)
	assert.Empty(t, original.Content)
	assert.Equal(t, "x", updated.Content)
}

func TestTurn_AttachSourcesOnce(t *testing.T) {
	list := []Citation{{DocName: "deck.pdf", Page: 2, Snippet: "TAM"}}

	turn, err := NewAssistantTurn().AttachSources(list)
	require.NoError(t, err)
	assert.True(t, turn.HasSources())

	list[0].Page = 99
	assert.Equal(t, 2, turn.Sources[0].Page, "sources are copied on attach")

	_, err = turn.AttachSources(list)
	assert.ErrorIs(t, err, ErrSourcesAttached)

	// content may still grow after sources
	turn, err = turn.AppendContent("more")
	require.NoError(t, err)
	assert.Equal(t, "more", turn.Content)
}

func TestTurn_AttachEmptySources(t *testing.T) {
	turn, err := NewAssistantTurn().AttachSources(nil)
	require.NoError(t, err)
	assert.True(t, turn.HasSources())
	assert.Empty(t, turn.Sources)

	_, err = turn.AttachSources(nil)
	assert.ErrorIs(t, err, ErrSourcesAttached)
}

func TestTurn_AttachAfterFinalize(t *testing.T) {
	_, err := NewAssistantTurn().Finalize().AttachSources(nil)
	assert.ErrorIs(t, err, ErrTurnFinalized)
}

func TestTurn_Fail(t *testing.T) {
	turn, _ := NewAssistantTurn().AppendContent("partial answ")
	turn, err := turn.AttachSources([]Citation{{DocName: "deck.pdf", Page: 2}})
	require.NoError(t, err)
	failed := turn.Fail(FailureMessage)

	assert.Equal(t, FailureMessage, failed.Content)
	assert.Nil(t, failed.Sources)
	assert.True(t, failed.Finalized)
	assert.True(t, failed.Failed)

	// a finalized turn cannot fail afterwards
	done := turn.Finalize()
	assert.Equal(t, done, done.Fail(FailureMessage))
}

func TestRole_JSON(t *testing.T) {
	data, err := json.Marshal(Turn{Role: RoleAssistant, Content: "x", Finalized: true})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"role":"assistant"`)

	var turn Turn
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"q"}`), &turn))
	assert.Equal(t, RoleUser, turn.Role)

	err = json.Unmarshal([]byte(`{"role":"system","content":"q"}`), &turn)
	assert.ErrorIs(t, err, ErrUnknownRole)

	_, err = json.Marshal(Turn{Role: Role(7)})
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("user")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, r)

	_, err = ParseRole("User")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestTitleFromQuestion(t *testing.T) {
	assert.Equal(t, "What is the TAM?", TitleFromQuestion("What is the TAM?"))

	exact := strings.Repeat("a", 50)
	assert.Equal(t, exact, TitleFromQuestion(exact))

	long := strings.Repeat("b", 51)
	assert.Equal(t, strings.Repeat("b", 50)+"...", TitleFromQuestion(long))

	// truncation counts runes, not bytes
	accents := strings.Repeat("é", 60)
	assert.Equal(t, strings.Repeat("é", 50)+"...", TitleFromQuestion(accents))
}

func TestCitation_String(t *testing.T) {
	assert.Equal(t, "[deck.pdf, Page 4]", Citation{DocName: "deck.pdf", Page: 4}.String())
}

// =============================================================================
// Store Tests
// =============================================================================

func TestStore_AppendAndUpdate(t *testing.T) {
	s := NewStore()
	assert.Equal(t, DefaultTitle, s.Session().Title)

	s.AppendTurn(NewUserTurn("q"))
	h := s.AppendTurn(NewAssistantTurn())
	assert.Equal(t, 1, h.Index())
	assert.Equal(t, 2, s.Session().TurnCount)

	turn, _ := NewAssistantTurn().AppendContent("answer")
	require.True(t, s.Update(h, turn))

	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "answer", turns[1].Content)
}

func TestStore_UpdateLastTurn(t *testing.T) {
	s := NewStore()
	assert.ErrorIs(t, s.UpdateLastTurn(NewAssistantTurn()), ErrNoTurns)

	s.AppendTurn(NewUserTurn("q"))
	s.AppendTurn(NewAssistantTurn())
	require.NoError(t, s.UpdateLastTurn(NewAssistantTurn().Finalize()))
	assert.True(t, s.Turns()[1].Finalized)
}

func TestStore_TurnsAreCopies(t *testing.T) {
	s := NewStore()
	turn, _ := NewAssistantTurn().AttachSources([]Citation{{DocName: "a", Page: 1}})
	s.AppendTurn(turn)

	got := s.Turns()
	got[0].Content = "mutated"
	got[0].Sources[0].DocName = "mutated"

	again := s.Turns()
	assert.Empty(t, again[0].Content)
	assert.Equal(t, "a", again[0].Sources[0].DocName)
}

func TestStore_ReplaceAllMakesHandlesStale(t *testing.T) {
	s := NewStore()
	s.AppendTurn(NewUserTurn("old question"))
	h := s.AppendTurn(NewAssistantTurn())

	s.ReplaceAll(Session{ID: "other", Title: "Other"}, []Turn{
		NewUserTurn("hi"),
		{Role: RoleAssistant, Content: "hello", Finalized: true},
	})

	assert.True(t, s.Stale(h))
	turn, _ := NewAssistantTurn().AppendContent("late token")
	assert.False(t, s.Update(h, turn), "stale handle must not write")

	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[1].Content)
	assert.Equal(t, "other", s.Session().ID)
	assert.Equal(t, 2, s.Session().TurnCount)
}

func TestStore_Reset(t *testing.T) {
	s := NewStore()
	s.SetSession(Session{ID: "s1", Title: "T"})
	s.AppendTurn(NewUserTurn("q"))
	before := s.Epoch()

	s.Reset()
	assert.Equal(t, before+1, s.Epoch())
	assert.Zero(t, s.Len())
	assert.False(t, s.Session().Saved())
	assert.Equal(t, DefaultTitle, s.Session().Title)
}

func TestStore_SetSessionKeepsEpochAndTurns(t *testing.T) {
	s := NewStore()
	h := s.AppendTurn(NewUserTurn("q"))

	s.SetSession(Session{ID: "s1", Title: "q"})

	assert.False(t, s.Stale(h))
	assert.Equal(t, 1, s.Session().TurnCount)
	assert.Equal(t, "s1", s.Session().ID)
}

func TestStore_ObserversSeeMutationsInOrder(t *testing.T) {
	s := NewStore()
	var kinds []ChangeKind
	var contents []string
	unsubscribe := s.Subscribe(func(c Change) {
		kinds = append(kinds, c.Kind)
		contents = append(contents, c.Turn.Content)
	})

	h := s.AppendTurn(NewAssistantTurn())
	turn := NewAssistantTurn()
	for _, frag := range []string{"a", "b", "c"} {
		turn, _ = turn.AppendContent(frag)
		s.Update(h, turn)
	}
	s.SetSession(Session{ID: "x"})

	assert.Equal(t, []ChangeKind{ChangeAppended, ChangeUpdated, ChangeUpdated, ChangeUpdated, ChangeSession}, kinds)
	assert.Equal(t, []string{"", "a", "ab", "abc", ""}, contents)

	unsubscribe()
	s.AppendTurn(NewUserTurn("ignored"))
	assert.Len(t, kinds, 5)
}

func TestStore_ObserverCopiesAreIndependent(t *testing.T) {
	s := NewStore()
	var first, second Change
	s.Subscribe(func(c Change) { first = c })
	s.Subscribe(func(c Change) { second = c })

	turn, _ := NewAssistantTurn().AttachSources([]Citation{{DocName: "a", Page: 1}})
	s.AppendTurn(turn)

	first.Turn.Sources[0].DocName = "changed"
	assert.Equal(t, "a", second.Turn.Sources[0].DocName)
	assert.Equal(t, "a", s.Turns()[0].Sources[0].DocName)
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s := NewStore()
	h := s.AppendTurn(NewAssistantTurn())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		turn := NewAssistantTurn()
		for i := 0; i < 200; i++ {
			turn, _ = turn.AppendContent("x")
			s.Update(h, turn)
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := 0
			for i := 0; i < 200; i++ {
				n := len(s.Turns()[0].Content)
				assert.GreaterOrEqual(t, n, prev, "content never shrinks")
				prev = n
			}
		}()
	}
	wg.Wait()
	assert.Len(t, s.Turns()[0].Content, 200)
}

func TestStore_AppendTurnsIn(t *testing.T) {
	s := NewStore()
	var kinds []ChangeKind
	s.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })

	epoch := s.Epoch()
	handles, ok := s.AppendTurnsIn(epoch, NewUserTurn("q"), NewAssistantTurn())
	require.True(t, ok)
	require.Len(t, handles, 2)
	assert.Equal(t, 0, handles[0].Index())
	assert.Equal(t, 1, handles[1].Index())
	assert.Equal(t, 2, s.Session().TurnCount)
	assert.Equal(t, []ChangeKind{ChangeAppended, ChangeAppended}, kinds)

	s.ReplaceAll(Session{ID: "s2"}, nil)
	handles, ok = s.AppendTurnsIn(epoch, NewUserTurn("late"), NewAssistantTurn())
	assert.False(t, ok)
	require.Len(t, handles, 2)
	assert.Empty(t, s.Turns())
	assert.True(t, s.Stale(handles[1]))
	assert.False(t, s.Update(handles[1], NewAssistantTurn().Finalize()))
	assert.Empty(t, s.Turns())
}
