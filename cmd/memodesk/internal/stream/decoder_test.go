// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
)

// sampleStream is a complete answer: tokens, sources in the middle, more
// tokens, done. It contains multi-byte characters so that byte-level
// splits land inside runes.
const sampleStream = "data: {\"type\": \"answer\", \"data\": \"Revenue \"}\n\n" +
	"data: {\"type\": \"answer\", \"data\": \"grew 40% — \"}\n\n" +
	"data: {\"type\": \"sources\", \"data\": [{\"doc_name\": \"Acmé deck.pdf\", \"page\": 3, \"snippet\": \"ARR $2M\"}]}\n\n" +
	"data: {\"type\": \"answer\", \"data\": \"year over year.\"}\n\n" +
	"data: {\"type\": \"done\"}\n\n"

func sampleEvents() []Event {
	return []Event{
		{Kind: EventToken, Text: "Revenue "},
		{Kind: EventToken, Text: "grew 40% — "},
		{Kind: EventSources, Sources: []conversation.Citation{{DocName: "Acmé deck.pdf", Page: 3, Snippet: "ARR $2M"}}},
		{Kind: EventToken, Text: "year over year."},
		{Kind: EventDone},
	}
}

func decodeAll(t *testing.T, r io.Reader, opts ...Option) ([]Event, *Decoder) {
	t.Helper()
	d := NewDecoder(opts...)
	var events []Event
	err := d.Decode(context.Background(), r, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	return events, d
}

// =============================================================================
// Framer Tests
// =============================================================================

func TestFramer_CarriesIncompleteLine(t *testing.T) {
	var f Framer

	got := f.Feed([]byte("data: {\"a\""))
	assert.Empty(t, got)
	assert.Equal(t, len("data: {\"a\""), f.Pending())

	got = f.Feed([]byte(":1}\nda"))
	require.Len(t, got, 1)
	assert.Equal(t, `{"a":1}`, string(got[0]))

	got = f.Feed([]byte("ta: x\n"))
	require.Len(t, got, 1)
	assert.Equal(t, "x", string(got[0]))
	assert.Zero(t, f.Pending())
}

func TestFramer_IgnoresNonDataLines(t *testing.T) {
	var f Framer
	got := f.Feed([]byte(": keep-alive\nevent: message\n\nid: 7\ndata: payload\r\n"))
	require.Len(t, got, 1)
	assert.Equal(t, "payload", string(got[0]))
}

func TestFramer_PrefixWithoutSpace(t *testing.T) {
	var f Framer
	got := f.Feed([]byte("data:{\"type\":\"done\"}\n"))
	require.Len(t, got, 1)
	assert.Equal(t, `{"type":"done"}`, string(got[0]))
}

func TestFramer_Flush(t *testing.T) {
	var f Framer
	f.Feed([]byte("data: tail"))

	payload, ok := f.Flush()
	require.True(t, ok)
	assert.Equal(t, "tail", string(payload))

	_, ok = f.Flush()
	assert.False(t, ok, "flush resets the framer")
}

func TestFramer_PayloadDoesNotAliasInput(t *testing.T) {
	var f Framer
	chunk := []byte("data: abc\n")
	got := f.Feed(chunk)
	chunk[6] = 'X'
	assert.Equal(t, "abc", string(got[0]))
}

// =============================================================================
// ParsePayload Tests
// =============================================================================

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Event
		wantErr bool
	}{
		{name: "answer", payload: `{"type":"answer","data":"Hi"}`, want: Event{Kind: EventToken, Text: "Hi"}},
		{name: "empty answer", payload: `{"type":"answer","data":""}`, want: Event{Kind: EventToken, Text: ""}},
		{name: "done", payload: `{"type":"done"}`, want: Event{Kind: EventDone}},
		{name: "done with data", payload: `{"type":"done","data":null}`, want: Event{Kind: EventDone}},
		{name: "null sources", payload: `{"type":"sources","data":null}`, want: Event{Kind: EventSources, Sources: []conversation.Citation{}}},
		{name: "empty sources", payload: `{"type":"sources","data":[]}`, want: Event{Kind: EventSources, Sources: []conversation.Citation{}}},
		{name: "invalid json", payload: `{"type":"answer","data":`, wantErr: true},
		{name: "unknown type", payload: `{"type":"thinking","data":"hm"}`, wantErr: true},
		{name: "answer not string", payload: `{"type":"answer","data":42}`, wantErr: true},
		{name: "answer missing data", payload: `{"type":"answer"}`, wantErr: true},
		{name: "sources not list", payload: `{"type":"sources","data":"doc"}`, wantErr: true},
		{name: "not an object", payload: `"answer"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayload([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedFrame))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Decoder Tests
// =============================================================================

func TestDecoder_Decode_CompleteStream(t *testing.T) {
	events, d := decodeAll(t, strings.NewReader(sampleStream))
	assert.Equal(t, sampleEvents(), events)
	assert.Zero(t, d.Dropped())
}

func TestDecoder_Decode_OneByteReads(t *testing.T) {
	events, _ := decodeAll(t, iotest.OneByteReader(strings.NewReader(sampleStream)))
	assert.Equal(t, sampleEvents(), events)
}

func TestDecoder_Feed_EverySplitPoint(t *testing.T) {
	data := []byte(sampleStream)
	want := sampleEvents()

	for split := 0; split <= len(data); split++ {
		d := NewDecoder()
		var got []Event
		got = append(got, d.Feed(data[:split])...)
		got = append(got, d.Feed(data[split:])...)
		got = append(got, d.Flush()...)
		require.Equal(t, want, got, "split at byte %d", split)
	}
}

func TestDecoder_Feed_RandomChunking(t *testing.T) {
	data := []byte(sampleStream)
	want := sampleEvents()
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		d := NewDecoder()
		var got []Event
		for pos := 0; pos < len(data); {
			n := 1 + rng.Intn(24)
			if pos+n > len(data) {
				n = len(data) - pos
			}
			got = append(got, d.Feed(data[pos:pos+n])...)
			pos += n
		}
		got = append(got, d.Flush()...)
		require.Equal(t, want, got, "round %d", round)
	}
}

func TestDecoder_DropsMalformedAndContinues(t *testing.T) {
	input := "data: {\"type\":\"answer\",\"data\":\"A\"}\n\n" +
		"data: {broken json\n\n" +
		"data: {\"type\":\"mystery\",\"data\":1}\n\n" +
		"data: {\"type\":\"answer\",\"data\":\"B\"}\n\n" +
		"data: {\"type\":\"done\"}\n\n"

	var dropped []string
	events, d := decodeAll(t, strings.NewReader(input), WithDropHandler(func(payload []byte, err error) {
		dropped = append(dropped, string(payload))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	}))

	assert.Equal(t, []Event{
		{Kind: EventToken, Text: "A"},
		{Kind: EventToken, Text: "B"},
		{Kind: EventDone},
	}, events)
	assert.Equal(t, 2, d.Dropped())
	assert.Equal(t, []string{"{broken json", `{"type":"mystery","data":1}`}, dropped)
}

func TestDecoder_Decode_UnterminatedFinalLine(t *testing.T) {
	input := "data: {\"type\":\"answer\",\"data\":\"x\"}\n\ndata: {\"type\":\"done\"}"
	events, _ := decodeAll(t, strings.NewReader(input))
	require.Len(t, events, 2)
	assert.Equal(t, EventDone, events[1].Kind)
}

func TestDecoder_Decode_TruncatedFinalLineIsDropped(t *testing.T) {
	input := "data: {\"type\":\"answer\",\"data\":\"x\"}\n\ndata: {\"type\":\"do"
	events, d := decodeAll(t, strings.NewReader(input))
	assert.Equal(t, []Event{{Kind: EventToken, Text: "x"}}, events)
	assert.Equal(t, 1, d.Dropped())
}

func TestDecoder_Decode_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	d := NewDecoder()
	calls := 0
	err := d.Decode(context.Background(), strings.NewReader(sampleStream), func(Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestDecoder_Decode_ReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("data: {\"type\":\"answer\",\"data\":\"x\"}\n"), iotest.ErrReader(boom))

	d := NewDecoder()
	var events []Event
	err := d.Decode(context.Background(), r, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, events, 1, "events before the failure are still delivered")
}

func TestDecoder_Decode_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDecoder()
	err := d.Decode(ctx, strings.NewReader(sampleStream), func(Event) error {
		t.Fatal("no events expected after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecoder_WithReadSize(t *testing.T) {
	events, _ := decodeAll(t, strings.NewReader(sampleStream), WithReadSize(3))
	assert.Equal(t, sampleEvents(), events)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "token", EventToken.String())
	assert.Equal(t, "sources", EventSources.String())
	assert.Equal(t, "done", EventDone.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}
