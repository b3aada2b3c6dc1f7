// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
)

// =============================================================================
// Events
// =============================================================================

// EventKind discriminates the events of a Q&A stream.
type EventKind int

const (
	// EventToken carries the next fragment of answer text.
	EventToken EventKind = iota + 1

	// EventSources carries the complete citation list of the answer.
	EventSources

	// EventDone marks the end of the answer.
	EventDone
)

// String returns a readable name for logs.
func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventSources:
		return "sources"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one decoded frame of a Q&A stream.
//
// Text is set for EventToken, Sources for EventSources (never nil for
// that kind). EventDone carries nothing.
type Event struct {
	Kind    EventKind
	Text    string
	Sources []conversation.Citation
}

// Wire names of the payload "type" field.
const (
	wireAnswer  = "answer"
	wireSources = "sources"
	wireDone    = "done"
)

// ErrMalformedFrame wraps every reason a payload is discarded.
var ErrMalformedFrame = errors.New("malformed frame")

// envelope is the JSON shape of every Q&A payload.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParsePayload decodes one "data:" payload into an Event.
//
// # Description
//
// Returns an error wrapping ErrMalformedFrame when the payload is not a
// JSON object, has an unknown type, or carries data of the wrong shape.
// A "sources" payload with null data decodes to an empty list.
func ParsePayload(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case wireAnswer:
		var text string
		if len(env.Data) == 0 {
			return Event{}, fmt.Errorf("%w: answer without data", ErrMalformedFrame)
		}
		if err := json.Unmarshal(env.Data, &text); err != nil {
			return Event{}, fmt.Errorf("%w: answer data: %v", ErrMalformedFrame, err)
		}
		return Event{Kind: EventToken, Text: text}, nil

	case wireSources:
		var sources []conversation.Citation
		if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
			if err := json.Unmarshal(env.Data, &sources); err != nil {
				return Event{}, fmt.Errorf("%w: sources data: %v", ErrMalformedFrame, err)
			}
		}
		if sources == nil {
			sources = []conversation.Citation{}
		}
		return Event{Kind: EventSources, Sources: sources}, nil

	case wireDone:
		return Event{Kind: EventDone}, nil

	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
	}
}

// =============================================================================
// Decoder
// =============================================================================

// DropFunc observes payloads the decoder discards.
type DropFunc func(payload []byte, err error)

// Option configures a Decoder.
type Option func(*Decoder)

// WithDropHandler registers fn to be called for every discarded payload.
func WithDropHandler(fn DropFunc) Option {
	return func(d *Decoder) {
		d.onDrop = fn
	}
}

// WithReadSize sets the size of the read buffer. Values below 1 are ignored.
func WithReadSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.readSize = n
		}
	}
}

// Decoder turns a Q&A byte stream into Events.
//
// # Description
//
// Malformed payloads are discarded one at a time and decoding continues
// with the next line; they are counted and reported to the drop handler.
//
// # Thread Safety
//
// Not safe for concurrent use. Create one Decoder per stream.
type Decoder struct {
	framer   Framer
	dropped  int
	onDrop   DropFunc
	readSize int
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{readSize: 4096}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed consumes one chunk and returns the events it completes, in order.
func (d *Decoder) Feed(chunk []byte) []Event {
	return d.parseAll(d.framer.Feed(chunk))
}

// Flush decodes an unterminated final line left at end of stream.
func (d *Decoder) Flush() []Event {
	payload, ok := d.framer.Flush()
	if !ok {
		return nil
	}
	return d.parseAll([][]byte{payload})
}

// Dropped returns the number of payloads discarded so far.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) parseAll(payloads [][]byte) []Event {
	if len(payloads) == 0 {
		return nil
	}
	events := make([]Event, 0, len(payloads))
	for _, payload := range payloads {
		ev, err := ParsePayload(payload)
		if err != nil {
			d.dropped++
			if d.onDrop != nil {
				d.onDrop(payload, err)
			}
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Decode reads r until EOF and calls fn for every event in arrival order.
//
// # Description
//
// Reading stops when fn returns an error (which Decode returns), when ctx
// is cancelled (ctx.Err() is returned), or when r fails (the read error is
// returned wrapped). On EOF the unterminated final line is decoded and
// Decode returns nil. Reaching EOF does not imply that a done event was
// seen; callers decide what an early end means.
//
// # Inputs
//
//   - ctx: Checked between reads. The reader itself should also be bound
//     to ctx (an HTTP body is).
//   - r: The stream. The caller closes it.
//   - fn: Event callback.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, fn func(Event) error) error {
	buf := make([]byte, d.readSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			for _, ev := range d.Feed(buf[:n]) {
				if err := fn(ev); err != nil {
					return err
				}
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			for _, ev := range d.Flush() {
				if err := fn(ev); err != nil {
					return err
				}
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read stream: %w", readErr)
	}
}
