// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream decodes the server-sent event streams produced by the
// Q&A service.
//
// Two layers are kept apart:
//
//   - Framer reassembles newline-delimited records from arbitrarily sized
//     reads and yields the payload of every "data:" line.
//   - Decoder interprets Q&A payloads ({"type": ..., "data": ...}) as
//     typed Events.
//
// The document progress feed reuses Framer with its own payload format.
//
// Neither layer touches conversation state.
package stream

import (
	"bytes"
)

// dataPrefix starts every record that carries a payload.
var dataPrefix = []byte("data:")

// Framer splits a byte stream into "data:" payloads.
//
// # Description
//
// Reads from a network stream may end anywhere, including in the middle
// of a multi-byte character or of the prefix itself. Framer keeps the
// trailing incomplete line as carry-over and prepends it to the next
// chunk, so the payloads it yields are independent of how the stream was
// chunked.
//
// Lines are terminated by "\n"; a single trailing "\r" is stripped. Only
// lines starting with "data:" produce a payload; one space after the
// colon is removed. Comments, other field names and blank separator lines
// are skipped.
//
// # Thread Safety
//
// Not safe for concurrent use. One Framer belongs to one stream.
type Framer struct {
	carry []byte
}

// Feed consumes chunk and returns the payloads of every line completed by it.
//
// The returned slices do not alias chunk or the internal buffer.
func (f *Framer) Feed(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	f.carry = append(f.carry, chunk...)

	var payloads [][]byte
	for {
		idx := bytes.IndexByte(f.carry, '\n')
		if idx < 0 {
			break
		}
		line := f.carry[:idx]
		if payload, ok := extractPayload(line); ok {
			payloads = append(payloads, payload)
		}
		f.carry = f.carry[idx+1:]
	}

	// compact so the buffer does not grow without bound on long streams
	if len(f.carry) == 0 {
		f.carry = nil
	} else {
		f.carry = append([]byte(nil), f.carry...)
	}
	return payloads
}

// Flush returns the payload of an unterminated final line, if any, and
// resets the framer.
func (f *Framer) Flush() ([]byte, bool) {
	line := f.carry
	f.carry = nil
	if len(line) == 0 {
		return nil, false
	}
	return extractPayload(line)
}

// Pending returns the number of carried-over bytes.
func (f *Framer) Pending() int {
	return len(f.carry)
}

func extractPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload := line[len(dataPrefix):]
	payload = bytes.TrimPrefix(payload, []byte(" "))
	if len(payload) == 0 {
		return nil, false
	}
	return append([]byte(nil), payload...), true
}
