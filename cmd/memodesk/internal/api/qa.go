// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const suggestionsKey = "suggested-questions"

// Ask answers a question in one response, without streaming.
func (c *Client) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	if err := validateRequest(req); err != nil {
		return AskResponse{}, err
	}
	var resp AskResponse
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("qa", "ask"), req, &resp); err != nil {
		return AskResponse{}, err
	}
	return resp, nil
}

// OpenAskStream starts a streaming answer.
//
// # Description
//
// Posts the question to /qa/ask/stream and returns the event stream body
// once the service has answered 200. Any other status is returned as a
// StatusError. Closing the body, or cancelling ctx, ends the exchange.
//
// # Inputs
//
//   - ctx: Bounds the whole stream, not just the request.
//   - req: Question and optional document scope (nil = all documents).
func (c *Client) OpenAskStream(ctx context.Context, req AskRequest) (io.ReadCloser, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, requestID, err := c.newRequest(ctx, http.MethodPost, c.endpoint("qa", "ask", "stream"), bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}
	return c.openStream(httpReq, requestID)
}

// History returns the most recent non-streaming answers.
func (c *Client) History(ctx context.Context) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := c.doJSON(ctx, http.MethodGet, c.endpoint("qa", "history"), nil, &entries)
	return entries, err
}

// SuggestedQuestions returns questions generated from the indexed
// documents. Results are cached for the configured TTL because the
// service computes them with a model call.
func (c *Client) SuggestedQuestions(ctx context.Context) ([]string, error) {
	if cached, ok := c.cache.Get(suggestionsKey); ok {
		return cached.([]string), nil
	}
	var body SuggestedQuestions
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint("qa", "suggested-questions"), nil, &body); err != nil {
		return nil, err
	}
	c.cache.Set(suggestionsKey, body.Questions, c.ttl)
	return body.Questions, nil
}

// InvalidateSuggestions drops cached suggestions, e.g. after the document
// set changed.
func (c *Client) InvalidateSuggestions() {
	c.cache.Delete(suggestionsKey)
}
