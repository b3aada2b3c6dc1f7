// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// errorBody detects the {"error": "..."} bodies the session endpoints
// return with status 200.
type errorBody struct {
	Error string `json:"error"`
}

// CreateSession creates an empty session titled "New Chat".
func (c *Client) CreateSession(ctx context.Context) (SessionInfo, error) {
	var info SessionInfo
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("qa", "sessions"), nil, &info); err != nil {
		return SessionInfo{}, err
	}
	if info.ID == "" {
		return SessionInfo{}, fmt.Errorf("create session: response without id")
	}
	return info, nil
}

// ListSessions returns session metadata, most recently created first.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var infos []SessionInfo
	err := c.doJSON(ctx, http.MethodGet, c.endpoint("qa", "sessions"), nil, &infos)
	return infos, err
}

// GetSession returns a session with its messages.
func (c *Client) GetSession(ctx context.Context, id string) (SessionDetail, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint("qa", "sessions", id), nil, &raw); err != nil {
		return SessionDetail{}, err
	}
	if err := sessionError(raw); err != nil {
		return SessionDetail{}, err
	}
	var detail SessionDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return SessionDetail{}, fmt.Errorf("decode session: %w", err)
	}
	detail.MessageCount = len(detail.Messages)
	return detail, nil
}

// AppendSessionMessage appends one message to a session.
func (c *Client) AppendSessionMessage(ctx context.Context, id string, msg SessionMessage) error {
	if err := validateRequest(msg); err != nil {
		return err
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("qa", "sessions", id, "messages"), msg, &raw); err != nil {
		return err
	}
	return sessionError(raw)
}

// DeleteSession deletes a session. Deleting an unknown id succeeds.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, c.endpoint("qa", "sessions", id), nil, nil)
}

func sessionError(raw json.RawMessage) error {
	var body errorBody
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, body.Error)
	}
	return nil
}
