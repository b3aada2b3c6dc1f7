// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sessions persists conversations to a session store.
//
// # Architecture
//
//	exchange.Controller / CLI
//	          │
//	          ▼
//	      Adapter ── ordered background writer ──► Store
//	                                                 ├── RemoteStore  (service /qa/sessions)
//	                                                 └── LocalStore   (BadgerDB on disk)
//
// The Adapter is best-effort: append failures are logged and counted and
// never reach the conversation. Only session creation reports its error,
// and the caller decides to carry on unsaved.
package sessions

import (
	"context"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
)

// Store is a session store. Implementations follow the service's
// semantics: a new session is titled "New Chat", the first user message
// sets the title, every append bumps updated_at, unknown ids fail Get and
// Append with api.ErrSessionNotFound, and deleting an unknown id succeeds.
type Store interface {
	Create(ctx context.Context) (api.SessionInfo, error)
	List(ctx context.Context) ([]api.SessionInfo, error)
	Get(ctx context.Context, id string) (api.SessionDetail, error)
	Append(ctx context.Context, id string, msg api.SessionMessage) error
	Delete(ctx context.Context, id string) error
}

// SessionAPI is the part of api.Client a RemoteStore needs.
type SessionAPI interface {
	CreateSession(ctx context.Context) (api.SessionInfo, error)
	ListSessions(ctx context.Context) ([]api.SessionInfo, error)
	GetSession(ctx context.Context, id string) (api.SessionDetail, error)
	AppendSessionMessage(ctx context.Context, id string, msg api.SessionMessage) error
	DeleteSession(ctx context.Context, id string) error
}

// RemoteStore is the service's session store.
type RemoteStore struct {
	api SessionAPI
}

var _ Store = (*RemoteStore)(nil)

// NewRemoteStore returns a Store backed by the service.
func NewRemoteStore(client SessionAPI) *RemoteStore {
	return &RemoteStore{api: client}
}

func (r *RemoteStore) Create(ctx context.Context) (api.SessionInfo, error) {
	return r.api.CreateSession(ctx)
}

func (r *RemoteStore) List(ctx context.Context) ([]api.SessionInfo, error) {
	return r.api.ListSessions(ctx)
}

func (r *RemoteStore) Get(ctx context.Context, id string) (api.SessionDetail, error) {
	return r.api.GetSession(ctx, id)
}

func (r *RemoteStore) Append(ctx context.Context, id string, msg api.SessionMessage) error {
	return r.api.AppendSessionMessage(ctx, id, msg)
}

func (r *RemoteStore) Delete(ctx context.Context, id string) error {
	return r.api.DeleteSession(ctx, id)
}
