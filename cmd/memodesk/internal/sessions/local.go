// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
	kv "github.com/AleutianAI/memodesk/cmd/memodesk/internal/storage/badger"
)

// Key layout:
//
//	session/<id>                 api.SessionInfo
//	message/<id>/<seq:020d>      api.SessionMessage
const (
	sessionPrefix = "session/"
	messagePrefix = "message/"
)

// conflictRetries bounds retries of a transaction that lost a write
// conflict to a concurrent append on the same session.
const conflictRetries = 3

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

func messagesPrefix(id string) []byte {
	return []byte(messagePrefix + id + "/")
}

func messageKey(id string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", messagePrefix, id, seq))
}

// LocalStore keeps sessions in a BadgerDB database.
//
// # Description
//
// Mirrors the service's session semantics so that the rest of the client
// cannot tell the two apart: the first user message becomes the title
// (50 runes plus "..."), appends bump UpdatedAt, and List returns the
// most recently created session first.
//
// # Thread Safety
//
// Safe for concurrent use. Appends to the same session serialize through
// badger's conflict detection and are retried.
type LocalStore struct {
	db  *kv.DB
	now func() time.Time
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore returns a Store over db. The caller owns db.
func NewLocalStore(db *kv.DB) *LocalStore {
	return &LocalStore{db: db, now: time.Now}
}

// Create stores a new empty session titled "New Chat".
func (l *LocalStore) Create(ctx context.Context) (api.SessionInfo, error) {
	now := api.Timestamp{Time: l.now().UTC()}
	info := api.SessionInfo{
		ID:        uuid.NewString(),
		Title:     conversation.DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return kv.PutJSON(txn, sessionKey(info.ID), info)
	})
	if err != nil {
		return api.SessionInfo{}, fmt.Errorf("create session: %w", err)
	}
	return info, nil
}

// List returns every session, newest first.
func (l *LocalStore) List(ctx context.Context) ([]api.SessionInfo, error) {
	var infos []api.SessionInfo
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return kv.ScanJSON(txn, []byte(sessionPrefix), func(_ []byte, info api.SessionInfo) error {
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt.Time) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.After(infos[j].CreatedAt.Time)
	})
	return infos, nil
}

// Get returns a session with its messages in append order.
func (l *LocalStore) Get(ctx context.Context, id string) (api.SessionDetail, error) {
	var detail api.SessionDetail
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if err := kv.GetJSON(txn, sessionKey(id), &detail.SessionInfo); err != nil {
			return err
		}
		detail.Messages = []api.SessionMessage{}
		return kv.ScanJSON(txn, messagesPrefix(id), func(_ []byte, msg api.SessionMessage) error {
			detail.Messages = append(detail.Messages, msg)
			return nil
		})
	})
	if errors.Is(err, kv.ErrNotFound) {
		return api.SessionDetail{}, fmt.Errorf("%w: %s", api.ErrSessionNotFound, id)
	}
	if err != nil {
		return api.SessionDetail{}, fmt.Errorf("get session %s: %w", id, err)
	}
	detail.MessageCount = len(detail.Messages)
	return detail, nil
}

// Append adds msg to the end of session id.
func (l *LocalStore) Append(ctx context.Context, id string, msg api.SessionMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = api.Timestamp{Time: l.now().UTC()}
	}

	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = l.db.WithTxn(ctx, func(txn *badger.Txn) error {
			var info api.SessionInfo
			if err := kv.GetJSON(txn, sessionKey(id), &info); err != nil {
				return err
			}
			if err := kv.PutJSON(txn, messageKey(id, info.MessageCount), msg); err != nil {
				return err
			}
			if info.MessageCount == 0 && msg.Role == conversation.RoleUser.String() {
				info.Title = conversation.TitleFromQuestion(msg.Content)
			}
			info.MessageCount++
			info.UpdatedAt = api.Timestamp{Time: l.now().UTC()}
			return kv.PutJSON(txn, sessionKey(id), info)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}

	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: %s", api.ErrSessionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("append to session %s: %w", id, err)
	}
	return nil
}

// Delete removes a session and its messages. Unknown ids succeed.
func (l *LocalStore) Delete(ctx context.Context, id string) error {
	err := l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete(sessionKey(id)); err != nil {
			return err
		}
		return kv.DeletePrefix(txn, messagesPrefix(id))
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}
