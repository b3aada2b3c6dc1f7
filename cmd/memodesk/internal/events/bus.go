// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events is the in-process notification bus between memodesk
// components.
//
// Components that need to tell other views about a change (a session got
// its title, a document finished processing) publish a typed payload on a
// topic instead of reaching into each other. Subscribers decode the
// payload back with Handle.
//
// The bus is watermill's gochannel pub/sub: in-memory, fan-out to every
// subscriber of a topic, no persistence.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/AleutianAI/memodesk/pkg/logging"
)

// Topics.
const (
	TopicSessionCreated    = "session.created"
	TopicSessionUpdated    = "session.updated"
	TopicSessionDeleted    = "session.deleted"
	TopicDocumentProcessed = "document.processed"
	TopicDocumentFailed    = "document.failed"
)

// SessionEvent is the payload of the session topics.
//
// Detached is set on updates from an exchange whose conversation was
// replaced while it ran: the answer was saved but is no longer on screen.
type SessionEvent struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	TurnCount int       `json:"turn_count"`
	Detached  bool      `json:"detached,omitempty"`
	At        time.Time `json:"at"`
}

// DocumentEvent is the payload of the document topics.
type DocumentEvent struct {
	DocID  string    `json:"doc_id"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher publishes a payload on a topic.
type Publisher interface {
	Publish(topic string, payload any) error
}

type discard struct{}

func (discard) Publish(string, any) error { return nil }

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

// Bus is the process-wide event bus. Create one in main and pass it to
// the components that publish or subscribe.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *logging.Logger
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus. Each subscriber gets a buffered channel so that a
// slow renderer does not hold up publishers.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NewSlogLogger(logger.Slog()),
		),
		logger: logger,
	}
}

// Publish JSON-encodes payload and publishes it on topic.
func (b *Bus) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("topic", topic)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns the raw message channel of topic. It closes when ctx
// is done or the bus is closed. Every message must be acked.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close closes the bus and every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Handle subscribes to topic and calls fn for every decoded payload on a
// dedicated goroutine until ctx is done. Payloads that fail to decode are
// logged and acked.
//
// # Examples
//
//	err := events.Handle(ctx, bus, events.TopicDocumentProcessed, func(ev events.DocumentEvent) {
//	    printer.Success("processed " + ev.DocID)
//	})
func Handle[T any](ctx context.Context, b *Bus, topic string, fn func(T)) error {
	messages, err := b.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	go func() {
		for msg := range messages {
			var payload T
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				b.logger.Warn("dropping undecodable event",
					"topic", topic,
					"message_id", msg.UUID,
					"error", err,
				)
				msg.Ack()
				continue
			}
			fn(payload)
			msg.Ack()
		}
	}()
	return nil
}
