// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package progress

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/observability"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/stream"
	"github.com/AleutianAI/memodesk/pkg/logging"
)

// DefaultReconnectInterval paces feed reconnects.
const DefaultReconnectInterval = time.Second

// FeedSource opens the progress feed. api.Client satisfies it.
type FeedSource interface {
	OpenProgressStream(ctx context.Context) (io.ReadCloser, error)
}

// FeedConfig configures a Feed. Source and Aggregator are required.
type FeedConfig struct {
	Source     FeedSource
	Aggregator *Aggregator

	// ReconnectInterval is the minimum time between connection attempts.
	// Default: DefaultReconnectInterval.
	ReconnectInterval time.Duration

	Metrics *observability.Metrics
	Logger  *logging.Logger
}

// Feed keeps a connection to the progress feed open and applies every
// event to the aggregator.
//
// # Description
//
// The service closes the feed after a long idle period and may drop it at
// any time, so Feed reconnects without limit; a rate limiter keeps a
// failing service from being hammered. Malformed messages are skipped.
type Feed struct {
	source  FeedSource
	agg     *Aggregator
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  *logging.Logger
}

// NewFeed creates a Feed.
func NewFeed(cfg FeedConfig) *Feed {
	interval := cfg.ReconnectInterval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Feed{
		source:  cfg.Source,
		agg:     cfg.Aggregator,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// Run consumes the feed until ctx is done. It always returns nil once ctx
// is cancelled; connection errors are logged and retried.
func (f *Feed) Run(ctx context.Context) error {
	connected := false
	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil
		}
		if connected {
			f.metrics.ProgressReconnect()
		}
		connected = true

		body, err := f.source.OpenProgressStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("progress feed unavailable", "error", err)
			continue
		}

		n, err := f.consume(ctx, body)
		_ = body.Close()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			f.logger.Warn("progress feed interrupted", "events", n, "error", err)
		} else {
			f.logger.Debug("progress feed closed by server", "events", n)
		}
	}
}

// consume reads one connection and returns the number of events applied.
func (f *Feed) consume(ctx context.Context, r io.Reader) (int, error) {
	var framer stream.Framer
	buf := make([]byte, 4096)
	applied := 0

	handle := func(payloads [][]byte) {
		for _, payload := range payloads {
			ev, err := ParseEvent(payload)
			if err != nil {
				f.logger.Debug("skipping malformed progress message", "payload", string(payload), "error", err)
				continue
			}
			if f.agg.Apply(ev) {
				applied++
			}
		}
	}

	for {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		n, err := r.Read(buf)
		if n > 0 {
			handle(framer.Feed(buf[:n]))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if payload, ok := framer.Flush(); ok {
				handle([][]byte{payload})
			}
			return applied, nil
		}
		return applied, err
	}
}

// Run runs feed and poller together until ctx is done or one of them
// fails.
func Run(ctx context.Context, feed *Feed, poller *Poller) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(ctx) })
	g.Go(func() error { return poller.Run(ctx) })
	return g.Wait()
}
