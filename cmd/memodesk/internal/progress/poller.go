// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package progress

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/pkg/logging"
)

// DefaultPollInterval is how often the document list is polled.
const DefaultPollInterval = 5 * time.Second

// Lister lists documents. api.Client satisfies it.
type Lister interface {
	ListDocuments(ctx context.Context) (api.DocumentList, error)
}

// PollerConfig configures a Poller. Lister and Aggregator are required.
type PollerConfig struct {
	Lister     Lister
	Aggregator *Aggregator
	Interval   time.Duration
	Logger     *logging.Logger
}

// Poller reconciles the aggregator with the document list.
//
// # Description
//
// Polls on a fixed interval, and additionally right after any document
// reaches done or error so that the list (and its page counts) catches up
// quickly. Concurrent refreshes share one request.
type Poller struct {
	lister   Lister
	agg      *Aggregator
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time
	group    singleflight.Group
}

// NewPoller creates a Poller.
func NewPoller(cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Poller{
		lister:   cfg.Lister,
		agg:      cfg.Aggregator,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Refresh fetches the document list once and reconciles it. Callers that
// overlap with a refresh in progress wait for it and share its result.
func (p *Poller) Refresh(ctx context.Context) ([]api.Document, error) {
	v, err, _ := p.group.Do("documents", func() (interface{}, error) {
		observedAt := p.now()
		list, err := p.lister.ListDocuments(ctx)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		p.agg.Reconcile(list.Documents, observedAt)
		return list.Documents, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]api.Document), nil
}

// Run polls until ctx is done and then returns nil.
func (p *Poller) Run(ctx context.Context) error {
	trigger := make(chan struct{}, 1)
	unsubscribe := p.agg.Subscribe(func(proj Projection) {
		if !proj.Phase.Terminal() {
			return
		}
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("document poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-trigger:
		}
	}
}
