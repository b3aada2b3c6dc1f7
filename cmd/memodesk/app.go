// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/memodesk/cmd/memodesk/config"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/events"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/exchange"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/observability"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/progress"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/sessions"
	kv "github.com/AleutianAI/memodesk/cmd/memodesk/internal/storage/badger"
	"github.com/AleutianAI/memodesk/pkg/logging"
	"github.com/AleutianAI/memodesk/pkg/ux"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds flushing queued writes and spans on exit.
const shutdownTimeout = 10 * time.Second

// App holds the components one invocation runs with.
//
// # Description
//
// Built once per command from the effective configuration, in dependency
// order:
//
//	config ─► logger ─► api.Client ─► session store ─► sessions.Adapter
//	              │                                          │
//	              ├─► events.Bus ◄───────────────────────────┤
//	              ├─► Metrics / Tracing                      │
//	              └─► conversation.Store ─► exchange.Controller
//
// Close tears it down in reverse and flushes queued session writes first.
//
// # Thread Safety
//
// The components are safe for concurrent use; App itself is not mutated
// after newApp returns.
type App struct {
	Config   config.Config
	Logger   *logging.Logger
	Printer  *ux.Printer
	Client   *api.Client
	Bus      *events.Bus
	Metrics  *observability.Metrics
	Tracing  *observability.Tracing
	Sessions *sessions.Adapter
	Store    *conversation.Store
	Exchange *exchange.Controller

	db *kv.DB
}

// newApp wires every component from cfg.
//
// # Inputs
//
//   - ctx: Lifetime of background services (the metrics server).
//   - cfg: The effective configuration.
//   - logger: Root logger; App.Close closes it.
//   - printer: Output for the user.
//
// # Outputs
//
//   - *App: Ready to run commands. Call Close when done.
//   - error: The API client, local session database, tracing or metrics
//     listener could not be set up.
func newApp(ctx context.Context, cfg config.Config, logger *logging.Logger, printer *ux.Printer) (*App, error) {
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Printer: printer,
		Metrics: observability.NewMetrics(),
		Bus:     events.NewBus(logger.With("component", "bus")),
		Store:   conversation.NewStore(),
	}

	tracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "memodesk",
		ServiceVersion: version,
		File:           logging.ExpandPath(cfg.Observability.TraceFile),
	})
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	app.Tracing = tracing

	client, err := api.New(api.Config{
		BaseURL:       cfg.API.URL,
		Timeout:       cfg.API.Timeout,
		SuggestionTTL: cfg.API.SuggestionTTL,
		Logger:        logger.With("component", "api"),
	})
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	app.Client = client

	store, err := app.sessionStore()
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	app.Sessions = sessions.NewAdapter(sessions.AdapterConfig{
		Store:        store,
		Logger:       logger.With("component", "sessions"),
		Publisher:    app.Bus,
		Failures:     app.Metrics,
		WriteTimeout: cfg.Sessions.WriteTimeout,
	})

	app.Exchange = exchange.New(exchange.Config{
		Store:     app.Store,
		QA:        client,
		Sessions:  app.Sessions,
		Publisher: app.Bus,
		Metrics:   app.Metrics,
		Tracer:    tracing.Tracer(),
		Logger:    logger.With("component", "exchange"),
	})

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		if _, err := app.Metrics.Serve(ctx, addr, logger); err != nil {
			app.closeQuietly()
			return nil, err
		}
	}
	return app, nil
}

// sessionStore opens the configured session backend.
func (a *App) sessionStore() (sessions.Store, error) {
	switch a.Config.Sessions.Backend {
	case config.BackendLocal:
		dbConfig := kv.DefaultConfig(logging.ExpandPath(a.Config.Sessions.LocalPath))
		dbConfig.Logger = a.Logger.With("component", "badger")
		db, err := kv.Open(dbConfig)
		if err != nil {
			return nil, fmt.Errorf("open local session store: %w", err)
		}
		a.db = db
		a.Logger.Debug("using local session store", "path", dbConfig.Path)
		return sessions.NewLocalStore(db), nil
	default:
		return sessions.NewRemoteStore(a.Client), nil
	}
}

// NewAggregator returns a progress aggregator that publishes on the bus.
func (a *App) NewAggregator() *progress.Aggregator {
	return progress.NewAggregator(progress.AggregatorConfig{
		Publisher: a.Bus,
		Metrics:   a.Metrics,
		Logger:    a.Logger.With("component", "progress"),
	})
}

// NewProgress returns the feed and poller for agg.
func (a *App) NewProgress(agg *progress.Aggregator) (*progress.Feed, *progress.Poller) {
	logger := a.Logger.With("component", "progress")
	feed := progress.NewFeed(progress.FeedConfig{
		Source:            a.Client,
		Aggregator:        agg,
		ReconnectInterval: a.Config.Progress.ReconnectInterval,
		Metrics:           a.Metrics,
		Logger:            logger,
	})
	poller := progress.NewPoller(progress.PollerConfig{
		Lister:     a.Client,
		Aggregator: agg,
		Interval:   a.Config.Progress.PollInterval,
		Logger:     logger,
	})
	return feed, poller
}

// Close flushes queued session writes and releases everything.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if a.Sessions != nil {
		if err := a.Sessions.Flush(ctx); err != nil {
			a.Logger.Warn("session writes still pending at exit",
				"pending", a.Sessions.Pending(),
				"error", err,
			)
		}
		errs = append(errs, a.Sessions.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	errs = append(errs, a.Tracing.Shutdown(ctx))
	return errors.Join(errs...)
}

func (a *App) closeQuietly() {
	if err := a.Close(); err != nil {
		a.Logger.Debug("cleanup after failed start", "error", err)
	}
}
