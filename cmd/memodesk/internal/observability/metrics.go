// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds memodesk's metrics and tracing setup.
//
// Metrics live in a dedicated prometheus registry owned by Metrics, so
// tests can create as many as they like without duplicate registration
// panics. A nil *Metrics is valid and records nothing.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/memodesk/pkg/logging"
)

// Exchange outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Metrics is the set of memodesk metrics.
//
// # Thread Safety
//
// Safe for concurrent use. All methods are no-ops on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	exchanges           *prometheus.CounterVec
	tokens              prometheus.Counter
	firstToken          prometheus.Histogram
	exchangeDuration    prometheus.Histogram
	droppedFrames       prometheus.Counter
	progressReconnects  prometheus.Counter
	progressEvents      *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
}

// NewMetrics registers every metric in a new registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		// Labels: outcome (completed, failed)
		exchanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memodesk",
			Subsystem: "exchange",
			Name:      "total",
			Help:      "Streaming exchanges by outcome",
		}, []string{"outcome"}),

		tokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "memodesk",
			Subsystem: "exchange",
			Name:      "tokens_total",
			Help:      "Answer fragments applied to the conversation",
		}),

		firstToken: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memodesk",
			Subsystem: "exchange",
			Name:      "first_token_seconds",
			Help:      "Time from sending a question to the first answer fragment",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		exchangeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memodesk",
			Subsystem: "exchange",
			Name:      "duration_seconds",
			Help:      "Time from sending a question to the end of the answer",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 60, 120},
		}),

		droppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "memodesk",
			Subsystem: "stream",
			Name:      "dropped_frames_total",
			Help:      "Malformed stream payloads that were skipped",
		}),

		progressReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "memodesk",
			Subsystem: "progress",
			Name:      "reconnects_total",
			Help:      "Progress feed reconnects",
		}),

		// Labels: stage (upload, text_extraction, embedding, ai_extraction, done, error)
		progressEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memodesk",
			Subsystem: "progress",
			Name:      "events_total",
			Help:      "Progress events applied, by stage",
		}, []string{"stage"}),

		// Labels: op (create, append, list, load, delete)
		persistenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memodesk",
			Subsystem: "sessions",
			Name:      "failures_total",
			Help:      "Session store operations that failed",
		}, []string{"op"}),
	}

	// Known series are exported at zero before their first increment.
	for _, outcome := range []string{OutcomeCompleted, OutcomeFailed} {
		m.exchanges.WithLabelValues(outcome)
	}
	for _, stage := range []string{"upload", "text_extraction", "embedding", "ai_extraction", "done", "error"} {
		m.progressEvents.WithLabelValues(stage)
	}
	for _, op := range []string{"create", "append", "list", "load", "delete"} {
		m.persistenceFailures.WithLabelValues(op)
	}
	return m
}

// Registry returns the registry the metrics live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ExchangeFinished records the outcome and duration of one exchange.
func (m *Metrics) ExchangeFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome).Inc()
	m.exchangeDuration.Observe(d.Seconds())
}

// Token records one applied answer fragment.
func (m *Metrics) Token() {
	if m == nil {
		return
	}
	m.tokens.Inc()
}

// FirstToken records the time to the first answer fragment.
func (m *Metrics) FirstToken(d time.Duration) {
	if m == nil {
		return
	}
	m.firstToken.Observe(d.Seconds())
}

// DroppedFrames records n skipped stream payloads.
func (m *Metrics) DroppedFrames(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedFrames.Add(float64(n))
}

// ProgressReconnect records a progress feed reconnect.
func (m *Metrics) ProgressReconnect() {
	if m == nil {
		return
	}
	m.progressReconnects.Inc()
}

// ProgressEvent records one applied progress event.
func (m *Metrics) ProgressEvent(stage string) {
	if m == nil {
		return
	}
	m.progressEvents.WithLabelValues(stage).Inc()
}

// PersistenceFailure records a failed session store operation.
func (m *Metrics) PersistenceFailure(op string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(op).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
//
// # Description
//
// Binds before returning so that address errors surface to the caller;
// the server itself runs on its own goroutine and shuts down when ctx is
// cancelled.
//
// # Outputs
//
//   - string: The bound address (useful with ":0").
//   - error: Non-nil if addr cannot be bound.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *logging.Logger) (string, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}
