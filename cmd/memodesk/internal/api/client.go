// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api is the HTTP client for the document Q&A service.
//
// # Architecture
//
//	commands / controller / aggregator
//	              │
//	              ▼
//	          api.Client ──► HTTPClient interface ──► http.Client (otelhttp transport)
//
// Plain request/response calls go through a client with a timeout. The
// two streaming endpoints (the answer stream and the document progress
// feed) go through a second client without one; their lifetime is bounded
// by the caller's context instead.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AleutianAI/memodesk/pkg/logging"
)

// =============================================================================
// INTERFACES
// =============================================================================

// HTTPClient abstracts HTTP request execution for testability.
//
// *http.Client satisfies it. Tests substitute a fake that returns canned
// responses or errors.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionNotFound is returned when the service reports an unknown
	// session. The service answers these with 200 and {"error": ...}.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: server returned %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: server returned %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// DefaultBaseURL is where the service listens in a local setup.
const DefaultBaseURL = "http://localhost:8000/api/v1"

// Config configures a Client.
type Config struct {
	// BaseURL is the API root including the version prefix.
	BaseURL string `validate:"required,url"`

	// Timeout bounds non-streaming requests. Default: 120s.
	Timeout time.Duration `validate:"gte=0"`

	// SuggestionTTL is how long suggested questions are cached. Default: 5m.
	SuggestionTTL time.Duration `validate:"gte=0"`

	// Logger receives request logs. Default: logging.Nop().
	Logger *logging.Logger

	// HTTPClient executes non-streaming requests. Default: an http.Client
	// with Timeout and an otelhttp transport.
	HTTPClient HTTPClient

	// StreamClient executes streaming requests. Default: an http.Client
	// without timeout and with an otelhttp transport.
	StreamClient HTTPClient
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the document Q&A service.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    HTTPClient
	stream  HTTPClient
	logger  *logging.Logger
	cache   *gocache.Cache
	ttl     time.Duration
}

// New creates a Client.
//
// # Description
//
// Validates config, fills defaults and parses the base URL. A trailing
// slash on BaseURL is ignored.
//
// # Outputs
//
//   - *Client: Ready to use.
//   - error: Non-nil if the configuration is invalid.
func New(config Config) (*Client, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("api config: %w", err)
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	ttl := config.SuggestionTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	streamClient := config.StreamClient
	if streamClient == nil {
		streamClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Client{
		baseURL: base,
		http:    httpClient,
		stream:  streamClient,
		logger:  logger,
		cache:   gocache.New(ttl, 2*ttl),
		ttl:     ttl,
	}, nil
}

// BaseURL returns the API root the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// endpoint joins path segments onto the base URL, escaping each segment.
func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Request, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, requestID, nil
}

// doJSON sends in (if non-nil) as JSON and decodes the response into out
// (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	req, requestID, err := c.newRequest(ctx, method, target, body, contentType)
	if err != nil {
		return err
	}
	return c.send(req, requestID, out)
}

// send executes req on the non-streaming client and decodes the body.
func (c *Client) send(req *http.Request, requestID string, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			"request_id", requestID,
			"method", req.Method,
			"path", req.URL.Path,
			"error", err,
		)
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request completed",
		"request_id", requestID,
		"method", req.Method,
		"path", req.URL.Path,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := checkStatus(req, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// openStream sends a request on the streaming client and returns the body
// of a 200 response. The caller closes it.
func (c *Client) openStream(req *http.Request, requestID string) (io.ReadCloser, error) {
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		c.logger.Debug("stream request failed",
			"request_id", requestID,
			"path", req.URL.Path,
			"error", err,
		)
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		err := checkStatus(req, resp)
		if err == nil {
			err = &StatusError{Method: req.Method, Path: req.URL.Path, StatusCode: resp.StatusCode}
		}
		return nil, err
	}
	c.logger.Debug("stream opened", "request_id", requestID, "path", req.URL.Path)
	return resp.Body, nil
}

// checkStatus turns a non-2xx response into a StatusError carrying the
// service's "detail" message when present.
func checkStatus(req *http.Request, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	detail := strings.TrimSpace(string(body))

	var parsed struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != nil {
		if s, ok := parsed.Detail.(string); ok {
			detail = s
		} else if b, err := json.Marshal(parsed.Detail); err == nil {
			detail = string(b)
		}
	}
	return &StatusError{
		Method:     req.Method,
		Path:       req.URL.Path,
		StatusCode: resp.StatusCode,
		Detail:     detail,
	}
}

// validateRequest runs struct validation, wrapping failures in
// ErrInvalidRequest.
func validateRequest(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
