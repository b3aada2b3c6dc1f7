// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"context"
	"net/http"
)

// ListExtractions returns the extraction of every document; documents not
// yet extracted come back with status "pending".
func (c *Client) ListExtractions(ctx context.Context) ([]Extraction, error) {
	var results []Extraction
	err := c.doJSON(ctx, http.MethodGet, c.endpoint("extraction", "results"), nil, &results)
	return results, err
}

// GetExtraction returns the extraction of one document.
func (c *Client) GetExtraction(ctx context.Context, docID string) (Extraction, error) {
	var result Extraction
	err := c.doJSON(ctx, http.MethodGet, c.endpoint("extraction", "results", docID), nil, &result)
	return result, err
}

// ProcessExtraction re-runs extraction for one document and waits for it.
func (c *Client) ProcessExtraction(ctx context.Context, docID string) (Extraction, error) {
	var result Extraction
	err := c.doJSON(ctx, http.MethodPost, c.endpoint("extraction", "process", docID), nil, &result)
	return result, err
}

// ComparisonData returns the completed extractions side by side.
func (c *Client) ComparisonData(ctx context.Context) ([]Extraction, error) {
	var results []Extraction
	err := c.doJSON(ctx, http.MethodGet, c.endpoint("comparison", "documents"), nil, &results)
	return results, err
}

// GenerateFAQs generates FAQs for a document, returning the cached set if
// one exists.
func (c *Client) GenerateFAQs(ctx context.Context, docID string) (FAQResponse, error) {
	var resp FAQResponse
	err := c.doJSON(ctx, http.MethodPost, c.endpoint("faq", "generate", docID), nil, &resp)
	return resp, err
}

// RegenerateFAQs discards cached FAQs and generates them again.
func (c *Client) RegenerateFAQs(ctx context.Context, docID string) (FAQResponse, error) {
	var resp FAQResponse
	err := c.doJSON(ctx, http.MethodPost, c.endpoint("faq", "regenerate", docID), nil, &resp)
	return resp, err
}

// GetFAQs returns the FAQs of a document, status "pending" if none were
// generated.
func (c *Client) GetFAQs(ctx context.Context, docID string) (FAQResponse, error) {
	var resp FAQResponse
	err := c.doJSON(ctx, http.MethodGet, c.endpoint("faq", "get", docID), nil, &resp)
	return resp, err
}
