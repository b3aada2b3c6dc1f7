// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// MaxUploadBytes is the per-file limit the service enforces (20 MB).
const MaxUploadBytes = 20 << 20

// CheckUpload verifies that path names a PDF within the upload limit.
//
// The service rejects the whole batch when one file is invalid, so
// callers check every file before uploading.
func CheckUpload(path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return fmt.Errorf("%w: only PDF files are supported: %s", ErrInvalidRequest, filepath.Base(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidRequest, path)
	}
	if info.Size() > MaxUploadBytes {
		return fmt.Errorf("%w: %s exceeds the 20MB limit", ErrInvalidRequest, filepath.Base(path))
	}
	return nil
}

// UploadDocuments uploads PDFs in one multipart request.
//
// # Description
//
// Every path is checked with CheckUpload first. The body is streamed
// through a pipe so large files are never held in memory. Processing
// starts on the service side; progress arrives on the progress feed.
//
// # Outputs
//
//   - []Document: The accepted documents, status "uploaded".
//   - error: Validation, transport or status error.
func (c *Client) UploadDocuments(ctx context.Context, paths []string) ([]Document, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrInvalidRequest)
	}
	for _, p := range paths {
		if err := CheckUpload(p); err != nil {
			return nil, err
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, paths))
	}()

	req, requestID, err := c.newRequest(ctx, http.MethodPost, c.endpoint("documents", "upload"), pr, mw.FormDataContentType())
	if err != nil {
		pr.Close()
		return nil, err
	}

	var docs []Document
	if err := c.send(req, requestID, &docs); err != nil {
		pr.Close()
		return nil, err
	}
	c.logger.Info("documents uploaded", "request_id", requestID, "count", len(docs))
	return docs, nil
}

func writeMultipart(mw *multipart.Writer, paths []string) error {
	for _, p := range paths {
		if err := writeFilePart(mw, p); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeFilePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create form part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy %s: %w", path, err)
	}
	return nil
}

// ListDocuments returns every document, newest upload first.
func (c *Client) ListDocuments(ctx context.Context) (DocumentList, error) {
	var list DocumentList
	err := c.doJSON(ctx, http.MethodGet, c.endpoint("documents"), nil, &list)
	return list, err
}

// GetDocument returns one document's metadata.
func (c *Client) GetDocument(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := c.doJSON(ctx, http.MethodGet, c.endpoint("documents", id), nil, &doc)
	return doc, err
}

// DeleteDocument removes a document with its index, extraction and FAQs.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, c.endpoint("documents", id), nil, nil)
}

// LoadDemoDocuments asks the service to ingest its bundled demo decks.
func (c *Client) LoadDemoDocuments(ctx context.Context) ([]Document, error) {
	var docs []Document
	err := c.doJSON(ctx, http.MethodPost, c.endpoint("documents", "demo", "load"), nil, &docs)
	return docs, err
}

// OpenProgressStream opens the document progress feed. The service closes
// it after a few idle minutes; callers reconnect.
func (c *Client) OpenProgressStream(ctx context.Context) (io.ReadCloser, error) {
	req, requestID, err := c.newRequest(ctx, http.MethodGet, c.endpoint("documents", "progress", "stream"), nil, "")
	if err != nil {
		return nil, err
	}
	return c.openStream(req, requestID)
}
