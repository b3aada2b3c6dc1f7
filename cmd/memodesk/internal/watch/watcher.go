// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package watch uploads PDFs that appear in a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/pkg/logging"
)

// DefaultDebounce is how long a directory must be quiet before pending
// files are uploaded.
const DefaultDebounce = 500 * time.Millisecond

// ErrNotDirectory is returned by New when Dir is not a directory.
var ErrNotDirectory = errors.New("not a directory")

// Uploader uploads files. api.Client satisfies it.
type Uploader interface {
	UploadDocuments(ctx context.Context, paths []string) ([]api.Document, error)
}

// Result reports one upload attempt.
type Result struct {
	// Paths are the files in the attempt.
	Paths []string

	// Documents are the documents the service accepted. Empty on error.
	Documents []api.Document

	// Err is non-nil if the files were rejected before or during upload.
	Err error
}

// Config configures a Watcher. Dir and Uploader are required.
type Config struct {
	Dir      string
	Uploader Uploader

	// Debounce is the quiet window after the last change. Default:
	// DefaultDebounce.
	Debounce time.Duration

	// UploadExisting uploads the PDFs already in Dir when Run starts.
	UploadExisting bool

	// OnUpload receives every Result, on the Run goroutine.
	OnUpload func(Result)

	Logger *logging.Logger
}

type fingerprint struct {
	size    int64
	modTime time.Time
}

// Watcher watches one directory (not its subdirectories) and uploads each
// new or rewritten PDF once its writes have settled.
//
// # Description
//
// Changes are batched: every event restarts the debounce timer, and when
// it fires all settled PDFs go up in one request. A file is uploaded again
// only if its size or modification time changes. Files that fail the
// client-side checks are reported individually and do not block the rest
// of the batch.
//
// # Thread Safety
//
// Run must be called once. Ready may be called from any goroutine.
type Watcher struct {
	dir      string
	uploader Uploader
	debounce time.Duration
	existing bool
	onUpload func(Result)
	logger   *logging.Logger

	fs    *fsnotify.Watcher
	ready chan struct{}

	mu       sync.Mutex
	uploaded map[string]fingerprint
}

// New validates cfg and creates a Watcher.
//
// # Outputs
//
//   - *Watcher: Ready to Run.
//   - error: ErrNotDirectory, a stat error, or an fsnotify error.
func New(cfg Config) (*Watcher, error) {
	if cfg.Uploader == nil {
		return nil, errors.New("watch: uploader is required")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	onUpload := cfg.OnUpload
	if onUpload == nil {
		onUpload = func(Result) {}
	}

	return &Watcher{
		dir:      dir,
		uploader: cfg.Uploader,
		debounce: debounce,
		existing: cfg.UploadExisting,
		onUpload: onUpload,
		logger:   logger.With("dir", dir),
		fs:       fsw,
		ready:    make(chan struct{}),
		uploaded: make(map[string]fingerprint),
	}, nil
}

// Dir returns the absolute path being watched.
func (w *Watcher) Dir() string {
	return w.dir
}

// Ready is closed once the directory is being watched and, with
// UploadExisting, the existing files have been handled.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is done. Changes still inside the debounce window
// when ctx ends are dropped.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	if err := w.fs.Add(w.dir); err != nil {
		close(w.ready)
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching directory for PDFs")

	if w.existing {
		if err := w.uploadExisting(ctx); err != nil {
			close(w.ready)
			return err
		}
	}
	close(w.ready)

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !isPDF(event.Name) || !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("directory watch error", "error", err)

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]struct{})
			w.upload(ctx, paths)
		}
	}
}

func (w *Watcher) uploadExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", w.dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isPDF(e.Name()) {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	w.upload(ctx, paths)
	return nil
}

// upload sends the files among paths that changed since their last
// upload.
func (w *Watcher) upload(ctx context.Context, paths []string) {
	sort.Strings(paths)

	var batch []string
	prints := make(map[string]fingerprint)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			// Removed again before it settled.
			w.logger.Debug("skipping vanished file", "path", p, "error", err)
			continue
		}
		fp := fingerprint{size: info.Size(), modTime: info.ModTime()}
		if w.seen(p, fp) {
			continue
		}
		if err := api.CheckUpload(p); err != nil {
			w.logger.Warn("file rejected", "path", p, "error", err)
			w.onUpload(Result{Paths: []string{p}, Err: err})
			continue
		}
		batch = append(batch, p)
		prints[p] = fp
	}
	if len(batch) == 0 {
		return
	}

	docs, err := w.uploader.UploadDocuments(ctx, batch)
	if err != nil {
		w.logger.Warn("upload failed", "files", len(batch), "error", err)
		w.onUpload(Result{Paths: batch, Err: err})
		return
	}

	w.mu.Lock()
	for p, fp := range prints {
		w.uploaded[p] = fp
	}
	w.mu.Unlock()

	w.logger.Info("uploaded files", "files", len(batch))
	w.onUpload(Result{Paths: batch, Documents: docs})
}

func (w *Watcher) seen(path string, fp fingerprint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, ok := w.uploaded[path]
	return ok && prev.size == fp.size && prev.modTime.Equal(fp.modTime)
}

func isPDF(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".pdf")
}
