// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/apitest"
)

type fakeUploader struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (u *fakeUploader) UploadDocuments(_ context.Context, paths []string) ([]api.Document, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.batches = append(u.batches, append([]string(nil), paths...))
	if u.err != nil {
		return nil, u.err
	}
	docs := make([]api.Document, len(paths))
	for i, p := range paths {
		docs[i] = api.Document{ID: filepath.Base(p), OriginalFilename: filepath.Base(p), Status: api.StatusUploaded}
	}
	return docs, nil
}

func (u *fakeUploader) uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []string
	for _, b := range u.batches {
		out = append(out, b...)
	}
	return out
}

func (u *fakeUploader) setErr(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.err = err
}

type resultLog struct {
	mu      sync.Mutex
	results []Result
}

func (l *resultLog) add(r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *resultLog) all() []Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Result(nil), l.results...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// start runs w and waits until it is watching.
func start(t *testing.T, w *Watcher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-w.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never became ready")
	}
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop")
		}
	}
}

func TestNew_Validation(t *testing.T) {
	dir := t.TempDir()

	_, err := New(Config{Dir: dir})
	assert.Error(t, err)

	file := filepath.Join(dir, "a.pdf")
	writeFile(t, file, "%PDF")
	_, err = New(Config{Dir: file, Uploader: &fakeUploader{}})
	assert.ErrorIs(t, err, ErrNotDirectory)

	_, err = New(Config{Dir: filepath.Join(dir, "missing"), Uploader: &fakeUploader{}})
	assert.ErrorIs(t, err, os.ErrNotExist)

	w, err := New(Config{Dir: dir, Uploader: &fakeUploader{}})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(w.Dir()))
}

func TestWatcher_UploadsNewPDFs(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	results := &resultLog{}
	w, err := New(Config{Dir: dir, Uploader: up, Debounce: 50 * time.Millisecond, OnUpload: results.add})
	require.NoError(t, err)
	stop := start(t, w)
	defer stop()

	writeFile(t, filepath.Join(dir, "report.pdf"), "%PDF-1.4 report")
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a pdf")
	writeFile(t, filepath.Join(dir, ".hidden.pdf"), "%PDF")

	assert.Eventually(t, func() bool { return len(up.uploaded()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{filepath.Join(w.Dir(), "report.pdf")}, up.uploaded())

	require.Eventually(t, func() bool { return len(results.all()) == 1 }, time.Second, 10*time.Millisecond)
	r := results.all()[0]
	assert.NoError(t, r.Err)
	require.Len(t, r.Documents, 1)
	assert.Equal(t, "report.pdf", r.Documents[0].OriginalFilename)
}

func TestWatcher_BatchesSettledFiles(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	w, err := New(Config{Dir: dir, Uploader: up, Debounce: 200 * time.Millisecond})
	require.NoError(t, err)
	stop := start(t, w)
	defer stop()

	writeFile(t, filepath.Join(dir, "a.pdf"), "%PDF a")
	writeFile(t, filepath.Join(dir, "b.pdf"), "%PDF b")

	assert.Eventually(t, func() bool { return len(up.uploaded()) == 2 }, 3*time.Second, 10*time.Millisecond)
	up.mu.Lock()
	assert.Len(t, up.batches, 1)
	up.mu.Unlock()
}

func TestWatcher_UnchangedFileNotUploadedTwice(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "existing.pdf"), "%PDF existing")

	up := &fakeUploader{}
	w, err := New(Config{Dir: dir, Uploader: up, Debounce: 50 * time.Millisecond, UploadExisting: true})
	require.NoError(t, err)
	stop := start(t, w)
	defer stop()

	// Uploaded during startup, before Ready.
	assert.Len(t, up.uploaded(), 1)

	// A rewrite with new content is a new version.
	path := filepath.Join(dir, "existing.pdf")
	writeFile(t, path, "%PDF existing, second revision")
	assert.Eventually(t, func() bool { return len(up.uploaded()) == 2 }, 3*time.Second, 10*time.Millisecond)

	// Touching nothing but firing an event for the same fingerprint does not
	// upload again.
	w.upload(context.Background(), []string{path})
	assert.Len(t, up.uploaded(), 2)
}

func TestWatcher_RejectsInvalidFilesIndividually(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	results := &resultLog{}
	w, err := New(Config{Dir: dir, Uploader: up, OnUpload: results.add})
	require.NoError(t, err)

	big := filepath.Join(dir, "huge.pdf")
	f, err := os.Create(big)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(api.MaxUploadBytes+1))
	require.NoError(t, f.Close())
	small := filepath.Join(dir, "small.pdf")
	writeFile(t, small, "%PDF")

	w.upload(context.Background(), []string{small, big})

	assert.Equal(t, []string{small}, up.uploaded())
	got := results.all()
	require.Len(t, got, 2)
	assert.Equal(t, []string{big}, got[0].Paths)
	assert.ErrorIs(t, got[0].Err, api.ErrInvalidRequest)
	assert.NoError(t, got[1].Err)
}

func TestWatcher_FailedUploadIsRetriedOnNextChange(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	up.setErr(errors.New("service unavailable"))
	results := &resultLog{}
	w, err := New(Config{Dir: dir, Uploader: up, OnUpload: results.add})
	require.NoError(t, err)

	path := filepath.Join(dir, "a.pdf")
	writeFile(t, path, "%PDF")

	w.upload(context.Background(), []string{path})
	require.Len(t, results.all(), 1)
	assert.ErrorContains(t, results.all()[0].Err, "service unavailable")

	up.setErr(nil)
	w.upload(context.Background(), []string{path})
	assert.Len(t, up.uploaded(), 2)
	assert.NoError(t, results.all()[1].Err)
}

func TestWatcher_SkipsVanishedFiles(t *testing.T) {
	up := &fakeUploader{}
	w, err := New(Config{Dir: t.TempDir(), Uploader: up})
	require.NoError(t, err)

	w.upload(context.Background(), []string{filepath.Join(w.Dir(), "gone.pdf")})
	assert.Empty(t, up.uploaded())
}

func TestWatcher_AgainstService(t *testing.T) {
	srv := apitest.New(t)
	client, err := api.New(api.Config{BaseURL: srv.BaseURL()})
	require.NoError(t, err)

	dir := t.TempDir()
	results := &resultLog{}
	w, err := New(Config{Dir: dir, Uploader: client, Debounce: 50 * time.Millisecond, OnUpload: results.add})
	require.NoError(t, err)
	stop := start(t, w)
	defer stop()

	writeFile(t, filepath.Join(dir, "Quarterly Report.pdf"), "%PDF-1.4")

	assert.Eventually(t, func() bool { return len(results.all()) == 1 }, 3*time.Second, 10*time.Millisecond)
	r := results.all()[0]
	require.NoError(t, r.Err)
	require.Len(t, r.Documents, 1)
	assert.Equal(t, "Quarterly Report.pdf", r.Documents[0].OriginalFilename)
	assert.Equal(t, api.StatusUploaded, r.Documents[0].Status)
}
