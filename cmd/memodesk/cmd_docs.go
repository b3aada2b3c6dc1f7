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
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/events"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/progress"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/watch"
	"github.com/AleutianAI/memodesk/pkg/ux"
)

// =============================================================================
// DOCUMENTS
// =============================================================================

func (c *cli) runDocsList(cmd *cobra.Command, _ []string) error {
	return c.printDocuments(cmd.Context())
}

// printDocuments prints the document list.
func (c *cli) printDocuments(ctx context.Context) error {
	list, err := c.app.Client.ListDocuments(ctx)
	if err != nil {
		return err
	}
	if len(list.Documents) == 0 {
		c.printer.Muted("No documents. Upload some with: memodesk docs upload file.pdf")
		return nil
	}
	c.printDocumentTable(list.Documents)
	return nil
}

func (c *cli) printDocumentTable(docs []api.Document) {
	rows := make([][]string, 0, len(docs))
	for _, d := range docs {
		status := string(d.Status)
		if d.Status == api.StatusFailed && d.ErrorMessage != "" {
			status += ": " + d.ErrorMessage
		}
		pages := ""
		if d.PageCount > 0 {
			pages = strconv.Itoa(d.PageCount)
		}
		rows = append(rows, []string{d.ID, d.DisplayName(), status, pages, formatSize(d.FileSize), formatTime(d.UploadDate.Time)})
	}
	c.printer.Table([]string{"ID", "Name", "Status", "Pages", "Size", "Uploaded"}, rows)
}

// runDocsUpload uploads the valid files in one request. Files that fail
// the local checks are reported and skipped.
func (c *cli) runDocsUpload(cmd *cobra.Command, args []string) error {
	var valid []string
	for _, path := range args {
		if err := api.CheckUpload(path); err != nil {
			c.printer.Error(err.Error())
			continue
		}
		valid = append(valid, path)
	}
	if len(valid) == 0 {
		return NewCommandError("docs upload", 1, errors.New("no files to upload")).AlreadyReported()
	}

	var uploaded []api.Document
	err := ux.WithSpinner(c.printer, fmt.Sprintf("Uploading %d file(s)", len(valid)), func() error {
		docs, err := c.app.Client.UploadDocuments(cmd.Context(), valid)
		uploaded = docs
		return err
	})
	if err != nil {
		return NewCommandError("docs upload", 1, err).AlreadyReported()
	}
	c.printDocumentTable(uploaded)
	c.printer.Muted("Processing has started. Follow it with: memodesk progress")
	if len(valid) < len(args) {
		return NewCommandError("docs upload", 1, errors.New("some files were skipped")).AlreadyReported()
	}
	return nil
}

func (c *cli) runDocsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	name := id
	if doc, err := c.app.Client.GetDocument(ctx, id); err == nil {
		name = doc.DisplayName()
	} else if api.IsNotFound(err) {
		return fmt.Errorf("document %s not found", id)
	}

	yes, _ := cmd.Flags().GetBool("yes")
	ok, err := c.confirm(yes, fmt.Sprintf("Delete %s?", name), "The document and its extracted data are removed from the service.")
	if err != nil {
		return err
	}
	if !ok {
		c.printer.Muted("Cancelled.")
		return nil
	}
	if err := c.app.Client.DeleteDocument(ctx, id); err != nil {
		return err
	}
	c.app.Client.InvalidateSuggestions()
	c.printer.Success("Deleted " + name)
	return nil
}

func (c *cli) runDocsDemo(cmd *cobra.Command, _ []string) error {
	var docs []api.Document
	err := ux.WithSpinner(c.printer, "Loading demo documents", func() error {
		var err error
		docs, err = c.app.Client.LoadDemoDocuments(cmd.Context())
		return err
	})
	if err != nil {
		return NewCommandError("docs demo", 1, err).AlreadyReported()
	}
	c.printDocumentTable(docs)
	return nil
}

// runDocsWatch uploads PDFs that appear in a directory and reports when
// they finish processing.
//
// # Description
//
// Runs the directory watcher next to the progress feed and poller. The
// aggregator announces finished and failed documents on the event bus;
// this command subscribes to those topics to tell the user.
func (c *cli) runDocsWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	existing, _ := cmd.Flags().GetBool("existing")
	p := c.printer

	w, err := watch.New(watch.Config{
		Dir:            args[0],
		Uploader:       c.app.Client,
		Debounce:       c.cfg.Watch.Debounce,
		UploadExisting: existing || c.cfg.Watch.UploadExisting,
		Logger:         c.logger.With("component", "watch"),
		OnUpload: func(r watch.Result) {
			if r.Err != nil {
				p.Error(fmt.Sprintf("upload %v: %v", r.Paths, r.Err))
				return
			}
			for _, d := range r.Documents {
				p.Success(fmt.Sprintf("Uploaded %s (%s)", d.DisplayName(), d.ID))
			}
		},
	})
	if err != nil {
		return err
	}

	agg := c.app.NewAggregator()
	feed, poller := c.app.NewProgress(agg)
	name := func(docID string) string {
		if proj, ok := agg.Projection(docID); ok && proj.Name != "" {
			return proj.Name
		}
		return docID
	}
	if err := events.Handle(ctx, c.app.Bus, events.TopicDocumentProcessed, func(ev events.DocumentEvent) {
		p.Success("Processed " + name(ev.DocID))
	}); err != nil {
		return err
	}
	if err := events.Handle(ctx, c.app.Bus, events.TopicDocumentFailed, func(ev events.DocumentEvent) {
		p.Error(fmt.Sprintf("Processing %s failed: %s", name(ev.DocID), ev.Detail))
	}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return progress.Run(ctx, feed, poller) })
	p.Info(fmt.Sprintf("Watching %s for new PDFs (Ctrl+C to stop)", w.Dir()))
	return g.Wait()
}

// =============================================================================
// PROGRESS
// =============================================================================

// runProgress shows per-document processing progress.
//
// # Description
//
// With --once, polls the document list and prints it. Otherwise follows
// the progress feed, reconciled with periodic polls, until interrupted or,
// with --until-done, until every document is processed or failed. On a
// terminal the board is redrawn in place; elsewhere each change is printed
// as a line.
func (c *cli) runProgress(cmd *cobra.Command, _ []string) error {
	once, _ := cmd.Flags().GetBool("once")
	untilDone, _ := cmd.Flags().GetBool("until-done")

	agg := c.app.NewAggregator()
	feed, poller := c.app.NewProgress(agg)

	if once {
		if _, err := poller.Refresh(cmd.Context()); err != nil {
			return err
		}
		c.printBoard(agg.Documents())
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	view := &boardView{printer: c.printer}
	redraw := !c.printer.Machine() && ux.IsTerminal(c.out)
	unsubscribe := agg.Subscribe(func(proj progress.Projection) {
		docs := agg.Documents()
		if redraw {
			view.draw(docs)
		} else {
			view.line(proj)
		}
		if untilDone && allTerminal(docs) {
			cancel()
		}
	})
	defer unsubscribe()

	docs, err := poller.Refresh(ctx)
	if err != nil {
		return err
	}
	if untilDone && allTerminal(agg.Documents()) {
		if len(docs) == 0 {
			c.printBoard(nil)
		}
		return nil
	}
	return progress.Run(ctx, feed, poller)
}

func (c *cli) printBoard(docs []progress.Projection) {
	rows := make([]ux.DocumentProgress, len(docs))
	for i, d := range docs {
		rows[i] = documentProgress(d)
	}
	if board := c.printer.ProgressBoard(rows); board != "" {
		c.printer.Println(board)
	}
}

func allTerminal(docs []progress.Projection) bool {
	for _, d := range docs {
		if !d.Phase.Terminal() {
			return false
		}
	}
	return true
}
