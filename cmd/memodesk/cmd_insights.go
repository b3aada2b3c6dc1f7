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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/pkg/ux"
)

// cellWidth caps free-text cells in tables.
const cellWidth = 60

func (c *cli) runResults(cmd *cobra.Command, args []string) error {
	reprocess, _ := cmd.Flags().GetBool("reprocess")
	if len(args) == 1 {
		return c.printExtraction(cmd.Context(), args[0], reprocess)
	}
	if reprocess {
		return errors.New("--reprocess needs a document id")
	}

	results, err := c.app.Client.ListExtractions(cmd.Context())
	if err != nil {
		return err
	}
	if len(results) == 0 {
		c.printer.Muted("No documents have been processed yet.")
		return nil
	}

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		company := r.CompanyName
		if company == "" {
			company = r.DocID
		}
		status := string(r.Status)
		if r.Status == api.ExtractionError && r.ErrorMessage != "" {
			status += ": " + r.ErrorMessage
		}
		rows = append(rows, []string{
			r.DocID,
			company,
			status,
			clip(r.Pitch),
			r.Financials.Revenue,
			r.Ask.Amount,
		})
	}
	c.printer.Table([]string{"Document", "Company", "Status", "Pitch", "Revenue", "Ask"}, rows)
	return nil
}

// printExtraction prints every field of one document's extraction,
// re-running the extraction first when reprocess is set.
func (c *cli) printExtraction(ctx context.Context, id string, reprocess bool) error {
	var result api.Extraction
	var err error
	if reprocess {
		err = ux.WithSpinner(c.printer, "Re-running extraction", func() error {
			result, err = c.app.Client.ProcessExtraction(ctx, id)
			return err
		})
	} else {
		result, err = c.app.Client.GetExtraction(ctx, id)
	}
	if api.IsNotFound(err) {
		return fmt.Errorf("document %s not found", id)
	}
	if err != nil {
		return err
	}

	p := c.printer
	name := result.CompanyName
	if name == "" {
		name = result.DocID
	}
	p.Title("Extraction: " + name)
	p.Field("document", result.DocID)
	p.Field("status", string(result.Status))
	if result.ErrorMessage != "" {
		p.Field("error", collapseSpace(result.ErrorMessage))
	}
	if result.Status != api.ExtractionCompleted {
		return nil
	}
	for _, f := range comparisonFields {
		if v := collapseSpace(f.value(result)); v != "" {
			p.Field(f.label, v)
		}
	}
	return nil
}

// comparisonFields are the rows of the comparison table.
var comparisonFields = []struct {
	label string
	value func(api.Extraction) string
}{
	{"Pitch", func(e api.Extraction) string { return e.Pitch }},
	{"Business model", func(e api.Extraction) string { return e.BusinessModel }},
	{"Founders", func(e api.Extraction) string {
		names := make([]string, len(e.Founders))
		for i, f := range e.Founders {
			names[i] = f.Name
			if f.Role != "" {
				names[i] += " (" + f.Role + ")"
			}
		}
		return strings.Join(names, ", ")
	}},
	{"Revenue", func(e api.Extraction) string { return e.Financials.Revenue }},
	{"Burn rate", func(e api.Extraction) string { return e.Financials.BurnRate }},
	{"Runway", func(e api.Extraction) string { return e.Financials.Runway }},
	{"Valuation", func(e api.Extraction) string { return e.Financials.Valuation }},
	{"TAM", func(e api.Extraction) string { return e.TAM.TotalAddressable }},
	{"Growth", func(e api.Extraction) string { return e.Traction.GrowthRate }},
	{"Ask", func(e api.Extraction) string { return e.Ask.Amount }},
	{"Competitors", func(e api.Extraction) string { return strings.Join(e.Competitors, ", ") }},
	{"Risks", func(e api.Extraction) string { return strings.Join(e.Risks, "; ") }},
}

// runCompare prints completed extractions side by side, one column per
// company.
func (c *cli) runCompare(cmd *cobra.Command, _ []string) error {
	results, err := c.app.Client.ComparisonData(cmd.Context())
	if err != nil {
		return err
	}
	if len(results) < 2 {
		c.printer.Muted("At least two processed documents are needed for a comparison.")
		if len(results) == 0 {
			return nil
		}
	}

	headers := []string{"Field"}
	for _, r := range results {
		name := r.CompanyName
		if name == "" {
			name = r.DocID
		}
		headers = append(headers, name)
	}
	rows := make([][]string, 0, len(comparisonFields))
	for _, f := range comparisonFields {
		row := []string{f.label}
		for _, r := range results {
			row = append(row, clip(f.value(r)))
		}
		rows = append(rows, row)
	}
	c.printer.Table(headers, rows)
	return nil
}

func (c *cli) runFAQ(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	generate, _ := cmd.Flags().GetBool("generate")
	regenerate, _ := cmd.Flags().GetBool("regenerate")
	id := args[0]

	var resp api.FAQResponse
	var err error
	switch {
	case regenerate:
		err = ux.WithSpinner(c.printer, "Regenerating FAQs", func() error {
			resp, err = c.app.Client.RegenerateFAQs(ctx, id)
			return err
		})
	case generate:
		resp, err = c.app.Client.GetFAQs(ctx, id)
		if err == nil && resp.Status != api.FAQCompleted {
			err = ux.WithSpinner(c.printer, "Generating FAQs", func() error {
				resp, err = c.app.Client.GenerateFAQs(ctx, id)
				return err
			})
		}
	default:
		resp, err = c.app.Client.GetFAQs(ctx, id)
	}
	if api.IsNotFound(err) {
		return fmt.Errorf("document %s not found", id)
	}
	if err != nil {
		return err
	}

	p := c.printer
	switch resp.Status {
	case api.FAQCompleted:
	case api.FAQGenerating:
		p.Muted("FAQs are being generated; try again shortly.")
		return nil
	case api.FAQError:
		return fmt.Errorf("FAQ generation failed for %s", id)
	default:
		p.Muted(fmt.Sprintf("No FAQs yet. Generate them with: memodesk faq %s --generate", id))
		return nil
	}

	title := resp.DocName
	if title == "" {
		title = id
	}
	p.Title("FAQs: " + title)
	for i, faq := range resp.FAQs {
		if p.Machine() {
			p.Printf("QUESTION: %s\n", faq.Question)
			p.Printf("ANSWER: %s\n", collapseSpace(faq.Answer))
			continue
		}
		p.Println()
		p.Printf("%s %s\n", p.Styled(ux.Styles.Highlight, fmt.Sprintf("%d.", i+1)), p.Styled(ux.Styles.Bold, faq.Question))
		p.Println(ux.MarkdownRenderer{Level: p.Level}.Render(faq.Answer))
	}
	return nil
}

func (c *cli) runSuggest(cmd *cobra.Command, _ []string) error {
	return c.printSuggestions(cmd.Context())
}

// printSuggestions prints the suggested questions, numbered.
func (c *cli) printSuggestions(ctx context.Context) error {
	questions, err := c.app.Client.SuggestedQuestions(ctx)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		c.printer.Muted("No suggestions yet. Upload a document first.")
		return nil
	}
	for i, q := range questions {
		if c.printer.Machine() {
			c.printer.Printf("SUGGESTION: %s\n", q)
			continue
		}
		c.printer.Printf("%2d. %s\n", i+1, q)
	}
	return nil
}

// runHistory prints the recent non-streamed answers in the order the
// service keeps them.
func (c *cli) runHistory(cmd *cobra.Command, _ []string) error {
	entries, err := c.app.Client.History(cmd.Context())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		c.printer.Muted("No history yet.")
		return nil
	}

	p := c.printer
	for _, e := range entries {
		if p.Machine() {
			p.Printf("QUESTION: %s\n", e.Question)
		} else {
			p.Println()
			p.Printf("%s %s\n", p.Styled(ux.Styles.Highlight, "Q:"), e.Question)
			if !e.AskedAt.IsZero() {
				p.Muted(formatTime(e.AskedAt.Time))
			}
		}
		view := ux.AnswerView{Content: e.Answer}
		for _, s := range e.Sources {
			view.Sources = append(view.Sources, ux.Source{Doc: s.DocName, Page: s.Page, Snippet: s.Snippet})
		}
		p.PrintAnswer(view)
	}
	return nil
}

// clip collapses whitespace and shortens s for a table cell.
func clip(s string) string {
	s = collapseSpace(s)
	runes := []rune(s)
	if len(runes) <= cellWidth {
		return s
	}
	return string(runes[:cellWidth-3]) + "..."
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
