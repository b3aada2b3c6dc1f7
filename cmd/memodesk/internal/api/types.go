// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"encoding/json"
	"time"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
)

// =============================================================================
// Documents
// =============================================================================

// DocumentStatus is the processing status reported by the document list.
type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusProcessed  DocumentStatus = "processed"
	StatusFailed     DocumentStatus = "error"
)

// Document is the metadata of one uploaded PDF.
type Document struct {
	ID               string         `json:"id"`
	Filename         string         `json:"filename"`
	OriginalFilename string         `json:"original_filename"`
	FileSize         int64          `json:"file_size"`
	PageCount        int            `json:"page_count"`
	Status           DocumentStatus `json:"status"`
	UploadDate       Timestamp      `json:"upload_date"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

// DisplayName prefers the name the user uploaded the file under.
func (d Document) DisplayName() string {
	if d.OriginalFilename != "" {
		return d.OriginalFilename
	}
	return d.Filename
}

// DocumentList is the body of GET /documents.
type DocumentList struct {
	Documents []Document `json:"documents"`
	Total     int        `json:"total"`
}

// =============================================================================
// Q&A
// =============================================================================

// AskRequest is the body of both ask endpoints. A nil DocIDs asks across
// every document.
type AskRequest struct {
	Question string   `json:"question" validate:"required"`
	DocIDs   []string `json:"doc_ids" validate:"omitempty,dive,required"`
}

// AskResponse is the body of POST /qa/ask.
type AskResponse struct {
	Question string                  `json:"question"`
	Answer   string                  `json:"answer"`
	Sources  []conversation.Citation `json:"sources"`
}

// HistoryEntry is one item of GET /qa/history (the last 50 non-streaming
// answers).
type HistoryEntry struct {
	ID       string                  `json:"id"`
	Question string                  `json:"question"`
	Answer   string                  `json:"answer"`
	Sources  []conversation.Citation `json:"sources"`
	AskedAt  Timestamp               `json:"asked_at"`
}

// =============================================================================
// Sessions
// =============================================================================

// SessionInfo is the metadata the session endpoints return.
type SessionInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    Timestamp `json:"created_at"`
	UpdatedAt    Timestamp `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Session converts the wire metadata into the conversation model.
func (s SessionInfo) Session() conversation.Session {
	return conversation.Session{
		ID:        s.ID,
		Title:     s.Title,
		CreatedAt: s.CreatedAt.Time,
		UpdatedAt: s.UpdatedAt.Time,
		TurnCount: s.MessageCount,
	}
}

// SessionMessage is one stored message.
type SessionMessage struct {
	Role      string                  `json:"role" validate:"required,oneof=user assistant"`
	Content   string                  `json:"content"`
	Sources   []conversation.Citation `json:"sources,omitempty"`
	Timestamp Timestamp               `json:"timestamp,omitempty"`
}

// SessionDetail is the body of GET /qa/sessions/{id}.
type SessionDetail struct {
	SessionInfo
	Messages []SessionMessage `json:"messages"`
}

// =============================================================================
// Extraction, comparison and FAQ
// =============================================================================

// Founder is one member of the founding team.
type Founder struct {
	Name       string `json:"name"`
	Role       string `json:"role"`
	Background string `json:"background"`
}

// Financials holds the money figures quoted in a deck, verbatim.
type Financials struct {
	Revenue   string `json:"revenue"`
	BurnRate  string `json:"burn_rate"`
	Runway    string `json:"runway"`
	Valuation string `json:"valuation"`
}

// Market holds the market-size claims of a deck.
type Market struct {
	TotalAddressable string `json:"total_addressable_market"`
	Serviceable      string `json:"serviceable_market"`
}

// Traction holds growth metrics and milestones.
type Traction struct {
	Metrics    []string `json:"metrics"`
	GrowthRate string   `json:"growth_rate"`
	Milestones []string `json:"milestones"`
}

// FundingAsk is the raise a deck asks for.
type FundingAsk struct {
	Amount    string   `json:"amount"`
	UseOfFund []string `json:"use_of_funds"`
}

// ExtractionStatus is the state of the structured extraction of a document.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionProcessing ExtractionStatus = "processing"
	ExtractionCompleted  ExtractionStatus = "completed"
	ExtractionError      ExtractionStatus = "error"
)

// Extraction is the structured summary the service extracts from a deck.
// GET /comparison/documents returns the completed ones.
type Extraction struct {
	DocID         string           `json:"doc_id"`
	CompanyName   string           `json:"company_name"`
	Pitch         string           `json:"pitch"`
	Founders      []Founder        `json:"founders"`
	BusinessModel string           `json:"business_model"`
	Financials    Financials       `json:"financials"`
	TAM           Market           `json:"tam"`
	Traction      Traction         `json:"traction"`
	Competitors   []string         `json:"competitors"`
	Ask           FundingAsk       `json:"ask"`
	Risks         []string         `json:"risks"`
	Status        ExtractionStatus `json:"status"`
	ErrorMessage  string           `json:"error_message,omitempty"`
}

// FAQ is one generated question and answer.
type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// FAQStatus is the state of FAQ generation for a document.
type FAQStatus string

const (
	FAQPending    FAQStatus = "pending"
	FAQGenerating FAQStatus = "generating"
	FAQCompleted  FAQStatus = "completed"
	FAQError      FAQStatus = "error"
)

// FAQResponse is the body of the FAQ endpoints.
type FAQResponse struct {
	DocID   string    `json:"doc_id"`
	DocName string    `json:"doc_name"`
	FAQs    []FAQ     `json:"faqs"`
	Status  FAQStatus `json:"status"`
}

// SuggestedQuestions is the body of GET /qa/suggested-questions.
type SuggestedQuestions struct {
	Questions []string `json:"questions"`
}

// =============================================================================
// Timestamp
// =============================================================================

// Timestamp decodes the ISO-8601 strings the service emits, with or
// without a zone suffix. Empty strings and null decode to the zero time.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON parses the service's timestamp formats.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// null or a non-string value
		t.Time = time.Time{}
		return nil
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	t.Time = time.Time{}
	return nil
}

// MarshalJSON writes RFC 3339, or an empty string for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
