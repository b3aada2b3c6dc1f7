// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package apitest provides an in-memory fake of the document Q&A service
// for tests, built on gin and httptest.
//
// The fake keeps sessions and documents in memory with the same semantics
// as the real service (title from the first user message, {"error": ...}
// bodies for unknown sessions, event replay on every progress connection)
// and lets tests script the answer stream frame by frame.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/api"
	"github.com/AleutianAI/memodesk/cmd/memodesk/internal/conversation"
)

// Request is a request recorded by the fake.
type Request struct {
	Method string
	Path   string
	Body   string
}

type session struct {
	info     api.SessionInfo
	messages []api.SessionMessage
}

// Server is a scriptable fake of the service. Script it with the Set
// methods; they are safe to call while requests are in flight.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	sessions  []*session
	documents []api.Document
	requests  []Request
	nextID    int
	failures  map[string]int

	askFrames      []string
	askAnswer      api.AskResponse
	progressFrames []string
	holdProgress   bool
	extractions    []api.Extraction
	faqs           map[string]api.FAQResponse
	suggestions    []string
	history        []api.HistoryEntry

	suggestionCalls  int
	progressConnects int
}

// New starts a fake and registers its shutdown with t.Cleanup.
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		failures: make(map[string]int),
		faqs:     make(map[string]api.FAQResponse),
	}

	router := gin.New()
	router.Use(s.record, s.injectFailures)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/documents/upload", s.uploadDocuments)
		v1.GET("/documents", s.listDocuments)
		v1.GET("/documents/progress/stream", s.progressStream)
		v1.POST("/documents/demo/load", s.loadDemo)
		v1.GET("/documents/:id", s.getDocument)
		v1.DELETE("/documents/:id", s.deleteDocument)

		v1.POST("/qa/ask", s.ask)
		v1.POST("/qa/ask/stream", s.askStream)
		v1.GET("/qa/history", s.getHistory)
		v1.GET("/qa/suggested-questions", s.suggested)

		v1.POST("/qa/sessions", s.createSession)
		v1.GET("/qa/sessions", s.listSessions)
		v1.GET("/qa/sessions/:id", s.getSession)
		v1.POST("/qa/sessions/:id/messages", s.appendMessage)
		v1.DELETE("/qa/sessions/:id", s.deleteSession)

		v1.GET("/extraction/results", s.listExtractions)
		v1.GET("/extraction/results/:id", s.getExtraction)
		v1.POST("/extraction/process/:id", s.processExtraction)
		v1.GET("/comparison/documents", s.comparison)
		v1.POST("/faq/generate/:id", s.generateFAQ)
		v1.GET("/faq/get/:id", s.getFAQ)
	}

	s.Server = httptest.NewServer(router)
	t.Cleanup(s.Server.Close)
	return s
}

// BaseURL returns the API root for api.Config.BaseURL.
func (s *Server) BaseURL() string {
	return s.Server.URL + "/api/v1"
}

// Fail makes every request to path answer status until cleared with 0.
func (s *Server) Fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, path)
		return
	}
	s.failures[path] = status
}

// Requests returns the recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestsTo returns recorded requests whose method and path match.
func (s *Server) RequestsTo(method, path string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// SetAskFrames scripts the records written by /qa/ask/stream.
func (s *Server) SetAskFrames(frames ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.askFrames = frames
}

// SetAskAnswer scripts the body of /qa/ask.
func (s *Server) SetAskAnswer(resp api.AskResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.askAnswer = resp
}

// SetProgressFrames scripts the records replayed on every progress
// connection. With hold set, connections stay open until the client leaves.
func (s *Server) SetProgressFrames(hold bool, frames ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressFrames = frames
	s.holdProgress = hold
}

// SetExtractions scripts the extraction results.
func (s *Server) SetExtractions(results ...api.Extraction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractions = results
}

// SetFAQs stores a generated FAQ set.
func (s *Server) SetFAQs(resp api.FAQResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faqs[resp.DocID] = resp
}

// SetSuggestions scripts the suggested questions.
func (s *Server) SetSuggestions(questions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions = questions
}

// SetHistory scripts the Q&A history.
func (s *Server) SetHistory(entries ...api.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = entries
}

// AddDocument inserts a document.
func (s *Server) AddDocument(doc api.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents = append(s.documents, doc)
}

// SetDocumentStatus changes the status of a document.
func (s *Server) SetDocumentStatus(id string, status api.DocumentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.documents {
		if s.documents[i].ID == id {
			s.documents[i].Status = status
		}
	}
}

// Messages returns the stored messages of a session.
func (s *Server) Messages(id string) []api.SessionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.findLocked(id); sess != nil {
		out := make([]api.SessionMessage, len(sess.messages))
		copy(out, sess.messages)
		return out
	}
	return nil
}

// SessionInfo returns the stored metadata of a session.
func (s *Server) SessionInfo(id string) (api.SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.findLocked(id); sess != nil {
		info := sess.info
		info.MessageCount = len(sess.messages)
		return info, true
	}
	return api.SessionInfo{}, false
}

// SuggestionCalls returns how many times suggestions were requested.
func (s *Server) SuggestionCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suggestionCalls
}

// ProgressConnects returns how many progress connections were opened.
func (s *Server) ProgressConnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressConnects
}

// Frame formats an answer-stream payload as one SSE record.
func Frame(kind string, data any) string {
	payload := map[string]any{"type": kind}
	if data != nil {
		payload["data"] = data
	}
	b, _ := json.Marshal(payload)
	return "data: " + string(b) + "\n\n"
}

// ProgressFrame formats a progress event as one SSE record.
func ProgressFrame(docID, step, status, detail string, progress int) string {
	b, _ := json.Marshal(map[string]any{
		"doc_id":    docID,
		"step":      step,
		"status":    status,
		"detail":    detail,
		"progress":  progress,
		"timestamp": time.Now().Format("2006-01-02T15:04:05.000000"),
	})
	return "data: " + string(b) + "\n\n"
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) record(c *gin.Context) {
	var body string
	if c.Request.Body != nil && !strings.HasPrefix(c.ContentType(), "multipart/") {
		raw, _ := io.ReadAll(c.Request.Body)
		body = string(raw)
		c.Request.Body = io.NopCloser(strings.NewReader(body))
	}
	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: c.Request.Method, Path: c.Request.URL.Path, Body: body})
	s.mu.Unlock()
	c.Next()
}

func (s *Server) injectFailures(c *gin.Context) {
	s.mu.Lock()
	status, ok := s.failures[strings.TrimPrefix(c.Request.URL.Path, "/api/v1")]
	s.mu.Unlock()
	if ok {
		c.AbortWithStatusJSON(status, gin.H{"detail": "injected failure"})
		return
	}
	c.Next()
}

// =============================================================================
// Documents
// =============================================================================

func (s *Server) newIDLocked() string {
	s.nextID++
	return fmt.Sprintf("id%06d", s.nextID)
}

func (s *Server) uploadDocuments(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []api.Document
	for _, fh := range form.File["files"] {
		if !strings.HasSuffix(strings.ToLower(fh.Filename), ".pdf") {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Only PDF files are supported. Got: " + fh.Filename})
			return
		}
		id := s.newIDLocked()
		doc := api.Document{
			ID:               id,
			Filename:         id + "_" + strings.ReplaceAll(fh.Filename, " ", "_"),
			OriginalFilename: fh.Filename,
			FileSize:         fh.Size,
			Status:           api.StatusUploaded,
			UploadDate:       api.Timestamp{Time: time.Now()},
		}
		s.documents = append(s.documents, doc)
		docs = append(docs, doc)
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) listDocuments(c *gin.Context) {
	s.mu.Lock()
	docs := make([]api.Document, len(s.documents))
	copy(docs, s.documents)
	s.mu.Unlock()

	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UploadDate.After(docs[j].UploadDate.Time)
	})
	c.JSON(http.StatusOK, api.DocumentList{Documents: docs, Total: len(docs)})
}

func (s *Server) getDocument(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.documents {
		if d.ID == c.Param("id") {
			c.JSON(http.StatusOK, d)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "Document not found"})
}

func (s *Server) deleteDocument(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.documents {
		if d.ID == c.Param("id") {
			s.documents = append(s.documents[:i], s.documents[i+1:]...)
			c.JSON(http.StatusOK, gin.H{"message": "Document deleted"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "Document not found"})
}

func (s *Server) loadDemo(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var docs []api.Document
	for _, name := range []string{"demo_alpha.pdf", "demo_beta.pdf"} {
		id := s.newIDLocked()
		doc := api.Document{
			ID:               id,
			Filename:         id + "_" + name,
			OriginalFilename: name,
			Status:           api.StatusUploaded,
			UploadDate:       api.Timestamp{Time: time.Now()},
		}
		s.documents = append(s.documents, doc)
		docs = append(docs, doc)
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) progressStream(c *gin.Context) {
	s.mu.Lock()
	s.progressConnects++
	frames := append([]string(nil), s.progressFrames...)
	hold := s.holdProgress
	s.mu.Unlock()

	writeSSEHeaders(c)
	for _, f := range frames {
		if _, err := io.WriteString(c.Writer, f); err != nil {
			return
		}
		c.Writer.Flush()
	}
	if hold {
		<-c.Request.Context().Done()
	}
}

// =============================================================================
// Q&A
// =============================================================================

func (s *Server) ask(c *gin.Context) {
	var req api.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	resp := s.askAnswer
	s.mu.Unlock()
	resp.Question = req.Question
	if resp.Sources == nil {
		resp.Sources = []conversation.Citation{}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) askStream(c *gin.Context) {
	var req api.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	frames := append([]string(nil), s.askFrames...)
	s.mu.Unlock()

	writeSSEHeaders(c)
	for _, f := range frames {
		if _, err := io.WriteString(c.Writer, f); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) getHistory(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history
	if entries == nil {
		entries = []api.HistoryEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) suggested(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestionCalls++
	c.JSON(http.StatusOK, gin.H{"questions": s.suggestions})
}

// =============================================================================
// Sessions
// =============================================================================

func (s *Server) findLocked(id string) *session {
	for _, sess := range s.sessions {
		if sess.info.ID == id {
			return sess
		}
	}
	return nil
}

func (s *Server) createSession(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := api.Timestamp{Time: time.Now()}
	sess := &session{info: api.SessionInfo{ID: s.newIDLocked(), Title: "New Chat", CreatedAt: now, UpdatedAt: now}}
	s.sessions = append([]*session{sess}, s.sessions...)
	c.JSON(http.StatusOK, gin.H{
		"id":         sess.info.ID,
		"title":      sess.info.Title,
		"created_at": sess.info.CreatedAt,
		"updated_at": sess.info.UpdatedAt,
		"messages":   []any{},
	})
}

func (s *Server) listSessions(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]api.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		info := sess.info
		info.MessageCount = len(sess.messages)
		infos = append(infos, info)
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) getSession(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.findLocked(c.Param("id"))
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         sess.info.ID,
		"title":      sess.info.Title,
		"created_at": sess.info.CreatedAt,
		"updated_at": sess.info.UpdatedAt,
		"messages":   sess.messages,
	})
}

func (s *Server) appendMessage(c *gin.Context) {
	var msg api.SessionMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.findLocked(c.Param("id"))
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"error": "Session not found"})
		return
	}
	sess.messages = append(sess.messages, msg)
	if len(sess.messages) == 1 && msg.Role == "user" {
		title := msg.Content
		if utf8.RuneCountInString(title) > 50 {
			title = string([]rune(title)[:50]) + "..."
		}
		sess.info.Title = title
	}
	sess.info.UpdatedAt = api.Timestamp{Time: time.Now()}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) deleteSession(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		if sess.info.ID != c.Param("id") {
			kept = append(kept, sess)
		}
	}
	s.sessions = kept
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted"})
}

// =============================================================================
// Extraction, comparison, FAQ
// =============================================================================

func (s *Server) listExtractions(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := s.extractions
	if results == nil {
		results = []api.Extraction{}
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) getExtraction(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.extractions {
		if e.DocID == c.Param("id") {
			c.JSON(http.StatusOK, e)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "Extraction not found"})
}

// processExtraction marks the extraction completed, as a finished re-run.
func (s *Server) processExtraction(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.extractions {
		if e.DocID == c.Param("id") {
			e.Status = api.ExtractionCompleted
			e.ErrorMessage = ""
			s.extractions[i] = e
			c.JSON(http.StatusOK, e)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "Document not found"})
}

func (s *Server) comparison(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := []api.Extraction{}
	for _, e := range s.extractions {
		if e.Status == api.ExtractionCompleted {
			results = append(results, e)
		}
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) generateFAQ(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.Param("id")
	resp, ok := s.faqs[id]
	if !ok {
		resp = api.FAQResponse{
			DocID:  id,
			FAQs:   []api.FAQ{{Question: "What does the company do?", Answer: "It builds tools."}},
			Status: api.FAQCompleted,
		}
		s.faqs[id] = resp
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getFAQ(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.Param("id")
	if resp, ok := s.faqs[id]; ok {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusOK, api.FAQResponse{DocID: id, FAQs: []api.FAQ{}, Status: api.FAQPending})
}

func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}
