package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgallion1/docrag/internal/chunker"
	"github.com/dgallion1/docrag/internal/config"
	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/embedding"
	"github.com/dgallion1/docrag/internal/llm"
	"github.com/dgallion1/docrag/internal/metrics"
	"github.com/dgallion1/docrag/internal/parser"
	"github.com/dgallion1/docrag/internal/pipeline"
	"github.com/dgallion1/docrag/internal/rag"
	"github.com/dgallion1/docrag/internal/retry"
	"github.com/dgallion1/docrag/internal/storage"
	"github.com/dgallion1/docrag/internal/tokens"
	"github.com/dgallion1/docrag/internal/vectorindex"
)

const testKey = "test-key"

// flatEmbedder maps every text onto the same unit vector so any stored
// chunk matches any question.
type flatEmbedder struct{}

func (flatEmbedder) EmbedWithProgress(_ context.Context, texts []string, progress func(done, total int)) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	progress(1, 1)
	return out, nil
}

func (flatEmbedder) Batches(int) int { return 1 }

func (flatEmbedder) Model() string { return "flat" }

func (flatEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type fakeProvider struct {
	text string
	err  error
}

func (p *fakeProvider) Complete(context.Context, llm.Request) (*llm.Completion, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Completion{Text: p.text, InputTokens: 100, OutputTokens: 20, Model: "fake"}, nil
}

func (p *fakeProvider) Model() string { return "fake" }

type testServer struct {
	*Server
	store    *storage.Memory
	index    *vectorindex.Exact
	provider *fakeProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	store := storage.NewMemory()
	index := vectorindex.NewExact()
	rec := metrics.NewRecorder(store, log)
	counter := tokens.CounterFunc(tokens.Estimate)
	parsers := parser.NewRegistry(parser.Options{})

	worker := pipeline.NewWorker(store, index, flatEmbedder{}, nil, rec, pipeline.WorkerConfig{
		Parsers:  parsers,
		Chunking: chunker.Config{ChunkSize: 200, ChunkOverlap: 20, Lookback: 40},
		Counter:  counter,
	}, log)
	orch := pipeline.NewOrchestrator(pipeline.Config{Workers: 1, QueueSize: 4}, worker, store, index, log)
	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		orch.Stop()
	})

	provider := &fakeProvider{text: `{"answer": "Revenue grew.", "sources": [1], "follow_up_questions": ["By how much?"]}`}
	client := llm.NewClient(provider, llm.ClientConfig{}, log)
	sessions := rag.NewSessions(store, log)
	retriever := rag.NewRetriever(flatEmbedder{}, index, rec, rag.DefaultRetrieverConfig(), log)
	chat := rag.NewChatService(store, sessions, retriever, rag.NewGenerator(client, counter, log), counter, rec,
		rag.ChatConfig{Retry: retry.Policy{Retries: 1, Backoff: func(int) time.Duration { return 0 }}}, log)

	cfg := config.Defaults()
	cfg.APIKey = testKey
	srv := NewServer(Deps{
		Store:        store,
		Orchestrator: orch,
		Sessions:     sessions,
		Chat:         chat,
		Parsers:      parsers,
		LLM:          client,
	}, log, cfg)
	return &testServer{Server: srv, store: store, index: index, provider: provider}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)
	return w
}

func (ts *testServer) doJSON(t *testing.T, method, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = bytes.NewReader(b)
	}
	return ts.do(t, method, path, body, "application/json")
}

func (ts *testServer) upload(t *testing.T, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return ts.do(t, http.MethodPost, "/api/documents", &buf, mw.FormDataContentType())
}

// addCompleted stores a processed document with one indexed chunk.
func (ts *testServer) addCompleted(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := ts.store.CreateDocument(ctx, &document.Document{
		ID: id, Filename: id + ".txt", Format: document.FormatText, Status: document.StatusCompleted,
		ChunkCount: 1, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("creating document: %v", err)
	}
	chunks := []document.Chunk{{
		ID: id + "-c0", DocumentID: id, Ordinal: 0, Page: 1,
		Content: "Revenue grew twenty percent.", Vector: []float32{1, 0, 0},
	}}
	if err := ts.store.ReplaceChunks(ctx, id, chunks); err != nil {
		t.Fatalf("storing chunks: %v", err)
	}
	if err := ts.index.Replace(ctx, id, chunks); err != nil {
		t.Fatalf("indexing chunks: %v", err)
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	ts := newTestServer(t)
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic " + testKey},
		{"wrong key", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			ts.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
		})
	}
}

func TestUpload_ProcessesDocument(t *testing.T) {
	ts := newTestServer(t)
	w := ts.upload(t, "notes.txt", "Quarterly notes\n\nRevenue grew twenty percent over the prior quarter.")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var accepted struct {
		DocumentID  string `json:"document_id"`
		Status      string `json:"status"`
		ProgressURL string `json:"progress_url"`
	}
	decode(t, w, &accepted)
	if accepted.DocumentID == "" || accepted.Status != string(document.StatusPending) {
		t.Fatalf("unexpected accept body: %+v", accepted)
	}

	var doc document.Document
	deadline := time.Now().Add(5 * time.Second)
	for {
		w = ts.do(t, http.MethodGet, "/api/documents/"+accepted.DocumentID, nil, "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		decode(t, w, &doc)
		if doc.Status == document.StatusCompleted || doc.Status == document.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("document stuck in %q", doc.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if doc.Status != document.StatusCompleted {
		t.Fatalf("expected completed, got %q (%s)", doc.Status, doc.Error)
	}

	w = ts.do(t, http.MethodGet, accepted.ProgressURL, nil, "")
	var progress pipeline.Progress
	decode(t, w, &progress)
	if progress.Status != document.StatusCompleted || progress.ChunksTotal == 0 {
		t.Errorf("unexpected progress: %+v", progress)
	}

	w = ts.do(t, http.MethodGet, "/api/documents/"+accepted.DocumentID+"/chunks", nil, "")
	var chunks struct {
		Chunks []document.Chunk `json:"chunks"`
	}
	decode(t, w, &chunks)
	if len(chunks.Chunks) != doc.ChunkCount {
		t.Errorf("expected %d chunks, got %d", doc.ChunkCount, len(chunks.Chunks))
	}
}

func TestUpload_Rejections(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.upload(t, "tool.exe", "MZ"); w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("unsupported type: expected 415, got %d", w.Code)
	}
	if w := ts.upload(t, "empty.txt", ""); w.Code != http.StatusBadRequest {
		t.Errorf("empty file: expected 400, got %d", w.Code)
	}

	ts.cfg.MaxUploadBytes = 10
	if w := ts.upload(t, "big.txt", "more than ten bytes"); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize file: expected 413, got %d", w.Code)
	}
}

func TestDocuments_NotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{
		"/api/documents/missing",
		"/api/documents/missing/progress",
		"/api/documents/missing/chunks",
		"/api/documents/missing/insights",
	} {
		if w := ts.do(t, http.MethodGet, path, nil, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestListDocuments_StatusFilter(t *testing.T) {
	ts := newTestServer(t)
	ts.addCompleted(t, "doc-1")

	w := ts.do(t, http.MethodGet, "/api/documents?status=completed", nil, "")
	var list struct {
		Documents []document.Document `json:"documents"`
	}
	decode(t, w, &list)
	if len(list.Documents) != 1 {
		t.Errorf("expected 1 completed document, got %d", len(list.Documents))
	}

	w = ts.do(t, http.MethodGet, "/api/documents?status=failed", nil, "")
	list.Documents = nil
	decode(t, w, &list)
	if list.Documents == nil || len(list.Documents) != 0 {
		t.Errorf("expected empty list, got %v", list.Documents)
	}

	if w := ts.do(t, http.MethodGet, "/api/documents?status=bogus", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", w.Code)
	}
}

func TestReprocess_CompletedConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.addCompleted(t, "doc-1")

	w := ts.do(t, http.MethodPost, "/api/documents/doc-1/reprocess", nil, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if w := ts.do(t, http.MethodPost, "/api/documents/missing/reprocess", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDeleteDocument(t *testing.T) {
	ts := newTestServer(t)
	ts.addCompleted(t, "doc-1")

	if w := ts.do(t, http.MethodDelete, "/api/documents/doc-1", nil, ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ts.index.Len("doc-1") != 0 {
		t.Error("expected vectors removed")
	}
	if w := ts.do(t, http.MethodGet, "/api/documents/doc-1", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestSessions_AskFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.addCompleted(t, "doc-1")

	w := ts.doJSON(t, http.MethodPost, "/api/sessions", map[string]any{"document_ids": []string{"doc-1"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sess document.Session
	decode(t, w, &sess)

	w = ts.doJSON(t, http.MethodPost, "/api/sessions/"+sess.ID+"/messages", map[string]any{"question": "How did revenue change?"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res rag.AskResult
	decode(t, w, &res)
	if res.Message.Content != "Revenue grew." {
		t.Errorf("unexpected answer %q", res.Message.Content)
	}
	if len(res.Citations) != 1 || res.Citations[0].ChunkID != "doc-1-c0" {
		t.Errorf("unexpected citations: %+v", res.Citations)
	}

	w = ts.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages?limit=1", nil, "")
	var history struct {
		Messages []document.Message `json:"messages"`
	}
	decode(t, w, &history)
	if len(history.Messages) != 1 || history.Messages[0].Role != document.RoleAssistant {
		t.Errorf("expected last assistant message, got %+v", history.Messages)
	}

	w = ts.do(t, http.MethodGet, "/api/stats/llm", nil, "")
	var stats struct {
		Model string            `json:"model"`
		Stats llm.StatsSnapshot `json:"stats"`
	}
	decode(t, w, &stats)
	if stats.Model != "fake" || stats.Stats.Count != 1 {
		t.Errorf("unexpected llm stats: %+v", stats)
	}

	if w := ts.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, nil, ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 on delete, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestSessions_Errors(t *testing.T) {
	ts := newTestServer(t)
	ts.addCompleted(t, "doc-1")
	ctx := context.Background()
	now := time.Now().UTC()
	if err := ts.store.CreateDocument(ctx, &document.Document{
		ID: "doc-2", Filename: "doc-2.txt", Format: document.FormatText, Status: document.StatusEmbedding,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("creating document: %v", err)
	}

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"no documents", map[string]any{}, http.StatusBadRequest},
		{"unknown document", map[string]any{"document_ids": []string{"missing"}}, http.StatusNotFound},
		{"document not ready", map[string]any{"document_ids": []string{"doc-2"}}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.doJSON(t, http.MethodPost, "/api/sessions", tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	w := ts.doJSON(t, http.MethodPost, "/api/sessions", map[string]any{"document_ids": []string{"doc-1"}})
	var sess document.Session
	decode(t, w, &sess)

	if w := ts.doJSON(t, http.MethodPost, "/api/sessions/"+sess.ID+"/messages", map[string]any{"question": "  "}); w.Code != http.StatusBadRequest {
		t.Errorf("empty question: expected 400, got %d", w.Code)
	}
	if w := ts.doJSON(t, http.MethodPost, "/api/sessions/"+sess.ID+"/messages", map[string]any{"question": "q", "threshold": 2}); w.Code != http.StatusBadRequest {
		t.Errorf("bad threshold: expected 400, got %d", w.Code)
	}

	ts.provider.err = &retry.RetryableError{StatusCode: 529, Message: "overloaded"}
	if w := ts.doJSON(t, http.MethodPost, "/api/sessions/"+sess.ID+"/messages", map[string]any{"question": "Revenue?"}); w.Code != http.StatusBadGateway {
		t.Errorf("provider failure: expected 502, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMetricsSummary(t *testing.T) {
	ts := newTestServer(t)
	ts.addCompleted(t, "doc-1")

	w := ts.do(t, http.MethodGet, "/api/metrics/summary?since=1h", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Documents metrics.DocumentStats `json:"documents"`
	}
	decode(t, w, &body)
	if body.Documents.Total != 1 {
		t.Errorf("expected 1 document, got %d", body.Documents.Total)
	}

	if w := ts.do(t, http.MethodGet, "/api/metrics/summary?since=yesterday", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad duration, got %d", w.Code)
	}
}

func TestLLMStats_Unavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.LLM = nil
	if w := ts.do(t, http.MethodGet, "/api/stats/llm", nil, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("load: %w", storage.ErrNotFound), http.StatusNotFound},
		{&parser.UnsupportedFormatError{Format: "exe"}, http.StatusUnsupportedMediaType},
		{rag.ErrEmptyQuestion, http.StatusBadRequest},
		{fmt.Errorf("%w: tone", rag.ErrInvalidOptions), http.StatusBadRequest},
		{rag.ErrSessionClosed, http.StatusConflict},
		{&pipeline.ConcurrentReprocessError{DocumentID: "d"}, http.StatusConflict},
		{&document.TransitionError{From: document.StatusCompleted, To: document.StatusPending}, http.StatusConflict},
		{&rag.ContextBudgetError{Needed: 10, Budget: 5}, http.StatusUnprocessableEntity},
		{fmt.Errorf("submit: %w", pipeline.ErrQueueFull), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&rag.GenerationError{Err: errors.New("boom")}, http.StatusBadGateway},
		{&embedding.EmbeddingError{Batch: 1, Err: errors.New("boom")}, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v): expected %d, got %d", tt.err, tt.want, got)
		}
	}
}
