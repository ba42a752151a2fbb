// Package storagetest holds behavior tests shared by every storage.Store.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/storage"
)

// Run exercises open's Store against the storage contract.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"DocumentRoundTrip", testDocumentRoundTrip},
		{"MissingDocument", testMissingDocument},
		{"ReplaceChunks", testReplaceChunks},
		{"DeleteCascades", testDeleteCascades},
		{"AppendMessages", testAppendMessages},
		{"ListMessagesLimit", testListMessagesLimit},
		{"MetricWriteOnce", testMetricWriteOnce},
		{"ReplaceInsights", testReplaceInsights},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewDocument returns a pending document with fixed timestamps.
func NewDocument(id string) *document.Document {
	return &document.Document{
		ID:        id,
		Filename:  id + ".txt",
		Format:    document.FormatText,
		FileSize:  42,
		Status:    document.StatusPending,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func chunks(docID string, n int, dim int) []document.Chunk {
	out := make([]document.Chunk, n)
	for i := range out {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = float32(i) + float32(j)/10
		}
		out[i] = document.Chunk{
			ID:             fmt.Sprintf("%s-c%d", docID, i),
			DocumentID:     docID,
			Ordinal:        i,
			Content:        fmt.Sprintf("chunk %d", i),
			Page:           1,
			StartChar:      i * 10,
			EndChar:        i*10 + 12,
			Overlap:        min(i, 1) * 2,
			Vector:         vec,
			EmbeddingModel: "test-model",
			TokenCount:     3,
		}
	}
	return out
}

func testDocumentRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	doc := NewDocument("doc-1")
	require.NoError(t, s.CreateDocument(ctx, doc))

	started := base.Add(time.Minute)
	doc.Status = document.StatusCompleted
	doc.Summary = "a summary"
	doc.Topics = []string{"alpha", "beta"}
	doc.Categories = []string{"Technology"}
	doc.Sentiment = "neutral"
	doc.SentimentScore = 0.25
	doc.ProcessingStartedAt = &started
	doc.ChunkCount = 3
	require.NoError(t, s.UpdateDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, document.StatusCompleted, got.Status)
	assert.Equal(t, []string{"alpha", "beta"}, got.Topics)
	assert.Equal(t, []string{"Technology"}, got.Categories)
	assert.Equal(t, 0.25, got.SentimentScore)
	require.NotNil(t, got.ProcessingStartedAt)
	assert.True(t, got.ProcessingStartedAt.Equal(started))
	assert.Nil(t, got.ProcessingCompletedAt)

	require.NoError(t, s.PutContent(ctx, "doc-1", []byte("raw bytes")))
	data, err := s.GetContent(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "raw bytes", string(data))

	list, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "doc-1", list[0].ID)

	assert.ErrorIs(t, s.CreateDocument(ctx, NewDocument("doc-1")), storage.ErrDuplicate)
}

func testMissingDocument(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.GetDocument(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.UpdateDocument(ctx, NewDocument("nope")), storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteDocument(ctx, "nope"), storage.ErrNotFound)
	_, err = s.GetContent(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testReplaceChunks(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, NewDocument("doc-1")))
	require.NoError(t, s.ReplaceChunks(ctx, "doc-1", chunks("doc-1", 5, 4)))

	got, err := s.ListChunks(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, c := range got {
		assert.Equal(t, i, c.Ordinal)
		assert.Len(t, c.Vector, 4)
	}
	assert.Equal(t, float32(2.3), got[2].Vector[3])
	assert.Equal(t, 2, got[1].Overlap)

	// A second run replaces, it does not merge.
	next := chunks("doc-1", 2, 4)
	next[0].ID, next[1].ID = "run2-a", "run2-b"
	require.NoError(t, s.ReplaceChunks(ctx, "doc-1", next))
	got, err = s.ListChunks(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run2-a", got[0].ID)

	require.NoError(t, s.ReplaceChunks(ctx, "doc-1", nil))
	got, err = s.ListChunks(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testDeleteCascades(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, NewDocument("doc-1")))
	require.NoError(t, s.CreateDocument(ctx, NewDocument("doc-2")))
	require.NoError(t, s.PutContent(ctx, "doc-1", []byte("x")))
	require.NoError(t, s.ReplaceChunks(ctx, "doc-1", chunks("doc-1", 3, 2)))
	require.NoError(t, s.ReplaceInsights(ctx, "doc-1", []document.Insight{
		{ID: "i1", Kind: document.InsightKeyPoint, Content: "k", CreatedAt: base},
	}))

	both := &document.Session{ID: "s-both", DocumentIDs: []string{"doc-1", "doc-2"}, ContextWindow: 5, IsActive: true, CreatedAt: base, UpdatedAt: base}
	other := &document.Session{ID: "s-other", DocumentIDs: []string{"doc-2"}, ContextWindow: 5, IsActive: true, CreatedAt: base, UpdatedAt: base}
	require.NoError(t, s.CreateSession(ctx, both))
	require.NoError(t, s.CreateSession(ctx, other))
	require.NoError(t, s.AppendMessages(ctx, "s-both", []document.Message{
		{ID: "m1", Role: document.RoleUser, Content: "q", CreatedAt: base},
	}))

	require.NoError(t, s.DeleteDocument(ctx, "doc-1"))

	_, err := s.GetDocument(ctx, "doc-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	got, err := s.ListChunks(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, got)
	ins, err := s.ListInsights(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, ins)
	_, err = s.GetContent(ctx, "doc-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetSession(ctx, "s-both")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	kept, err := s.GetSession(ctx, "s-other")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-2"}, kept.DocumentIDs)
}

func testAppendMessages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, NewDocument("doc-1")))
	sess := &document.Session{ID: "s1", Title: "chat", DocumentIDs: []string{"doc-1"}, ContextWindow: 5, IsActive: true, CreatedAt: base, UpdatedAt: base}
	require.NoError(t, s.CreateSession(ctx, sess))

	at := base.Add(time.Hour)
	require.NoError(t, s.AppendMessages(ctx, "s1", []document.Message{
		{ID: "m1", Role: document.RoleUser, Content: "what?", CreatedAt: at},
		{
			ID: "m2", Role: document.RoleAssistant, Content: "this.",
			Citations:    []document.Citation{{ChunkID: "c1", DocumentID: "doc-1", Snippet: "snip", Page: 2, Score: 0.8}},
			Suggestions:  []string{"and then?"},
			PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120,
			Model: "m", ResponseMs: 350, ContextChunks: 1,
			CreatedAt: at.Add(time.Second),
		},
	}))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.Equal(t, 120, got.TotalTokens)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, got.LastMessageAt.Equal(at.Add(time.Second)))

	msgs, err := s.ListMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, document.RoleUser, msgs[0].Role)
	assert.Equal(t, "c1", msgs[1].Citations[0].ChunkID)
	assert.Equal(t, 0.8, msgs[1].Citations[0].Score)
	assert.Equal(t, []string{"and then?"}, msgs[1].Suggestions)
	assert.Equal(t, int64(350), msgs[1].ResponseMs)

	assert.ErrorIs(t, s.AppendMessages(ctx, "missing", nil), storage.ErrNotFound)
}

func testListMessagesLimit(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, NewDocument("doc-1")))
	require.NoError(t, s.CreateSession(ctx, &document.Session{ID: "s1", DocumentIDs: []string{"doc-1"}, ContextWindow: 5, CreatedAt: base, UpdatedAt: base}))
	for i := 0; i < 6; i++ {
		require.NoError(t, s.AppendMessages(ctx, "s1", []document.Message{
			{ID: fmt.Sprintf("m%d", i), Role: document.RoleUser, Content: fmt.Sprintf("msg %d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)},
		}))
	}
	msgs, err := s.ListMessages(ctx, "s1", 4)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "msg 2", msgs[0].Content)
	assert.Equal(t, "msg 5", msgs[3].Content)
}

func testMetricWriteOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	m := &document.ProcessingMetric{
		ID: "metric-1", DocumentID: "doc-1", Type: document.MetricChunking,
		DurationMs: 12, Success: true, Tokens: 40, APICalls: 0,
		Metadata: map[string]any{"chunks": float64(3)}, CreatedAt: base,
	}
	require.NoError(t, s.InsertMetric(ctx, m))
	assert.ErrorIs(t, s.InsertMetric(ctx, m), storage.ErrDuplicate)

	require.NoError(t, s.InsertMetric(ctx, &document.ProcessingMetric{
		ID: "metric-2", SessionID: "s1", Type: document.MetricRetrieval, Success: true, CreatedAt: base.Add(time.Second),
	}))

	all, err := s.ListMetrics(ctx, storage.MetricFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "metric-2", all[0].ID)

	byDoc, err := s.ListMetrics(ctx, storage.MetricFilter{DocumentID: "doc-1"})
	require.NoError(t, err)
	require.Len(t, byDoc, 1)
	assert.Equal(t, float64(3), byDoc[0].Metadata["chunks"])

	byType, err := s.ListMetrics(ctx, storage.MetricFilter{Type: document.MetricRetrieval})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "s1", byType[0].SessionID)
}

func testReplaceInsights(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, NewDocument("doc-1")))
	require.NoError(t, s.ReplaceInsights(ctx, "doc-1", []document.Insight{
		{ID: "i1", Kind: document.InsightEntity, Content: "ACME", CreatedAt: base},
		{ID: "i2", Kind: document.InsightActionItem, Content: "ship it", CreatedAt: base},
	}))
	got, err := s.ListInsights(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, document.InsightEntity, got[0].Kind)

	require.NoError(t, s.ReplaceInsights(ctx, "doc-1", nil))
	got, err = s.ListInsights(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
