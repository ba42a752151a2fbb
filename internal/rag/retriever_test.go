package rag

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/vectorindex"
)

func indexRevenueChunks(t *testing.T, idx *vectorindex.Exact, docID string, n int) {
	t.Helper()
	var chunks []document.Chunk
	for i := 0; i < n; i++ {
		content := fmt.Sprintf("revenue %s%d", docID, i)
		chunks = append(chunks, document.Chunk{
			ID: fmt.Sprintf("%s-c%d", docID, i), DocumentID: docID, Ordinal: i, Content: content, Vector: keywordVector(content),
		})
	}
	require.NoError(t, idx.Replace(context.Background(), docID, chunks))
}

func TestRetriever_MultiDocumentHonorsTopK(t *testing.T) {
	idx := vectorindex.NewExact()
	indexRevenueChunks(t, idx, "a", 3)
	indexRevenueChunks(t, idx, "b", 3)
	r := NewRetriever(keywordEmbedder{}, idx, nil, DefaultRetrieverConfig(), discard())
	ctx := context.Background()

	hits, err := r.Retrieve(ctx, RetrieveRequest{DocumentIDs: []string{"a", "b"}, Question: "revenue?", TopK: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// Equal scores break ties by ordinal, then document ID.
	assert.Equal(t, []string{"a-c0", "b-c0"}, []string{hits[0].ChunkID, hits[1].ChunkID})

	// Without a requested TopK each document contributes up to PerDocument.
	hits, err = r.Retrieve(ctx, RetrieveRequest{DocumentIDs: []string{"a", "b"}, Question: "revenue?"})
	require.NoError(t, err)
	assert.Len(t, hits, 6)

	// A TopK above MaxTotal is still capped by MaxTotal.
	r = NewRetriever(keywordEmbedder{}, idx, nil, RetrieverConfig{MaxTotal: 4}, discard())
	hits, err = r.Retrieve(ctx, RetrieveRequest{DocumentIDs: []string{"a", "b"}, Question: "revenue?", TopK: 9})
	require.NoError(t, err)
	assert.Len(t, hits, 4)
}

func TestRetriever_SingleDocumentTopK(t *testing.T) {
	idx := vectorindex.NewExact()
	indexRevenueChunks(t, idx, "a", 4)
	r := NewRetriever(keywordEmbedder{}, idx, nil, DefaultRetrieverConfig(), discard())

	hits, err := r.Retrieve(context.Background(), RetrieveRequest{DocumentIDs: []string{"a"}, Question: "revenue?", TopK: 3})
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}
