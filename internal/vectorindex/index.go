// Package vectorindex stores chunk vectors per document and answers
// cosine-similarity queries over one or more documents.
package vectorindex

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dgallion1/docrag/internal/document"
)

// Mode names an index implementation.
type Mode string

const (
	ModeExact  Mode = "exact"
	ModeQdrant Mode = "qdrant"
)

// Index is the vector store behind retrieval.
type Index interface {
	// Index appends chunks to a document's vector set.
	Index(ctx context.Context, docID string, chunks []document.Chunk) error
	// Replace swaps a document's vector set in one step. Concurrent searches
	// see either the old set or the new one.
	Replace(ctx context.Context, docID string, chunks []document.Chunk) error
	Delete(ctx context.Context, docID string) error
	Search(ctx context.Context, q Query) ([]Hit, error)
	Mode() Mode
}

// Query selects the documents to search and the ranking cutoffs. An empty
// DocumentIDs searches every document.
type Query struct {
	DocumentIDs []string
	Vector      []float32
	TopK        int
	Threshold   float64
}

// Hit is one ranked chunk.
type Hit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Page       int     `json:"page"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// RetrievalError reports an unavailable or corrupt index.
type RetrievalError struct {
	Op  string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval %s: %v", e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// compareHits orders by score descending, then lower ordinal, then document ID.
func compareHits(a, b Hit) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	case a.Ordinal != b.Ordinal:
		return a.Ordinal - b.Ordinal
	default:
		return strings.Compare(a.DocumentID, b.DocumentID)
	}
}

// rank drops hits under the threshold, sorts, and cuts to topK.
func rank(hits []Hit, topK int, threshold float64) []Hit {
	hits = slices.DeleteFunc(hits, func(h Hit) bool { return h.Score < threshold })
	slices.SortStableFunc(hits, compareHits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Merge ranks the union of separately searched result lists and cuts to
// topK; topK <= 0 keeps everything.
func Merge(topK int, lists ...[]Hit) []Hit {
	var out []Hit
	for _, l := range lists {
		out = append(out, l...)
	}
	slices.SortStableFunc(out, compareHits)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}
