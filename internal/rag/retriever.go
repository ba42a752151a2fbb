// Package rag answers questions about documents: it retrieves ranked chunks,
// packs them with recent history into a token budget, and asks the model for
// a cited answer.
package rag

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/metrics"
	"github.com/dgallion1/docrag/internal/vectorindex"
)

// QueryEmbedder turns a question into a vector comparable with chunk vectors.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// RetrieverConfig holds ranking cutoffs.
type RetrieverConfig struct {
	TopK      int
	Threshold float64
	// PerDocument and MaxTotal apply to sessions over several documents:
	// each document contributes at most PerDocument hits, MaxTotal overall.
	PerDocument int
	MaxTotal    int
}

func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{TopK: 5, Threshold: 0.7, PerDocument: 3, MaxTotal: 10}
}

// Retriever finds the chunks most similar to a question.
type Retriever struct {
	embedder QueryEmbedder
	index    vectorindex.Index
	rec      *metrics.Recorder
	cfg      RetrieverConfig
	log      *slog.Logger
}

func NewRetriever(emb QueryEmbedder, idx vectorindex.Index, rec *metrics.Recorder, cfg RetrieverConfig, log *slog.Logger) *Retriever {
	def := DefaultRetrieverConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.PerDocument <= 0 {
		cfg.PerDocument = def.PerDocument
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = def.MaxTotal
	}
	return &Retriever{embedder: emb, index: idx, rec: rec, cfg: cfg, log: log}
}

// RetrieveRequest is one search. Zero TopK or Threshold use the configured
// values. Over several documents a non-zero TopK caps the merged result.
type RetrieveRequest struct {
	SessionID   string
	DocumentIDs []string
	Question    string
	TopK        int
	Threshold   float64
}

// Retrieve embeds the question and returns ranked hits. An empty result is
// not an error.
func (r *Retriever) Retrieve(ctx context.Context, req RetrieveRequest) (hits []vectorindex.Hit, err error) {
	topK, threshold := req.TopK, req.Threshold
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	if threshold <= 0 {
		threshold = r.cfg.Threshold
	}

	docID := ""
	if len(req.DocumentIDs) == 1 {
		docID = req.DocumentIDs[0]
	}
	op := r.rec.Start(document.MetricRetrieval, docID, req.SessionID)
	op.Metric.APICalls = 1
	defer func() {
		op.Set("results", len(hits)).Set("documents", len(req.DocumentIDs)).Set("threshold", threshold)
		op.End(ctx, err)
	}()

	vec, err := r.embedder.EmbedQuery(ctx, req.Question)
	if err != nil {
		return nil, err
	}

	if len(req.DocumentIDs) > 1 {
		lists := make([][]vectorindex.Hit, 0, len(req.DocumentIDs))
		for _, id := range req.DocumentIDs {
			l, err := r.search(ctx, vectorindex.Query{
				DocumentIDs: []string{id},
				Vector:      vec,
				TopK:        r.cfg.PerDocument,
				Threshold:   threshold,
			})
			if err != nil {
				return nil, err
			}
			lists = append(lists, l)
		}
		limit := r.cfg.MaxTotal
		if req.TopK > 0 && req.TopK < limit {
			limit = req.TopK
		}
		hits = vectorindex.Merge(limit, lists...)
	} else {
		hits, err = r.search(ctx, vectorindex.Query{
			DocumentIDs: req.DocumentIDs,
			Vector:      vec,
			TopK:        topK,
			Threshold:   threshold,
		})
		if err != nil {
			return nil, err
		}
	}

	top := 0.0
	if len(hits) > 0 {
		top = hits[0].Score
	}
	r.log.Info("retrieval",
		"session_id", req.SessionID,
		"documents", len(req.DocumentIDs),
		"results", len(hits),
		"top_score", top,
		"threshold", threshold,
		"index", r.index.Mode(),
	)
	return hits, nil
}

func (r *Retriever) search(ctx context.Context, q vectorindex.Query) ([]vectorindex.Hit, error) {
	hits, err := r.index.Search(ctx, q)
	if err != nil {
		var re *vectorindex.RetrievalError
		if errors.As(err, &re) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &vectorindex.RetrievalError{Op: "search", Err: err}
	}
	return hits, nil
}
