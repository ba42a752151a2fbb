package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/dgallion1/docrag/internal/document"
)

type entry struct {
	hit  Hit
	vec  []float32
	norm float64
}

// Exact is an in-memory brute-force index. Results are exact.
//
// Each document's entries live in an immutable slice. Writers build a new
// slice and swap the map entry under the write lock, so a search holding the
// old slice never observes a partially written set.
type Exact struct {
	mu   sync.RWMutex
	docs map[string][]entry
	dim  int
}

func NewExact() *Exact {
	return &Exact{docs: make(map[string][]entry)}
}

func (x *Exact) Mode() Mode { return ModeExact }

func (x *Exact) Index(_ context.Context, docID string, chunks []document.Chunk) error {
	add, err := x.entries(docID, chunks)
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	old := x.docs[docID]
	next := make([]entry, 0, len(old)+len(add))
	next = append(next, old...)
	next = append(next, add...)
	x.docs[docID] = next
	return nil
}

func (x *Exact) Replace(_ context.Context, docID string, chunks []document.Chunk) error {
	next, err := x.entries(docID, chunks)
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(next) == 0 {
		delete(x.docs, docID)
		return nil
	}
	x.docs[docID] = next
	return nil
}

func (x *Exact) Delete(_ context.Context, docID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.docs, docID)
	return nil
}

func (x *Exact) Search(ctx context.Context, q Query) ([]Hit, error) {
	if q.TopK <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	var sets [][]entry
	if len(q.DocumentIDs) == 0 {
		for _, es := range x.docs {
			sets = append(sets, es)
		}
	} else {
		for _, id := range q.DocumentIDs {
			if es, ok := x.docs[id]; ok {
				sets = append(sets, es)
			}
		}
	}
	dim := x.dim
	x.mu.RUnlock()

	if dim != 0 && len(q.Vector) != dim {
		return nil, &RetrievalError{Op: "search", Err: fmt.Errorf("query dimension %d, index dimension %d", len(q.Vector), dim)}
	}
	qnorm := norm(q.Vector)

	var hits []Hit
	for _, es := range sets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, e := range es {
			score := 0.0
			if qnorm > 0 && e.norm > 0 {
				score = dot(q.Vector, e.vec) / (qnorm * e.norm)
			}
			if score < q.Threshold {
				continue
			}
			h := e.hit
			h.Score = score
			hits = append(hits, h)
		}
	}
	return rank(hits, q.TopK, q.Threshold), nil
}

// Len returns the number of indexed chunks for a document.
func (x *Exact) Len(docID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs[docID])
}

func (x *Exact) entries(docID string, chunks []document.Chunk) ([]entry, error) {
	out := make([]entry, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) == 0 {
			return nil, &RetrievalError{Op: "index", Err: fmt.Errorf("chunk %d of %s has no vector", c.Ordinal, docID)}
		}
		if err := x.checkDim(len(c.Vector)); err != nil {
			return nil, err
		}
		out = append(out, entry{
			hit: Hit{
				ChunkID:    c.ID,
				DocumentID: docID,
				Ordinal:    c.Ordinal,
				Page:       c.Page,
				Content:    c.Content,
			},
			vec:  c.Vector,
			norm: norm(c.Vector),
		})
	}
	return out, nil
}

// checkDim fixes the index dimension on first write and rejects mismatches.
func (x *Exact) checkDim(n int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dim == 0 {
		x.dim = n
		return nil
	}
	if x.dim != n {
		return &RetrievalError{Op: "index", Err: fmt.Errorf("vector dimension %d, index dimension %d", n, x.dim)}
	}
	return nil
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
