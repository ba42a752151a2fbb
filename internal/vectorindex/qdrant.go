package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/dgallion1/docrag/internal/document"
)

// QdrantConfig points at a Qdrant gRPC endpoint.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions int
	// HNSWEf widens the HNSW candidate list per query; 0 keeps the
	// collection default. ExactSearch bypasses HNSW entirely.
	HNSWEf      uint64
	ExactSearch bool
}

// Qdrant is an approximate index backed by Qdrant's HNSW graph.
//
// Search quality: HNSW is approximate, so a chunk that an exhaustive scan
// would rank inside the top K can be missed. Recall rises with HNSWEf at
// the cost of latency; ExactSearch restores exact results. Ranking order,
// TopK and Threshold are still enforced on whatever candidates Qdrant
// returns, and equal scores are re-sorted locally by ordinal.
//
// Every point carries a generation tag. Replace writes a new generation,
// switches the document's active generation, then deletes older points.
// Searches filter on the active generation, so readers never see two
// generations of one document mixed together. Generation tags sort by
// creation time; on startup the newest tag per document becomes active and
// leftovers from an interrupted cleanup are deleted.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	params     *qdrant.SearchParams
	log        *slog.Logger

	mu     sync.RWMutex
	active map[string]string // document ID -> generation
}

func NewQdrant(ctx context.Context, cfg QdrantConfig, log *slog.Logger) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	q := &Qdrant{
		client:     client,
		collection: cfg.Collection,
		params:     searchParams(cfg),
		log:        log,
		active:     make(map[string]string),
	}
	if err := q.ensureCollection(ctx, uint64(cfg.Dimensions)); err != nil {
		client.Close()
		return nil, err
	}
	if err := q.loadGenerations(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

// newGeneration returns a tag that sorts after every tag made before it.
func newGeneration() string {
	return fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.NewString())
}

const scrollPageSize = 1000

// loadGenerations rebuilds the active generation of every stored document
// and removes points from older generations.
func (q *Qdrant) loadGenerations(ctx context.Context) error {
	latest := make(map[string]string)
	mixed := make(map[string]bool)
	limit := uint32(scrollPageSize)
	var offset *qdrant.PointId
	for {
		points, next, err := q.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    qdrant.NewWithPayloadInclude("document_id", "generation"),
		})
		if err != nil {
			return &RetrievalError{Op: "scroll", Err: err}
		}
		collectGenerations(points, latest, mixed)
		if next == nil || len(points) == 0 {
			break
		}
		offset = next
	}

	q.mu.Lock()
	for docID, gen := range latest {
		q.active[docID] = gen
	}
	q.mu.Unlock()

	for docID := range mixed {
		q.deleteStale(ctx, docID, latest[docID])
	}
	q.log.Info("qdrant generations loaded", "documents", len(latest), "cleaned", len(mixed))
	return nil
}

// collectGenerations records the newest generation per document in latest
// and marks documents holding more than one generation in mixed.
func collectGenerations(points []*qdrant.RetrievedPoint, latest map[string]string, mixed map[string]bool) {
	for _, p := range points {
		payload := p.GetPayload()
		docID := payload["document_id"].GetStringValue()
		gen := payload["generation"].GetStringValue()
		if docID == "" || gen == "" {
			continue
		}
		cur, ok := latest[docID]
		switch {
		case !ok:
			latest[docID] = gen
		case gen != cur:
			mixed[docID] = true
			if gen > cur {
				latest[docID] = gen
			}
		}
	}
}

func searchParams(cfg QdrantConfig) *qdrant.SearchParams {
	if cfg.HNSWEf == 0 && !cfg.ExactSearch {
		return nil
	}
	p := &qdrant.SearchParams{}
	if cfg.HNSWEf > 0 {
		ef := cfg.HNSWEf
		p.HnswEf = &ef
	}
	if cfg.ExactSearch {
		exact := true
		p.Exact = &exact
	}
	return p
}

func (q *Qdrant) ensureCollection(ctx context.Context, dims uint64) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return &RetrievalError{Op: "collection", Err: err}
	}
	if exists {
		return nil
	}
	if dims == 0 {
		return fmt.Errorf("qdrant: collection %s missing and vector dimension unknown", q.collection)
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dims,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return &RetrievalError{Op: "collection", Err: fmt.Errorf("create %s: %w", q.collection, err)}
	}
	q.log.Info("created qdrant collection", "collection", q.collection, "dimensions", dims)
	return nil
}

func (q *Qdrant) Mode() Mode { return ModeQdrant }

func (q *Qdrant) Index(ctx context.Context, docID string, chunks []document.Chunk) error {
	q.mu.Lock()
	gen, ok := q.active[docID]
	if !ok {
		gen = newGeneration()
		q.active[docID] = gen
	}
	q.mu.Unlock()
	return q.upsert(ctx, docID, gen, chunks)
}

func (q *Qdrant) Replace(ctx context.Context, docID string, chunks []document.Chunk) error {
	gen := newGeneration()
	if err := q.upsert(ctx, docID, gen, chunks); err != nil {
		return err
	}

	q.mu.Lock()
	q.active[docID] = gen
	q.mu.Unlock()

	// Old generations are invisible from here on; a failed cleanup is
	// retried on the next startup.
	q.deleteStale(ctx, docID, gen)
	return nil
}

func (q *Qdrant) deleteStale(ctx context.Context, docID, keep string) {
	if err := q.deleteWhere(ctx, &qdrant.Filter{
		Must:    []*qdrant.Condition{qdrant.NewMatch("document_id", docID)},
		MustNot: []*qdrant.Condition{qdrant.NewMatch("generation", keep)},
	}); err != nil {
		q.log.Warn("failed to delete stale generation", "doc_id", docID, "error", err)
	}
}

func (q *Qdrant) Delete(ctx context.Context, docID string) error {
	q.mu.Lock()
	delete(q.active, docID)
	q.mu.Unlock()
	return q.deleteWhere(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("document_id", docID)},
	})
}

func (q *Qdrant) Search(ctx context.Context, query Query) ([]Hit, error) {
	if query.TopK <= 0 {
		return nil, nil
	}
	q.mu.RLock()
	filter := searchFilter(query.DocumentIDs, q.active)
	q.mu.RUnlock()

	limit := uint64(query.TopK)
	threshold := float32(query.Threshold)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(query.Vector...),
		Limit:          &limit,
		Filter:         filter,
		ScoreThreshold: &threshold,
		Params:         q.params,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, &RetrievalError{Op: "search", Err: err}
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, hitFromPoint(p))
	}
	return rank(hits, query.TopK, query.Threshold), nil
}

// Close releases the gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

func (q *Qdrant) upsert(ctx context.Context, docID, gen string, chunks []document.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         pointsFor(docID, gen, chunks),
	})
	if err != nil {
		return &RetrievalError{Op: "upsert", Err: err}
	}
	return nil
}

func (q *Qdrant) deleteWhere(ctx context.Context, filter *qdrant.Filter) error {
	wait := true
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return &RetrievalError{Op: "delete", Err: err}
	}
	return nil
}

func pointsFor(docID, gen string, chunks []document.Chunk) []*qdrant.PointStruct {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(c.ID),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"document_id": docID,
				"chunk_id":    c.ID,
				"ordinal":     int64(c.Ordinal),
				"page":        int64(c.Page),
				"content":     c.Content,
				"generation":  gen,
			}),
		})
	}
	return points
}

// searchFilter matches the active generation of each requested document. A
// document with no known generation has no stored points and is matched by
// ID.
func searchFilter(docIDs []string, active map[string]string) *qdrant.Filter {
	if len(docIDs) == 0 {
		if len(active) == 0 {
			return nil
		}
		docIDs = make([]string, 0, len(active))
		for id := range active {
			docIDs = append(docIDs, id)
		}
	}
	conds := make([]*qdrant.Condition, 0, len(docIDs))
	for _, id := range docIDs {
		if gen, ok := active[id]; ok {
			conds = append(conds, qdrant.NewMatch("generation", gen))
		} else {
			conds = append(conds, qdrant.NewMatch("document_id", id))
		}
	}
	return &qdrant.Filter{Should: conds}
}

func hitFromPoint(p *qdrant.ScoredPoint) Hit {
	payload := p.GetPayload()
	return Hit{
		ChunkID:    payload["chunk_id"].GetStringValue(),
		DocumentID: payload["document_id"].GetStringValue(),
		Ordinal:    int(payload["ordinal"].GetIntegerValue()),
		Page:       int(payload["page"].GetIntegerValue()),
		Content:    payload["content"].GetStringValue(),
		Score:      float64(p.GetScore()),
	}
}
