package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/docrag/internal/analysis"
	"github.com/dgallion1/docrag/internal/chunker"
	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/metrics"
	"github.com/dgallion1/docrag/internal/parser"
	"github.com/dgallion1/docrag/internal/storage"
	"github.com/dgallion1/docrag/internal/tokens"
	"github.com/dgallion1/docrag/internal/vectorindex"
)

// Embedder turns chunk text into vectors. *embedding.Embedder satisfies it.
type Embedder interface {
	EmbedWithProgress(ctx context.Context, texts []string, progress func(done, total int)) ([][]float32, error)
	Batches(n int) int
	Model() string
}

// Analyzer derives summary, topics and insights. *analysis.Analyzer
// satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, title, text string) (*analysis.Result, error)
}

// WorkerConfig holds the stage settings shared by every run.
type WorkerConfig struct {
	Parsers  *parser.Registry
	Chunking chunker.Config
	Counter  tokens.Counter
}

// Worker runs the processing stages for one document at a time.
type Worker struct {
	store    storage.Store
	index    vectorindex.Index
	embedder Embedder
	analyzer Analyzer
	rec      *metrics.Recorder
	cfg      WorkerConfig
	log      *slog.Logger
	now      func() time.Time
}

func NewWorker(store storage.Store, index vectorindex.Index, emb Embedder, an Analyzer, rec *metrics.Recorder, cfg WorkerConfig, log *slog.Logger) *Worker {
	if cfg.Parsers == nil {
		cfg.Parsers = parser.NewRegistry(parser.Options{})
	}
	if cfg.Counter == nil {
		cfg.Counter = tokens.Default()
	}
	return &Worker{
		store:    store,
		index:    index,
		embedder: emb,
		analyzer: an,
		rec:      rec,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Process runs every stage for docID. A failure marks the document failed
// with a readable message and is returned; it never affects other documents.
func (w *Worker) Process(ctx context.Context, docID string, job *Job) error {
	log := w.log.With("doc_id", docID)

	doc, err := w.store.GetDocument(ctx, docID)
	if err != nil {
		log.Error("loading document", "error", err)
		job.Fail(err.Error())
		return err
	}
	log = log.With("filename", doc.Filename, "format", doc.Format)

	op := w.rec.Start(document.MetricDocumentProcessing, docID, "")
	err = w.run(ctx, doc, job, log)
	if err != nil {
		w.fail(ctx, doc, job, err, log)
	}
	op.Set("chunks", doc.ChunkCount)
	op.End(ctx, err)
	return err
}

func (w *Worker) run(ctx context.Context, doc *document.Document, job *Job, log *slog.Logger) error {
	started := w.now()
	doc.ProcessingStartedAt = &started
	if err := w.advance(ctx, doc, job, document.StatusProcessing); err != nil {
		return err
	}

	ext, err := w.extract(ctx, doc)
	if err != nil {
		return err
	}
	log.Info("extracted text", "pages", ext.PageCount, "words", ext.WordCount)

	if err := w.advance(ctx, doc, job, document.StatusChunking); err != nil {
		return err
	}
	chunks, err := w.chunk(ctx, doc, ext)
	if err != nil {
		return err
	}
	job.SetChunks(len(chunks), w.embedder.Batches(len(chunks)))
	log.Info("chunked document", "chunks", len(chunks))

	if err := w.advance(ctx, doc, job, document.StatusEmbedding); err != nil {
		return err
	}
	if err := w.embed(ctx, doc, chunks, job); err != nil {
		return err
	}
	log.Info("embedded chunks", "model", doc.EmbeddingModel, "index", w.index.Mode())

	if err := w.advance(ctx, doc, job, document.StatusAnalyzing); err != nil {
		return err
	}
	if err := w.analyze(ctx, doc, ext.Text, log); err != nil {
		return err
	}

	done := w.now()
	doc.ProcessingCompletedAt = &done
	doc.ProcessingMs = done.Sub(started).Milliseconds()
	if err := w.advance(ctx, doc, job, document.StatusCompleted); err != nil {
		return err
	}
	log.Info("document processed", "chunks", doc.ChunkCount, "duration_ms", doc.ProcessingMs)
	return nil
}

// advance moves doc to status and persists it.
func (w *Worker) advance(ctx context.Context, doc *document.Document, job *Job, status document.Status) error {
	if err := doc.Transition(status); err != nil {
		return err
	}
	doc.UpdatedAt = w.now()
	if err := w.store.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("saving status %s: %w", status, err)
	}
	job.SetStatus(status)
	return nil
}

func (w *Worker) extract(ctx context.Context, doc *document.Document) (ext *document.Extracted, err error) {
	op := w.rec.Start(document.MetricTextExtraction, doc.ID, "")
	defer func() { op.End(ctx, err) }()

	data, err := w.store.GetContent(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("loading content: %w", err)
	}
	op.Set("bytes", len(data))

	ext, err = w.cfg.Parsers.Extract(doc.Format, data)
	if err != nil {
		return nil, err
	}
	doc.PageCount = ext.PageCount
	doc.WordCount = ext.WordCount
	doc.CharCount = ext.CharCount
	if doc.Title == "" {
		doc.Title = ext.Title
	}
	op.Set("pages", ext.PageCount).Set("words", ext.WordCount)
	return ext, nil
}

func (w *Worker) chunk(ctx context.Context, doc *document.Document, ext *document.Extracted) (chunks []document.Chunk, err error) {
	op := w.rec.Start(document.MetricChunking, doc.ID, "")
	defer func() { op.End(ctx, err) }()

	chunks, err = chunker.Split(ext, w.cfg.Chunking, w.cfg.Counter)
	if err != nil {
		return nil, err
	}
	total := 0
	for i := range chunks {
		chunks[i].ID = uuid.NewString()
		chunks[i].DocumentID = doc.ID
		total += chunks[i].TokenCount
	}
	op.Set("chunks", len(chunks)).Set("tokens", total)
	return chunks, nil
}

// embed vectors every chunk, then swaps the document's chunks in storage and
// in the index. Nothing is written until every batch has succeeded.
func (w *Worker) embed(ctx context.Context, doc *document.Document, chunks []document.Chunk, job *Job) (err error) {
	op := w.rec.Start(document.MetricEmbedding, doc.ID, "")
	defer func() { op.End(ctx, err) }()

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
		op.Metric.Tokens += c.TokenCount
	}
	op.Metric.APICalls = w.embedder.Batches(len(texts))

	vecs, err := w.embedder.EmbedWithProgress(ctx, texts, func(done, _ int) {
		job.SetBatchesEmbedded(done)
	})
	if err != nil {
		return err
	}
	model := w.embedder.Model()
	for i := range chunks {
		chunks[i].Vector = vecs[i]
		chunks[i].EmbeddingModel = model
	}

	if err := w.store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("storing chunks: %w", err)
	}
	if err := w.index.Replace(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("indexing chunks: %w", err)
	}
	doc.ChunkCount = len(chunks)
	doc.EmbeddingModel = model
	op.Set("model", model).Set("chunks", len(chunks))
	return nil
}

func (w *Worker) analyze(ctx context.Context, doc *document.Document, text string, log *slog.Logger) (err error) {
	if w.analyzer == nil {
		return nil
	}
	op := w.rec.Start(document.MetricAIAnalysis, doc.ID, "")
	defer func() { op.End(ctx, err) }()

	res, err := w.analyzer.Analyze(ctx, doc.Title, text)
	if err != nil {
		return err
	}
	op.Metric.APICalls = 1
	op.Metric.Tokens = res.InputTokens + res.OutputTokens
	op.Set("degraded", res.Degraded).Set("insights", len(res.Insights))
	if res.Degraded {
		log.Warn("analysis reply was not structured")
	}

	doc.Summary = res.Summary
	doc.Topics = res.Topics
	doc.Categories = res.Categories
	doc.Sentiment = res.Sentiment
	doc.SentimentScore = res.SentimentScore

	now := w.now()
	insights := make([]document.Insight, len(res.Insights))
	for i, in := range res.Insights {
		in.ID = uuid.NewString()
		in.DocumentID = doc.ID
		in.CreatedAt = now
		insights[i] = in
	}
	if err := w.store.ReplaceInsights(ctx, doc.ID, insights); err != nil {
		return fmt.Errorf("storing insights: %w", err)
	}
	return nil
}

// fail records err on the document, even when ctx is already cancelled.
func (w *Worker) fail(ctx context.Context, doc *document.Document, job *Job, err error, log *slog.Logger) {
	msg := describe(doc.Status, err)
	log.Error("document processing failed", "status", doc.Status, "error", err)
	job.Fail(msg)

	if doc.Status.Terminal() {
		return
	}
	doc.Status = document.StatusFailed
	doc.Error = msg
	doc.UpdatedAt = w.now()
	if uerr := w.store.UpdateDocument(context.WithoutCancel(ctx), doc); uerr != nil {
		log.Error("recording failure", "error", uerr)
	}
}

var stageNames = map[document.Status]string{
	document.StatusPending:    "starting processing",
	document.StatusProcessing: "text extraction",
	document.StatusChunking:   "chunking",
	document.StatusEmbedding:  "embedding",
	document.StatusAnalyzing:  "analysis",
}

func describe(status document.Status, err error) string {
	stage, ok := stageNames[status]
	if !ok {
		stage = string(status)
	}
	if errors.Is(err, context.Canceled) {
		return stage + " interrupted"
	}
	return stage + " failed: " + err.Error()
}
