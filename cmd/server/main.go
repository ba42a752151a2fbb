package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dgallion1/docrag/internal/analysis"
	"github.com/dgallion1/docrag/internal/api"
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
	"github.com/dgallion1/docrag/internal/storage/sqlite"
	"github.com/dgallion1/docrag/internal/tokens"
	"github.com/dgallion1/docrag/internal/vectorindex"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// A missing .env is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("reading .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error("loading configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Error("opening store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	counter := tokens.Counter(tokens.CounterFunc(tokens.Estimate))
	if cfg.TokenCounter == "tiktoken" {
		tk, err := tokens.NewTiktoken()
		if err != nil {
			log.Warn("tiktoken unavailable, estimating tokens", "error", err)
		} else {
			counter = tk
		}
	}

	policy := retry.Policy{Retries: cfg.MaxRetries}

	embedClient, err := embedding.NewOpenAIClient(embedding.OpenAIConfig{
		APIKey:     cfg.EmbeddingAPIKey,
		BaseURL:    cfg.EmbeddingBaseURL,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
	})
	if err != nil {
		log.Error("creating embedding client", "error", err)
		os.Exit(1)
	}
	defer embedClient.Close()
	embedder := embedding.New(embedClient, embedding.Config{
		BatchSize:         cfg.EmbeddingBatchSize,
		Concurrency:       cfg.EmbeddingConcurrency,
		RequestsPerMinute: cfg.EmbeddingRequestsPerMinute,
		Timeout:           cfg.EmbeddingTimeout,
		Retry:             policy,
	}, log.With("component", "embedding"))

	index, closeIndex, err := openIndex(ctx, cfg, store, embedClient.Dimensions(), log)
	if err != nil {
		log.Error("opening vector index", "error", err)
		os.Exit(1)
	}
	defer closeIndex()

	provider := newProvider(cfg)
	model := llm.NewClient(provider, llm.ClientConfig{
		Timeout:           cfg.LLMTimeout,
		RequestsPerMinute: cfg.LLMRequestsPerMinute,
	}, log.With("component", "llm"))

	rec := metrics.NewRecorder(store, log)
	parsers := parser.NewRegistry(parser.Options{PDFFallbackPdftotext: cfg.PDFFallbackPdftotext})

	var analyzer pipeline.Analyzer
	if cfg.AnalysisEnabled {
		analyzer = analysis.New(model, analysis.Options{
			Length:     cfg.SummaryLength,
			Tone:       cfg.SummaryTone,
			FocusAreas: cfg.AnalysisFocusAreas,
		}, policy, log.With("component", "analysis"))
	}

	worker := pipeline.NewWorker(store, index, embedder, analyzer, rec, pipeline.WorkerConfig{
		Parsers: parsers,
		Chunking: chunker.Config{
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
			Lookback:     cfg.ChunkLookback,
		},
		Counter: counter,
	}, log)
	orch := pipeline.NewOrchestrator(pipeline.Config{
		Workers:   cfg.WorkerCount,
		QueueSize: cfg.MaxQueueSize,
		JobTTL:    cfg.JobTTL,
	}, worker, store, index, log)
	if err := orch.Recover(ctx); err != nil {
		log.Error("recovering interrupted documents", "error", err)
		os.Exit(1)
	}
	orch.Start(ctx)

	sessions := rag.NewSessions(store, log)
	retriever := rag.NewRetriever(embedder, index, rec, rag.RetrieverConfig{
		TopK:        cfg.TopK,
		Threshold:   cfg.SimilarityThreshold,
		PerDocument: cfg.PerDocumentChunks,
		MaxTotal:    cfg.MaxTotalChunks,
	}, log.With("component", "retriever"))
	chat := rag.NewChatService(store, sessions, retriever, rag.NewGenerator(model, counter, log), counter, rec,
		rag.ChatConfig{MaxContextTokens: cfg.MaxContextTokens, Retry: policy}, log.With("component", "chat"))

	srv := api.NewServer(api.Deps{
		Store:        store,
		Orchestrator: orch,
		Sessions:     sessions,
		Chat:         chat,
		Parsers:      parsers,
		LLM:          model,
	}, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown", "error", err)
		}

		orch.Stop()
	}()

	log.Info("starting docrag",
		"port", cfg.Port,
		"store", cfg.StoreBackend,
		"index", cfg.IndexBackend,
		"llm", model.Model(),
		"embedding_model", embedder.Model(),
	)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	<-stopped
}

func openStore(cfg config.Config) (storage.Store, func(), error) {
	if cfg.StoreBackend == "memory" {
		return storage.NewMemory(), func() {}, nil
	}
	s, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

// openIndex returns the configured vector index. The exact index lives in
// memory, so it is rebuilt from stored chunk vectors.
func openIndex(ctx context.Context, cfg config.Config, store storage.Store, dims int, log *slog.Logger) (vectorindex.Index, func(), error) {
	if cfg.IndexBackend == "qdrant" {
		q, err := vectorindex.NewQdrant(ctx, vectorindex.QdrantConfig{
			Host:        cfg.QdrantHost,
			Port:        cfg.QdrantPort,
			APIKey:      cfg.QdrantAPIKey,
			UseTLS:      cfg.QdrantUseTLS,
			Collection:  cfg.QdrantCollection,
			Dimensions:  dims,
			HNSWEf:      uint64(cfg.QdrantHNSWEf),
			ExactSearch: cfg.QdrantExact,
		}, log.With("component", "qdrant"))
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	}

	x := vectorindex.NewExact()
	docs, err := store.ListDocuments(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing documents: %w", err)
	}
	loaded := 0
	for _, d := range docs {
		if d.Status != document.StatusCompleted {
			continue
		}
		chunks, err := store.ListChunks(ctx, d.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading chunks for %s: %w", d.ID, err)
		}
		if err := x.Index(ctx, d.ID, chunks); err != nil {
			return nil, nil, fmt.Errorf("indexing %s: %w", d.ID, err)
		}
		loaded++
	}
	log.Info("exact index loaded", "documents", loaded)
	return x, func() {}, nil
}

func newProvider(cfg config.Config) llm.Provider {
	if cfg.LLMProvider == "openai" {
		return llm.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}
	return llm.NewAnthropicClient("", cfg.AnthropicAPIKey, cfg.AnthropicModel)
}
