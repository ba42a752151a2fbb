package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port string `yaml:"port"`

	// Auth
	APIKey string `yaml:"api_key"`

	// Storage
	StoreBackend string `yaml:"store_backend"` // sqlite|memory
	SQLitePath   string `yaml:"sqlite_path"`

	// Vector index
	IndexBackend     string `yaml:"index_backend"` // exact|qdrant
	QdrantHost       string `yaml:"qdrant_host"`
	QdrantPort       int    `yaml:"qdrant_port"`
	QdrantAPIKey     string `yaml:"qdrant_api_key"`
	QdrantUseTLS     bool   `yaml:"qdrant_use_tls"`
	QdrantCollection string `yaml:"qdrant_collection"`
	QdrantHNSWEf     int    `yaml:"qdrant_hnsw_ef"`
	QdrantExact      bool   `yaml:"qdrant_exact"`

	// Chat model
	LLMProvider          string        `yaml:"llm_provider"` // anthropic|openai
	AnthropicAPIKey      string        `yaml:"anthropic_api_key"`
	AnthropicModel       string        `yaml:"anthropic_model"`
	OpenAIAPIKey         string        `yaml:"openai_api_key"`
	OpenAIBaseURL        string        `yaml:"openai_base_url"`
	OpenAIModel          string        `yaml:"openai_model"`
	LLMRequestsPerMinute float64       `yaml:"llm_requests_per_minute"`
	LLMTimeout           time.Duration `yaml:"llm_timeout"`

	// Embeddings
	EmbeddingAPIKey            string        `yaml:"embedding_api_key"`
	EmbeddingBaseURL           string        `yaml:"embedding_base_url"`
	EmbeddingModel             string        `yaml:"embedding_model"`
	EmbeddingDimensions        int           `yaml:"embedding_dimensions"`
	EmbeddingBatchSize         int           `yaml:"embedding_batch_size"`
	EmbeddingConcurrency       int           `yaml:"embedding_concurrency"`
	EmbeddingRequestsPerMinute float64       `yaml:"embedding_requests_per_minute"`
	EmbeddingTimeout           time.Duration `yaml:"embedding_timeout"`

	// Token counting: tiktoken|estimate
	TokenCounter string `yaml:"token_counter"`

	// Worker pool
	WorkerCount  int `yaml:"worker_count"`
	MaxQueueSize int `yaml:"max_queue_size"`
	MaxRetries   int `yaml:"max_retries"`

	// Upload limits
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// Chunking
	ChunkSize     int `yaml:"chunk_size"`
	ChunkOverlap  int `yaml:"chunk_overlap"`
	ChunkLookback int `yaml:"chunk_lookback"`

	// Retrieval and chat
	TopK                int     `yaml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	PerDocumentChunks   int     `yaml:"per_document_chunks"`
	MaxTotalChunks      int     `yaml:"max_total_chunks"`
	MaxContextTokens    int     `yaml:"max_context_tokens"`

	// Analysis
	AnalysisEnabled    bool     `yaml:"analysis_enabled"`
	SummaryLength      string   `yaml:"summary_length"`
	SummaryTone        string   `yaml:"summary_tone"`
	AnalysisFocusAreas []string `yaml:"analysis_focus_areas"`

	// Job state
	JobTTL time.Duration `yaml:"job_ttl"`

	// PDF
	PDFFallbackPdftotext bool `yaml:"pdf_fallback_pdftotext"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port: "8090",

		StoreBackend: "sqlite",
		SQLitePath:   "data/docrag.db",

		IndexBackend:     "exact",
		QdrantHost:       "localhost",
		QdrantPort:       6334,
		QdrantCollection: "docrag_chunks",

		LLMProvider:          "anthropic",
		AnthropicModel:       "claude-sonnet-4-5-20250929",
		OpenAIModel:          "gpt-4o-mini",
		LLMRequestsPerMinute: 60,
		LLMTimeout:           2 * time.Minute,

		EmbeddingModel:             "text-embedding-3-small",
		EmbeddingBatchSize:         100,
		EmbeddingConcurrency:       4,
		EmbeddingRequestsPerMinute: 300,
		EmbeddingTimeout:           60 * time.Second,

		TokenCounter: "tiktoken",

		WorkerCount:  4,
		MaxQueueSize: 100,
		MaxRetries:   3,

		MaxUploadBytes: 52428800, // 50MB

		ChunkSize:     1000,
		ChunkOverlap:  200,
		ChunkLookback: 200,

		TopK:                5,
		SimilarityThreshold: 0.7,
		PerDocumentChunks:   3,
		MaxTotalChunks:      10,
		MaxContextTokens:    4000,

		AnalysisEnabled: true,
		SummaryLength:   "medium",
		SummaryTone:     "professional",

		JobTTL: 1 * time.Hour,

		PDFFallbackPdftotext: true,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// DOCRAG_CONFIG if set, then environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("DOCRAG_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.Port = envOr("PORT", cfg.Port)
	cfg.APIKey = envOr("DOCRAG_API_KEY", cfg.APIKey)

	cfg.StoreBackend = envOr("STORE_BACKEND", cfg.StoreBackend)
	cfg.SQLitePath = envOr("SQLITE_PATH", cfg.SQLitePath)

	cfg.IndexBackend = envOr("INDEX_BACKEND", cfg.IndexBackend)
	cfg.QdrantHost = envOr("QDRANT_HOST", cfg.QdrantHost)
	cfg.QdrantPort = envInt("QDRANT_PORT", cfg.QdrantPort)
	cfg.QdrantAPIKey = envOr("QDRANT_API_KEY", cfg.QdrantAPIKey)
	cfg.QdrantUseTLS = envBool("QDRANT_USE_TLS", cfg.QdrantUseTLS)
	cfg.QdrantCollection = envOr("QDRANT_COLLECTION", cfg.QdrantCollection)
	cfg.QdrantHNSWEf = envInt("QDRANT_HNSW_EF", cfg.QdrantHNSWEf)
	cfg.QdrantExact = envBool("QDRANT_EXACT", cfg.QdrantExact)

	cfg.LLMProvider = envOr("LLM_PROVIDER", cfg.LLMProvider)
	cfg.AnthropicAPIKey = envOr("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnthropicModel = envOr("ANTHROPIC_MODEL", cfg.AnthropicModel)
	cfg.OpenAIAPIKey = envOr("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = envOr("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIModel = envOr("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.LLMRequestsPerMinute = envFloat("LLM_REQUESTS_PER_MINUTE", cfg.LLMRequestsPerMinute)
	cfg.LLMTimeout = envDuration("LLM_TIMEOUT", cfg.LLMTimeout)

	// Embeddings default to the OpenAI key and endpoint.
	cfg.EmbeddingAPIKey = envOr("EMBEDDING_API_KEY", cfg.EmbeddingAPIKey)
	if cfg.EmbeddingAPIKey == "" {
		cfg.EmbeddingAPIKey = cfg.OpenAIAPIKey
	}
	cfg.EmbeddingBaseURL = envOr("EMBEDDING_BASE_URL", cfg.EmbeddingBaseURL)
	cfg.EmbeddingModel = envOr("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.EmbeddingDimensions = envInt("EMBEDDING_DIMENSIONS", cfg.EmbeddingDimensions)
	cfg.EmbeddingBatchSize = envInt("EMBEDDING_BATCH_SIZE", cfg.EmbeddingBatchSize)
	cfg.EmbeddingConcurrency = envInt("EMBEDDING_CONCURRENCY", cfg.EmbeddingConcurrency)
	cfg.EmbeddingRequestsPerMinute = envFloat("EMBEDDING_REQUESTS_PER_MINUTE", cfg.EmbeddingRequestsPerMinute)
	cfg.EmbeddingTimeout = envDuration("EMBEDDING_TIMEOUT", cfg.EmbeddingTimeout)

	cfg.TokenCounter = envOr("TOKEN_COUNTER", cfg.TokenCounter)

	cfg.WorkerCount = envInt("WORKER_COUNT", cfg.WorkerCount)
	cfg.MaxQueueSize = envInt("MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	cfg.MaxRetries = envInt("MAX_RETRIES", cfg.MaxRetries)

	cfg.MaxUploadBytes = envInt64("MAX_UPLOAD_BYTES", cfg.MaxUploadBytes)

	cfg.ChunkSize = envInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkOverlap = envInt("CHUNK_OVERLAP", cfg.ChunkOverlap)
	cfg.ChunkLookback = envInt("CHUNK_LOOKBACK", cfg.ChunkLookback)

	cfg.TopK = envInt("TOP_K", cfg.TopK)
	cfg.SimilarityThreshold = envFloat("SIMILARITY_THRESHOLD", cfg.SimilarityThreshold)
	cfg.PerDocumentChunks = envInt("PER_DOCUMENT_CHUNKS", cfg.PerDocumentChunks)
	cfg.MaxTotalChunks = envInt("MAX_TOTAL_CHUNKS", cfg.MaxTotalChunks)
	cfg.MaxContextTokens = envInt("MAX_CONTEXT_TOKENS", cfg.MaxContextTokens)

	cfg.AnalysisEnabled = envBool("ANALYSIS_ENABLED", cfg.AnalysisEnabled)
	cfg.SummaryLength = envOr("SUMMARY_LENGTH", cfg.SummaryLength)
	cfg.SummaryTone = envOr("SUMMARY_TONE", cfg.SummaryTone)
	cfg.AnalysisFocusAreas = envList("ANALYSIS_FOCUS_AREAS", cfg.AnalysisFocusAreas)

	cfg.JobTTL = envDuration("JOB_TTL", cfg.JobTTL)

	cfg.PDFFallbackPdftotext = envBool("PDF_FALLBACK_PDFTOTEXT", cfg.PDFFallbackPdftotext)

	cfg.clamp()
	return cfg, nil
}

// clamp replaces out-of-range values with defaults.
func (c *Config) clamp() {
	d := Defaults()
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = d.ChunkOverlap
	}
	if c.EmbeddingBatchSize <= 0 {
		c.EmbeddingBatchSize = d.EmbeddingBatchSize
	}
	if c.EmbeddingConcurrency <= 0 {
		c.EmbeddingConcurrency = d.EmbeddingConcurrency
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.PerDocumentChunks <= 0 {
		c.PerDocumentChunks = d.PerDocumentChunks
	}
	if c.MaxTotalChunks <= 0 {
		c.MaxTotalChunks = d.MaxTotalChunks
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = d.MaxContextTokens
	}
	if c.JobTTL <= 0 {
		c.JobTTL = d.JobTTL
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.EmbeddingTimeout <= 0 {
		c.EmbeddingTimeout = d.EmbeddingTimeout
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, fmt.Errorf("DOCRAG_API_KEY is required"))
	}
	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider"))
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, fmt.Errorf("OPENAI_API_KEY is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}
	if c.EmbeddingAPIKey == "" {
		errs = append(errs, fmt.Errorf("EMBEDDING_API_KEY or OPENAI_API_KEY is required"))
	}
	switch c.StoreBackend {
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("SQLITE_PATH is required for the sqlite store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.IndexBackend {
	case "exact":
	case "qdrant":
		if c.QdrantHost == "" || c.QdrantCollection == "" {
			errs = append(errs, fmt.Errorf("QDRANT_HOST and QDRANT_COLLECTION are required for the qdrant index"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown INDEX_BACKEND %q", c.IndexBackend))
	}
	switch c.TokenCounter {
	case "tiktoken", "estimate":
	default:
		errs = append(errs, fmt.Errorf("unknown TOKEN_COUNTER %q", c.TokenCounter))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envList reads a comma-separated list, dropping blank entries.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
