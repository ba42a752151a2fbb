package document

import "time"

// MetricType names the pipeline operation a metric describes.
type MetricType string

const (
	MetricTextExtraction     MetricType = "text_extraction"
	MetricChunking           MetricType = "chunking"
	MetricEmbedding          MetricType = "embedding"
	MetricAIAnalysis         MetricType = "ai_analysis"
	MetricDocumentProcessing MetricType = "document_processing"
	MetricChatQuery          MetricType = "chat_query"
	MetricRetrieval          MetricType = "retrieval"
)

// ProcessingMetric records one pipeline operation. Written once, never updated.
type ProcessingMetric struct {
	ID            string         `json:"id"`
	DocumentID    string         `json:"document_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Type          MetricType     `json:"type"`
	DurationMs    int64          `json:"duration_ms"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	Tokens        int            `json:"tokens"`
	APICalls      int            `json:"api_calls"`
	EstimatedCost float64        `json:"estimated_cost"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
