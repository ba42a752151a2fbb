package document

import (
	"sort"
	"time"
)

// Format is the declared source format of an uploaded document.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
)

// Extracted is the plain-text form of a document.
// Offsets are counted in Unicode code points, not bytes.
type Extracted struct {
	Text       string            // Full text, pages joined by a blank line
	PageStarts []int             // Offset at which each page begins; PageStarts[0] == 0
	PageCount  int               // Number of pages in the source
	WordCount  int               // Whitespace-separated words
	CharCount  int               // Code points in Text
	Title      string            // Title from metadata or first heading, if any
	Metadata   map[string]string // Format-specific metadata (author, subject, ...)
}

// PageAt returns the 1-based page holding the code point at offset.
// It returns 0 when no page boundaries are known.
func (e *Extracted) PageAt(offset int) int {
	return PageAt(e.PageStarts, offset)
}

// PageAt returns the 1-based page for offset given sorted page start offsets.
func PageAt(pageStarts []int, offset int) int {
	if len(pageStarts) == 0 {
		return 0
	}
	// First page whose start is beyond offset, minus one.
	i := sort.Search(len(pageStarts), func(i int) bool { return pageStarts[i] > offset })
	if i == 0 {
		return 1
	}
	return i
}

// Document is an uploaded file and everything derived from it.
type Document struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Format    Format `json:"format"`
	FileSize  int64  `json:"file_size"`
	Title     string `json:"title,omitempty"`
	PageCount int    `json:"page_count"`
	WordCount int    `json:"word_count"`
	CharCount int    `json:"char_count"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	ChunkCount     int    `json:"chunk_count"`
	EmbeddingModel string `json:"embedding_model,omitempty"`

	// Derived by the analysis stage. Cleared on reprocess.
	Summary        string   `json:"summary,omitempty"`
	Topics         []string `json:"topics,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	Sentiment      string   `json:"sentiment,omitempty"`
	SentimentScore float64  `json:"sentiment_score"`

	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	ProcessingMs          int64      `json:"processing_ms"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClearDerived resets everything a pipeline run produces.
func (d *Document) ClearDerived() {
	d.Error = ""
	d.ChunkCount = 0
	d.EmbeddingModel = ""
	d.Summary = ""
	d.Topics = nil
	d.Categories = nil
	d.Sentiment = ""
	d.SentimentScore = 0
	d.ProcessingStartedAt = nil
	d.ProcessingCompletedAt = nil
	d.ProcessingMs = 0
}

// Chunk is a bounded segment of a document's extracted text, the unit of retrieval.
type Chunk struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"document_id"`
	Ordinal        int       `json:"ordinal"`
	Content        string    `json:"content"`
	Page           int       `json:"page,omitempty"` // 1-based; 0 if unknown
	StartChar      int       `json:"start_char"`
	EndChar        int       `json:"end_char"` // exclusive
	Overlap        int       `json:"overlap"`  // leading code points shared with the previous chunk
	Vector         []float32 `json:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	TokenCount     int       `json:"token_count"`
}

// InsightKind classifies an extracted insight.
type InsightKind string

const (
	InsightKeyPoint      InsightKind = "key_point"
	InsightEntity        InsightKind = "entity"
	InsightImportantData InsightKind = "important_data"
	InsightActionItem    InsightKind = "action_item"
)

// Insight is a single analysis finding attached to a document.
type Insight struct {
	ID         string      `json:"id"`
	DocumentID string      `json:"document_id"`
	Kind       InsightKind `json:"kind"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"created_at"`
}
