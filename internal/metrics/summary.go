package metrics

import (
	"time"

	"github.com/dgallion1/docrag/internal/document"
)

// TypeSummary aggregates metrics of one type.
type TypeSummary struct {
	Total         int     `json:"total_operations"`
	Successful    int     `json:"successful_operations"`
	Failed        int     `json:"failed_operations"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"average_duration_ms"`
	Tokens        int     `json:"total_tokens_used"`
	APICalls      int     `json:"total_api_calls"`
	Cost          float64 `json:"estimated_total_cost"`

	durationSum int64
}

func (s *TypeSummary) add(m document.ProcessingMetric) {
	s.Total++
	if m.Success {
		s.Successful++
	} else {
		s.Failed++
	}
	s.durationSum += m.DurationMs
	s.Tokens += m.Tokens
	s.APICalls += m.APICalls
	s.Cost += m.EstimatedCost
}

func (s *TypeSummary) finish() {
	s.SuccessRate = 1
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total)
		s.AvgDurationMs = float64(s.durationSum) / float64(s.Total)
	}
}

// Summary is the processing overview served by the metrics endpoint.
type Summary struct {
	Since  time.Time                            `json:"since"`
	Totals TypeSummary                          `json:"totals"`
	ByType map[document.MetricType]*TypeSummary `json:"by_type"`
}

// Summarize aggregates metrics created at or after since.
func Summarize(ms []document.ProcessingMetric, since time.Time) Summary {
	out := Summary{Since: since, ByType: make(map[document.MetricType]*TypeSummary)}
	for _, m := range ms {
		if m.CreatedAt.Before(since) {
			continue
		}
		out.Totals.add(m)
		ts, ok := out.ByType[m.Type]
		if !ok {
			ts = &TypeSummary{}
			out.ByType[m.Type] = ts
		}
		ts.add(m)
	}
	out.Totals.finish()
	for _, ts := range out.ByType {
		ts.finish()
	}
	return out
}

// DocumentStats summarizes the document table.
type DocumentStats struct {
	Total           int                     `json:"total_documents"`
	ByStatus        map[document.Status]int `json:"documents_by_status"`
	ByFormat        map[document.Format]int `json:"documents_by_format"`
	Pages           int                     `json:"total_pages"`
	Words           int                     `json:"total_words"`
	Chunks          int                     `json:"total_chunks"`
	AvgSizeBytes    float64                 `json:"average_document_size_bytes"`
	AvgProcessingMs float64                 `json:"average_processing_time_ms"`
	Categories      map[string]int          `json:"categories"`
}

func SummarizeDocuments(docs []document.Document) DocumentStats {
	out := DocumentStats{
		Total:      len(docs),
		ByStatus:   make(map[document.Status]int),
		ByFormat:   make(map[document.Format]int),
		Categories: make(map[string]int),
	}
	var size, processing int64
	processed := 0
	for _, d := range docs {
		out.ByStatus[d.Status]++
		out.ByFormat[d.Format]++
		out.Pages += d.PageCount
		out.Words += d.WordCount
		out.Chunks += d.ChunkCount
		size += d.FileSize
		if d.ProcessingMs > 0 {
			processing += d.ProcessingMs
			processed++
		}
		for _, c := range d.Categories {
			out.Categories[c]++
		}
	}
	if len(docs) > 0 {
		out.AvgSizeBytes = float64(size) / float64(len(docs))
	}
	if processed > 0 {
		out.AvgProcessingMs = float64(processing) / float64(processed)
	}
	return out
}
