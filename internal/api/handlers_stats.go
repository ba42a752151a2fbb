package api

import (
	"net/http"
	"time"

	"github.com/dgallion1/docrag/internal/metrics"
	"github.com/dgallion1/docrag/internal/storage"
)

const defaultMetricsWindow = 24 * time.Hour

// handleMetricsSummary aggregates processing metrics over ?since= (a Go
// duration, default 24h) alongside document statistics.
func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	window := defaultMetricsWindow
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			jsonError(w, "since must be a positive duration such as 24h", http.StatusBadRequest)
			return
		}
		window = d
	}

	ctx := r.Context()
	ms, err := s.Store.ListMetrics(ctx, storage.MetricFilter{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	docs, err := s.Store.ListDocuments(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"processing":  metrics.Summarize(ms, time.Now().UTC().Add(-window)),
		"documents":   metrics.SummarizeDocuments(docs),
		"queue_depth": s.Orchestrator.QueueDepth(),
	})
}

func (s *Server) handleLLMStats(w http.ResponseWriter, r *http.Request) {
	if s.LLM == nil {
		jsonError(w, "llm stats unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model": s.LLM.Model(),
		"stats": s.LLM.Stats(),
	})
}
