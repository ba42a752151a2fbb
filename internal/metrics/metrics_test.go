package metrics

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/storage"
)

type captureSink struct {
	got []document.ProcessingMetric
	err error
}

func (s *captureSink) InsertMetric(_ context.Context, m *document.ProcessingMetric) error {
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, *m)
	return nil
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		typ    document.MetricType
		tokens int
		want   float64
	}{
		{document.MetricEmbedding, 10000, 0.001},
		{document.MetricChatQuery, 1500, 0.015},
		{document.MetricChunking, 1000, 0.01},
		{document.MetricAIAnalysis, 0, 0},
	}
	for _, tt := range tests {
		if got := EstimateCost(tt.typ, tt.tokens); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("EstimateCost(%s, %d) = %v, want %v", tt.typ, tt.tokens, got, tt.want)
		}
	}
}

func TestOp_End(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder(sink, slog.New(slog.DiscardHandler))
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return clock }

	op := rec.Start(document.MetricChatQuery, "doc-1", "sess-1")
	op.Metric.Tokens = 2000
	op.Set("chunks", 3)
	clock = clock.Add(250 * time.Millisecond)
	op.End(context.Background(), errors.New("provider down"))

	if len(sink.got) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(sink.got))
	}
	m := sink.got[0]
	if m.ID == "" {
		t.Error("expected generated ID")
	}
	if m.DurationMs != 250 {
		t.Errorf("expected 250ms, got %d", m.DurationMs)
	}
	if m.Success || m.Error != "provider down" {
		t.Errorf("expected failure with error, got success=%v error=%q", m.Success, m.Error)
	}
	if math.Abs(m.EstimatedCost-0.02) > 1e-12 {
		t.Errorf("expected cost 0.02, got %v", m.EstimatedCost)
	}
	if m.Metadata["chunks"] != 3 {
		t.Errorf("expected chunks metadata, got %v", m.Metadata)
	}
	if m.SessionID != "sess-1" || m.DocumentID != "doc-1" {
		t.Errorf("unexpected owners %q/%q", m.DocumentID, m.SessionID)
	}
}

func TestRecord_SinkErrorIsSwallowed(t *testing.T) {
	sink := &captureSink{err: storage.ErrDuplicate}
	rec := NewRecorder(sink, slog.New(slog.DiscardHandler))
	rec.Record(context.Background(), &document.ProcessingMetric{ID: "m1", Type: document.MetricChunking})
}

func TestNilRecorder(t *testing.T) {
	var rec *Recorder
	op := rec.Start(document.MetricRetrieval, "", "")
	op.End(context.Background(), nil)
	rec.Record(context.Background(), &document.ProcessingMetric{})
}

func TestSummarize(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ms := []document.ProcessingMetric{
		{Type: document.MetricChunking, Success: true, DurationMs: 10, CreatedAt: base},
		{Type: document.MetricChunking, Success: false, DurationMs: 30, CreatedAt: base.Add(time.Minute)},
		{Type: document.MetricEmbedding, Success: true, DurationMs: 100, Tokens: 500, APICalls: 2, EstimatedCost: 0.5, CreatedAt: base},
		{Type: document.MetricEmbedding, Success: true, DurationMs: 999, CreatedAt: base.Add(-time.Hour)},
	}
	s := Summarize(ms, base)

	if s.Totals.Total != 3 {
		t.Fatalf("expected 3 metrics since cutoff, got %d", s.Totals.Total)
	}
	chunking := s.ByType[document.MetricChunking]
	if chunking == nil || chunking.Failed != 1 || chunking.SuccessRate != 0.5 || chunking.AvgDurationMs != 20 {
		t.Errorf("unexpected chunking summary %+v", chunking)
	}
	emb := s.ByType[document.MetricEmbedding]
	if emb.Tokens != 500 || emb.APICalls != 2 || emb.Total != 1 {
		t.Errorf("unexpected embedding summary %+v", emb)
	}
	if got := Summarize(nil, base).Totals.SuccessRate; got != 1 {
		t.Errorf("expected success rate 1 with no metrics, got %v", got)
	}
}

func TestSummarizeDocuments(t *testing.T) {
	docs := []document.Document{
		{Status: document.StatusCompleted, Format: document.FormatPDF, PageCount: 3, FileSize: 100, ProcessingMs: 400, Categories: []string{"Other"}},
		{Status: document.StatusFailed, Format: document.FormatText, PageCount: 1, FileSize: 300},
	}
	s := SummarizeDocuments(docs)
	if s.Total != 2 || s.Pages != 4 {
		t.Errorf("unexpected totals %+v", s)
	}
	if s.ByStatus[document.StatusFailed] != 1 || s.ByFormat[document.FormatPDF] != 1 {
		t.Errorf("unexpected breakdown %+v", s)
	}
	if s.AvgSizeBytes != 200 || s.AvgProcessingMs != 400 {
		t.Errorf("unexpected averages size=%v processing=%v", s.AvgSizeBytes, s.AvgProcessingMs)
	}
	if s.Categories["Other"] != 1 {
		t.Errorf("expected category count, got %v", s.Categories)
	}
}
