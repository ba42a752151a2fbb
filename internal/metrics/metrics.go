// Package metrics records write-once processing metrics and summarizes them.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/storage"
)

// Price per 1K tokens by operation.
var pricing = map[document.MetricType]float64{
	document.MetricEmbedding:  0.0001,
	document.MetricAIAnalysis: 0.01,
	document.MetricChatQuery:  0.01,
}

// EstimateCost returns an approximate dollar cost for tokens spent on typ.
func EstimateCost(typ document.MetricType, tokens int) float64 {
	rate, ok := pricing[typ]
	if !ok {
		rate = 0.01
	}
	return float64(tokens) / 1000 * rate
}

// Sink persists metrics. storage.Store satisfies it.
type Sink interface {
	InsertMetric(ctx context.Context, m *document.ProcessingMetric) error
}

// Recorder writes metrics without ever failing the operation being measured.
type Recorder struct {
	sink Sink
	log  *slog.Logger
	now  func() time.Time
}

func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	return &Recorder{sink: sink, log: log, now: time.Now}
}

// Record fills ID, CreatedAt and EstimatedCost when unset and stores m.
func (r *Recorder) Record(ctx context.Context, m *document.ProcessingMetric) {
	if r == nil {
		return
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	if m.EstimatedCost == 0 && m.Tokens > 0 {
		m.EstimatedCost = EstimateCost(m.Type, m.Tokens)
	}
	// A cancelled request must not lose the record of why it failed.
	if err := r.sink.InsertMetric(context.WithoutCancel(ctx), m); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			r.log.Warn("metric already recorded", "metric_id", m.ID, "type", m.Type)
			return
		}
		r.log.Error("recording metric", "type", m.Type, "error", err)
	}
}

// Op measures one operation from Start to End.
type Op struct {
	rec   *Recorder
	start time.Time

	Metric document.ProcessingMetric
}

// Start begins timing an operation of the given type.
func (r *Recorder) Start(typ document.MetricType, docID, sessionID string) *Op {
	now := time.Now
	if r != nil {
		now = r.now
	}
	return &Op{
		rec:   r,
		start: now(),
		Metric: document.ProcessingMetric{
			DocumentID: docID,
			SessionID:  sessionID,
			Type:       typ,
		},
	}
}

// Set adds a metadata entry.
func (o *Op) Set(key string, value any) *Op {
	if o.Metric.Metadata == nil {
		o.Metric.Metadata = make(map[string]any)
	}
	o.Metric.Metadata[key] = value
	return o
}

// End records the operation with err deciding success.
func (o *Op) End(ctx context.Context, err error) {
	if o.rec == nil {
		return
	}
	o.Metric.DurationMs = o.rec.now().Sub(o.start).Milliseconds()
	o.Metric.Success = err == nil
	if err != nil {
		o.Metric.Error = err.Error()
	}
	o.rec.Record(ctx, &o.Metric)
}
