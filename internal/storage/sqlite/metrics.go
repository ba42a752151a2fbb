package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/storage"
)

func (s *Store) InsertMetric(ctx context.Context, m *document.ProcessingMetric) error {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metric metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO processing_metrics
		(id, document_id, session_id, type, duration_ms, success, error, tokens, api_calls, estimated_cost, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		m.ID, m.DocumentID, m.SessionID, string(m.Type), m.DurationMs, boolToInt(m.Success), m.Error,
		m.Tokens, m.APICalls, m.EstimatedCost, string(metaJSON), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("metric %s: %w", m.ID, storage.ErrDuplicate)
	}
	return nil
}

func (s *Store) ListMetrics(ctx context.Context, f storage.MetricFilter) ([]document.ProcessingMetric, error) {
	var (
		where []string
		args  []any
	)
	if f.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, f.DocumentID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	q := `SELECT id, document_id, session_id, type, duration_ms, success, error, tokens, api_calls,
		estimated_cost, metadata, created_at FROM processing_metrics`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []document.ProcessingMetric
	for rows.Next() {
		var (
			m             document.ProcessingMetric
			typ, meta, at string
			success       int
		)
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.SessionID, &typ, &m.DurationMs, &success, &m.Error,
			&m.Tokens, &m.APICalls, &m.EstimatedCost, &meta, &at); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Type = document.MetricType(typ)
		m.Success = success != 0
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metric metadata: %w", err)
		}
		if len(m.Metadata) == 0 {
			m.Metadata = nil
		}
		if m.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
