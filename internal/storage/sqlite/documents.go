package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/storage"
)

const documentColumns = `id, filename, format, file_size, title, page_count, word_count, char_count,
	status, error, chunk_count, embedding_model, summary, topics, categories, sentiment,
	sentiment_score, processing_started_at, processing_completed_at, processing_ms,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func documentArgs(d *document.Document) ([]any, error) {
	topics, err := json.Marshal(nonNil(d.Topics))
	if err != nil {
		return nil, fmt.Errorf("marshal topics: %w", err)
	}
	categories, err := json.Marshal(nonNil(d.Categories))
	if err != nil {
		return nil, fmt.Errorf("marshal categories: %w", err)
	}
	return []any{
		d.ID, d.Filename, string(d.Format), d.FileSize, d.Title, d.PageCount, d.WordCount, d.CharCount,
		string(d.Status), d.Error, d.ChunkCount, d.EmbeddingModel, d.Summary, string(topics), string(categories),
		d.Sentiment, d.SentimentScore, formatNullTime(d.ProcessingStartedAt), formatNullTime(d.ProcessingCompletedAt),
		d.ProcessingMs, formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	}, nil
}

func scanDocument(row rowScanner) (*document.Document, error) {
	var (
		d                    document.Document
		format, status       string
		topics, categories   string
		started, completed   sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&d.ID, &d.Filename, &format, &d.FileSize, &d.Title, &d.PageCount, &d.WordCount, &d.CharCount,
		&status, &d.Error, &d.ChunkCount, &d.EmbeddingModel, &d.Summary, &topics, &categories, &d.Sentiment,
		&d.SentimentScore, &started, &completed, &d.ProcessingMs, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	d.Format = document.Format(format)
	d.Status = document.Status(status)
	if err := json.Unmarshal([]byte(topics), &d.Topics); err != nil {
		return nil, fmt.Errorf("unmarshal topics: %w", err)
	}
	if err := json.Unmarshal([]byte(categories), &d.Categories); err != nil {
		return nil, fmt.Errorf("unmarshal categories: %w", err)
	}
	if len(d.Topics) == 0 {
		d.Topics = nil
	}
	if len(d.Categories) == 0 {
		d.Categories = nil
	}
	if d.ProcessingStartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if d.ProcessingCompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) CreateDocument(ctx context.Context, doc *document.Document) error {
	args, err := documentArgs(doc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", doc.ID, storage.ErrDuplicate)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*document.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err != nil {
		return nil, notFound("document", id, err)
	}
	return d, nil
}

func (s *Store) ListDocuments(ctx context.Context) ([]document.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []document.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDocument(ctx context.Context, doc *document.Document) error {
	args, err := documentArgs(doc)
	if err != nil {
		return err
	}
	// Same column order as documentArgs, with id moved to the WHERE clause.
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET
		filename = ?, format = ?, file_size = ?, title = ?, page_count = ?, word_count = ?, char_count = ?,
		status = ?, error = ?, chunk_count = ?, embedding_model = ?, summary = ?, topics = ?, categories = ?,
		sentiment = ?, sentiment_score = ?, processing_started_at = ?, processing_completed_at = ?,
		processing_ms = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, append(args[1:], doc.ID)...)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireAffected(res, "document", doc.ID)
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Sessions referencing the document go with it; their messages and
		// the remaining session_documents rows cascade.
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id IN
			(SELECT session_id FROM session_documents WHERE document_id = ?)`, id); err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return requireAffected(res, "document", id)
	})
}

func (s *Store) PutContent(ctx context.Context, docID string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO document_content (document_id, data) VALUES (?, ?)
		ON CONFLICT(document_id) DO UPDATE SET data = excluded.data`, docID, data)
	if err != nil {
		return fmt.Errorf("put content %s: %w", docID, err)
	}
	return nil
}

func (s *Store) GetContent(ctx context.Context, docID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM document_content WHERE document_id = ?`, docID).Scan(&data)
	if err != nil {
		return nil, notFound("content", docID, err)
	}
	return data, nil
}

func (s *Store) ReplaceChunks(ctx context.Context, docID string, chunks []document.Chunk) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, docID).Scan(&exists); err != nil {
			return notFound("document", docID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks
			(id, document_id, ordinal, content, page, start_char, end_char, overlap, vector, embedding_model, token_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare chunk insert: %w", err)
		}
		defer stmt.Close()
		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, c.ID, docID, c.Ordinal, c.Content, c.Page, c.StartChar, c.EndChar,
				c.Overlap, float32SliceToBytes(c.Vector), c.EmbeddingModel, c.TokenCount); err != nil {
				return fmt.Errorf("insert chunk %d: %w", c.Ordinal, err)
			}
		}
		return nil
	})
}

func (s *Store) ListChunks(ctx context.Context, docID string) ([]document.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id, ordinal, content, page, start_char, end_char,
		overlap, vector, embedding_model, token_count FROM chunks WHERE document_id = ? ORDER BY ordinal`, docID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []document.Chunk
	for rows.Next() {
		var (
			c   document.Chunk
			vec []byte
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &c.Page, &c.StartChar, &c.EndChar,
			&c.Overlap, &vec, &c.EmbeddingModel, &c.TokenCount); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Vector = bytesToFloat32Slice(vec)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceInsights(ctx context.Context, docID string, insights []document.Insight) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, docID).Scan(&exists); err != nil {
			return notFound("document", docID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM insights WHERE document_id = ?`, docID); err != nil {
			return fmt.Errorf("clear insights: %w", err)
		}
		for i, in := range insights {
			if _, err := tx.ExecContext(ctx, `INSERT INTO insights (id, document_id, kind, content, position, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`, in.ID, docID, string(in.Kind), in.Content, i, formatTime(in.CreatedAt)); err != nil {
				return fmt.Errorf("insert insight: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListInsights(ctx context.Context, docID string) ([]document.Insight, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id, kind, content, created_at
		FROM insights WHERE document_id = ? ORDER BY position`, docID)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var out []document.Insight
	for rows.Next() {
		var (
			in       document.Insight
			kind, at string
		)
		if err := rows.Scan(&in.ID, &in.DocumentID, &kind, &in.Content, &at); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		in.Kind = document.InsightKind(kind)
		if in.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
