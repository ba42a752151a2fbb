package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/storage"
)

func (s *Store) CreateSession(ctx context.Context, sess *document.Session) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO sessions
			(id, title, context_window, message_count, total_tokens, is_active, last_message_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			sess.ID, sess.Title, sess.ContextWindow, sess.MessageCount, sess.TotalTokens, boolToInt(sess.IsActive),
			formatNullTime(sess.LastMessageAt), formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", sess.ID, storage.ErrDuplicate)
		}
		for i, docID := range sess.DocumentIDs {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, docID).Scan(&exists); err != nil {
				return notFound("document", docID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO session_documents (session_id, document_id, position)
				VALUES (?, ?, ?)`, sess.ID, docID, i); err != nil {
				return fmt.Errorf("link session document: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetSession(ctx context.Context, id string) (*document.Session, error) {
	var (
		sess                 document.Session
		active               int
		last                 sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, title, context_window, message_count, total_tokens, is_active,
		last_message_at, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Title, &sess.ContextWindow, &sess.MessageCount, &sess.TotalTokens, &active,
			&last, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFound("session", id, err)
	}
	sess.IsActive = active != 0
	if sess.LastMessageAt, err = parseNullTime(last); err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT document_id FROM session_documents
		WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("list session documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, fmt.Errorf("scan session document: %w", err)
		}
		sess.DocumentIDs = append(sess.DocumentIDs, docID)
	}
	return &sess, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireAffected(res, "session", id)
}

func (s *Store) AppendMessages(ctx context.Context, sessionID string, msgs []document.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
			return notFound("session", sessionID, err)
		}
		if len(msgs) == 0 {
			return nil
		}

		tokens := 0
		last := msgs[0].CreatedAt
		for _, m := range msgs {
			citations, err := json.Marshal(nonNilCitations(m.Citations))
			if err != nil {
				return fmt.Errorf("marshal citations: %w", err)
			}
			suggestions, err := json.Marshal(nonNil(m.Suggestions))
			if err != nil {
				return fmt.Errorf("marshal suggestions: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO messages
				(id, session_id, role, content, citations, suggestions, prompt_tokens, completion_tokens,
				 total_tokens, model, response_ms, context_chunks, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.ID, sessionID, string(m.Role), m.Content, string(citations), string(suggestions),
				m.PromptTokens, m.CompletionTokens, m.TotalTokens, m.Model, m.ResponseMs, m.ContextChunks,
				formatTime(m.CreatedAt)); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			tokens += m.TotalTokens
			if m.CreatedAt.After(last) {
				last = m.CreatedAt
			}
		}

		at := formatTime(last)
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET message_count = message_count + ?,
			total_tokens = total_tokens + ?, last_message_at = ?, updated_at = ? WHERE id = ?`,
			len(msgs), tokens, at, at, sessionID); err != nil {
			return fmt.Errorf("update session counters: %w", err)
		}
		return nil
	})
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]document.Message, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, notFound("session", sessionID, err)
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, role, content, citations, suggestions,
		prompt_tokens, completion_tokens, total_tokens, model, response_ms, context_chunks, created_at
		FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []document.Message
	for rows.Next() {
		var (
			m                      document.Message
			role, citations, suggs string
			createdAt              string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &citations, &suggs,
			&m.PromptTokens, &m.CompletionTokens, &m.TotalTokens, &m.Model, &m.ResponseMs, &m.ContextChunks,
			&createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = document.Role(role)
		if err := json.Unmarshal([]byte(citations), &m.Citations); err != nil {
			return nil, fmt.Errorf("unmarshal citations: %w", err)
		}
		if err := json.Unmarshal([]byte(suggs), &m.Suggestions); err != nil {
			return nil, fmt.Errorf("unmarshal suggestions: %w", err)
		}
		if len(m.Citations) == 0 {
			m.Citations = nil
		}
		if len(m.Suggestions) == 0 {
			m.Suggestions = nil
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func nonNilCitations(c []document.Citation) []document.Citation {
	if c == nil {
		return []document.Citation{}
	}
	return c
}
