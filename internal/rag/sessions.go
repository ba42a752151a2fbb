package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/storage"
)

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrSessionClosed  = errors.New("session is closed")
	ErrEmptyQuestion  = errors.New("question is empty")
	ErrInvalidOptions = errors.New("invalid answer options")
)

// DocumentNotReadyError is returned when a session names a document that
// has not finished processing.
type DocumentNotReadyError struct {
	DocumentID string
	Status     document.Status
}

func (e *DocumentNotReadyError) Error() string {
	return fmt.Sprintf("document %s is not ready for chat (status %s)", e.DocumentID, e.Status)
}

// Sessions manages chat sessions and their history.
type Sessions struct {
	store storage.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewSessions(store storage.Store, log *slog.Logger) *Sessions {
	return &Sessions{store: store, log: log, now: time.Now}
}

// Create opens a session over 1..10 completed documents. Duplicate IDs are
// collapsed; window is clamped to the allowed range.
func (s *Sessions) Create(ctx context.Context, title string, docIDs []string, window int) (*document.Session, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, id := range docIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one document is required", ErrInvalidSession)
	}
	if len(ids) > document.MaxSessionDocuments {
		return nil, fmt.Errorf("%w: at most %d documents per session, got %d", ErrInvalidSession, document.MaxSessionDocuments, len(ids))
	}

	var first *document.Document
	for _, id := range ids {
		doc, err := s.store.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc.Status != document.StatusCompleted {
			return nil, &DocumentNotReadyError{DocumentID: id, Status: doc.Status}
		}
		if first == nil {
			first = doc
		}
	}

	if title == "" {
		title = "Chat about " + first.Filename
		if len(ids) > 1 {
			title += fmt.Sprintf(" and %d more", len(ids)-1)
		}
	}
	now := s.now().UTC()
	sess := &document.Session{
		ID:            uuid.NewString(),
		Title:         title,
		DocumentIDs:   ids,
		ContextWindow: document.ClampContextWindow(window),
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.log.Info("session created", "session_id", sess.ID, "documents", len(ids), "context_window", sess.ContextWindow)
	return sess, nil
}

func (s *Sessions) Get(ctx context.Context, id string) (*document.Session, error) {
	return s.store.GetSession(ctx, id)
}

// History returns the last limit messages in chronological order; limit <= 0
// returns all of them.
func (s *Sessions) History(ctx context.Context, id string, limit int) ([]document.Message, error) {
	return s.store.ListMessages(ctx, id, limit)
}

// AppendTurn stores a question and its answer together. Either both are
// written with the session counters, or nothing is.
func (s *Sessions) AppendTurn(ctx context.Context, sess *document.Session, user, assistant *document.Message) error {
	now := s.now().UTC()
	for _, m := range []*document.Message{user, assistant} {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.SessionID = sess.ID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
	}
	if !assistant.CreatedAt.After(user.CreatedAt) {
		assistant.CreatedAt = user.CreatedAt.Add(time.Millisecond)
	}
	if err := s.store.AppendMessages(ctx, sess.ID, []document.Message{*user, *assistant}); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	sess.MessageCount += 2
	sess.TotalTokens += user.TotalTokens + assistant.TotalTokens
	last := assistant.CreatedAt
	sess.LastMessageAt = &last
	sess.UpdatedAt = last
	return nil
}

func (s *Sessions) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.log.Info("session deleted", "session_id", id)
	return nil
}
