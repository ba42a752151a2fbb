// Package storage defines the persistence contract for documents, chunks,
// chat sessions and processing metrics, with an in-memory implementation.
// The SQLite implementation lives in storage/sqlite.
package storage

import (
	"context"
	"errors"

	"github.com/dgallion1/docrag/internal/document"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// MetricFilter narrows ListMetrics. Zero fields match everything.
type MetricFilter struct {
	DocumentID string
	SessionID  string
	Type       document.MetricType
	Limit      int
}

// Store persists every record the pipeline and chat path touch.
type Store interface {
	CreateDocument(ctx context.Context, doc *document.Document) error
	GetDocument(ctx context.Context, id string) (*document.Document, error)
	ListDocuments(ctx context.Context) ([]document.Document, error)
	UpdateDocument(ctx context.Context, doc *document.Document) error
	// DeleteDocument removes the document with its chunks, insights, stored
	// content and every session that references it.
	DeleteDocument(ctx context.Context, id string) error

	PutContent(ctx context.Context, docID string, data []byte) error
	GetContent(ctx context.Context, docID string) ([]byte, error)

	// ReplaceChunks swaps all chunks of a document in one transaction.
	ReplaceChunks(ctx context.Context, docID string, chunks []document.Chunk) error
	// ListChunks returns chunks in ordinal order, vectors included.
	ListChunks(ctx context.Context, docID string) ([]document.Chunk, error)

	ReplaceInsights(ctx context.Context, docID string, insights []document.Insight) error
	ListInsights(ctx context.Context, docID string) ([]document.Insight, error)

	CreateSession(ctx context.Context, s *document.Session) error
	GetSession(ctx context.Context, id string) (*document.Session, error)
	DeleteSession(ctx context.Context, id string) error
	// AppendMessages writes msgs and bumps the session counters atomically.
	AppendMessages(ctx context.Context, sessionID string, msgs []document.Message) error
	// ListMessages returns the last limit messages in chronological order;
	// limit <= 0 returns all of them.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]document.Message, error)

	// InsertMetric is write-once: a second insert with the same ID fails
	// with ErrDuplicate.
	InsertMetric(ctx context.Context, m *document.ProcessingMetric) error
	ListMetrics(ctx context.Context, f MetricFilter) ([]document.ProcessingMetric, error)

	Close() error
}
