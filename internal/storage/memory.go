package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dgallion1/docrag/internal/document"
)

// Memory is a process-local Store. Records are copied on the way in and out
// so callers never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	docs     map[string]document.Document
	content  map[string][]byte
	chunks   map[string][]document.Chunk
	insights map[string][]document.Insight
	sessions map[string]document.Session
	messages map[string][]document.Message
	metrics  map[string]document.ProcessingMetric
	order    []string // metric IDs in insert order
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]document.Document),
		content:  make(map[string][]byte),
		chunks:   make(map[string][]document.Chunk),
		insights: make(map[string][]document.Insight),
		sessions: make(map[string]document.Session),
		messages: make(map[string][]document.Message),
		metrics:  make(map[string]document.ProcessingMetric),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateDocument(_ context.Context, doc *document.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; ok {
		return fmt.Errorf("document %s: %w", doc.ID, ErrDuplicate)
	}
	m.docs[doc.ID] = cloneDocument(*doc)
	return nil
}

func (m *Memory) GetDocument(_ context.Context, id string) (*document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	out := cloneDocument(d)
	return &out, nil
}

func (m *Memory) ListDocuments(_ context.Context) ([]document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]document.Document, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, cloneDocument(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateDocument(_ context.Context, doc *document.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; !ok {
		return fmt.Errorf("document %s: %w", doc.ID, ErrNotFound)
	}
	m.docs[doc.ID] = cloneDocument(*doc)
	return nil
}

func (m *Memory) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	delete(m.docs, id)
	delete(m.content, id)
	delete(m.chunks, id)
	delete(m.insights, id)
	for sid, s := range m.sessions {
		if s.References(id) {
			delete(m.sessions, sid)
			delete(m.messages, sid)
		}
	}
	return nil
}

func (m *Memory) PutContent(_ context.Context, docID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[docID]; !ok {
		return fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	m.content[docID] = slices.Clone(data)
	return nil
}

func (m *Memory) GetContent(_ context.Context, docID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.content[docID]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", docID, ErrNotFound)
	}
	return slices.Clone(data), nil
}

func (m *Memory) ReplaceChunks(_ context.Context, docID string, chunks []document.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[docID]; !ok {
		return fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	next := make([]document.Chunk, len(chunks))
	for i, c := range chunks {
		c.DocumentID = docID
		c.Vector = slices.Clone(c.Vector)
		next[i] = c
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Ordinal < next[j].Ordinal })
	if len(next) == 0 {
		delete(m.chunks, docID)
		return nil
	}
	m.chunks[docID] = next
	return nil
}

func (m *Memory) ListChunks(_ context.Context, docID string) ([]document.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.chunks[docID]
	out := make([]document.Chunk, len(src))
	for i, c := range src {
		c.Vector = slices.Clone(c.Vector)
		out[i] = c
	}
	return out, nil
}

func (m *Memory) ReplaceInsights(_ context.Context, docID string, insights []document.Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[docID]; !ok {
		return fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	if len(insights) == 0 {
		delete(m.insights, docID)
		return nil
	}
	next := slices.Clone(insights)
	for i := range next {
		next[i].DocumentID = docID
	}
	m.insights[docID] = next
	return nil
}

func (m *Memory) ListInsights(_ context.Context, docID string) ([]document.Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.insights[docID]), nil
}

func (m *Memory) CreateSession(_ context.Context, s *document.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrDuplicate)
	}
	for _, id := range s.DocumentIDs {
		if _, ok := m.docs[id]; !ok {
			return fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
	}
	m.sessions[s.ID] = cloneSession(*s)
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*document.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	out := cloneSession(s)
	return &out, nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *Memory) AppendMessages(_ context.Context, sessionID string, msgs []document.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	var last time.Time
	for _, msg := range msgs {
		msg.SessionID = sessionID
		msg.Citations = slices.Clone(msg.Citations)
		msg.Suggestions = slices.Clone(msg.Suggestions)
		m.messages[sessionID] = append(m.messages[sessionID], msg)
		s.MessageCount++
		s.TotalTokens += msg.TotalTokens
		if msg.CreatedAt.After(last) {
			last = msg.CreatedAt
		}
	}
	if !last.IsZero() {
		s.LastMessageAt = &last
		s.UpdatedAt = last
	}
	m.sessions[sessionID] = s
	return nil
}

func (m *Memory) ListMessages(_ context.Context, sessionID string, limit int) ([]document.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	all := m.messages[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return slices.Clone(all), nil
}

func (m *Memory) InsertMetric(_ context.Context, metric *document.ProcessingMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metrics[metric.ID]; ok {
		return fmt.Errorf("metric %s: %w", metric.ID, ErrDuplicate)
	}
	cp := *metric
	cp.Metadata = maps.Clone(metric.Metadata)
	m.metrics[metric.ID] = cp
	m.order = append(m.order, metric.ID)
	return nil
}

func (m *Memory) ListMetrics(_ context.Context, f MetricFilter) ([]document.ProcessingMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []document.ProcessingMetric
	// Newest first.
	for i := len(m.order) - 1; i >= 0; i-- {
		mt := m.metrics[m.order[i]]
		if f.DocumentID != "" && mt.DocumentID != f.DocumentID {
			continue
		}
		if f.SessionID != "" && mt.SessionID != f.SessionID {
			continue
		}
		if f.Type != "" && mt.Type != f.Type {
			continue
		}
		mt.Metadata = maps.Clone(mt.Metadata)
		out = append(out, mt)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func cloneDocument(d document.Document) document.Document {
	d.Topics = slices.Clone(d.Topics)
	d.Categories = slices.Clone(d.Categories)
	if d.ProcessingStartedAt != nil {
		t := *d.ProcessingStartedAt
		d.ProcessingStartedAt = &t
	}
	if d.ProcessingCompletedAt != nil {
		t := *d.ProcessingCompletedAt
		d.ProcessingCompletedAt = &t
	}
	return d
}

func cloneSession(s document.Session) document.Session {
	s.DocumentIDs = slices.Clone(s.DocumentIDs)
	if s.LastMessageAt != nil {
		t := *s.LastMessageAt
		s.LastMessageAt = &t
	}
	return s
}
