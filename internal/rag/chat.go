package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/metrics"
	"github.com/dgallion1/docrag/internal/retry"
	"github.com/dgallion1/docrag/internal/storage"
	"github.com/dgallion1/docrag/internal/tokens"
)

// ChatConfig controls the query path.
type ChatConfig struct {
	MaxContextTokens int
	Retry            retry.Policy
}

// AskRequest is one question. Zero TopK and Threshold use the retriever's
// configured values; zero Options use DefaultOptions.
type AskRequest struct {
	Question  string
	Options   Options
	TopK      int
	Threshold float64
}

// AskResult is the stored assistant message plus retrieval details.
type AskResult struct {
	Message      document.Message    `json:"message"`
	Citations    []document.Citation `json:"citations"`
	Suggestions  []string            `json:"suggested_questions"`
	ContextUsed  int                 `json:"context_used"`
	Degraded     bool                `json:"degraded,omitempty"`
	Insufficient bool                `json:"insufficient_context,omitempty"`
	ResponseMs   int64               `json:"response_time_ms"`
}

// ChatService answers questions within sessions. Questions in one session
// are handled one at a time.
type ChatService struct {
	store     storage.Store
	sessions  *Sessions
	retriever *Retriever
	generator *Generator
	counter   tokens.Counter
	rec       *metrics.Recorder
	cfg       ChatConfig
	log       *slog.Logger

	locks sync.Map // session ID -> *sync.Mutex
}

func NewChatService(store storage.Store, sessions *Sessions, retriever *Retriever, generator *Generator,
	counter tokens.Counter, rec *metrics.Recorder, cfg ChatConfig, log *slog.Logger) *ChatService {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 4000
	}
	if counter == nil {
		counter = tokens.Default()
	}
	return &ChatService{
		store:     store,
		sessions:  sessions,
		retriever: retriever,
		generator: generator,
		counter:   counter,
		rec:       rec,
		cfg:       cfg,
		log:       log,
	}
}

func (c *ChatService) lock(sessionID string) func() {
	mu, _ := c.locks.LoadOrStore(sessionID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Ask runs retrieve, build, generate and append for one question. On any
// error nothing is added to the session history.
func (c *ChatService) Ask(ctx context.Context, sessionID string, req AskRequest) (res *AskResult, err error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, ErrEmptyQuestion
	}
	if req.Options == (Options{}) {
		req.Options = DefaultOptions()
	}
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}

	unlock := c.lock(sessionID)
	defer unlock()

	log := c.log.With("session_id", sessionID)
	start := time.Now()
	op := c.rec.Start(document.MetricChatQuery, "", sessionID)
	defer func() {
		if res != nil {
			op.Metric.Tokens = res.Message.TotalTokens
			op.Set("context_chunks", res.ContextUsed).Set("degraded", res.Degraded)
		}
		op.End(ctx, err)
	}()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive {
		return nil, ErrSessionClosed
	}

	history, err := c.sessions.History(ctx, sessionID, 2*sess.ContextWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	hits, err := c.retriever.Retrieve(ctx, RetrieveRequest{
		SessionID:   sessionID,
		DocumentIDs: sess.DocumentIDs,
		Question:    req.Question,
		TopK:        req.TopK,
		Threshold:   req.Threshold,
	})
	op.Metric.APICalls++
	if err != nil {
		return nil, err
	}

	names, err := c.documentNames(ctx, sess)
	if err != nil {
		return nil, err
	}
	prompt, err := ContextBuilder{Counter: c.counter, Names: names}.
		Build(hits, history, Budget{Tokens: c.cfg.MaxContextTokens}, sess.ContextWindow)
	if err != nil {
		return nil, err
	}

	var ans *Answer
	err = c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		ans, err = c.generator.Generate(ctx, req.Question, prompt, req.Options, names)
		if err != nil {
			log.Warn("generation attempt failed", "error", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !ans.Insufficient {
		op.Metric.APICalls++
	}

	elapsed := time.Since(start).Milliseconds()
	userTokens := c.counter.Count(req.Question)
	user := document.Message{
		Role:        document.RoleUser,
		Content:     req.Question,
		TotalTokens: userTokens,
	}
	assistant := document.Message{
		Role:             document.RoleAssistant,
		Content:          ans.Text,
		Citations:        ans.Citations,
		Suggestions:      ans.Suggestions,
		PromptTokens:     ans.PromptTokens,
		CompletionTokens: ans.CompletionTokens,
		TotalTokens:      ans.PromptTokens + ans.CompletionTokens,
		Model:            ans.Model,
		ResponseMs:       elapsed,
		ContextChunks:    len(prompt.Sources),
	}
	if err := c.sessions.AppendTurn(ctx, sess, &user, &assistant); err != nil {
		return nil, err
	}

	log.Info("question answered",
		"context_chunks", len(prompt.Sources),
		"history_messages", len(prompt.History),
		"tokens", assistant.TotalTokens,
		"degraded", ans.Degraded,
		"insufficient", ans.Insufficient,
		"duration_ms", elapsed,
	)
	return &AskResult{
		Message:      assistant,
		Citations:    assistant.Citations,
		Suggestions:  assistant.Suggestions,
		ContextUsed:  len(prompt.Sources),
		Degraded:     ans.Degraded,
		Insufficient: ans.Insufficient,
		ResponseMs:   elapsed,
	}, nil
}

// documentNames labels sources by filename in sessions over several documents.
func (c *ChatService) documentNames(ctx context.Context, sess *document.Session) (map[string]string, error) {
	if len(sess.DocumentIDs) < 2 {
		return nil, nil
	}
	names := make(map[string]string, len(sess.DocumentIDs))
	for _, id := range sess.DocumentIDs {
		doc, err := c.store.GetDocument(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load document %s: %w", id, err)
		}
		names[id] = doc.Filename
	}
	return names, nil
}

// DeleteSession removes a session and its per-session lock.
func (c *ChatService) DeleteSession(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()
	if err := c.sessions.Delete(ctx, id); err != nil {
		return err
	}
	c.locks.Delete(id)
	return nil
}
