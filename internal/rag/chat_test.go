package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/llm"
	"github.com/dgallion1/docrag/internal/metrics"
	"github.com/dgallion1/docrag/internal/retry"
	"github.com/dgallion1/docrag/internal/storage"
	"github.com/dgallion1/docrag/internal/vectorindex"
)

// keywordEmbedder maps text onto one axis per keyword.
type keywordEmbedder struct{}

var keywords = []string{"revenue", "hiring", "weather"}

func (keywordEmbedder) EmbedQuery(_ context.Context, q string) ([]float32, error) {
	return keywordVector(q), nil
}

func keywordVector(s string) []float32 {
	s = strings.ToLower(s)
	v := make([]float32, len(keywords))
	for i, k := range keywords {
		v[i] = float32(strings.Count(s, k))
	}
	return v
}

type chatEnv struct {
	store    *storage.Memory
	index    *vectorindex.Exact
	llm      *fakeLLM
	sessions *Sessions
	chat     *ChatService
}

func newChatEnv(t *testing.T) *chatEnv {
	t.Helper()
	store := storage.NewMemory()
	idx := vectorindex.NewExact()
	fake := &fakeLLM{reply: replyText(`{"answer": "Revenue grew 20%.", "sources": [1], "follow_up_questions": ["Why?"]}`)}
	rec := metrics.NewRecorder(store, discard())
	sessions := NewSessions(store, discard())
	retriever := NewRetriever(keywordEmbedder{}, idx, rec, DefaultRetrieverConfig(), discard())
	chat := NewChatService(store, sessions, retriever, NewGenerator(fake, charCounter, discard()), charCounter, rec,
		ChatConfig{MaxContextTokens: 4000, Retry: retry.Policy{Retries: 2, Backoff: func(int) time.Duration { return 0 }}},
		discard())
	return &chatEnv{store: store, index: idx, llm: fake, sessions: sessions, chat: chat}
}

func (e *chatEnv) addDocument(t *testing.T, id string, status document.Status, contents ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, e.store.CreateDocument(ctx, &document.Document{
		ID: id, Filename: id + ".txt", Format: document.FormatText, Status: status, CreatedAt: now, UpdatedAt: now,
	}))
	var chunks []document.Chunk
	for i, c := range contents {
		chunks = append(chunks, document.Chunk{
			ID: fmt.Sprintf("%s-c%d", id, i), DocumentID: id, Ordinal: i, Content: c, Page: 1,
			Vector: keywordVector(c),
		})
	}
	if len(chunks) > 0 {
		require.NoError(t, e.store.ReplaceChunks(ctx, id, chunks))
		require.NoError(t, e.index.Replace(ctx, id, chunks))
	}
}

func TestAsk_AnswersWithCitations(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t)
	env.addDocument(t, "doc-1", document.StatusCompleted, "Revenue grew 20% in 2025.", "Hiring slowed in Q3.")
	sess, err := env.sessions.Create(ctx, "", []string{"doc-1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "Chat about doc-1.txt", sess.Title)
	assert.Equal(t, document.DefaultContextWindow, sess.ContextWindow)

	res, err := env.chat.Ask(ctx, sess.ID, AskRequest{Question: "How did revenue change?", Options: DefaultOptions()})
	require.NoError(t, err)
	assert.Equal(t, "Revenue grew 20%.", res.Message.Content)
	require.Len(t, res.Citations, 1)
	assert.Equal(t, "doc-1-c0", res.Citations[0].ChunkID)
	assert.InDelta(t, 1.0, res.Citations[0].Score, 1e-9)
	assert.Equal(t, []string{"Why?"}, res.Suggestions)
	assert.Equal(t, 1, res.ContextUsed)
	assert.Equal(t, 150, res.Message.TotalTokens)

	history, err := env.sessions.History(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, document.RoleUser, history[0].Role)
	assert.Equal(t, res.Message.ID, history[1].ID)

	stored, err := env.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.MessageCount)

	chatMetrics, err := env.store.ListMetrics(ctx, storage.MetricFilter{Type: document.MetricChatQuery})
	require.NoError(t, err)
	require.Len(t, chatMetrics, 1)
	assert.True(t, chatMetrics[0].Success)
	assert.Equal(t, 2, chatMetrics[0].APICalls)
}

func TestAsk_ZeroOptionsUseDefaults(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t)
	env.addDocument(t, "doc-1", document.StatusCompleted, "Revenue grew 20% in 2025.")
	sess, err := env.sessions.Create(ctx, "", []string{"doc-1"}, 0)
	require.NoError(t, err)

	res, err := env.chat.Ask(ctx, sess.ID, AskRequest{Question: "How did revenue change?"})
	require.NoError(t, err)
	require.Len(t, res.Citations, 1)
	assert.Equal(t, []string{"Why?"}, res.Suggestions)
	assert.Equal(t, DefaultOptions().MaxTokens, env.llm.last.MaxTokens)
}

func TestAsk_InsufficientContext(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t)
	env.addDocument(t, "doc-1", document.StatusCompleted, "Revenue grew 20% in 2025.", "Hiring slowed in Q3.")
	sess, err := env.sessions.Create(ctx, "", []string{"doc-1"}, 0)
	require.NoError(t, err)

	res, err := env.chat.Ask(ctx, sess.ID, AskRequest{Question: "What was the weather like?"})
	require.NoError(t, err)
	assert.True(t, res.Insufficient)
	assert.Equal(t, InsufficientContextAnswer, res.Message.Content)
	assert.Empty(t, res.Citations)
	assert.Equal(t, 0, env.llm.Calls())

	retrievals, err := env.store.ListMetrics(ctx, storage.MetricFilter{Type: document.MetricRetrieval})
	require.NoError(t, err)
	require.Len(t, retrievals, 1)
	assert.True(t, retrievals[0].Success)
	assert.Equal(t, 0, retrievals[0].Metadata["results"])
}

func TestAsk_FailedGenerationLeavesHistoryUntouched(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t)
	env.addDocument(t, "doc-1", document.StatusCompleted, "Revenue grew 20% in 2025.")
	sess, err := env.sessions.Create(ctx, "", []string{"doc-1"}, 0)
	require.NoError(t, err)

	env.llm.reply = func(int, llm.Request) (*llm.Completion, error) {
		return nil, &retry.RetryableError{StatusCode: 503, Message: "overloaded"}
	}
	_, err = env.chat.Ask(ctx, sess.ID, AskRequest{Question: "revenue?"})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 3, env.llm.Calls())

	history, err := env.sessions.History(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	stored, err := env.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.MessageCount)

	chatMetrics, err := env.store.ListMetrics(ctx, storage.MetricFilter{Type: document.MetricChatQuery})
	require.NoError(t, err)
	require.Len(t, chatMetrics, 1)
	assert.False(t, chatMetrics[0].Success)
	assert.NotEmpty(t, chatMetrics[0].Error)
}

func TestAsk_RetriesTransientGenerationFailure(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t)
	env.addDocument(t, "doc-1", document.StatusCompleted, "Revenue grew 20% in 2025.")
	sess, err := env.sessions.Create(ctx, "", []string{"doc-1"}, 0)
	require.NoError(t, err)

	ok := replyText(`{"answer": "It grew."}`)
	env.llm.reply = func(call int, req llm.Request) (*llm.Completion, error) {
		if call == 1 {
			return nil, context.DeadlineExceeded
		}
		return ok(call, req)
	}
	res, err := env.chat.Ask(ctx, sess.ID, AskRequest{Question: "revenue?"})
	require.NoError(t, err)
	assert.Equal(t, "It grew.", res.Message.Content)
	assert.Equal(t, 2, env.llm.Calls())
}

func TestAsk_HistoryFeedsNextTurn(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t)
	env.addDocument(t, "doc-1", document.StatusCompleted, "Revenue grew 20% in 2025.")
	sess, err := env.sessions.Create(ctx, "", []string{"doc-1"}, 1)
	require.NoError(t, err)

	for _, q := range []string{"revenue one?", "revenue two?", "revenue three?"} {
		_, err := env.chat.Ask(ctx, sess.ID, AskRequest{Question: q})
		require.NoError(t, err)
	}
	// Window of one turn: only the previous question and answer are sent.
	msgs := env.llm.last.Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "revenue two?", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestAsk_MultiDocumentSession(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t)
	env.addDocument(t, "doc-a", document.StatusCompleted, "revenue a0", "revenue a1", "revenue a2", "revenue a3")
	env.addDocument(t, "doc-b", document.StatusCompleted, "revenue b0", "hiring b1")
	sess, err := env.sessions.Create(ctx, "", []string{"doc-a", "doc-b", "doc-a"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-a", "doc-b"}, sess.DocumentIDs)
	assert.Equal(t, "Chat about doc-a.txt and 1 more", sess.Title)

	env.llm.reply = replyText(`{"answer": "Both mention revenue."}`)
	res, err := env.chat.Ask(ctx, sess.ID, AskRequest{Question: "revenue?"})
	require.NoError(t, err)
	// Three per document from doc-a, one from doc-b.
	assert.Equal(t, 4, res.ContextUsed)
	byDoc := map[string]int{}
	for _, c := range res.Citations {
		byDoc[c.DocumentID]++
		assert.Equal(t, c.DocumentID+".txt", c.DocumentName)
	}
	assert.Equal(t, map[string]int{"doc-a": 3, "doc-b": 1}, byDoc)
	assert.Contains(t, env.llm.last.Messages[0].Content, "[Source 1 (doc-a.txt, Page 1)]")
}

func TestAsk_SerializedPerSession(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t)
	env.addDocument(t, "doc-1", document.StatusCompleted, "Revenue grew 20% in 2025.")
	sess, err := env.sessions.Create(ctx, "", []string{"doc-1"}, 0)
	require.NoError(t, err)

	var inFlight, maxInFlight int
	var mu sync.Mutex
	base := replyText(`{"answer": "ok"}`)
	env.llm.reply = func(call int, req llm.Request) (*llm.Completion, error) {
		mu.Lock()
		inFlight++
		maxInFlight = max(maxInFlight, inFlight)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return base(call, req)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.chat.Ask(ctx, sess.ID, AskRequest{Question: "revenue?"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInFlight)

	stored, err := env.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, stored.MessageCount)
}

func TestAsk_Errors(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t)

	_, err := env.chat.Ask(ctx, "missing", AskRequest{Question: "q"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = env.chat.Ask(ctx, "missing", AskRequest{Question: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = env.chat.Ask(ctx, "missing", AskRequest{Question: "q", Options: Options{Tone: "angry"}})
	assert.Error(t, err)
}

func TestSessionsCreate_Validation(t *testing.T) {
	ctx := context.Background()
	env := newChatEnv(t)
	env.addDocument(t, "ready", document.StatusCompleted)
	env.addDocument(t, "busy", document.StatusEmbedding)

	_, err := env.sessions.Create(ctx, "", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = env.sessions.Create(ctx, "", []string{"nope"}, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = env.sessions.Create(ctx, "", []string{"ready", "busy"}, 0)
	var notReady *DocumentNotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, "busy", notReady.DocumentID)

	many := make([]string, document.MaxSessionDocuments+1)
	for i := range many {
		many[i] = fmt.Sprintf("d%d", i)
	}
	_, err = env.sessions.Create(ctx, "", many, 0)
	assert.ErrorIs(t, err, ErrInvalidSession)

	sess, err := env.sessions.Create(ctx, "mine", []string{"ready"}, 99)
	require.NoError(t, err)
	assert.Equal(t, "mine", sess.Title)
	assert.Equal(t, document.MaxContextWindow, sess.ContextWindow)

	require.NoError(t, env.chat.DeleteSession(ctx, sess.ID))
	_, err = env.sessions.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetriever_IndexFailureIsRetrievalError(t *testing.T) {
	r := NewRetriever(keywordEmbedder{}, failingIndex{vectorindex.NewExact()}, nil, RetrieverConfig{}, discard())
	_, err := r.Retrieve(context.Background(), RetrieveRequest{DocumentIDs: []string{"d"}, Question: "revenue"})
	var re *vectorindex.RetrievalError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "search", re.Op)
}

// failingIndex fails every search; the other methods come from Exact.
type failingIndex struct{ *vectorindex.Exact }

func (failingIndex) Search(context.Context, vectorindex.Query) ([]vectorindex.Hit, error) {
	return nil, errors.New("connection refused")
}

func (failingIndex) Mode() vectorindex.Mode { return vectorindex.ModeQdrant }
