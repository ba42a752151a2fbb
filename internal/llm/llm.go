package llm

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completion is the model's reply plus usage accounting.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Provider is a chat-completion backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Model() string
}

// ClientConfig controls pacing and deadlines for provider calls.
type ClientConfig struct {
	Timeout           time.Duration
	RequestsPerMinute float64 // 0 disables the limiter.
	StatsWindow       time.Duration
}

// Client wraps a Provider with a rate limiter, a per-call timeout and
// latency stats. It does not retry; callers wrap calls in retry.Do.
type Client struct {
	provider Provider
	timeout  time.Duration
	limiter  *rate.Limiter
	stats    *LatencyStats
	log      *slog.Logger
}

func NewClient(p Provider, cfg ClientConfig, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	c := &Client{
		provider: p,
		timeout:  cfg.Timeout,
		stats:    NewLatencyStats(cfg.StatsWindow),
		log:      log,
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), 1)
	}
	return c
}

// Complete waits for a rate-limit slot and calls the provider under the
// per-call timeout.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := c.provider.Complete(callCtx, req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		c.stats.RecordFailure()
		c.log.Warn("llm call failed", "model", c.provider.Model(), "duration_ms", elapsed, "error", err)
		return nil, err
	}
	c.stats.Record(elapsed)
	if out.Model == "" {
		out.Model = c.provider.Model()
	}
	return out, nil
}

func (c *Client) Model() string { return c.provider.Model() }

// Stats returns rolling latency percentiles for successful calls.
func (c *Client) Stats() StatsSnapshot { return c.stats.Snapshot() }

var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// StripCodeBlock removes a surrounding markdown code fence, if any.
func StripCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if m := codeBlockRe.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return s
}
