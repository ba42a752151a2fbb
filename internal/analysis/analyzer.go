// Package analysis derives a summary, topics, categories, sentiment and
// insights from a document's text with one model call.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/llm"
	"github.com/dgallion1/docrag/internal/retry"
)

const (
	temperature   = 0.1
	maxTokens     = 2000
	maxInputRunes = 15000
	maxRawSummary = 2000
)

// Options tune the summary.
type Options struct {
	Length     string   // short|medium|long
	Tone       string   // e.g. professional
	FocusAreas []string // topics to emphasize
}

// Completer is the model used for analysis. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Completion, error)
}

// Result is the validated analysis of one document.
type Result struct {
	Summary        string
	Topics         []string
	Categories     []string
	Sentiment      string
	SentimentScore float64
	Insights       []document.Insight
	InputTokens    int
	OutputTokens   int
	// Degraded is set when the reply was not JSON; only Summary carries
	// model output then.
	Degraded bool
}

// Analyzer runs document analysis.
type Analyzer struct {
	llm   Completer
	opts  Options
	retry retry.Policy
	log   *slog.Logger
}

func New(c Completer, opts Options, policy retry.Policy, log *slog.Logger) *Analyzer {
	return &Analyzer{llm: c, opts: opts, retry: policy, log: log}
}

type entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type datum struct {
	Value   string `json:"value"`
	Context string `json:"context"`
}

type rawAnalysis struct {
	Summary        string   `json:"summary"`
	Topics         []string `json:"topics"`
	Categories     []string `json:"categories"`
	Sentiment      string   `json:"sentiment"`
	SentimentScore float64  `json:"sentiment_score"`
	KeyPoints      []string `json:"key_points"`
	Entities       []entity `json:"entities"`
	ImportantData  []datum  `json:"important_data"`
	ActionItems    []string `json:"action_items"`
}

// Analyze sends the first 15000 characters of text to the model and
// validates the reply. Provider failures are retried; an unparseable reply
// is kept as the summary instead of failing the document.
func (a *Analyzer) Analyze(ctx context.Context, title, text string) (*Result, error) {
	if r := []rune(text); len(r) > maxInputRunes {
		text = string(r[:maxInputRunes])
	}
	system, user := BuildPrompt(title, text, a.opts)
	req := llm.Request{
		System:      system,
		Messages:    []llm.Message{{Role: "user", Content: user}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	var out *llm.Completion
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.llm.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("analysis call: %w", err)
	}

	res, err := Parse(out.Text)
	if err != nil {
		a.log.Warn("unparseable analysis, keeping raw text as summary", "error", err)
		res = fallback(out.Text)
	}
	res.InputTokens = out.InputTokens
	res.OutputTokens = out.OutputTokens
	return res, nil
}

// Parse decodes and normalizes a JSON analysis reply.
func Parse(text string) (*Result, error) {
	var raw rawAnalysis
	if err := json.Unmarshal([]byte(llm.StripCodeBlock(text)), &raw); err != nil {
		return nil, fmt.Errorf("decoding analysis: %w", err)
	}

	res := &Result{
		Summary:    strings.TrimSpace(raw.Summary),
		Topics:     normalizeTopics(raw.Topics),
		Categories: normalizeCategories(raw.Categories),
	}
	res.Sentiment, res.SentimentScore = normalizeSentiment(raw.Sentiment, raw.SentimentScore)

	entities := make([]string, 0, len(raw.Entities))
	for _, e := range raw.Entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		if t := strings.TrimSpace(e.Type); t != "" {
			name += " (" + t + ")"
		}
		entities = append(entities, name)
	}
	data := make([]string, 0, len(raw.ImportantData))
	for _, d := range raw.ImportantData {
		v := strings.TrimSpace(d.Value)
		if v == "" {
			continue
		}
		if c := strings.TrimSpace(d.Context); c != "" {
			v += ": " + c
		}
		data = append(data, v)
	}

	res.Insights = append(res.Insights, insightsOfKind(document.InsightKeyPoint, raw.KeyPoints)...)
	res.Insights = append(res.Insights, insightsOfKind(document.InsightEntity, entities)...)
	res.Insights = append(res.Insights, insightsOfKind(document.InsightImportantData, data)...)
	res.Insights = append(res.Insights, insightsOfKind(document.InsightActionItem, raw.ActionItems)...)
	return res, nil
}

func fallback(text string) *Result {
	summary := strings.TrimSpace(llm.StripCodeBlock(text))
	if r := []rune(summary); len(r) > maxRawSummary {
		summary = string(r[:maxRawSummary])
	}
	return &Result{
		Summary:    summary,
		Categories: []string{"Other"},
		Sentiment:  "neutral",
		Degraded:   true,
	}
}
