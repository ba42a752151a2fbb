package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/llm"
	"github.com/dgallion1/docrag/internal/tokens"
	"github.com/dgallion1/docrag/internal/vectorindex"
)

// InsufficientContextAnswer is returned without a model call when retrieval
// found nothing above the threshold.
const InsufficientContextAnswer = "I couldn't find information in the provided documents to answer this question. " +
	"Try rephrasing it, or ask about a topic the documents cover."

const (
	maxSuggestions = 3
	snippetLength  = 200
)

type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneTechnical    Tone = "technical"
)

type Length string

const (
	LengthShort  Length = "short"
	LengthMedium Length = "medium"
	LengthLong   Length = "long"
)

// Options shape the generated answer.
type Options struct {
	Tone        Tone    `json:"tone"`
	Length      Length  `json:"length"`
	Citations   bool    `json:"include_citations"`
	Suggestions bool    `json:"include_suggestions"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

func DefaultOptions() Options {
	return Options{
		Tone:        ToneProfessional,
		Length:      LengthMedium,
		Citations:   true,
		Suggestions: true,
		MaxTokens:   1000,
		Temperature: 0.3,
	}
}

// Validate fills empty fields with defaults and rejects unknown values.
func (o *Options) Validate() error {
	def := DefaultOptions()
	switch o.Tone {
	case "":
		o.Tone = def.Tone
	case ToneProfessional, ToneCasual, ToneTechnical:
	default:
		return fmt.Errorf("%w: unknown tone %q", ErrInvalidOptions, o.Tone)
	}
	switch o.Length {
	case "":
		o.Length = def.Length
	case LengthShort, LengthMedium, LengthLong:
	default:
		return fmt.Errorf("%w: unknown length %q", ErrInvalidOptions, o.Length)
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = def.MaxTokens
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		return fmt.Errorf("%w: temperature %v out of range [0, 2]", ErrInvalidOptions, o.Temperature)
	}
	return nil
}

// GenerationError wraps a provider failure while answering.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "generation: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// Completer is the model behind the generator. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Completion, error)
	Model() string
}

// Answer is a parsed model reply.
type Answer struct {
	Text             string
	Citations        []document.Citation
	Suggestions      []string
	PromptTokens     int
	CompletionTokens int
	Model            string
	// Degraded is set when the reply was not the requested JSON; Text then
	// holds the raw reply and citations and suggestions are dropped.
	Degraded bool
	// Insufficient is set when there was no context and no model call.
	Insufficient bool
}

// Generator turns an assembled prompt into an answer.
type Generator struct {
	llm     Completer
	counter tokens.Counter
	log     *slog.Logger
}

func NewGenerator(c Completer, counter tokens.Counter, log *slog.Logger) *Generator {
	if counter == nil {
		counter = tokens.Default()
	}
	return &Generator{llm: c, counter: counter, log: log}
}

// Generate makes one model call. Names label citations with document names.
func (g *Generator) Generate(ctx context.Context, question string, p *Prompt, opts Options, names map[string]string) (*Answer, error) {
	if len(p.Sources) == 0 {
		return &Answer{Text: InsufficientContextAnswer, Insufficient: true, Model: g.llm.Model()}, nil
	}

	req := llm.Request{
		System:      systemPrompt(opts),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	for _, m := range p.History {
		req.Messages = append(req.Messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	userPrompt := questionPrompt(p.Context, question)
	req.Messages = append(req.Messages, llm.Message{Role: string(document.RoleUser), Content: userPrompt})

	out, err := g.llm.Complete(ctx, req)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}
	raw := strings.TrimSpace(out.Text)
	if raw == "" {
		return nil, &GenerationError{Err: errors.New("model returned an empty reply")}
	}

	ans := &Answer{
		Model:            out.Model,
		PromptTokens:     out.InputTokens,
		CompletionTokens: out.OutputTokens,
	}
	if ans.PromptTokens == 0 {
		ans.PromptTokens = g.counter.Count(req.System) + g.counter.Count(userPrompt) + historyTokens(g.counter, p.History)
	}
	if ans.CompletionTokens == 0 {
		ans.CompletionTokens = g.counter.Count(raw)
	}

	parsed, err := parseReply(raw)
	if err != nil {
		g.log.Warn("unparseable answer, returning raw text", "error", err, "reply", truncate(raw, 200))
		ans.Text = raw
		ans.Degraded = true
		return ans, nil
	}
	ans.Text = parsed.Answer
	if opts.Citations {
		ans.Citations = citations(p.Sources, parsed.Sources, names)
	}
	if opts.Suggestions {
		ans.Suggestions = suggestions(parsed.FollowUp)
	}
	return ans, nil
}

type reply struct {
	Answer   string   `json:"answer"`
	Sources  []int    `json:"sources"`
	FollowUp []string `json:"follow_up_questions"`
}

func parseReply(raw string) (*reply, error) {
	var r reply
	if err := json.Unmarshal([]byte(llm.StripCodeBlock(raw)), &r); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	if strings.TrimSpace(r.Answer) == "" {
		return nil, errors.New("reply has no answer")
	}
	r.Answer = strings.TrimSpace(r.Answer)
	return &r, nil
}

// citations maps the model's 1-based source numbers to retrieval hits. When
// the model names no valid source, every source in the context is cited.
// Scores are the retrieval scores.
func citations(sources []vectorindex.Hit, cited []int, names map[string]string) []document.Citation {
	var picked []vectorindex.Hit
	seen := make(map[int]bool)
	for _, n := range cited {
		if n < 1 || n > len(sources) || seen[n] {
			continue
		}
		seen[n] = true
		picked = append(picked, sources[n-1])
	}
	if len(picked) == 0 {
		picked = sources
	}

	out := make([]document.Citation, 0, len(picked))
	for _, h := range picked {
		out = append(out, document.Citation{
			ChunkID:      h.ChunkID,
			DocumentID:   h.DocumentID,
			DocumentName: names[h.DocumentID],
			Ordinal:      h.Ordinal,
			Snippet:      Snippet(h.Content),
			Page:         h.Page,
			Score:        clampScore(h.Score),
		})
	}
	return out
}

func suggestions(qs []string) []string {
	var out []string
	for _, q := range qs {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		out = append(out, q)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// Snippet returns the first 200 characters of content, with "..." when cut.
func Snippet(content string) string {
	r := []rune(content)
	if len(r) <= snippetLength {
		return content
	}
	return string(r[:snippetLength]) + "..."
}

func clampScore(s float64) float64 {
	return min(max(s, 0), 1)
}

func historyTokens(c tokens.Counter, msgs []document.Message) int {
	n := 0
	for _, m := range msgs {
		n += c.Count(m.Content)
	}
	return n
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
