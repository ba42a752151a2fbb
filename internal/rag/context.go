package rag

import (
	"fmt"
	"strings"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/tokens"
	"github.com/dgallion1/docrag/internal/vectorindex"
)

// Budget caps the tokens spent on retrieved chunks plus history.
type Budget struct {
	Tokens int
}

// ContextBudgetError means the highest-ranked chunk alone exceeds the budget.
type ContextBudgetError struct {
	Needed int
	Budget int
}

func (e *ContextBudgetError) Error() string {
	return fmt.Sprintf("top chunk needs %d tokens, context budget is %d", e.Needed, e.Budget)
}

// Prompt is the assembled context for one question.
type Prompt struct {
	Context string            // source blocks joined by blank lines
	Sources []vectorindex.Hit // Sources[i] is "Source i+1" in Context
	History []document.Message
	Tokens  int
}

// ContextBuilder packs ranked chunks and recent turns into a budget.
type ContextBuilder struct {
	Counter tokens.Counter
	// Names maps document IDs to display names for source labels. Optional.
	Names map[string]string
}

// Build includes the longest prefix of hits that fits the budget, then the
// most recent turns (at most window) that fit what remains. Chunks and turns
// are included whole or not at all.
func (b ContextBuilder) Build(hits []vectorindex.Hit, history []document.Message, budget Budget, window int) (*Prompt, error) {
	counter := b.Counter
	if counter == nil {
		counter = tokens.Default()
	}

	p := &Prompt{}
	remaining := budget.Tokens
	var blocks []string
	for i, h := range hits {
		block := b.sourceBlock(len(blocks)+1, h)
		cost := counter.Count(block)
		if cost > remaining {
			if i == 0 {
				return nil, &ContextBudgetError{Needed: cost, Budget: budget.Tokens}
			}
			break
		}
		remaining -= cost
		blocks = append(blocks, block)
		p.Sources = append(p.Sources, h)
	}
	p.Context = strings.Join(blocks, "\n\n")

	turns := groupTurns(history)
	if window > 0 && len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	// Newest first; stop at the first turn that does not fit so the kept
	// history stays contiguous.
	keep := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := 0
		for _, m := range turns[i] {
			cost += counter.Count(m.Content)
		}
		if cost > remaining {
			break
		}
		remaining -= cost
		keep = i
	}
	for _, t := range turns[keep:] {
		p.History = append(p.History, t...)
	}

	p.Tokens = budget.Tokens - remaining
	return p, nil
}

func (b ContextBuilder) sourceBlock(n int, h vectorindex.Hit) string {
	var ref []string
	if name := b.Names[h.DocumentID]; name != "" {
		ref = append(ref, name)
	}
	if h.Page > 0 {
		ref = append(ref, fmt.Sprintf("Page %d", h.Page))
	}
	label := fmt.Sprintf("Source %d", n)
	if len(ref) > 0 {
		label += " (" + strings.Join(ref, ", ") + ")"
	}
	return "[" + label + "]:\n" + h.Content
}

// groupTurns splits chronological messages into turns: a user message and
// the replies that follow it. System messages are dropped.
func groupTurns(msgs []document.Message) [][]document.Message {
	var turns [][]document.Message
	for _, m := range msgs {
		switch m.Role {
		case document.RoleUser:
			turns = append(turns, []document.Message{m})
		case document.RoleAssistant:
			if len(turns) == 0 {
				turns = append(turns, nil)
			}
			turns[len(turns)-1] = append(turns[len(turns)-1], m)
		}
	}
	return turns
}
