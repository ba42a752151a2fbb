package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/tokens"
)

// Config controls chunking behavior. All sizes are in Unicode code points.
type Config struct {
	ChunkSize    int // Maximum chunk length.
	ChunkOverlap int // Tail of the previous chunk repeated at the head of the next.
	Lookback     int // Window before the size limit searched for a clean boundary.
	MinUnit      int // Smallest sensible sentence; ChunkSize below this is rejected.
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    1000,
		ChunkOverlap: 200,
		Lookback:     200,
		MinUnit:      20,
	}
}

// ChunkingError reports a configuration or input that cannot be chunked.
type ChunkingError struct {
	Reason string
}

func (e *ChunkingError) Error() string {
	return "chunking: " + e.Reason
}

// Validate checks cfg after filling zero-valued tuning fields.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.ChunkSize < c.MinUnit {
		return &ChunkingError{Reason: fmt.Sprintf("chunk size %d is below the minimum unit %d", c.ChunkSize, c.MinUnit)}
	}
	if c.ChunkOverlap < 0 {
		return &ChunkingError{Reason: fmt.Sprintf("negative overlap %d", c.ChunkOverlap)}
	}
	if c.ChunkOverlap > c.ChunkSize-c.MinUnit {
		return &ChunkingError{Reason: fmt.Sprintf("overlap %d leaves less than %d new characters per chunk of %d", c.ChunkOverlap, c.MinUnit, c.ChunkSize)}
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinUnit <= 0 {
		c.MinUnit = d.MinUnit
	}
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	if c.Lookback > c.ChunkSize {
		c.Lookback = c.ChunkSize
	}
	return c
}

// Split breaks extracted text into ordered, overlapping chunks.
//
// Chunk i covers [StartChar, EndChar) of the text and the next chunk starts
// ChunkOverlap characters before EndChar, so dropping each chunk's leading
// Overlap characters and concatenating reproduces the text exactly. The
// output depends only on the text, page starts and cfg.
func Split(ext *document.Extracted, cfg Config, counter tokens.Counter) ([]document.Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if strings.TrimSpace(ext.Text) == "" {
		return nil, &ChunkingError{Reason: "empty text"}
	}
	if counter == nil {
		counter = tokens.CounterFunc(tokens.Estimate)
	}

	runes := []rune(ext.Text)
	n := len(runes)

	var chunks []document.Chunk
	start, overlap := 0, 0
	for {
		end := n
		if start+cfg.ChunkSize < n {
			end = cutPoint(runes, start, cfg)
		}
		content := string(runes[start:end])
		chunks = append(chunks, document.Chunk{
			Ordinal:    len(chunks),
			Content:    content,
			Page:       majorityPage(ext.PageStarts, start, end),
			StartChar:  start,
			EndChar:    end,
			Overlap:    overlap,
			TokenCount: counter.Count(content),
		})
		if end >= n {
			break
		}
		overlap = cfg.ChunkOverlap
		start = end - overlap
	}
	return chunks, nil
}

// cutPoint picks the exclusive end of the chunk starting at start. It prefers
// a paragraph break, then a sentence end, then a word boundary inside the
// lookback window, and otherwise cuts hard at the size limit. The result
// always leaves more than ChunkOverlap new characters.
func cutPoint(runes []rune, start int, cfg Config) int {
	limit := start + cfg.ChunkSize
	lo := limit - cfg.Lookback
	if floor := start + cfg.ChunkOverlap + 1; lo < floor {
		lo = floor
	}

	if p := scanBack(runes, lo, limit, isParagraphEnd); p > 0 {
		return p
	}
	if p := scanBack(runes, lo, limit, isSentenceEnd); p > 0 {
		return p
	}
	if p := scanBack(runes, lo, limit, isWordEnd); p > 0 {
		return p
	}
	return limit
}

func scanBack(runes []rune, lo, hi int, match func([]rune, int) bool) int {
	for p := hi; p >= lo; p-- {
		if match(runes, p) {
			return p
		}
	}
	return -1
}

// A chunk ending at p ends just after a blank line.
func isParagraphEnd(runes []rune, p int) bool {
	return p >= 2 && runes[p-1] == '\n' && runes[p-2] == '\n'
}

// A chunk ending at p ends on the whitespace after ., ! or ?.
func isSentenceEnd(runes []rune, p int) bool {
	if p < 2 || !unicode.IsSpace(runes[p-1]) {
		return false
	}
	switch runes[p-2] {
	case '.', '!', '?':
		return true
	}
	return false
}

func isWordEnd(runes []rune, p int) bool {
	return p >= 1 && unicode.IsSpace(runes[p-1])
}

// majorityPage returns the page holding most of [start, end). Ties go to the
// earlier page.
func majorityPage(pageStarts []int, start, end int) int {
	if len(pageStarts) == 0 {
		return 0
	}
	best, bestCount := document.PageAt(pageStarts, start), 0
	for i, ps := range pageStarts {
		pe := end
		if i+1 < len(pageStarts) {
			pe = pageStarts[i+1]
		}
		lo, hi := max(ps, start), min(pe, end)
		if hi-lo > bestCount {
			best, bestCount = i+1, hi-lo
		}
	}
	return best
}
