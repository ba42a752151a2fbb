package chunker

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dgallion1/docrag/internal/document"
)

func extracted(text string, pageStarts ...int) *document.Extracted {
	if len(pageStarts) == 0 {
		pageStarts = []int{0}
	}
	return &document.Extracted{Text: text, PageStarts: pageStarts}
}

// reassemble drops each chunk's overlap and concatenates the rest.
func reassemble(chunks []document.Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(string([]rune(c.Content)[c.Overlap:]))
	}
	return sb.String()
}

// generateText builds deterministic prose with words, sentences and paragraphs.
func generateText(seed uint64, words int) string {
	r := rand.New(rand.NewPCG(seed, seed*7+1))
	var sb strings.Builder
	for i := 0; i < words; i++ {
		n := 1 + r.IntN(12)
		for j := 0; j < n; j++ {
			sb.WriteByte(byte('a' + r.IntN(26)))
		}
		switch x := r.IntN(40); {
		case x == 0:
			sb.WriteString(".\n\n")
		case x < 5:
			sb.WriteString(". ")
		case x == 5:
			sb.WriteString("? ")
		case x == 6:
			sb.WriteString("\n")
		default:
			sb.WriteString(" ")
		}
	}
	return sb.String()
}

func TestSplit_ThreePageScenario(t *testing.T) {
	// 24 sentences of exactly 100 characters, 8 per page.
	unit := strings.Repeat("a", 98) + ". "
	text := strings.Repeat(unit, 24)
	if len(text) != 2400 {
		t.Fatalf("fixture should be 2400 chars, got %d", len(text))
	}

	cfg := Config{ChunkSize: 1000, ChunkOverlap: 200}
	chunks, err := Split(extracted(text, 0, 800, 1600), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c.Content); n > 1000 {
			t.Errorf("chunk %d: %d chars exceeds 1000", i, n)
		}
		if c.Ordinal != i {
			t.Errorf("chunk %d: expected ordinal %d, got %d", i, i, c.Ordinal)
		}
		if c.Page != i+1 {
			t.Errorf("chunk %d: expected page %d, got %d", i, i+1, c.Page)
		}
	}
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1].Content
		tail := prev[len(prev)-200:]
		if !strings.HasPrefix(chunks[i].Content, tail) {
			t.Errorf("chunk %d should begin with the last 200 chars of chunk %d", i, i-1)
		}
		if chunks[i].Overlap != 200 {
			t.Errorf("chunk %d: expected overlap 200, got %d", i, chunks[i].Overlap)
		}
	}
	if chunks[0].Overlap != 0 {
		t.Errorf("first chunk should have no overlap, got %d", chunks[0].Overlap)
	}
}

func TestSplit_RoundTrip(t *testing.T) {
	configs := []Config{
		{ChunkSize: 100, ChunkOverlap: 0},
		{ChunkSize: 100, ChunkOverlap: 20},
		{ChunkSize: 250, ChunkOverlap: 50, Lookback: 100},
		{ChunkSize: 1000, ChunkOverlap: 200},
		{ChunkSize: 50, ChunkOverlap: 29, Lookback: 10},
	}
	for seed := uint64(1); seed <= 5; seed++ {
		text := generateText(seed, 800)
		for _, cfg := range configs {
			chunks, err := Split(extracted(text), cfg, nil)
			if err != nil {
				t.Fatalf("seed %d cfg %+v: unexpected error: %v", seed, cfg, err)
			}
			if got := reassemble(chunks); got != text {
				t.Fatalf("seed %d cfg %+v: reassembled text differs from input", seed, cfg)
			}
			runes := []rune(text)
			for i, c := range chunks {
				if c.Ordinal != i {
					t.Fatalf("seed %d cfg %+v: chunk %d has ordinal %d", seed, cfg, i, c.Ordinal)
				}
				if n := utf8.RuneCountInString(c.Content); n > cfg.ChunkSize {
					t.Fatalf("seed %d cfg %+v: chunk %d has %d chars", seed, cfg, i, n)
				}
				if string(runes[c.StartChar:c.EndChar]) != c.Content {
					t.Fatalf("seed %d cfg %+v: chunk %d offsets do not match content", seed, cfg, i)
				}
				if i > 0 && c.StartChar != chunks[i-1].EndChar-cfg.ChunkOverlap {
					t.Fatalf("seed %d cfg %+v: chunk %d starts at %d, expected %d", seed, cfg, i, c.StartChar, chunks[i-1].EndChar-cfg.ChunkOverlap)
				}
			}
		}
	}
}

func TestSplit_Idempotent(t *testing.T) {
	text := generateText(42, 2000)
	cfg := DefaultConfig()
	a, err := Split(extracted(text), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Split(extracted(text), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("expected same chunk count, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].StartChar != b[i].StartChar || a[i].EndChar != b[i].EndChar || a[i].Content != b[i].Content {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n\n" + "Bbbb ccc. Ddd eee. " + strings.Repeat("f", 60)
	chunks, err := Split(extracted(text), Config{ChunkSize: 100, ChunkOverlap: 10, Lookback: 50}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks[0].EndChar != 62 {
		t.Errorf("expected first chunk to end after the blank line at 62, got %d", chunks[0].EndChar)
	}
}

func TestSplit_PrefersSentenceOverWord(t *testing.T) {
	text := strings.Repeat("x", 70) + ". " + strings.Repeat("y", 10) + " " + strings.Repeat("z", 40)
	chunks, err := Split(extracted(text), Config{ChunkSize: 100, ChunkOverlap: 10, Lookback: 50}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks[0].EndChar != 72 {
		t.Errorf("expected cut after the sentence at 72, got %d", chunks[0].EndChar)
	}
}

func TestSplit_NeverSplitsMidWordWhenSentenceReachable(t *testing.T) {
	text := generateText(7, 1500)
	cfg := Config{ChunkSize: 300, ChunkOverlap: 30, Lookback: 300}
	chunks, err := Split(extracted(text), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, c := range chunks[:len(chunks)-1] {
		r := []rune(c.Content)
		if last := r[len(r)-1]; last != ' ' && last != '\n' {
			t.Errorf("chunk %d ends mid-word with %q", i, last)
		}
	}
}

func TestSplit_HardCutWithoutBoundaries(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks, err := Split(extracted(text), Config{ChunkSize: 100, ChunkOverlap: 10}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantEnds := []int{100, 190, 250}
	if len(chunks) != len(wantEnds) {
		t.Fatalf("expected %d chunks, got %d", len(wantEnds), len(chunks))
	}
	for i, w := range wantEnds {
		if chunks[i].EndChar != w {
			t.Errorf("chunk %d: expected end %d, got %d", i, w, chunks[i].EndChar)
		}
	}
}

func TestSplit_MajorityPage(t *testing.T) {
	text := strings.Repeat("x", 100)
	tests := []struct {
		name   string
		starts []int
		want   int
	}{
		{"exact tie goes to earlier page", []int{0, 50}, 1},
		{"later page holds majority", []int{0, 40}, 2},
		{"earlier page holds majority", []int{0, 70}, 1},
		{"no pages", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext := &document.Extracted{Text: text, PageStarts: tt.starts}
			chunks, err := Split(ext, Config{ChunkSize: 100, ChunkOverlap: 0}, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if chunks[0].Page != tt.want {
				t.Errorf("expected page %d, got %d", tt.want, chunks[0].Page)
			}
		})
	}
}

func TestSplit_Multibyte(t *testing.T) {
	text := strings.Repeat("日本語のテキスト。", 40)
	chunks, err := Split(extracted(text), Config{ChunkSize: 50, ChunkOverlap: 5}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, c := range chunks {
		if !utf8.ValidString(c.Content) {
			t.Errorf("chunk %d is not valid utf-8", i)
		}
	}
	if reassemble(chunks) != text {
		t.Error("reassembled text differs from input")
	}
}

func TestSplit_TokenCounts(t *testing.T) {
	chunks, err := Split(extracted(strings.Repeat("word ", 100)), DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks[0].TokenCount != 125 {
		t.Errorf("expected heuristic token count 125, got %d", chunks[0].TokenCount)
	}
}

func TestSplit_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"size below minimum unit", Config{ChunkSize: 10, ChunkOverlap: 0}},
		{"zero size", Config{ChunkSize: 0}},
		{"negative overlap", Config{ChunkSize: 100, ChunkOverlap: -1}},
		{"overlap leaves no room", Config{ChunkSize: 100, ChunkOverlap: 90}},
		{"overlap equals size", Config{ChunkSize: 100, ChunkOverlap: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(extracted("Some text. More text."), tt.cfg, nil)
			var ce *ChunkingError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ChunkingError, got %v", err)
			}
		})
	}
}

func TestSplit_EmptyText(t *testing.T) {
	_, err := Split(extracted("   \n  "), DefaultConfig(), nil)
	var ce *ChunkingError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ChunkingError, got %v", err)
	}
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	chunks, err := Split(extracted("Hello world."), DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Content != "Hello world." || chunks[0].StartChar != 0 || chunks[0].EndChar != 12 {
		t.Errorf("unexpected chunk %+v", chunks[0])
	}
}
