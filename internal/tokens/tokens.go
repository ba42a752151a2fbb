package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	// Bundled BPE ranks; no network fetch at runtime.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Encoding is the BPE used for all counts.
const Encoding = "cl100k_base"

// Counter counts model tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(string) int

func (f CounterFunc) Count(text string) int { return f(text) }

// Tiktoken counts tokens with the cl100k_base encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
	mu  sync.Mutex
}

var (
	tiktokenOnce sync.Once
	tiktokenInst *Tiktoken
	tiktokenErr  error
)

// NewTiktoken returns the shared tiktoken counter, loading the encoding once.
func NewTiktoken() (*Tiktoken, error) {
	tiktokenOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(Encoding)
		if err != nil {
			tiktokenErr = err
			return
		}
		tiktokenInst = &Tiktoken{enc: enc}
	})
	return tiktokenInst, tiktokenErr
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// Estimate gives a rough count using the ~4 characters per token heuristic.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Default returns the tiktoken counter, or the heuristic if the encoding
// cannot be loaded.
func Default() Counter {
	if t, err := NewTiktoken(); err == nil {
		return t
	}
	return CounterFunc(Estimate)
}
