package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dgallion1/docrag/internal/retry"
)

// Provider maps a batch of strings to one vector each, in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

// EmbeddingError reports a batch that failed after retries.
type EmbeddingError struct {
	Batch int
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding batch %d: %v", e.Batch, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Config controls batching, concurrency and provider pacing.
type Config struct {
	BatchSize         int
	Concurrency       int
	Timeout           time.Duration // Per provider call.
	RequestsPerMinute float64       // 0 disables the limiter.
	Retry             retry.Policy
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         100,
		Concurrency:       4,
		Timeout:           60 * time.Second,
		RequestsPerMinute: 300,
	}
}

// Embedder batches texts through a Provider. Queries and chunks share the
// same path so their vectors are comparable.
type Embedder struct {
	provider Provider
	cfg      Config
	limiter  *rate.Limiter
	log      *slog.Logger
}

func New(p Provider, cfg Config, log *slog.Logger) *Embedder {
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	e := &Embedder{provider: p, cfg: cfg, log: log}
	if cfg.RequestsPerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), 1)
	}
	return e
}

func (e *Embedder) Model() string { return e.provider.Model() }

func (e *Embedder) BatchSize() int { return e.cfg.BatchSize }

// Batches returns how many provider calls n texts need.
func (e *Embedder) Batches(n int) int {
	return (n + e.cfg.BatchSize - 1) / e.cfg.BatchSize
}

// Embed returns one vector per text in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.EmbedWithProgress(ctx, texts, nil)
}

// EmbedWithProgress is Embed with a callback after each finished batch.
// Callbacks are serialized.
func (e *Embedder) EmbedWithProgress(ctx context.Context, texts []string, progress func(done, total int)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	total := e.Batches(len(texts))
	out := make([][]float32, len(texts))

	var (
		mu   sync.Mutex
		done int
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.Concurrency)
	for b := 0; b < total; b++ {
		start := b * e.cfg.BatchSize
		end := min(start+e.cfg.BatchSize, len(texts))
		eg.Go(func() error {
			vecs, err := e.embedBatch(gctx, b, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			if progress != nil {
				mu.Lock()
				done++
				progress(done, total)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	dim := e.provider.Dimensions()
	if dim == 0 {
		dim = len(out[0])
	}
	for i, v := range out {
		if len(v) != dim || dim == 0 {
			return nil, &EmbeddingError{Batch: i / e.cfg.BatchSize, Err: fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), dim)}
		}
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch int, texts []string) ([][]float32, error) {
	var vecs [][]float32
	attempt := 0
	err := e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()

		v, err := e.provider.Embed(callCtx, texts)
		if err != nil {
			if retry.IsRetryable(err) {
				e.log.Warn("embedding batch failed, retrying", "batch", batch, "attempt", attempt, "error", err)
			}
			return err
		}
		if len(v) != len(texts) {
			return fmt.Errorf("provider returned %d vectors for %d inputs", len(v), len(texts))
		}
		vecs = v
		return nil
	})
	if err != nil {
		return nil, &EmbeddingError{Batch: batch, Err: err}
	}
	return vecs, nil
}
