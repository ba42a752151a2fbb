// Package pipeline runs uploaded documents through extraction, chunking,
// embedding and analysis on a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgallion1/docrag/internal/document"
	"github.com/dgallion1/docrag/internal/storage"
	"github.com/dgallion1/docrag/internal/vectorindex"
)

// ErrQueueFull is returned when no queue slot is free.
var ErrQueueFull = errors.New("processing queue is full")

// ConcurrentReprocessError is returned when a document already has a run
// queued or in flight.
type ConcurrentReprocessError struct {
	DocumentID string
}

func (e *ConcurrentReprocessError) Error() string {
	return fmt.Sprintf("document %s is already being processed", e.DocumentID)
}

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
	JobTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.JobTTL <= 0 {
		c.JobTTL = time.Hour
	}
	return c
}

// Orchestrator owns the queue, the workers and the per-document locks. A
// document's lock is taken when it is queued and released when its run ends.
type Orchestrator struct {
	cfg    Config
	jobs   *JobStore
	queue  chan *Job
	worker *Worker
	store  storage.Store
	index  vectorindex.Index
	log    *slog.Logger

	mu     sync.Mutex
	active map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(cfg Config, w *Worker, store storage.Store, index vectorindex.Index, log *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:    cfg,
		jobs:   NewJobStore(cfg.JobTTL),
		queue:  make(chan *Job, cfg.QueueSize),
		worker: w,
		store:  store,
		index:  index,
		log:    log,
		active: make(map[string]bool),
	}
}

// Start launches worker goroutines.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for range o.cfg.Workers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case job := <-o.queue:
					id := job.Snapshot().DocumentID
					_ = o.worker.Process(workerCtx, id, job)
					o.unlock(id)
				}
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				o.jobs.Cleanup()
			}
		}
	}()
}

// Stop cancels in-flight runs and waits for the workers to exit. Documents
// still queued stay pending and are picked up by Recover on the next start.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Submit queues a pending document.
func (o *Orchestrator) Submit(docID string) error {
	if !o.tryLock(docID) {
		return &ConcurrentReprocessError{DocumentID: docID}
	}
	return o.enqueue(docID)
}

// Reprocess clears a failed document's chunks, vectors, analysis and
// insights, resets it to pending and queues it.
func (o *Orchestrator) Reprocess(ctx context.Context, docID string) error {
	if !o.tryLock(docID) {
		return &ConcurrentReprocessError{DocumentID: docID}
	}
	if err := o.reset(ctx, docID); err != nil {
		o.unlock(docID)
		return err
	}
	return o.enqueue(docID)
}

func (o *Orchestrator) reset(ctx context.Context, docID string) error {
	doc, err := o.store.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if !document.CanTransition(doc.Status, document.StatusPending) {
		return &document.TransitionError{From: doc.Status, To: document.StatusPending}
	}
	if err := o.store.ReplaceChunks(ctx, docID, nil); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}
	if err := o.index.Delete(ctx, docID); err != nil {
		return fmt.Errorf("clearing vectors: %w", err)
	}
	if err := o.store.ReplaceInsights(ctx, docID, nil); err != nil {
		return fmt.Errorf("clearing insights: %w", err)
	}
	doc.ClearDerived()
	doc.Status = document.StatusPending
	doc.UpdatedAt = time.Now()
	if err := o.store.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("resetting document: %w", err)
	}
	o.log.Info("document reset for reprocessing", "doc_id", docID)
	return nil
}

// Delete removes a document from storage and the index. It refuses while a
// run is queued or in flight.
func (o *Orchestrator) Delete(ctx context.Context, docID string) error {
	if !o.tryLock(docID) {
		return &ConcurrentReprocessError{DocumentID: docID}
	}
	defer o.unlock(docID)

	if err := o.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if err := o.index.Delete(ctx, docID); err != nil {
		return fmt.Errorf("removing vectors: %w", err)
	}
	o.jobs.Delete(docID)
	return nil
}

// Recover runs once at startup: documents interrupted mid-run are marked
// failed, pending ones are queued again.
func (o *Orchestrator) Recover(ctx context.Context) error {
	docs, err := o.store.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}
	for i := range docs {
		doc := &docs[i]
		switch {
		case doc.Status == document.StatusPending:
			if err := o.Submit(doc.ID); err != nil {
				o.log.Warn("requeue failed", "doc_id", doc.ID, "error", err)
			}
		case !doc.Status.Terminal():
			doc.Status = document.StatusFailed
			doc.Error = "processing interrupted by restart"
			doc.UpdatedAt = time.Now()
			if err := o.store.UpdateDocument(ctx, doc); err != nil {
				return fmt.Errorf("marking %s failed: %w", doc.ID, err)
			}
			o.log.Warn("interrupted document marked failed", "doc_id", doc.ID)
		}
	}
	return nil
}

// Progress returns the latest run snapshot for a document.
func (o *Orchestrator) Progress(docID string) (Progress, bool) {
	job := o.jobs.Get(docID)
	if job == nil {
		return Progress{}, false
	}
	return job.Snapshot(), true
}

// QueueDepth returns current queue depth.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// enqueue expects the caller to hold docID's lock and releases it when the
// queue is full.
func (o *Orchestrator) enqueue(docID string) error {
	job := newJob(docID)
	o.jobs.Put(job)
	select {
	case o.queue <- job:
		return nil
	default:
		job.Fail("queue full")
		o.unlock(docID)
		return fmt.Errorf("queueing %s: %w (%d)", docID, ErrQueueFull, o.cfg.QueueSize)
	}
}

func (o *Orchestrator) tryLock(docID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[docID] {
		return false
	}
	o.active[docID] = true
	return true
}

func (o *Orchestrator) unlock(docID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, docID)
}

func (o *Orchestrator) busy(docID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[docID]
}
