package pipeline

import (
	"sync"
	"time"

	"github.com/dgallion1/docrag/internal/document"
)

// Progress is a JSON-safe snapshot of one document run.
type Progress struct {
	DocumentID      string          `json:"document_id"`
	Status          document.Status `json:"status"`
	ChunksTotal     int             `json:"chunks_total"`
	BatchesTotal    int             `json:"batches_total"`
	BatchesEmbedded int             `json:"batches_embedded"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Job tracks the progress of a single document run.
type Job struct {
	mu sync.Mutex
	p  Progress
}

func newJob(docID string) *Job {
	now := time.Now()
	return &Job{p: Progress{
		DocumentID: docID,
		Status:     document.StatusPending,
		StartedAt:  now,
		UpdatedAt:  now,
	}}
}

// SetStatus records the stage the document entered.
func (j *Job) SetStatus(s document.Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.p.Status = s
	j.p.UpdatedAt = time.Now()
}

// SetChunks records how many chunks and embedding batches the run has.
func (j *Job) SetChunks(chunks, batches int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.p.ChunksTotal = chunks
	j.p.BatchesTotal = batches
	j.p.BatchesEmbedded = 0
	j.p.UpdatedAt = time.Now()
}

// SetBatchesEmbedded records embedding progress.
func (j *Job) SetBatchesEmbedded(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.p.BatchesEmbedded = n
	j.p.UpdatedAt = time.Now()
}

// Fail marks the run failed with a message.
func (j *Job) Fail(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.p.Status = document.StatusFailed
	j.p.Error = msg
	j.p.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the current progress.
func (j *Job) Snapshot() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.p
}

func (j *Job) updatedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.p.UpdatedAt
}

// JobStore is a thread-safe in-memory registry of runs keyed by document ID,
// with TTL eviction.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
	}
}

// Put stores job under its document ID, replacing any earlier run.
func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Snapshot().DocumentID] = job
}

func (s *JobStore) Get(docID string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[docID]
}

func (s *JobStore) Delete(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, docID)
}

// Cleanup removes jobs not updated within the TTL.
func (s *JobStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, job := range s.jobs {
		if now.Sub(job.updatedAt()) > s.ttl {
			delete(s.jobs, id)
		}
	}
}
