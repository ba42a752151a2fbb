package document

import "fmt"

// Status is a document's position in the processing lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusChunking   Status = "chunking"
	StatusEmbedding  Status = "embedding"
	StatusAnalyzing  Status = "analyzing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusChunking, StatusFailed},
	StatusChunking:   {StatusEmbedding, StatusFailed},
	StatusEmbedding:  {StatusAnalyzing, StatusFailed},
	StatusAnalyzing:  {StatusCompleted, StatusFailed},
	// failed -> pending only through an explicit reprocess.
	StatusFailed: {StatusPending},
}

// Terminal reports whether no pipeline stage runs from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusChunking, StatusEmbedding,
		StatusAnalyzing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a document may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a status change violates the lifecycle.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Transition moves d to status to, or returns a *TransitionError.
func (d *Document) Transition(to Status) error {
	if !CanTransition(d.Status, to) {
		return &TransitionError{From: d.Status, To: to}
	}
	d.Status = to
	return nil
}
