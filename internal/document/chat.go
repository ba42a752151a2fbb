package document

import "time"

const (
	DefaultContextWindow = 5
	MinContextWindow     = 1
	MaxContextWindow     = 20

	// MaxSessionDocuments caps multi-document sessions.
	MaxSessionDocuments = 10
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session is a multi-turn conversation over one or more documents.
type Session struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	DocumentIDs   []string   `json:"document_ids"`
	ContextWindow int        `json:"context_window"`
	MessageCount  int        `json:"message_count"`
	TotalTokens   int        `json:"total_tokens"`
	IsActive      bool       `json:"is_active"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// References reports whether the session includes docID.
func (s *Session) References(docID string) bool {
	for _, id := range s.DocumentIDs {
		if id == docID {
			return true
		}
	}
	return false
}

// ClampContextWindow applies the default and bounds to a requested window.
func ClampContextWindow(n int) int {
	switch {
	case n <= 0:
		return DefaultContextWindow
	case n < MinContextWindow:
		return MinContextWindow
	case n > MaxContextWindow:
		return MaxContextWindow
	}
	return n
}

// Citation points from an answer back to the chunk that supported it.
type Citation struct {
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name,omitempty"`
	Ordinal      int     `json:"ordinal"`
	Snippet      string  `json:"snippet"`
	Page         int     `json:"page,omitempty"`
	Score        float64 `json:"score"`
}

// Message is one entry in a session's history.
type Message struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	Role             Role       `json:"role"`
	Content          string     `json:"content"`
	Citations        []Citation `json:"citations,omitempty"`
	Suggestions      []string   `json:"suggestions,omitempty"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	Model            string     `json:"model,omitempty"`
	ResponseMs       int64      `json:"response_ms,omitempty"`
	ContextChunks    int        `json:"context_chunks,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}
