package types

import "time"

// GlobalSession is the session id used for memories not tied to a conversation.
const GlobalSession = "global"

// SummarySuffix is appended to a category to name its compression summaries.
const SummarySuffix = "_summary"

// MemoryItem represents one persisted fact about a user.
type MemoryItem struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Content        string         `json:"content"`
	ContentHash    string         `json:"content_hash,omitempty"`
	Embedding      []float32      `json:"-"`
	Category       string         `json:"category"`
	Importance     float64        `json:"importance"`
	SessionID      string         `json:"session_id"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessed   time.Time      `json:"last_accessed"`
	AccessCount    int            `json:"access_count"`
	Compressed     bool           `json:"compressed"`
	ParentMemoryID string         `json:"parent_memory_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// AddInput describes a memory write.
type AddInput struct {
	UserID     string         `json:"user_id"`
	Content    string         `json:"content"`
	Category   string         `json:"category,omitempty"`
	// Importance is nil when the caller gave no hint; an explicit 0 is kept.
	Importance *float64       `json:"importance,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AddResult reports the outcome of a write. Merged is set when the content
// was folded into an existing memory instead of creating a new one.
type AddResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Merged  bool   `json:"merged"`
	Message string `json:"message,omitempty"`
}

// SearchInput is used for similarity search.
type SearchInput struct {
	UserID    string   `json:"user_id"`
	Query     string   `json:"query"`
	Limit     int      `json:"limit,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Category  string   `json:"category,omitempty"`
	// Touch records a read-for-ranking access on every returned item.
	Touch bool `json:"touch,omitempty"`
}

// SearchResult is a ranked item from search.
type SearchResult struct {
	Item  MemoryItem `json:"item"`
	Score float64    `json:"score"`
}

// ContextInput requests memories from sessions other than the current one.
type ContextInput struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Query     string `json:"query,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// DeleteInput selects memories for explicit removal. Exactly one of ID,
// Category or All should be set.
type DeleteInput struct {
	UserID   string `json:"user_id"`
	ID       string `json:"id,omitempty"`
	Category string `json:"category,omitempty"`
	All      bool   `json:"all,omitempty"`
}

// Stats summarizes one user's memories.
type Stats struct {
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	Compressed    int            `json:"compressed"`
	Categories    map[string]int `json:"categories"`
	AvgImportance float64        `json:"avg_importance"`
}

// BatchReport counts the outcome of a per-item maintenance batch.
type BatchReport struct {
	UserID    string `json:"user_id"`
	Attempted int    `json:"attempted"`
	Updated   int    `json:"updated"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// CompressedGroup describes one summary produced by a compression batch.
type CompressedGroup struct {
	Category    string   `json:"category"`
	SummaryID   string   `json:"summary_id"`
	OriginalIDs []string `json:"original_ids"`
}

// CompressReport counts the outcome of a compression batch.
type CompressReport struct {
	UserID     string            `json:"user_id"`
	Groups     int               `json:"groups"`
	Summaries  int               `json:"summaries"`
	Compressed int               `json:"compressed"`
	Failed     int               `json:"failed"`
	Details    []CompressedGroup `json:"details,omitempty"`
}

// Float64 returns a pointer to v, for optional numeric inputs.
func Float64(v float64) *float64 { return &v }
