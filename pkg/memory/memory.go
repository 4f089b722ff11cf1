// Package memory defines the contracts of the layered memory subsystem.
//
// Conversation turns are ingested as immutable Records. On top of the raw
// record log sit three structured layers, each with its own store:
//
//   - Core profiles: durable per-id summaries of who someone is.
//   - Semantic facts: subject/predicate/object triples.
//   - Procedural habits: task-type to instruction mappings.
//
// All layer stores upsert by id with last-writer-wins on UpdatedAt. Store
// implementations live in subpackages (inmem, postgres); the ingestion and
// recall pipeline lives in internal/memory.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups for unknown ids.
var ErrNotFound = errors.New("memory: not found")

// Record is one ingested conversation turn. Immutable once stored.
type Record struct {
	// ID is the unique record identifier.
	ID string `json:"id"`

	// SessionID scopes the record to the conversation it came from.
	SessionID string `json:"session_id"`

	// Role is the speaking role ("user" or "assistant").
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// Metadata carries free-form annotations, including extraction hints
	// consumed by the rule extractor. May be nil.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Timestamp is when the turn happened.
	Timestamp time.Time `json:"timestamp"`

	// Embedding is the optional dense vector for semantic recall. Not part
	// of the transport form.
	Embedding []float32 `json:"-"`
}

// CoreProfile is a durable summary in the core layer.
type CoreProfile struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SemanticFact is a subject/predicate/object triple in the semantic layer.
type SemanticFact struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Predicate string    `json:"predicate"`
	Object    string    `json:"object"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProceduralHabit maps a task type to an instruction in the procedural layer.
type ProceduralHabit struct {
	ID          string    `json:"id"`
	TaskType    string    `json:"task_type"`
	Instruction string    `json:"instruction"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Result pairs a recalled record with its relevance score.
type Result struct {
	Record Record
	Score  float64
}

// RecordStore is the append-only log of ingested turns.
type RecordStore interface {
	// Append stores a new record. Ids must be unique; re-appending an
	// existing id is an error.
	Append(ctx context.Context, rec Record) error

	// Get returns the record with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// List returns records in ingestion order. A non-empty sessionID limits
	// the result to that session; empty means all sessions.
	List(ctx context.Context, sessionID string) ([]Record, error)
}

// VectorSearcher is an optional capability of record stores that can rank
// records by embedding similarity natively (e.g., pgvector). The recall
// pipeline type-asserts for it and falls back to in-process scoring.
type VectorSearcher interface {
	// Nearest returns up to limit records ranked by cosine similarity to the
	// query embedding, most similar first.
	Nearest(ctx context.Context, embedding []float32, limit int) ([]Result, error)
}

// CoreProfileStore holds the core layer.
type CoreProfileStore interface {
	// Upsert inserts or replaces the profile by id, last writer wins.
	Upsert(ctx context.Context, p CoreProfile) error

	// Get returns the profile with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (CoreProfile, error)

	// List returns all profiles ordered by UpdatedAt descending.
	List(ctx context.Context) ([]CoreProfile, error)
}

// SemanticFactStore holds the semantic layer.
type SemanticFactStore interface {
	Upsert(ctx context.Context, f SemanticFact) error
	Get(ctx context.Context, id string) (SemanticFact, error)
	List(ctx context.Context) ([]SemanticFact, error)
}

// ProceduralHabitStore holds the procedural layer.
type ProceduralHabitStore interface {
	Upsert(ctx context.Context, h ProceduralHabit) error
	Get(ctx context.Context, id string) (ProceduralHabit, error)
	List(ctx context.Context) ([]ProceduralHabit, error)
}

// Stores bundles the four stores a memory pipeline operates on.
type Stores struct {
	Records  RecordStore
	Profiles CoreProfileStore
	Facts    SemanticFactStore
	Habits   ProceduralHabitStore
}
