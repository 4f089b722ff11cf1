// Package ability defines the capability contracts shared by the dialogue
// orchestrator, the plugin supervisor, and the MCP tool manager.
//
// The source calls the same concept "ability", "tool", and "skill" depending
// on the surface; the kernel treats them as one value type: a [Descriptor]
// names a schema-typed function, a [Source] owns a set of them, and the
// [Scheduler] unifies all sources under one registry with per-star policy.
package ability

import (
	"context"
	"errors"
)

// Failure taxonomy for capability execution. The dialogue loop converts these
// into tool-role messages; they never abort a chat.
var (
	// ErrNotFound marks a call to an ability no source owns.
	ErrNotFound = errors.New("ability not found")

	// ErrPermissionDenied marks a call to an ability whose owning star is
	// disabled or not allowed to expose tools.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimeout marks an execution that exceeded its deadline.
	ErrTimeout = errors.New("execution timeout")

	// ErrNotReady marks a call routed to a source that is not running
	// (e.g., a stopped plugin).
	ErrNotReady = errors.New("not ready")
)

// Descriptor describes one callable ability.
type Descriptor struct {
	// Name is the globally unique ability name.
	Name string `json:"name"`

	// Description explains what the ability does; it is surfaced to the LLM
	// in tool schemas.
	Description string `json:"description"`

	// Parameters is the JSON Schema of the ability's input object.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Star names the configurable unit this ability belongs to (a plugin
	// name, an MCP server name, or a built-in group). The scheduler applies
	// per-star policy from configuration.
	Star string `json:"star,omitempty"`
}

// Result is the outcome of one ability execution. Success is the tagged
// discriminator: when false, Error holds the failure message and Data is
// undefined.
type Result struct {
	Success bool `json:"success"`

	// Data is the ability's return value on success.
	Data any `json:"data,omitempty"`

	// Error is the failure message when Success is false.
	Error string `json:"error,omitempty"`

	// EmotionHint optionally suggests an emotion for the companion's
	// reaction to this result (consumed by the emotion pipeline's
	// sentiment-hint rule).
	EmotionHint string `json:"emotion_hint,omitempty"`
}

// Failure builds a failed Result with the given message.
func Failure(msg string) Result {
	return Result{Success: false, Error: msg}
}

// CallContext identifies the caller of an ability execution.
type CallContext struct {
	// UserID is the id of the user on whose behalf the call runs.
	UserID string `json:"user_id,omitempty"`

	// SessionID scopes the call to a conversation.
	SessionID string `json:"session_id,omitempty"`

	// Permissions lists the permission strings granted for this call.
	Permissions []string `json:"permissions,omitempty"`
}

// Source owns a set of abilities and executes calls routed to it by the
// [Scheduler]. Implementations: the built-in registry ([Builtin]), the plugin
// supervisor (internal/plugin), and the MCP manager (internal/mcptools).
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Kind is a short label for logs ("builtin", "plugin", "mcp").
	Kind() string

	// Descriptors returns a snapshot of the abilities this source currently
	// owns.
	Descriptors() []Descriptor

	// Execute runs the named ability. Transport and runtime failures are
	// reported through the error; the scheduler converts them into failed
	// Results so callers never see a raised tool error.
	Execute(ctx context.Context, name string, params map[string]any, call CallContext) (Result, error)
}
