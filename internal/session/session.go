// Package session holds in-memory conversation state for the dialogue
// orchestrator.
//
// A Session is a single conversation: an ordered message list, an optional
// system prompt, and a history cap. Sessions never persist across restarts.
// Mutations on one session must be serialized by the caller (the dialogue
// orchestrator processes one chat per session at a time); the Service map
// itself is safe for concurrent use.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kotonelabs/kotone/pkg/provider/llm"
)

// DefaultMaxHistory is the message cap applied to sessions created without an
// explicit limit.
const DefaultMaxHistory = 50

// Session is one conversation's state.
//
// Invariant: after any mutation, len(Messages) <= MaxHistory, with every
// system-role message retained and the excess non-system messages trimmed
// from the head.
type Session struct {
	// ID is the opaque session identifier.
	ID string `json:"id"`

	// OwnerID identifies the client that created the session. May be empty.
	OwnerID string `json:"owner_id,omitempty"`

	// SystemPrompt is emitted as the first system message during context
	// assembly. It is not stored in Messages.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages is the ordered conversation history.
	Messages []llm.Message `json:"messages"`

	// MaxHistory caps len(Messages). Zero means DefaultMaxHistory.
	MaxHistory int `json:"max_history"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is bumped on every mutation.
	UpdatedAt time.Time `json:"updated_at"`
}

// AddMessage validates and appends msg, stamping a missing timestamp and
// enforcing the history trim invariant.
func (s *Session) AddMessage(msg llm.Message) error {
	switch msg.Role {
	case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
	case llm.RoleTool:
		if msg.ToolCallID == "" {
			return fmt.Errorf("session: tool message requires tool_call_id")
		}
	default:
		return fmt.Errorf("session: unknown message role %q", msg.Role)
	}

	now := time.Now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	s.Messages = append(s.Messages, msg)
	s.trim()
	s.UpdatedAt = now
	return nil
}

// maxHistory resolves the effective cap.
func (s *Session) maxHistory() int {
	if s.MaxHistory <= 0 {
		return DefaultMaxHistory
	}
	return s.MaxHistory
}

// trim drops the oldest non-system messages until the cap holds. System
// messages are always kept, even when they alone exceed the cap.
func (s *Session) trim() {
	limit := s.maxHistory()
	if len(s.Messages) <= limit {
		return
	}

	systemCount := 0
	for _, m := range s.Messages {
		if m.Role == llm.RoleSystem {
			systemCount++
		}
	}

	allowed := limit - systemCount
	if allowed < 0 {
		allowed = 0
	}

	nonSystem := len(s.Messages) - systemCount
	drop := nonSystem - allowed
	if drop <= 0 {
		return
	}

	kept := make([]llm.Message, 0, systemCount+allowed)
	for _, m := range s.Messages {
		if m.Role == llm.RoleSystem {
			kept = append(kept, m)
			continue
		}
		if drop > 0 {
			drop--
			continue
		}
		kept = append(kept, m)
	}
	s.Messages = kept
}

// NonSystemMessages returns the session messages excluding system-role
// entries, in order. The context builder injects its own system block, so
// stored system messages are filtered to avoid double-injection.
func (s *Session) NonSystemMessages() []llm.Message {
	out := make([]llm.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Role != llm.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// ToMap serializes the session to its dictionary transport form.
func (s *Session) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("session: serialize: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("session: serialize: %w", err)
	}
	return m, nil
}

// FromMap reconstructs a session from its dictionary transport form.
func FromMap(m map[string]any) (*Session, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("session: deserialize: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("session: deserialize: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("session: deserialize: missing id")
	}
	return &s, nil
}
