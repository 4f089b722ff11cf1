package llm

import (
	"encoding/json"
	"strings"
	"time"
)

// Message roles. The set is closed; [Message.Validate] rejects others.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentPart is one element of a multi-part message body. The dialogue
// surface may deliver mixed text and image content; providers that only
// accept text flatten parts via [Message.Text].
type ContentPart struct {
	// Type is "text" or "image_url".
	Type string `json:"type"`

	// Text is the textual content when Type is "text".
	Text string `json:"text,omitempty"`

	// ImageURL is the image reference when Type is "image_url".
	ImageURL string `json:"image_url,omitempty"`
}

// Message represents a single message in an LLM conversation history and,
// equally, one entry of a dialogue session.
type Message struct {
	// Role is one of the Role* constants.
	Role string `json:"role"`

	// Content is the text content of the message. When Parts is non-empty,
	// Content may be empty and [Message.Text] flattens the parts instead.
	Content string `json:"content"`

	// Parts holds multi-part content (text and image references). Nil for
	// plain text messages.
	Parts []ContentPart `json:"parts,omitempty"`

	// Name is an optional participant name (for multi-speaker contexts).
	Name string `json:"name,omitempty"`

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this message responds to. Non-empty iff Role is "tool".
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Timestamp is when the message was appended to its session.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// Metadata holds free-form annotations (e.g., extraction hints, emotion
	// snapshots). May be nil.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text returns the message's textual content, flattening multi-part bodies:
// text parts are joined with newlines and image parts are rendered as
// "[image: <url>]" placeholders.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		switch p.Type {
		case "image_url":
			sb.WriteString("[image: ")
			sb.WriteString(p.ImageURL)
			sb.WriteString("]")
		default:
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCall represents a tool/function invocation requested by the LLM.
//
// Providers differ in how they deliver arguments: OpenAI-style APIs send a
// JSON-encoded string, others send a decoded object. Both representations
// are carried here; [ToolCall.DecodedArguments] normalizes to a map before
// dispatch.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string `json:"id"`

	// Name is the tool/function name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments string (OpenAI style). Empty
	// when the provider delivered a decoded object in ArgumentsMap.
	Arguments string `json:"arguments,omitempty"`

	// ArgumentsMap is the decoded arguments object, when the provider
	// delivered one directly. Nil otherwise.
	ArgumentsMap map[string]any `json:"arguments_map,omitempty"`
}

// DecodedArguments returns the call arguments as a decoded map, parsing the
// JSON-encoded form when necessary. An empty call yields an empty non-nil
// map. Malformed argument JSON is an error — the caller converts it into a
// tool-call failure rather than guessing.
func (tc ToolCall) DecodedArguments() (map[string]any, error) {
	if tc.ArgumentsMap != nil {
		return tc.ArgumentsMap, nil
	}
	if strings.TrimSpace(tc.Arguments) == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(tc.Arguments), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// ToolDefinition describes a tool that can be offered to an LLM, rendered by
// providers into their function-calling schema format.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string `json:"name"`

	// Description explains what the tool does (included in LLM prompts).
	Description string `json:"description"`

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any `json:"parameters"`
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
