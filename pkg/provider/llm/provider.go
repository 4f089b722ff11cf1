// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic
// Claude, Gemini, or a local Ollama instance) and exposes a uniform interface
// for the Kotone dialogue orchestrator to perform completions, stream tokens,
// and inspect model capabilities without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"
)

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Model selects a specific model for this request. Empty means the
	// provider's configured default.
	Model string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Tools is the set of function/tool definitions offered to the model. The
	// model may choose to call one or more of them in its response. Providers
	// that do not support tool calling should ignore this field — callers
	// should check Capabilities().SupportsToolCalling first.
	Tools []ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0]. A value of 0
	// means "use the provider default".
	Temperature float64

	// TopP is the nucleus-sampling probability mass. Zero means provider
	// default.
	TopP float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// Stop lists sequences at which generation halts. May be nil.
	Stop []string

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. Providers without a dedicated system field
	// prepend it as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single token or fragment emitted by a streaming completion.
// A single chunk may carry text, a finish signal, tool calls, or any
// combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty when
	// the chunk carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. Common values are "stop", "length", "tool_calls", and "error"
	// (for post-start stream failures); it is empty on non-final chunks.
	FinishReason string

	// ToolCalls contains any tool invocations the model is requesting,
	// accumulated by the provider and emitted on the final chunk.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	Content string

	// Model is the model that actually served the request, as reported by
	// the backend. May be empty when the backend does not echo it.
	Model string

	// FinishReason indicates why generation stopped ("stop", "length",
	// "tool_calls").
	FinishReason string

	// ToolCalls lists all tool invocations requested by the model. The
	// caller is responsible for executing them and appending the results to
	// the conversation before the next Complete call.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ConnectionStatus is the result of a provider connectivity probe.
type ConnectionStatus struct {
	// OK reports whether the provider answered the probe.
	OK bool

	// Detail is a human-readable explanation, filled in on failure and
	// optionally on success (e.g., the probed endpoint).
	Detail string
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method must propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
//
// Failures are reported through the taxonomy in errors.go: transport and
// auth failures wrap [ErrUnavailable], semantic rejections (4xx) wrap
// [ErrRejected], and deadline overruns wrap [ErrTimeout]. Callers surface
// these unchanged; there is no automatic retry at this layer.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason "error"; the initial error return is non-nil only for
	// failures that prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// AvailableModels lists the model identifiers this provider can serve.
	// Implementations may query the backend or return a static list.
	AvailableModels(ctx context.Context) ([]string, error)

	// TestConnection probes the backend with a lightweight request and
	// reports reachability. It never returns an error — failures are
	// described in the returned status.
	TestConnection(ctx context.Context) ConnectionStatus

	// Capabilities returns static metadata describing what this provider's
	// default model supports. The result is assumed to be constant for the
	// lifetime of the Provider instance.
	Capabilities() ModelCapabilities
}
