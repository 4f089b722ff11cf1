// Package dialogue implements the chat orchestrator: it owns the
// request/response protocol over sessions, assembles the prompt context from
// memory and skills, drives the provider tool-call loop through the capability
// scheduler, and publishes dialogue events on the bus.
package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kotonelabs/kotone/internal/ability"
	"github.com/kotonelabs/kotone/internal/config"
	memsvc "github.com/kotonelabs/kotone/internal/memory"
	"github.com/kotonelabs/kotone/internal/observe"
	"github.com/kotonelabs/kotone/internal/session"
	"github.com/kotonelabs/kotone/internal/skill"
	"github.com/kotonelabs/kotone/pkg/event"
	"github.com/kotonelabs/kotone/pkg/memory"
	"github.com/kotonelabs/kotone/pkg/provider/llm"
)

// sourceName tags every event the orchestrator publishes.
const sourceName = "dialogue"

// defaultMaxResultChars caps tool results entering the context when the
// configuration leaves it unset.
const defaultMaxResultChars = 4000

// defaultProviderTimeout bounds a single provider call when the configuration
// leaves it unset.
const defaultProviderTimeout = 30 * time.Second

// Recaller is the slice of the memory service the orchestrator consumes for
// context injection.
type Recaller interface {
	Recall(ctx context.Context, query, sessionID string, topK int) ([]memory.Result, error)
}

// SkillSearcher is the slice of the skill catalogue the orchestrator consumes.
type SkillSearcher interface {
	Search(query string, topK int) []skill.Match
}

// ToolRunner is the slice of the capability scheduler the orchestrator
// consumes: schemas for the provider request and execution for the tool loop.
type ToolRunner interface {
	ToolSchemas() []llm.ToolDefinition
	Execute(ctx context.Context, name string, params map[string]any, call ability.CallContext) (ability.Result, error)
}

// ChatOptions carries per-call overrides on top of the configured defaults.
// The zero value means "use defaults".
type ChatOptions struct {
	// Model is a model reference, optionally provider-qualified as
	// "provider/model" or "provider:model". Empty means the default provider's
	// default model.
	Model string

	// UseTools overrides the configured tool-loop toggle. Nil means use the
	// configured default.
	UseTools *bool

	// Temperature, TopP, and MaxTokens pass through to the provider request.
	Temperature float64
	TopP        float64
	MaxTokens   int

	// UserID and Permissions flow into the call context of every tool
	// execution triggered by this chat.
	UserID      string
	Permissions []string
}

// Orchestrator implements the chat protocol. It does not lock sessions:
// callers must serialize chats per session (concurrent sessions are fine).
type Orchestrator struct {
	sessions *session.Service
	registry *llm.Registry
	bus      *event.Bus
	cfg      config.DialogueConfig

	tools   ToolRunner
	memory  Recaller
	skills  SkillSearcher
	logger  *slog.Logger
	metrics *observe.Metrics
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithToolRunner attaches the capability scheduler. Without it the tool loop
// is disabled regardless of configuration.
func WithToolRunner(t ToolRunner) Option {
	return func(o *Orchestrator) { o.tools = t }
}

// WithMemory attaches the memory service for recall injection.
func WithMemory(r Recaller) Option {
	return func(o *Orchestrator) { o.memory = r }
}

// WithSkills attaches the skill catalogue for skill injection.
func WithSkills(s SkillSearcher) Option {
	return func(o *Orchestrator) { o.skills = s }
}

// WithLogger sets the orchestrator logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink for dialogue and provider latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator wires the orchestrator over its mandatory collaborators.
func NewOrchestrator(sessions *session.Service, registry *llm.Registry, bus *event.Bus, cfg config.DialogueConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions: sessions,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Chat runs one non-streaming turn: append the user message, build context,
// call the provider (entering the tool loop when it requests calls), commit
// the assistant reply, and return its content.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, userText string, opts ChatOptions) (string, error) {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.DialogueDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	sess, provider, providerName, model, err := o.begin(sessionID, userText, opts)
	if err != nil {
		return "", err
	}

	messages, err := o.buildContext(ctx, sess, userText)
	if err != nil {
		return "", err
	}

	req := o.newRequest(model, messages, opts)
	if o.useTools(opts) {
		req.Tools = o.tools.ToolSchemas()
	}

	resp, err := o.complete(ctx, provider, providerName, req)
	if err != nil {
		return "", err
	}

	if len(resp.ToolCalls) > 0 && len(req.Tools) > 0 {
		resp, err = o.runToolLoop(ctx, sess, provider, providerName, model, resp, opts)
		if err != nil {
			return "", err
		}
	}

	if err := sess.AddMessage(llm.Message{Role: llm.RoleAssistant, Content: resp.Content}); err != nil {
		return "", fmt.Errorf("dialogue: commit assistant message: %w", err)
	}
	o.publishResponse(sess.ID, resp.Content, respModel(resp, model))
	return resp.Content, nil
}

// StreamChat runs one streaming turn. Chunks are relayed to the caller as
// they arrive; the accumulated text is committed as the assistant message
// when the stream ends. A cancelled context discards the partial message.
//
// Tool calls emitted mid-stream are not re-entered: the stream completes and
// whatever text arrived is recorded.
func (o *Orchestrator) StreamChat(ctx context.Context, sessionID, userText string, opts ChatOptions) (<-chan llm.Chunk, error) {
	sess, provider, providerName, model, err := o.begin(sessionID, userText, opts)
	if err != nil {
		return nil, err
	}

	messages, err := o.buildContext(ctx, sess, userText)
	if err != nil {
		return nil, err
	}

	req := o.newRequest(model, messages, opts)

	src, err := provider.StreamCompletion(ctx, req)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordProviderRequest(ctx, providerName, "error")
		}
		return nil, fmt.Errorf("dialogue: stream completion: %w", err)
	}
	if o.metrics != nil {
		o.metrics.RecordProviderRequest(ctx, providerName, "ok")
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		var buf []byte
		for chunk := range src {
			buf = append(buf, chunk.Text...)
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Drain the source so the provider goroutine can exit.
				for range src {
				}
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		content := string(buf)
		if content == "" {
			return
		}
		if err := sess.AddMessage(llm.Message{Role: llm.RoleAssistant, Content: content}); err != nil {
			o.logger.Error("stream commit failed", "session", sess.ID, "error", err)
			return
		}
		o.publishResponse(sess.ID, content, model)
	}()
	return out, nil
}

// begin performs the shared protocol head: session lookup, user-message
// append, user-message event, and provider resolution.
func (o *Orchestrator) begin(sessionID, userText string, opts ChatOptions) (*session.Session, llm.Provider, string, string, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("dialogue: %w", err)
	}

	if err := sess.AddMessage(llm.Message{Role: llm.RoleUser, Content: userText}); err != nil {
		return nil, nil, "", "", fmt.Errorf("dialogue: append user message: %w", err)
	}
	o.bus.Publish(event.New(sourceName, event.UserMessage{SessionID: sess.ID, Content: userText}))

	providerName, model := llm.SplitModelRef(opts.Model)
	provider, err := o.registry.Get(providerName)
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("dialogue: %w", err)
	}
	if providerName == "" {
		providerName = o.registry.DefaultName()
	}
	return sess, provider, providerName, model, nil
}

// buildContext assembles the provider message list: system prompt, memory
// block, skill block, then the session's non-system history (which already
// ends with the just-appended user message). Memory recall and skill search
// run concurrently; a recall failure degrades to no memory block.
func (o *Orchestrator) buildContext(ctx context.Context, sess *session.Session, userText string) ([]llm.Message, error) {
	var memoryBlock, skillBlock string

	g, gctx := errgroup.WithContext(ctx)
	if o.memory != nil && o.cfg.MemoryRecallEnabled() {
		g.Go(func() error {
			results, err := o.memory.Recall(gctx, userText, sess.ID, 0)
			if err != nil {
				o.logger.Warn("memory recall failed, continuing without context",
					"session", sess.ID, "error", err)
				return nil
			}
			memoryBlock = memsvc.FormatContext(results)
			return nil
		})
	}
	if o.skills != nil && o.cfg.SkillRecallEnabled() {
		g.Go(func() error {
			skillBlock = skill.FormatInjection(o.skills.Search(userText, 0))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var messages []llm.Message
	if sess.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: sess.SystemPrompt})
	}
	if memoryBlock != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: memoryBlock})
	}
	if skillBlock != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: skillBlock})
	}
	return append(messages, sess.NonSystemMessages()...), nil
}

// runToolLoop executes the requested calls, records the assistant and tool
// messages in the session, and re-invokes the provider without tools. The
// second response is final even if it asks for more calls.
func (o *Orchestrator) runToolLoop(ctx context.Context, sess *session.Session, provider llm.Provider, providerName, model string, resp *llm.CompletionResponse, opts ChatOptions) (*llm.CompletionResponse, error) {
	call := ability.CallContext{
		UserID:      opts.UserID,
		SessionID:   sess.ID,
		Permissions: opts.Permissions,
	}

	contents := make([]string, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		contents[i] = o.executeToolCall(ctx, tc, call)
	}

	if err := sess.AddMessage(llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	}); err != nil {
		return nil, fmt.Errorf("dialogue: commit tool-call message: %w", err)
	}
	for i, tc := range resp.ToolCalls {
		if err := sess.AddMessage(llm.Message{
			Role:       llm.RoleTool,
			Content:    contents[i],
			ToolCallID: tc.ID,
		}); err != nil {
			return nil, fmt.Errorf("dialogue: commit tool result: %w", err)
		}
	}

	// Rebuild the context (it now carries the tool exchange) and finish with
	// tools withheld so the model cannot loop.
	messages, err := o.buildContext(ctx, sess, lastUserText(sess))
	if err != nil {
		return nil, err
	}
	req := o.newRequest(model, messages, opts)
	return o.complete(ctx, provider, providerName, req)
}

// executeToolCall runs one call through the scheduler and renders its result
// as the tool-message content. Every failure mode becomes content, never an
// error: malformed arguments, unknown abilities, and raising tools all yield
// a failure message for the model to read.
func (o *Orchestrator) executeToolCall(ctx context.Context, tc llm.ToolCall, call ability.CallContext) string {
	params, err := tc.DecodedArguments()
	if err != nil {
		o.logger.Warn("malformed tool-call arguments", "tool", tc.Name, "error", err)
		return "Invalid arguments: " + err.Error()
	}

	res, err := o.tools.Execute(ctx, tc.Name, params, call)
	if err != nil {
		o.logger.Debug("tool call failed", "tool", tc.Name, "error", err)
	}
	return truncate(renderResult(res), o.maxResultChars())
}

// complete performs one provider call under the configured timeout.
func (o *Orchestrator) complete(ctx context.Context, provider llm.Provider, providerName string, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	timeout := o.cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := provider.Complete(ctx, req)
	if o.metrics != nil {
		o.metrics.ProviderDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordProviderRequest(ctx, providerName, "error")
		}
		return nil, fmt.Errorf("dialogue: provider completion: %w", err)
	}
	if o.metrics != nil {
		o.metrics.RecordProviderRequest(ctx, providerName, "ok")
	}
	if resp == nil {
		resp = &llm.CompletionResponse{}
	}
	return resp, nil
}

func (o *Orchestrator) newRequest(model string, messages []llm.Message, opts ChatOptions) llm.CompletionRequest {
	return llm.CompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
	}
}

// useTools resolves the effective tool toggle: per-call override, else the
// configured default, and always off without an attached scheduler.
func (o *Orchestrator) useTools(opts ChatOptions) bool {
	if o.tools == nil {
		return false
	}
	if opts.UseTools != nil {
		return *opts.UseTools
	}
	return o.cfg.UseTools
}

func (o *Orchestrator) maxResultChars() int {
	if o.cfg.MaxResultChars > 0 {
		return o.cfg.MaxResultChars
	}
	return defaultMaxResultChars
}

func (o *Orchestrator) publishResponse(sessionID, content, model string) {
	o.bus.Publish(event.New(sourceName, event.AssistantResponse{
		SessionID: sessionID,
		Content:   content,
		Model:     model,
	}))
}

// respModel prefers the backend-reported model name over the requested one.
func respModel(resp *llm.CompletionResponse, requested string) string {
	if resp.Model != "" {
		return resp.Model
	}
	return requested
}

// renderResult converts an ability outcome into tool-message text: the data
// payload on success (strings verbatim, everything else JSON), the error
// message on failure.
func renderResult(res ability.Result) string {
	if !res.Success {
		if res.Error != "" {
			return res.Error
		}
		return "Error"
	}
	switch d := res.Data.(type) {
	case nil:
		return ""
	case string:
		return d
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Sprintf("%v", d)
		}
		return string(raw)
	}
}

// truncatedMarker is appended to a tool result cut at the configured cap so
// the model can tell the content is incomplete.
const truncatedMarker = "…(truncated)"

// truncate caps s at max runes, marking the cut.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + truncatedMarker
}

// lastUserText returns the content of the most recent user message, used as
// the recall query when rebuilding context inside the tool loop.
func lastUserText(sess *session.Session) string {
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Role == llm.RoleUser {
			return sess.Messages[i].Text()
		}
	}
	return ""
}
