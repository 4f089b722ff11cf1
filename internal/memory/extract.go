package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	memstore "github.com/kotonelabs/kotone/pkg/memory"
	"github.com/kotonelabs/kotone/pkg/provider/llm"
)

// CoreProfileUpdate asks the core layer to upsert a profile summary.
// An empty ProfileID targets the default profile.
type CoreProfileUpdate struct {
	ProfileID string
	Summary   string
}

// SemanticFactUpdate asks the semantic layer to upsert a triple. An empty
// FactID derives a stable id from subject and predicate, so re-asserting the
// same relation updates the existing fact.
type SemanticFactUpdate struct {
	FactID    string
	Subject   string
	Predicate string
	Object    string
}

// ProceduralHabitUpdate asks the procedural layer to upsert an instruction
// for a task type. An empty HabitID derives the id from the task type.
type ProceduralHabitUpdate struct {
	HabitID     string
	TaskType    string
	Instruction string
}

// Extraction is the set of layer updates mined from one record.
type Extraction struct {
	Profiles []CoreProfileUpdate
	Facts    []SemanticFactUpdate
	Habits   []ProceduralHabitUpdate
}

// Empty reports whether the extraction carries no updates.
func (e Extraction) Empty() bool {
	return len(e.Profiles) == 0 && len(e.Facts) == 0 && len(e.Habits) == 0
}

// Extractor mines layer updates from an ingested record. Implementations must
// never invent content: when nothing can be extracted they return an empty
// Extraction and a nil error.
type Extractor interface {
	Extract(ctx context.Context, rec memstore.Record) (Extraction, error)
}

// RuleExtractor mines explicit hints from the record's metadata map. The
// recognised keys are "core_updates", "facts", and "habits", each holding a
// list of objects (core updates also accept bare summary strings). Message
// content itself is never interpreted.
type RuleExtractor struct{}

// NewRuleExtractor creates a metadata-driven extractor.
func NewRuleExtractor() *RuleExtractor { return &RuleExtractor{} }

// Extract implements [Extractor].
func (x *RuleExtractor) Extract(_ context.Context, rec memstore.Record) (Extraction, error) {
	var out Extraction
	if rec.Metadata == nil {
		return out, nil
	}

	for _, entry := range asList(rec.Metadata["core_updates"]) {
		if s, ok := entry.(string); ok {
			if s != "" {
				out.Profiles = append(out.Profiles, CoreProfileUpdate{Summary: s})
			}
			continue
		}
		m, ok := asMap(entry)
		if !ok {
			continue
		}
		u := CoreProfileUpdate{
			ProfileID: stringField(m, "profile_id", "id"),
			Summary:   stringField(m, "summary"),
		}
		if u.Summary != "" {
			out.Profiles = append(out.Profiles, u)
		}
	}

	for _, entry := range asList(rec.Metadata["facts"]) {
		m, ok := asMap(entry)
		if !ok {
			continue
		}
		f := SemanticFactUpdate{
			FactID:    stringField(m, "fact_id", "id"),
			Subject:   stringField(m, "subject"),
			Predicate: stringField(m, "predicate"),
			Object:    stringField(m, "object"),
		}
		if f.Subject != "" && f.Predicate != "" {
			out.Facts = append(out.Facts, f)
		}
	}

	for _, entry := range asList(rec.Metadata["habits"]) {
		m, ok := asMap(entry)
		if !ok {
			continue
		}
		h := ProceduralHabitUpdate{
			HabitID:     stringField(m, "habit_id", "id"),
			TaskType:    stringField(m, "task_type"),
			Instruction: stringField(m, "instruction"),
		}
		if h.TaskType != "" && h.Instruction != "" {
			out.Habits = append(out.Habits, h)
		}
	}

	return out, nil
}

// asList normalizes a metadata value to a slice of entries. A single map is
// treated as a one-element list.
func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	case map[string]any:
		return []any{t}
	default:
		return nil
	}
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// stringField returns the first non-empty string under the given keys.
func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// extractionPrompt instructs the model to answer with nothing but the JSON
// schema the extractor parses. Anything else is discarded.
const extractionPrompt = `You extract durable memory from a single conversation message.
Reply with exactly one JSON object and nothing else:
{"core_updates":[{"profile_id":"","summary":""}],"facts":[{"subject":"","predicate":"","object":""}],"habits":[{"task_type":"","instruction":""}]}
Leave lists empty when the message contains nothing worth remembering.
Never invent information that is not stated in the message.`

// LLMExtractor submits each record to a language model and parses a strict
// JSON reply. Fenced code blocks and surrounding commentary are tolerated; an
// unparseable reply yields an empty extraction rather than guessed content.
type LLMExtractor struct {
	provider llm.Provider
	model    string
	logger   *slog.Logger
}

// NewLLMExtractor creates an extractor backed by provider. model may be empty
// to use the provider's default.
func NewLLMExtractor(provider llm.Provider, model string, logger *slog.Logger) *LLMExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{provider: provider, model: model, logger: logger}
}

// Extract implements [Extractor]. Provider failures are returned to the
// caller; malformed replies are not an error.
func (x *LLMExtractor) Extract(ctx context.Context, rec memstore.Record) (Extraction, error) {
	resp, err := x.provider.Complete(ctx, llm.CompletionRequest{
		Model:        x.model,
		SystemPrompt: extractionPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf("[%s] %s", rec.Role, rec.Content)},
		},
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("memory: llm extraction: %w", err)
	}
	if resp == nil {
		return Extraction{}, nil
	}
	return parseExtraction(resp.Content, x.logger), nil
}

// extractionWire is the strict JSON schema the LLM extractor accepts.
type extractionWire struct {
	CoreUpdates []struct {
		ProfileID string `json:"profile_id"`
		Summary   string `json:"summary"`
	} `json:"core_updates"`
	Facts []struct {
		FactID    string `json:"fact_id"`
		Subject   string `json:"subject"`
		Predicate string `json:"predicate"`
		Object    string `json:"object"`
	} `json:"facts"`
	Habits []struct {
		HabitID     string `json:"habit_id"`
		TaskType    string `json:"task_type"`
		Instruction string `json:"instruction"`
	} `json:"habits"`
}

// parseExtraction decodes the model reply. Parse failures log at debug level
// and produce an empty extraction.
func parseExtraction(reply string, logger *slog.Logger) Extraction {
	body := extractJSONObject(stripFences(reply))
	if body == "" {
		return Extraction{}
	}

	var wire extractionWire
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		logger.Debug("memory: extraction reply not parseable", "error", err)
		return Extraction{}
	}

	var out Extraction
	for _, u := range wire.CoreUpdates {
		if u.Summary != "" {
			out.Profiles = append(out.Profiles, CoreProfileUpdate{ProfileID: u.ProfileID, Summary: u.Summary})
		}
	}
	for _, f := range wire.Facts {
		if f.Subject != "" && f.Predicate != "" {
			out.Facts = append(out.Facts, SemanticFactUpdate{
				FactID: f.FactID, Subject: f.Subject, Predicate: f.Predicate, Object: f.Object,
			})
		}
	}
	for _, h := range wire.Habits {
		if h.TaskType != "" && h.Instruction != "" {
			out.Habits = append(out.Habits, ProceduralHabitUpdate{
				HabitID: h.HabitID, TaskType: h.TaskType, Instruction: h.Instruction,
			})
		}
	}
	return out
}

// stripFences removes a surrounding markdown code fence (```json ... ```).
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	i := strings.IndexByte(s, '\n')
	if i < 0 {
		return ""
	}
	s = s[i+1:]
	if j := strings.LastIndex(s, "```"); j >= 0 {
		s = s[:j]
	}
	return strings.TrimSpace(s)
}

// extractJSONObject cuts the outermost {...} span out of s, discarding any
// commentary the model wrapped around it.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
