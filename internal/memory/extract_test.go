package memory

import (
	"context"
	"errors"
	"testing"

	memstore "github.com/kotonelabs/kotone/pkg/memory"
	"github.com/kotonelabs/kotone/pkg/provider/llm"
	llmmock "github.com/kotonelabs/kotone/pkg/provider/llm/mock"
)

func TestRuleExtractor(t *testing.T) {
	t.Parallel()
	x := NewRuleExtractor()

	rec := memstore.Record{
		ID:      "r1",
		Role:    "user",
		Content: "irrelevant, only metadata counts",
		Metadata: map[string]any{
			"core_updates": []any{
				"likes tea",
				map[string]any{"profile_id": "alice", "summary": "night owl"},
			},
			"facts": []any{
				map[string]any{"subject": "user", "predicate": "likes", "object": "tea"},
				map[string]any{"subject": "", "predicate": "likes", "object": "dropped"},
			},
			"habits": map[string]any{"task_type": "greeting", "instruction": "be brief"},
		},
	}

	ext, err := x.Extract(context.Background(), rec)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(ext.Profiles) != 2 {
		t.Fatalf("profiles = %+v, want 2", ext.Profiles)
	}
	if ext.Profiles[0].Summary != "likes tea" || ext.Profiles[0].ProfileID != "" {
		t.Errorf("bare string update = %+v", ext.Profiles[0])
	}
	if ext.Profiles[1].ProfileID != "alice" {
		t.Errorf("profile id = %q", ext.Profiles[1].ProfileID)
	}
	if len(ext.Facts) != 1 || ext.Facts[0].Object != "tea" {
		t.Errorf("facts = %+v, want only the complete triple", ext.Facts)
	}
	if len(ext.Habits) != 1 || ext.Habits[0].TaskType != "greeting" {
		t.Errorf("habits = %+v", ext.Habits)
	}
}

func TestRuleExtractor_NoMetadata(t *testing.T) {
	t.Parallel()
	x := NewRuleExtractor()
	ext, err := x.Extract(context.Background(), memstore.Record{Content: "I love tea"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !ext.Empty() {
		t.Errorf("content must never be interpreted, got %+v", ext)
	}
}

func TestLLMExtractor_ParsesFencedJSON(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "Here you go:\n```json\n{\"facts\":[{\"subject\":\"user\",\"predicate\":\"works_at\",\"object\":\"acme\"}]}\n```",
		},
	}
	x := NewLLMExtractor(p, "gpt-test", nil)

	ext, err := x.Extract(context.Background(), memstore.Record{Role: "user", Content: "I work at acme"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(ext.Facts) != 1 || ext.Facts[0].Object != "acme" {
		t.Fatalf("facts = %+v", ext.Facts)
	}
	if len(p.CompleteCalls) != 1 {
		t.Fatalf("CompleteCalls = %d", len(p.CompleteCalls))
	}
	req := p.CompleteCalls[0].Req
	if req.Model != "gpt-test" {
		t.Errorf("model = %q", req.Model)
	}
	if req.SystemPrompt == "" {
		t.Error("extraction system prompt missing")
	}
}

func TestLLMExtractor_UnparseableReplyIsEmpty(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		reply string
	}{
		{"plain prose", "Nothing worth remembering here."},
		{"broken json", "{\"facts\": [unterminated"},
		{"empty", ""},
		{"fence without body", "```json"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: tc.reply}}
			x := NewLLMExtractor(p, "", nil)
			ext, err := x.Extract(context.Background(), memstore.Record{Content: "hi"})
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if !ext.Empty() {
				t.Errorf("extraction = %+v, want empty", ext)
			}
		})
	}
}

func TestLLMExtractor_ProviderError(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteErr: errors.New("backend down")}
	x := NewLLMExtractor(p, "", nil)
	if _, err := x.Extract(context.Background(), memstore.Record{Content: "hi"}); err == nil {
		t.Error("provider failure must surface as an error")
	}
}

func TestStripFences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"{\"a\":1}", "{\"a\":1}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```\n{\"a\":1}\n```", "{\"a\":1}"},
		{"  ```json\n{}\n```  ", "{}"},
		{"```json", ""},
	}
	for _, tc := range tests {
		if got := stripFences(tc.in); got != tc.want {
			t.Errorf("stripFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()
	if got := extractJSONObject("Sure! {\"facts\":[]} Hope that helps."); got != "{\"facts\":[]}" {
		t.Errorf("got %q", got)
	}
	if got := extractJSONObject("no json here"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
