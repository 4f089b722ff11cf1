package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kotonelabs/kotone/internal/config"
	memstore "github.com/kotonelabs/kotone/pkg/memory"
	"github.com/kotonelabs/kotone/pkg/memory/inmem"
	embmock "github.com/kotonelabs/kotone/pkg/provider/embeddings/mock"
)

func ingest(t *testing.T, svc *Service, sessionID, role, content string) memstore.Record {
	t.Helper()
	rec, err := svc.Ingest(context.Background(), sessionID, role, content, nil)
	if err != nil {
		t.Fatalf("Ingest(%q): %v", content, err)
	}
	return rec
}

func TestRecall_KeywordRanking(t *testing.T) {
	t.Parallel()
	svc := NewService(inmem.NewStores(), nil, config.MemoryConfig{})

	ingest(t, svc, "s1", "user", "my API key is K")
	ingest(t, svc, "s1", "user", "the weather is lovely today")
	ingest(t, svc, "s1", "assistant", "noted, I will remember your key")

	results, err := svc.Recall(context.Background(), "what is my API key?", "s1", 2)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if !strings.Contains(results[0].Record.Content, "API key is K") {
		t.Errorf("top result = %q", results[0].Record.Content)
	}
	if len(results) > 2 {
		t.Errorf("results = %d, want <= 2", len(results))
	}
}

func TestRecall_FuzzyKeywordMatch(t *testing.T) {
	t.Parallel()
	svc := NewService(inmem.NewStores(), nil, config.MemoryConfig{})
	ingest(t, svc, "s1", "user", "remember my birthday in october")

	// "brithday" is a typo the fuzzy scorer should still bridge.
	results, err := svc.Recall(context.Background(), "when is my brithday", "s1", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want fuzzy hit", len(results))
	}
}

func TestRecall_SessionScope(t *testing.T) {
	t.Parallel()
	svc := NewService(inmem.NewStores(), nil, config.MemoryConfig{})
	ingest(t, svc, "s1", "user", "the password is swordfish")
	ingest(t, svc, "s2", "user", "the password is hunter2")

	results, err := svc.Recall(context.Background(), "password", "s2", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	for _, r := range results {
		if r.Record.SessionID != "s2" {
			t.Errorf("leaked record from session %q", r.Record.SessionID)
		}
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want 1", len(results))
	}
}

func TestRecall_TopKDefaults(t *testing.T) {
	t.Parallel()
	svc := NewService(inmem.NewStores(), nil, config.MemoryConfig{RecallTopK: 2})
	for range 6 {
		ingest(t, svc, "s1", "user", "tea tea tea")
	}

	results, err := svc.Recall(context.Background(), "tea", "s1", 0)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("results = %d, want configured top-k 2", len(results))
	}

	unconfigured := NewService(inmem.NewStores(), nil, config.MemoryConfig{})
	for range 8 {
		ingest(t, unconfigured, "s1", "user", "tea tea tea")
	}
	results, err = unconfigured.Recall(context.Background(), "tea", "s1", 0)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(results) != defaultTopK {
		t.Errorf("results = %d, want default %d", len(results), defaultTopK)
	}
}

func TestRecall_EmbeddingBoost(t *testing.T) {
	t.Parallel()
	// Vectors chosen so that "feline" is near "cat" and far from "invoice".
	vectors := map[string][]float32{
		"my cat is called miso": {1, 0},
		"the invoice is overdue": {0, 1},
		"feline":                {0.9, 0.1},
	}
	embedder := &embmock.Provider{
		EmbedFunc: func(text string) []float32 {
			if v, ok := vectors[text]; ok {
				return v
			}
			return []float32{0, 0}
		},
		DimensionsValue: 2,
	}
	svc := NewService(inmem.NewStores(), nil, config.MemoryConfig{}, WithEmbedder(embedder))

	ingest(t, svc, "s1", "user", "my cat is called miso")
	ingest(t, svc, "s1", "user", "the invoice is overdue")

	// No lexical overlap at all: only the embedding signal can rank these.
	results, err := svc.Recall(context.Background(), "feline", "s1", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results from embedding-only recall")
	}
	if !strings.Contains(results[0].Record.Content, "cat") {
		t.Errorf("top result = %q, want the cat record", results[0].Record.Content)
	}
}

func TestRecall_EmbedderFailureDegradesToLexical(t *testing.T) {
	t.Parallel()
	embedder := &embmock.Provider{EmbedErr: context.DeadlineExceeded}
	svc := NewService(inmem.NewStores(), nil, config.MemoryConfig{})
	ingest(t, svc, "s1", "user", "the key is K")
	svc.embedder = embedder // fail at recall time only

	results, err := svc.Recall(context.Background(), "key", "s1", 5)
	if err != nil {
		t.Fatalf("Recall must degrade, not fail: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want lexical hit", len(results))
	}
}

func TestRecencyScorer(t *testing.T) {
	t.Parallel()
	sc := &RecencyScorer{Weight: 0.25, HalfLife: 24 * time.Hour}
	now := time.Now()

	fresh := sc.Score(now, "", memstore.Record{Timestamp: now})
	day := sc.Score(now, "", memstore.Record{Timestamp: now.Add(-24 * time.Hour)})
	week := sc.Score(now, "", memstore.Record{Timestamp: now.Add(-7 * 24 * time.Hour)})

	if fresh <= day || day <= week {
		t.Errorf("decay not monotonic: %v %v %v", fresh, day, week)
	}
	if diff := fresh - 2*day; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("half-life property violated: fresh=%v day=%v", fresh, day)
	}
}

func TestKeywordScorer_EmptyInputs(t *testing.T) {
	t.Parallel()
	sc := &KeywordScorer{FuzzyThreshold: 0.88}
	if got := sc.Score(time.Now(), "", memstore.Record{Content: "hello"}); got != 0 {
		t.Errorf("empty query score = %v", got)
	}
	if got := sc.Score(time.Now(), "hello", memstore.Record{}); got != 0 {
		t.Errorf("empty record score = %v", got)
	}
}

func TestFormatContext(t *testing.T) {
	t.Parallel()
	if FormatContext(nil) != "" {
		t.Error("empty results must render empty")
	}

	block := FormatContext([]memstore.Result{
		{Record: memstore.Record{Role: "user", Content: "API key is K"}, Score: 1},
		{Record: memstore.Record{Role: "assistant", Content: "noted"}, Score: 0.5},
	})
	if !strings.HasPrefix(block, "Relevant memories:") {
		t.Errorf("block = %q", block)
	}
	if !strings.Contains(block, "[user] API key is K") {
		t.Errorf("block missing memory line: %q", block)
	}
	if strings.HasSuffix(block, "\n") {
		t.Error("block must not end with a newline")
	}
}
