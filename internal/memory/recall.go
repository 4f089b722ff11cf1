package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"

	memstore "github.com/kotonelabs/kotone/pkg/memory"
)

// defaultTopK is the recall result count when neither the caller nor the
// config says otherwise.
const defaultTopK = 5

// embeddingWeight scales the cosine similarity contribution relative to the
// lexical scorers.
const embeddingWeight = 1.0

// Scorer contributes one relevance signal to a recall query. Scores are
// additive across the registry; a scorer that does not apply returns zero.
type Scorer interface {
	Name() string
	Score(now time.Time, query string, rec memstore.Record) float64
}

// DefaultScorers returns the standard registry: keyword overlap with fuzzy
// matching, plus recency decay.
func DefaultScorers() []Scorer {
	return []Scorer{
		&KeywordScorer{FuzzyThreshold: 0.88},
		&RecencyScorer{Weight: 0.25, HalfLife: 24 * time.Hour},
	}
}

// KeywordScorer scores a record by the fraction of query tokens it covers.
// An exact token match counts 1.0; near-misses (typos, inflections) count
// their Jaro-Winkler similarity when it clears FuzzyThreshold.
type KeywordScorer struct {
	// FuzzyThreshold is the minimum Jaro-Winkler similarity for a fuzzy token
	// match. Zero disables fuzzy matching.
	FuzzyThreshold float64
}

// Name implements [Scorer].
func (k *KeywordScorer) Name() string { return "keyword" }

// Score implements [Scorer].
func (k *KeywordScorer) Score(_ time.Time, query string, rec memstore.Record) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}
	recordTokens := tokenize(rec.Content)
	if len(recordTokens) == 0 {
		return 0
	}

	var total float64
	for _, qt := range queryTokens {
		best := 0.0
		for _, rt := range recordTokens {
			if qt == rt {
				best = 1.0
				break
			}
			// Fuzzy matching on very short tokens produces noise.
			if k.FuzzyThreshold <= 0 || len(qt) < 3 || len(rt) < 3 {
				continue
			}
			if sim := matchr.JaroWinkler(qt, rt, false); sim >= k.FuzzyThreshold && sim > best {
				best = sim
			}
		}
		total += best
	}
	return total / float64(len(queryTokens))
}

// RecencyScorer favours recent records with an exponential decay.
type RecencyScorer struct {
	// Weight is the score of a record ingested right now.
	Weight float64

	// HalfLife is the age at which the contribution halves.
	HalfLife time.Duration
}

// Name implements [Scorer].
func (r *RecencyScorer) Name() string { return "recency" }

// Score implements [Scorer].
func (r *RecencyScorer) Score(now time.Time, _ string, rec memstore.Record) float64 {
	if r.HalfLife <= 0 {
		return 0
	}
	age := now.Sub(rec.Timestamp)
	if age < 0 {
		age = 0
	}
	return r.Weight * math.Exp2(-age.Hours()/r.HalfLife.Hours())
}

// tokenize lower-cases s and splits it on anything that is not a letter or a
// digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Recall returns up to topK records ranked by the scorer registry, optionally
// boosted by embedding similarity when an embedder is attached. A non-empty
// sessionID scopes the search to that session; topK <= 0 falls back to the
// configured default.
func (s *Service) Recall(ctx context.Context, query, sessionID string, topK int) ([]memstore.Result, error) {
	start := s.now()
	defer func() {
		if s.metrics != nil {
			s.metrics.MemoryRecallDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	if topK <= 0 {
		topK = s.cfg.RecallTopK
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	records, err := s.stores.Records.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory: list records: %w", err)
	}

	similarity := s.embeddingScores(ctx, query, records, topK)

	now := s.now()
	results := make([]memstore.Result, 0, len(records))
	for _, rec := range records {
		score := 0.0
		for _, sc := range s.scorers {
			score += sc.Score(now, query, rec)
		}
		score += embeddingWeight * similarity[rec.ID]
		if score <= 0 {
			continue
		}
		results = append(results, memstore.Result{Record: rec, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// embeddingScores embeds the query and returns cosine similarity per record
// id. It prefers the store's native vector search and falls back to an
// in-process scan over record embeddings. Failures degrade to lexical-only
// recall with a warning.
func (s *Service) embeddingScores(ctx context.Context, query string, records []memstore.Record, topK int) map[string]float64 {
	if s.embedder == nil {
		return nil
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, lexical recall only", "error", err)
		return nil
	}
	if len(qvec) == 0 {
		return nil
	}

	out := make(map[string]float64)
	if vs, ok := s.stores.Records.(memstore.VectorSearcher); ok {
		// Over-fetch so that session filtering and score merging still have
		// enough candidates.
		nearest, err := vs.Nearest(ctx, qvec, topK*4)
		if err != nil {
			s.logger.Warn("vector search failed, lexical recall only", "error", err)
			return nil
		}
		for _, r := range nearest {
			out[r.Record.ID] = r.Score
		}
		return out
	}

	for _, rec := range records {
		if len(rec.Embedding) != len(qvec) {
			continue
		}
		out[rec.ID] = cosine(qvec, rec.Embedding)
	}
	return out
}

// cosine returns the cosine similarity of two equal-length vectors.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// FormatContext renders recall results into the compact system-prompt block
// the orchestrator injects. Returns "" for an empty result set.
func FormatContext(results []memstore.Result) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant memories:\n")
	for _, r := range results {
		sb.WriteString("- [")
		sb.WriteString(r.Record.Role)
		sb.WriteString("] ")
		sb.WriteString(r.Record.Content)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
