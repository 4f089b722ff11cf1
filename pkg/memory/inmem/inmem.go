// Package inmem provides in-memory implementations of the memory stores.
//
// All stores are safe for concurrent use and lose their contents on restart.
// They are the default backend when no Postgres DSN is configured, and double
// as test fixtures.
package inmem

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kotonelabs/kotone/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.RecordStore          = (*RecordStore)(nil)
	_ memory.VectorSearcher       = (*RecordStore)(nil)
	_ memory.CoreProfileStore     = (*CoreProfileStore)(nil)
	_ memory.SemanticFactStore    = (*SemanticFactStore)(nil)
	_ memory.ProceduralHabitStore = (*HabitStore)(nil)
)

// NewStores returns a full in-memory store bundle.
func NewStores() memory.Stores {
	return memory.Stores{
		Records:  NewRecordStore(),
		Profiles: NewCoreProfileStore(),
		Facts:    NewSemanticFactStore(),
		Habits:   NewHabitStore(),
	}
}

// RecordStore is an append-only in-memory record log.
type RecordStore struct {
	mu      sync.RWMutex
	order   []string
	records map[string]memory.Record
}

// NewRecordStore creates an empty record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]memory.Record)}
}

// Append implements memory.RecordStore.
func (s *RecordStore) Append(_ context.Context, rec memory.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("inmem: record id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("inmem: record %q already exists", rec.ID)
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return nil
}

// Get implements memory.RecordStore.
func (s *RecordStore) Get(_ context.Context, id string) (memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return memory.Record{}, fmt.Errorf("%w: record %q", memory.ErrNotFound, id)
	}
	return rec, nil
}

// List implements memory.RecordStore.
func (s *RecordStore) List(_ context.Context, sessionID string) ([]memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.Record, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		if sessionID != "" && rec.SessionID != sessionID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Nearest implements memory.VectorSearcher with an in-process cosine scan.
// Records without an embedding are skipped.
func (s *RecordStore) Nearest(_ context.Context, embedding []float32, limit int) ([]memory.Result, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]memory.Result, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		if len(rec.Embedding) != len(embedding) {
			continue
		}
		results = append(results, memory.Result{
			Record: rec,
			Score:  cosine(embedding, rec.Embedding),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
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

// CoreProfileStore is an in-memory core layer.
type CoreProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]memory.CoreProfile
}

// NewCoreProfileStore creates an empty core profile store.
func NewCoreProfileStore() *CoreProfileStore {
	return &CoreProfileStore{profiles: make(map[string]memory.CoreProfile)}
}

// Upsert implements memory.CoreProfileStore.
func (s *CoreProfileStore) Upsert(_ context.Context, p memory.CoreProfile) error {
	if p.ID == "" {
		return fmt.Errorf("inmem: profile id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.profiles[p.ID]; ok && existing.UpdatedAt.After(p.UpdatedAt) {
		return nil
	}
	s.profiles[p.ID] = p
	return nil
}

// Get implements memory.CoreProfileStore.
func (s *CoreProfileStore) Get(_ context.Context, id string) (memory.CoreProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return memory.CoreProfile{}, fmt.Errorf("%w: profile %q", memory.ErrNotFound, id)
	}
	return p, nil
}

// List implements memory.CoreProfileStore.
func (s *CoreProfileStore) List(_ context.Context) ([]memory.CoreProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.CoreProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// SemanticFactStore is an in-memory semantic layer.
type SemanticFactStore struct {
	mu    sync.RWMutex
	facts map[string]memory.SemanticFact
}

// NewSemanticFactStore creates an empty semantic fact store.
func NewSemanticFactStore() *SemanticFactStore {
	return &SemanticFactStore{facts: make(map[string]memory.SemanticFact)}
}

// Upsert implements memory.SemanticFactStore.
func (s *SemanticFactStore) Upsert(_ context.Context, f memory.SemanticFact) error {
	if f.ID == "" {
		return fmt.Errorf("inmem: fact id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.facts[f.ID]; ok && existing.UpdatedAt.After(f.UpdatedAt) {
		return nil
	}
	s.facts[f.ID] = f
	return nil
}

// Get implements memory.SemanticFactStore.
func (s *SemanticFactStore) Get(_ context.Context, id string) (memory.SemanticFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[id]
	if !ok {
		return memory.SemanticFact{}, fmt.Errorf("%w: fact %q", memory.ErrNotFound, id)
	}
	return f, nil
}

// List implements memory.SemanticFactStore.
func (s *SemanticFactStore) List(_ context.Context) ([]memory.SemanticFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.SemanticFact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// HabitStore is an in-memory procedural layer.
type HabitStore struct {
	mu     sync.RWMutex
	habits map[string]memory.ProceduralHabit
}

// NewHabitStore creates an empty habit store.
func NewHabitStore() *HabitStore {
	return &HabitStore{habits: make(map[string]memory.ProceduralHabit)}
}

// Upsert implements memory.ProceduralHabitStore.
func (s *HabitStore) Upsert(_ context.Context, h memory.ProceduralHabit) error {
	if h.ID == "" {
		return fmt.Errorf("inmem: habit id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.habits[h.ID]; ok && existing.UpdatedAt.After(h.UpdatedAt) {
		return nil
	}
	s.habits[h.ID] = h
	return nil
}

// Get implements memory.ProceduralHabitStore.
func (s *HabitStore) Get(_ context.Context, id string) (memory.ProceduralHabit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.habits[id]
	if !ok {
		return memory.ProceduralHabit{}, fmt.Errorf("%w: habit %q", memory.ErrNotFound, id)
	}
	return h, nil
}

// List implements memory.ProceduralHabitStore.
func (s *HabitStore) List(_ context.Context) ([]memory.ProceduralHabit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.ProceduralHabit, 0, len(s.habits))
	for _, h := range s.habits {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
