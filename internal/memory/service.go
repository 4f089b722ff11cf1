// Package memory implements the layered memory pipeline: ingestion of
// conversation turns from the event bus, extraction of structured updates
// into the core/semantic/procedural layers, and scored recall for context
// injection.
//
// The pipeline is eventually consistent with the bus: memory.recorded is
// published as soon as the record lands in the store, and the layer events
// (memory.core.updated, memory.fact.upserted, memory.habit.recorded) follow
// for the same record id once extraction completes.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kotonelabs/kotone/internal/config"
	"github.com/kotonelabs/kotone/internal/observe"
	"github.com/kotonelabs/kotone/pkg/event"
	memstore "github.com/kotonelabs/kotone/pkg/memory"
	"github.com/kotonelabs/kotone/pkg/provider/embeddings"
)

// sourceName tags every event the pipeline publishes.
const sourceName = "memory"

// defaultProfileID receives core updates that do not name a profile.
const defaultProfileID = "default"

// EmotionTagger labels a piece of text with its primary emotion. The emotion
// pipeline satisfies this through a small adapter so the two packages stay
// decoupled.
type EmotionTagger interface {
	PrimaryEmotion(ctx context.Context, text string) (string, error)
}

// EmotionTaggerFunc adapts a function to the [EmotionTagger] interface.
type EmotionTaggerFunc func(ctx context.Context, text string) (string, error)

// PrimaryEmotion implements [EmotionTagger].
func (f EmotionTaggerFunc) PrimaryEmotion(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// Service is the memory pipeline. It subscribes to dialogue events for
// ingestion and serves recall queries for the orchestrator and the built-in
// recall_memory ability.
type Service struct {
	logger  *slog.Logger
	metrics *observe.Metrics
	bus     *event.Bus
	stores  memstore.Stores
	cfg     config.MemoryConfig

	extractor Extractor
	embedder  embeddings.Provider
	tagger    EmotionTagger
	scorers   []Scorer

	now   func() time.Time
	newID func() string

	subs []*event.Subscription
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the pipeline logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithExtractor overrides the extraction strategy. The default is the rule
// extractor.
func WithExtractor(x Extractor) Option {
	return func(s *Service) {
		if x != nil {
			s.extractor = x
		}
	}
}

// WithEmbedder enables semantic recall: ingested records are embedded at
// write time and queries at recall time.
func WithEmbedder(e embeddings.Provider) Option {
	return func(s *Service) { s.embedder = e }
}

// WithEmotionTagger enables emotion snapshots on ingest (together with the
// emotion_on_ingest config flag).
func WithEmotionTagger(t EmotionTagger) Option {
	return func(s *Service) { s.tagger = t }
}

// WithScorers replaces the recall scorer registry.
func WithScorers(scorers ...Scorer) Option {
	return func(s *Service) {
		if len(scorers) > 0 {
			s.scorers = scorers
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a memory pipeline over the given stores. bus may be nil
// when event emission is not wanted (the bus is nil-safe).
func NewService(stores memstore.Stores, bus *event.Bus, cfg config.MemoryConfig, opts ...Option) *Service {
	s := &Service{
		logger:    slog.Default(),
		bus:       bus,
		stores:    stores,
		cfg:       cfg,
		extractor: NewRuleExtractor(),
		scorers:   DefaultScorers(),
		now:       time.Now,
		newID:     newRecordID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes the pipeline to the dialogue events it ingests. Calling
// Start twice doubles the subscriptions; don't.
func (s *Service) Start() {
	s.subs = append(s.subs,
		s.bus.Subscribe(event.TypeDialogueUserMessage, s.onDialogue("user")),
		s.bus.Subscribe(event.TypeDialogueAssistantResponse, s.onDialogue("assistant")),
	)
}

// Stop cancels the bus subscriptions. Records already ingested stay.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
}

// onDialogue builds the bus handler for one dialogue event type.
func (s *Service) onDialogue(role string) event.Handler {
	return func(ev event.Event) {
		sessionID, _ := ev.Data["session_id"].(string)
		content, _ := ev.Data["content"].(string)
		if content == "" {
			return
		}
		if _, err := s.Ingest(context.Background(), sessionID, role, content, nil); err != nil {
			s.logger.Error("memory ingestion failed", "session", sessionID, "role", role, "error", err)
		}
	}
}

// Ingest appends one conversation turn to the record log, publishes
// memory.recorded, and runs extraction. Extraction and snapshot failures are
// logged, not returned: only the record append itself can fail the call.
func (s *Service) Ingest(ctx context.Context, sessionID, role, content string, metadata map[string]any) (memstore.Record, error) {
	rec := memstore.Record{
		ID:        s.newID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		Timestamp: s.now(),
	}

	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			s.logger.Warn("record embedding failed", "record", rec.ID, "error", err)
		} else {
			rec.Embedding = vec
		}
	}

	if err := s.stores.Records.Append(ctx, rec); err != nil {
		return memstore.Record{}, fmt.Errorf("memory: append record: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordMemoryRecord(ctx, role)
	}
	s.bus.Publish(event.New(sourceName, event.MemoryRecorded{RecordID: rec.ID, SessionID: rec.SessionID}))

	if s.cfg.EmotionOnIngest && s.tagger != nil {
		if emo, err := s.tagger.PrimaryEmotion(ctx, content); err != nil {
			s.logger.Warn("emotion snapshot failed", "record", rec.ID, "error", err)
		} else if emo != "" {
			s.bus.Publish(event.New(sourceName, event.EmotionalSnapshot{
				RecordID: rec.ID, SessionID: rec.SessionID, Emotion: emo,
			}))
		}
	}

	ext, err := s.extractor.Extract(ctx, rec)
	if err != nil {
		s.logger.Warn("memory extraction failed", "record", rec.ID, "error", err)
		return rec, nil
	}
	if !ext.Empty() {
		if err := s.dispatch(ctx, rec.ID, ext); err != nil {
			s.logger.Warn("memory layer update failed", "record", rec.ID, "error", err)
		}
	}
	return rec, nil
}

// dispatch upserts every extracted update into its layer store and publishes
// the matching layer event. The three layers run concurrently; updates within
// one layer keep their extraction order.
func (s *Service) dispatch(ctx context.Context, recordID string, ext Extraction) error {
	now := s.now()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for _, u := range ext.Profiles {
			id := u.ProfileID
			if id == "" {
				id = defaultProfileID
			}
			p := memstore.CoreProfile{ID: id, Summary: u.Summary, UpdatedAt: now}
			if err := s.stores.Profiles.Upsert(gctx, p); err != nil {
				return fmt.Errorf("memory: upsert profile %q: %w", id, err)
			}
			s.bus.Publish(event.New(sourceName, event.CoreUpdated{ProfileID: id, RecordID: recordID}))
		}
		return nil
	})

	g.Go(func() error {
		for _, u := range ext.Facts {
			id := u.FactID
			if id == "" {
				id = factKey(u.Subject, u.Predicate)
			}
			f := memstore.SemanticFact{
				ID: id, Subject: u.Subject, Predicate: u.Predicate, Object: u.Object, UpdatedAt: now,
			}
			if err := s.stores.Facts.Upsert(gctx, f); err != nil {
				return fmt.Errorf("memory: upsert fact %q: %w", id, err)
			}
			s.bus.Publish(event.New(sourceName, event.FactUpserted{
				FactID: id, RecordID: recordID,
				Subject: u.Subject, Predicate: u.Predicate, Object: u.Object,
			}))
		}
		return nil
	})

	g.Go(func() error {
		for _, u := range ext.Habits {
			id := u.HabitID
			if id == "" {
				id = habitKey(u.TaskType)
			}
			h := memstore.ProceduralHabit{
				ID: id, TaskType: u.TaskType, Instruction: u.Instruction, UpdatedAt: now,
			}
			if err := s.stores.Habits.Upsert(gctx, h); err != nil {
				return fmt.Errorf("memory: upsert habit %q: %w", id, err)
			}
			s.bus.Publish(event.New(sourceName, event.HabitRecorded{
				HabitID: id, RecordID: recordID, TaskType: u.TaskType,
			}))
		}
		return nil
	})

	return g.Wait()
}

// factKey derives a stable fact id from subject and predicate so that
// re-asserting the same relation updates the existing fact.
func factKey(subject, predicate string) string {
	return normalizeKey(subject) + ":" + normalizeKey(predicate)
}

// habitKey derives a stable habit id from the task type.
func habitKey(taskType string) string {
	return normalizeKey(taskType)
}

func normalizeKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

// newRecordID returns a random 128-bit hex record id.
func newRecordID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("memory: id generation: %v", err))
	}
	return hex.EncodeToString(b[:])
}
