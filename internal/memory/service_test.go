package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kotonelabs/kotone/internal/config"
	"github.com/kotonelabs/kotone/pkg/event"
	memstore "github.com/kotonelabs/kotone/pkg/memory"
	"github.com/kotonelabs/kotone/pkg/memory/inmem"
)

// eventLog records bus events in delivery order.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) record(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(eventType string) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, ev := range l.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestPipeline(t *testing.T, cfg config.MemoryConfig, opts ...Option) (*Service, *event.Bus, *eventLog) {
	t.Helper()
	bus := event.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	log := &eventLog{}
	bus.Subscribe("memory.*", log.record)

	svc := NewService(inmem.NewStores(), bus, cfg, opts...)
	svc.Start()
	t.Cleanup(svc.Stop)
	return svc, bus, log
}

func waitEmpty(t *testing.T, bus *event.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.WaitEmpty(ctx); err != nil {
		t.Fatalf("WaitEmpty: %v", err)
	}
}

func TestService_IngestsDialogueEvents(t *testing.T) {
	t.Parallel()
	svc, bus, log := newTestPipeline(t, config.MemoryConfig{})

	bus.Publish(event.New("dialogue", event.UserMessage{SessionID: "s1", Content: "hello there"}))
	bus.Publish(event.New("dialogue", event.AssistantResponse{SessionID: "s1", Content: "hi!", Model: "m"}))
	waitEmpty(t, bus)

	records, err := svc.stores.Records.List(context.Background(), "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Role != "user" || records[1].Role != "assistant" {
		t.Errorf("roles = %q, %q", records[0].Role, records[1].Role)
	}

	recorded := log.ofType(event.TypeMemoryRecorded)
	if len(recorded) != 2 {
		t.Fatalf("memory.recorded events = %d, want 2", len(recorded))
	}
	if recorded[0].Data["session_id"] != "s1" {
		t.Errorf("event data = %+v", recorded[0].Data)
	}
}

func TestService_MetadataFactEmitsOneFactEvent(t *testing.T) {
	t.Parallel()
	svc, bus, log := newTestPipeline(t, config.MemoryConfig{})

	rec, err := svc.Ingest(context.Background(), "s1", "user", "my key is K", map[string]any{
		"facts": []any{
			map[string]any{"subject": "user", "predicate": "api_key", "object": "K"},
		},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	waitEmpty(t, bus)

	upserts := log.ofType(event.TypeMemoryFactUpserted)
	if len(upserts) != 1 {
		t.Fatalf("fact.upserted events = %d, want exactly 1", len(upserts))
	}
	data := upserts[0].Data
	if data["subject"] != "user" || data["predicate"] != "api_key" || data["object"] != "K" {
		t.Errorf("fact event data = %+v", data)
	}
	if data["record_id"] != rec.ID {
		t.Errorf("record_id = %v, want %s", data["record_id"], rec.ID)
	}

	fact, err := svc.stores.Facts.Get(context.Background(), factKey("user", "api_key"))
	if err != nil {
		t.Fatalf("Get fact: %v", err)
	}
	if fact.Object != "K" {
		t.Errorf("stored fact = %+v", fact)
	}
}

func TestService_LayerEventsFollowRecordEvent(t *testing.T) {
	t.Parallel()
	svc, bus, log := newTestPipeline(t, config.MemoryConfig{})

	_, err := svc.Ingest(context.Background(), "s1", "user", "note", map[string]any{
		"core_updates": []any{"likes tea"},
		"habits":       []any{map[string]any{"task_type": "tea", "instruction": "green, no sugar"}},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	waitEmpty(t, bus)

	log.mu.Lock()
	defer log.mu.Unlock()
	recordedAt := -1
	for i, ev := range log.events {
		switch ev.Type {
		case event.TypeMemoryRecorded:
			recordedAt = i
		case event.TypeMemoryCoreUpdated, event.TypeMemoryHabitRecorded:
			if recordedAt < 0 {
				t.Fatalf("layer event %s before memory.recorded", ev.Type)
			}
		}
	}
	if recordedAt < 0 {
		t.Fatal("memory.recorded never published")
	}
	if got := len(log.events); got != 3 {
		t.Errorf("events = %d, want record + core + habit", got)
	}
}

func TestService_EmotionSnapshot(t *testing.T) {
	t.Parallel()
	tagger := EmotionTaggerFunc(func(_ context.Context, text string) (string, error) {
		return "HAPPY", nil
	})
	svc, bus, log := newTestPipeline(t,
		config.MemoryConfig{EmotionOnIngest: true},
		WithEmotionTagger(tagger),
	)

	rec, err := svc.Ingest(context.Background(), "s1", "user", "what a sunny day", nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	waitEmpty(t, bus)

	snaps := log.ofType(event.TypeMemoryEmotionalSnapshot)
	if len(snaps) != 1 {
		t.Fatalf("snapshot events = %d, want 1", len(snaps))
	}
	if snaps[0].Data["emotion"] != "HAPPY" || snaps[0].Data["record_id"] != rec.ID {
		t.Errorf("snapshot data = %+v", snaps[0].Data)
	}
}

func TestService_NoSnapshotWhenDisabled(t *testing.T) {
	t.Parallel()
	tagger := EmotionTaggerFunc(func(context.Context, string) (string, error) { return "HAPPY", nil })
	svc, bus, log := newTestPipeline(t, config.MemoryConfig{}, WithEmotionTagger(tagger))

	if _, err := svc.Ingest(context.Background(), "s1", "user", "hello", nil); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	waitEmpty(t, bus)
	if snaps := log.ofType(event.TypeMemoryEmotionalSnapshot); len(snaps) != 0 {
		t.Errorf("snapshots = %d, want 0 when emotion_on_ingest is off", len(snaps))
	}
}

// failingExtractor always errors.
type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, memstore.Record) (Extraction, error) {
	return Extraction{}, errors.New("extractor broke")
}

func TestService_ExtractorFailureKeepsRecord(t *testing.T) {
	t.Parallel()
	svc, bus, log := newTestPipeline(t, config.MemoryConfig{}, WithExtractor(failingExtractor{}))

	rec, err := svc.Ingest(context.Background(), "s1", "user", "hello", nil)
	if err != nil {
		t.Fatalf("Ingest must not fail on extractor errors: %v", err)
	}
	waitEmpty(t, bus)

	if _, err := svc.stores.Records.Get(context.Background(), rec.ID); err != nil {
		t.Errorf("record missing after extractor failure: %v", err)
	}
	if len(log.ofType(event.TypeMemoryRecorded)) != 1 {
		t.Error("memory.recorded missing")
	}
	if len(log.ofType(event.TypeMemoryFactUpserted)) != 0 {
		t.Error("no layer events expected on extractor failure")
	}
}

func TestService_StopCancelsIngestion(t *testing.T) {
	t.Parallel()
	svc, bus, _ := newTestPipeline(t, config.MemoryConfig{})
	svc.Stop()

	bus.Publish(event.New("dialogue", event.UserMessage{SessionID: "s1", Content: "after stop"}))
	waitEmpty(t, bus)

	records, err := svc.stores.Records.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0 after Stop", len(records))
	}
}

func TestFactKey(t *testing.T) {
	t.Parallel()
	if got := factKey("The User", "Works At"); got != "the_user:works_at" {
		t.Errorf("factKey = %q", got)
	}
	if factKey("user", "likes") != factKey("User", "Likes") {
		t.Error("fact keys must be case-insensitive")
	}
}
