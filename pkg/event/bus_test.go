package event_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kotonelabs/kotone/pkg/event"
)

// collector accumulates received events behind a mutex.
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) handle(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, len(c.events))
	copy(out, c.events)
	return out
}

func waitEmpty(t *testing.T, b *event.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.WaitEmpty(ctx); err != nil {
		t.Fatalf("WaitEmpty: %v", err)
	}
}

func TestPublishDeliversToExactSubscriber(t *testing.T) {
	t.Parallel()
	b := event.NewBus()
	b.Start()
	defer b.Stop()

	var c collector
	b.Subscribe(event.TypeDialogueUserMessage, c.handle)

	b.Publish(event.New("test", event.UserMessage{SessionID: "s1", Content: "hi"}))
	waitEmpty(t, b)

	got := c.snapshot()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Data["content"] != "hi" {
		t.Errorf("content: got %v, want %q", got[0].Data["content"], "hi")
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp was not filled in")
	}
}

func TestWildcardMatchesNestedTypes(t *testing.T) {
	t.Parallel()
	b := event.NewBus()
	b.Start()
	defer b.Stop()

	var c collector
	b.Subscribe("memory.*", c.handle)

	b.Publish(event.New("test", event.MemoryRecorded{RecordID: "r1", SessionID: "s1"}))
	b.Publish(event.New("test", event.FactUpserted{FactID: "f1", RecordID: "r1"}))
	b.Publish(event.New("test", event.UserMessage{SessionID: "s1", Content: "ignored"}))
	waitEmpty(t, b)

	got := c.snapshot()
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Type != event.TypeMemoryRecorded || got[1].Type != event.TypeMemoryFactUpserted {
		t.Errorf("unexpected types: %q, %q", got[0].Type, got[1].Type)
	}
}

func TestWildcardDoesNotMatchBareNamespace(t *testing.T) {
	t.Parallel()
	b := event.NewBus()
	b.Start()
	defer b.Stop()

	var c collector
	b.Subscribe("memory.*", c.handle)

	b.Publish(event.Event{Type: "memory", Source: "test"})
	waitEmpty(t, b)

	if got := c.snapshot(); len(got) != 0 {
		t.Errorf("bare namespace matched wildcard: %v", got)
	}
}

// TestOrderingPerType verifies that events of a single type reach a
// subscriber in publish order.
func TestOrderingPerType(t *testing.T) {
	t.Parallel()
	b := event.NewBus()
	b.Start()
	defer b.Stop()

	var c collector
	b.Subscribe(event.TypeMemoryRecorded, c.handle)

	const n = 200
	for i := 0; i < n; i++ {
		b.Publish(event.Event{
			Type: event.TypeMemoryRecorded,
			Data: map[string]any{"seq": i},
		})
	}
	waitEmpty(t, b)

	got := c.snapshot()
	if len(got) != n {
		t.Fatalf("got %d events, want %d", len(got), n)
	}
	for i, ev := range got {
		if ev.Data["seq"] != i {
			t.Fatalf("event %d out of order: seq=%v", i, ev.Data["seq"])
		}
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	t.Parallel()
	b := event.NewBus()
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		b.Subscribe(event.TypeAgentCreated, func(event.Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}

	b.Publish(event.New("test", event.AgentCreated{AgentID: "x"}))
	waitEmpty(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("handler order: got %v, want [a b c]", order)
	}
}

func TestPanickingHandlerIsSkipped(t *testing.T) {
	t.Parallel()
	b := event.NewBus()
	b.Start()
	defer b.Stop()

	var c collector
	b.Subscribe(event.TypeAgentCreated, func(event.Event) { panic("boom") })
	b.Subscribe(event.TypeAgentCreated, c.handle)

	b.Publish(event.New("test", event.AgentCreated{AgentID: "x"}))
	b.Publish(event.New("test", event.AgentCreated{AgentID: "y"}))
	waitEmpty(t, b)

	if got := c.snapshot(); len(got) != 2 {
		t.Errorf("second subscriber got %d events, want 2", len(got))
	}
}

func TestPublishSyncDispatchesInline(t *testing.T) {
	t.Parallel()
	b := event.NewBus()
	// Deliberately not started: PublishSync must not depend on the dispatcher.
	defer b.Stop()

	var c collector
	b.Subscribe(event.TypeEmotionRuleScored, c.handle)

	b.PublishSync(event.New("test", event.EmotionRuleScored{Rule: "keyword"}))

	if got := c.snapshot(); len(got) != 1 {
		t.Fatalf("got %d events, want 1 delivered synchronously", len(got))
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	t.Parallel()
	b := event.NewBus()
	b.Start()
	defer b.Stop()

	var c collector
	sub := b.Subscribe(event.TypeAgentCreated, c.handle)

	b.Publish(event.New("test", event.AgentCreated{AgentID: "first"}))
	waitEmpty(t, b)
	sub.Cancel()
	b.Publish(event.New("test", event.AgentCreated{AgentID: "second"}))
	waitEmpty(t, b)

	if got := c.snapshot(); len(got) != 1 {
		t.Errorf("got %d events after cancel, want 1", len(got))
	}
}

func TestPublishAfterStopIsDropped(t *testing.T) {
	t.Parallel()
	b := event.NewBus()
	b.Start()

	var c collector
	b.Subscribe(event.TypeAgentCreated, c.handle)
	b.Stop()

	// Must not panic or block.
	b.Publish(event.New("test", event.AgentCreated{AgentID: "late"}))

	if got := c.snapshot(); len(got) != 0 {
		t.Errorf("got %d events after stop, want 0", len(got))
	}
}

func TestConcurrentPublishAndStopNeverPanics(t *testing.T) {
	t.Parallel()
	// Publishers racing Stop must either enqueue before the cutover or drop
	// cleanly; a tiny queue widens the window around the shutdown path.
	for range 200 {
		b := event.NewBus(event.WithHighWater(2))
		b.Subscribe("load.*", func(event.Event) {})
		b.Start()

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 16 {
					b.Publish(event.New("test", event.AgentCreated{AgentID: "x"}))
				}
			}()
		}
		b.Stop()
		wg.Wait()

		// Every accepted event was dispatched, so nothing is pending.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.WaitEmpty(ctx); err != nil {
			cancel()
			t.Fatalf("WaitEmpty after stop: %v", err)
		}
		cancel()
	}
}

func TestNilBusIsSafe(t *testing.T) {
	t.Parallel()
	var b *event.Bus
	b.Publish(event.New("test", event.AgentCreated{AgentID: "x"}))
	b.PublishSync(event.New("test", event.AgentCreated{AgentID: "x"}))
	b.Start()
	b.Stop()
	if err := b.WaitEmpty(context.Background()); err != nil {
		t.Errorf("WaitEmpty on nil bus: %v", err)
	}
}

func TestSubscriberAddedDuringDispatchSeesOnlyLaterEvents(t *testing.T) {
	t.Parallel()
	b := event.NewBus()
	b.Start()
	defer b.Stop()

	var late collector
	b.Subscribe(event.TypeAgentCreated, func(ev event.Event) {
		if ev.Data["agent_id"] == "first" {
			b.Subscribe(event.TypeAgentCreated, late.handle)
		}
	})

	b.Publish(event.New("test", event.AgentCreated{AgentID: "first"}))
	b.Publish(event.New("test", event.AgentCreated{AgentID: "second"}))
	waitEmpty(t, b)

	got := late.snapshot()
	if len(got) != 1 || got[0].Data["agent_id"] != "second" {
		t.Errorf("late subscriber events: %v, want only the second event", got)
	}
}
