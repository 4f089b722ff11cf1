package agentsvc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kotonelabs/kotone/internal/config"
	"github.com/kotonelabs/kotone/pkg/event"
	"github.com/kotonelabs/kotone/pkg/provider/llm"
	llmmock "github.com/kotonelabs/kotone/pkg/provider/llm/mock"
)

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) record(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func newHarness(t *testing.T, p llm.Provider, cfgs []config.AgentConfig) (*Service, *event.Bus, *eventLog) {
	t.Helper()
	reg := llm.NewRegistry()
	if err := reg.Register("mock", p); err != nil {
		t.Fatal(err)
	}

	bus := event.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	log := &eventLog{}
	bus.Subscribe("agent.*", log.record)

	return NewService(reg, bus, cfgs), bus, log
}

func waitEmpty(t *testing.T, bus *event.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.WaitEmpty(ctx); err != nil {
		t.Fatalf("WaitEmpty: %v", err)
	}
}

func TestWakeup_PublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "good morning"}}
	svc, bus, log := newHarness(t, p, nil)

	svc.Wakeup(context.Background(), config.AgentConfig{Name: "butler", Prompt: "check on things"})
	waitEmpty(t, bus)

	want := []string{
		event.TypeAgentWakeupStarted,
		event.TypeAgentMessageCreated,
		event.TypeAgentWakeupCompleted,
	}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if log.events[1].Data["content"] != "good morning" {
		t.Errorf("message data = %+v", log.events[1].Data)
	}
	if log.events[2].Data["ok"] != true {
		t.Errorf("completed data = %+v", log.events[2].Data)
	}
}

func TestWakeup_ProviderFailureReportsNotOK(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteErr: errors.New("backend down")}
	svc, bus, log := newHarness(t, p, nil)

	svc.Wakeup(context.Background(), config.AgentConfig{Name: "butler", Prompt: "hi"})
	waitEmpty(t, bus)

	got := log.types()
	if len(got) != 2 {
		t.Fatalf("events = %v, want started + completed only", got)
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if log.events[1].Data["ok"] != false {
		t.Errorf("completed data = %+v", log.events[1].Data)
	}
}

func TestWakeup_SendsConfiguredPrompt(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "x"}}
	svc, bus, _ := newHarness(t, p, nil)

	svc.Wakeup(context.Background(), config.AgentConfig{
		Name: "butler", Prompt: "review the diary", Model: "gpt-test",
	})
	waitEmpty(t, bus)

	if len(p.CompleteCalls) != 1 {
		t.Fatalf("CompleteCalls = %d", len(p.CompleteCalls))
	}
	req := p.CompleteCalls[0].Req
	if req.Model != "gpt-test" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "review the diary" {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestNewService_DropsIncompleteAgents(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{}
	svc, _, _ := newHarness(t, p, []config.AgentConfig{
		{Name: "ok", Prompt: "p", WakeupInterval: time.Hour},
		{Name: "", Prompt: "p"},
		{Name: "no-prompt"},
	})
	names := svc.Names()
	if len(names) != 1 || names[0] != "ok" {
		t.Errorf("names = %v", names)
	}
}

func TestStartStop_WakeupLoop(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "tick"}}
	svc, bus, log := newHarness(t, p, []config.AgentConfig{
		{Name: "fast", Prompt: "go", WakeupInterval: 10 * time.Millisecond},
	})

	svc.Start()
	deadline := time.After(2 * time.Second)
	for {
		found := false
		for _, tp := range log.types() {
			if tp == event.TypeAgentWakeupCompleted {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no wakeup completed within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	svc.Stop()
	waitEmpty(t, bus)

	created := false
	for _, tp := range log.types() {
		if tp == event.TypeAgentCreated {
			created = true
		}
	}
	if !created {
		t.Error("agent.created missing")
	}
}
