// Package agentsvc runs secondary agents: named background personas that wake
// on a fixed interval, run one provider completion over their configured
// prompt, and publish the result on the event bus. Agents never touch dialogue
// sessions directly; consumers pick their messages up from agent.* events.
package agentsvc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kotonelabs/kotone/internal/config"
	"github.com/kotonelabs/kotone/pkg/event"
	"github.com/kotonelabs/kotone/pkg/provider/llm"
)

// defaultWakeupInterval applies when an agent's config leaves the interval
// unset.
const defaultWakeupInterval = 15 * time.Minute

// sourceName tags every event the service publishes.
const sourceName = "agent"

// agent is one running wakeup loop.
type agent struct {
	cfg    config.AgentConfig
	ticker *time.Ticker
}

// Service supervises the configured agents.
type Service struct {
	registry *llm.Registry
	bus      *event.Bus
	logger   *slog.Logger

	providerTimeout time.Duration

	mu     sync.Mutex
	agents []*agent

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the service logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithProviderTimeout bounds each wakeup completion. The default is 30s.
func WithProviderTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.providerTimeout = d
		}
	}
}

// NewService creates the agent service. Agents without a name or prompt are
// dropped with a warning.
func NewService(registry *llm.Registry, bus *event.Bus, cfgs []config.AgentConfig, opts ...Option) *Service {
	s := &Service{
		registry:        registry,
		bus:             bus,
		logger:          slog.Default(),
		providerTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, cfg := range cfgs {
		if cfg.Name == "" || cfg.Prompt == "" {
			s.logger.Warn("agent config incomplete, skipping", "agent", cfg.Name)
			continue
		}
		if cfg.WakeupInterval <= 0 {
			cfg.WakeupInterval = defaultWakeupInterval
		}
		s.agents = append(s.agents, &agent{cfg: cfg})
	}
	return s
}

// Names returns the registered agent names in configuration order.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.agents))
	for i, a := range s.agents {
		out[i] = a.cfg.Name
	}
	return out
}

// Start launches one wakeup loop per agent and publishes agent.created for
// each. Calling Start twice is a bug.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		s.bus.Publish(event.New(sourceName, event.AgentCreated{AgentID: a.cfg.Name}))
		a.ticker = time.NewTicker(a.cfg.WakeupInterval)
		s.wg.Add(1)
		go s.loop(ctx, a)
	}
}

// Stop cancels every wakeup loop and waits for in-flight wakeups to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		for _, a := range s.agents {
			if a.ticker != nil {
				a.ticker.Stop()
			}
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// loop drives one agent's wakeups until the service stops.
func (s *Service) loop(ctx context.Context, a *agent) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.ticker.C:
			s.Wakeup(ctx, a.cfg)
		}
	}
}

// Wakeup runs one cycle for the given agent config: started event, provider
// completion, message + completed events. Failures are logged and reported
// through the completed event's ok flag.
func (s *Service) Wakeup(ctx context.Context, cfg config.AgentConfig) {
	s.bus.Publish(event.New(sourceName, event.AgentWakeupStarted{AgentID: cfg.Name}))

	ok := s.runCompletion(ctx, cfg)

	s.bus.Publish(event.New(sourceName, event.AgentWakeupCompleted{AgentID: cfg.Name, OK: ok}))
}

func (s *Service) runCompletion(ctx context.Context, cfg config.AgentConfig) bool {
	provider, err := s.registry.Get(cfg.Provider)
	if err != nil {
		s.logger.Error("agent provider unavailable", "agent", cfg.Name, "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		Model:    cfg.Model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: cfg.Prompt}},
	})
	if err != nil {
		s.logger.Error("agent wakeup completion failed", "agent", cfg.Name, "error", err)
		return false
	}
	if resp == nil || resp.Content == "" {
		s.logger.Debug("agent wakeup produced no content", "agent", cfg.Name)
		return true
	}

	s.bus.Publish(event.New(sourceName, event.AgentMessageCreated{
		AgentID: cfg.Name,
		Content: resp.Content,
	}))
	return true
}
