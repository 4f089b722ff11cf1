package ability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kotonelabs/kotone/internal/config"
	"github.com/kotonelabs/kotone/internal/observe"
	"github.com/kotonelabs/kotone/pkg/provider/llm"
)

// Scheduler unifies ability sources under one registry and applies per-star
// policy from configuration.
//
// Sources are consulted in the order they were added; [NewScheduler] fixes the
// precedence built-in > plugin > MCP by construction. When two sources define
// the same name the earlier source wins and the conflict is logged once per
// lookup.
type Scheduler struct {
	logger  *slog.Logger
	metrics *observe.Metrics

	mu      sync.RWMutex
	sources []Source
	stars   map[string]config.StarConfig
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithLogger sets the scheduler's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink for tool-call counters and latency.
func WithMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler over the given sources. Pass sources in
// precedence order; nil entries are skipped so optional sources (no plugins,
// no MCP servers) wire in without guards.
func NewScheduler(sources []Source, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{logger: slog.Default()}
	for _, src := range sources {
		if src != nil {
			s.sources = append(s.sources, src)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetStars replaces the per-star policy map. Called at startup and whenever a
// config reload reports star changes. A nil map means every star is enabled.
func (s *Scheduler) SetStars(stars map[string]config.StarConfig) {
	s.mu.Lock()
	s.stars = stars
	s.mu.Unlock()
}

// starPolicy resolves the policy block for a star name. Stars absent from the
// config are fully enabled.
func (s *Scheduler) starPolicy(star string) config.StarConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stars[star]
}

// resolve finds the owning source and descriptor for name, honouring source
// precedence. Conflicting later definitions are logged.
func (s *Scheduler) resolve(name string) (Source, Descriptor, bool) {
	s.mu.RLock()
	sources := s.sources
	s.mu.RUnlock()

	var (
		owner Source
		desc  Descriptor
		found bool
	)
	for _, src := range sources {
		for _, d := range src.Descriptors() {
			if d.Name != name {
				continue
			}
			if found {
				s.logger.Warn("ability name conflict, earlier source wins",
					"ability", name, "winner", owner.Kind(), "loser", src.Kind())
				continue
			}
			owner, desc, found = src, d, true
		}
	}
	return owner, desc, found
}

// allowed reports whether the ability may run under the current star policy.
func (s *Scheduler) allowed(d Descriptor) bool {
	pol := s.starPolicy(d.Star)
	return pol.IsEnabled() && pol.ToolsAllowed() && pol.AbilityEnabled(d.Name)
}

// ToolSchemas returns the tool definitions offered to the LLM: every ability
// visible under the current star policy, deduplicated by source precedence.
func (s *Scheduler) ToolSchemas() []llm.ToolDefinition {
	s.mu.RLock()
	sources := s.sources
	s.mu.RUnlock()

	seen := make(map[string]string) // name -> source kind
	var defs []llm.ToolDefinition
	for _, src := range sources {
		for _, d := range src.Descriptors() {
			if prior, ok := seen[d.Name]; ok {
				s.logger.Warn("ability name conflict, earlier source wins",
					"ability", d.Name, "winner", prior, "loser", src.Kind())
				continue
			}
			seen[d.Name] = src.Kind()
			if !s.allowed(d) {
				continue
			}
			defs = append(defs, llm.ToolDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
	}
	return defs
}

// Execute routes the named call to its owning source.
//
// The returned Result always carries the outcome; the error additionally
// tags the failure kind ([ErrNotFound], [ErrPermissionDenied], or the source
// error) for callers that branch on it. Source failures are converted into
// failed Results — a tool that raises is never propagated.
func (s *Scheduler) Execute(ctx context.Context, name string, params map[string]any, call CallContext) (Result, error) {
	src, desc, ok := s.resolve(name)
	if !ok {
		s.recordCall(ctx, name, "not_found")
		return Failure("Ability not found: " + name),
			fmt.Errorf("scheduler: %w: %q", ErrNotFound, name)
	}
	if !s.allowed(desc) {
		s.recordCall(ctx, name, "denied")
		return Failure("Permission denied: " + name),
			fmt.Errorf("scheduler: %w: %q", ErrPermissionDenied, name)
	}

	res, err := src.Execute(ctx, name, params, call)
	if err != nil {
		s.logger.Warn("ability execution failed",
			"ability", name, "source", src.Kind(), "error", err)
		s.recordCall(ctx, name, "error")
		if res.Error == "" {
			res = Failure(err.Error())
		}
		res.Success = false
		return res, err
	}
	if res.Success {
		s.recordCall(ctx, name, "ok")
	} else {
		s.recordCall(ctx, name, "failed")
	}
	return res, nil
}

func (s *Scheduler) recordCall(ctx context.Context, name, status string) {
	if s.metrics != nil {
		s.metrics.RecordToolCall(ctx, name, status)
	}
}
