package emotion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kotonelabs/kotone/internal/config"
	"github.com/kotonelabs/kotone/internal/observe"
	"github.com/kotonelabs/kotone/pkg/event"
)

// sourceStamp identifies one config file revision.
type sourceStamp struct {
	path    string
	modTime time.Time
	size    int64
}

// cacheEntry pairs a compiled pipeline with the file revisions it was built
// from.
type cacheEntry struct {
	pipeline *Pipeline
	sources  []sourceStamp
}

// Manager hands out per-character pipelines, rebuilding them when their
// configuration chain changes on disk. The chain for character c is:
// built-in defaults, then the base file, then plugin overlays matching the
// glob (sorted by path), then <characters_dir>/<c>.yaml. Staleness is checked
// lazily on every PipelineFor call by comparing file stamps, so edits take
// effect without a restart.
type Manager struct {
	cfg     config.EmotionConfig
	bus     *event.Bus
	logger  *slog.Logger
	metrics *observe.Metrics

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithManagerBus attaches the event bus handed to compiled pipelines.
func WithManagerBus(bus *event.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithManagerLogger sets the logger. The default is slog.Default().
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithManagerMetrics attaches metric instruments.
func WithManagerMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// NewManager creates a pipeline manager over the given config chain paths.
func NewManager(cfg config.EmotionConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: slog.Default(),
		cache:  make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PipelineFor returns the pipeline for character (empty for the default
// profile), rebuilding it when any source file changed or the file set
// differs from the cached build.
func (m *Manager) PipelineFor(character string) (*Pipeline, error) {
	sources := m.resolveSources(character)
	stamps := statSources(sources)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.cache[character]; ok && stampsEqual(entry.sources, stamps) {
		return entry.pipeline, nil
	}

	cfg := DefaultConfig()
	for _, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			if !os.IsNotExist(err) {
				m.logger.Warn("emotion config unreadable, skipping", "path", src, "error", err)
			}
			continue
		}
		overlay, err := ParseFile(data)
		if err != nil {
			m.logger.Warn("emotion config invalid, skipping", "path", src, "error", err)
			continue
		}
		cfg = Overlay(cfg, overlay)
	}

	pipeline, err := NewPipeline(character, cfg,
		WithBus(m.bus),
		WithPipelineLogger(m.logger),
		WithPipelineMetrics(m.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("emotion: compile pipeline for %q: %w", character, err)
	}

	m.cache[character] = &cacheEntry{pipeline: pipeline, sources: stamps}
	m.logger.Debug("emotion pipeline rebuilt", "character", character, "sources", len(sources))
	return pipeline, nil
}

// Analyze resolves the character's pipeline and runs it.
func (m *Manager) Analyze(ctx context.Context, text, character string) (Analysis, error) {
	p, err := m.PipelineFor(character)
	if err != nil {
		return Analysis{}, err
	}
	return p.Analyze(ctx, text), nil
}

// PrimaryEmotion implements the memory pipeline's tagger contract against the
// default character profile.
func (m *Manager) PrimaryEmotion(ctx context.Context, text string) (string, error) {
	a, err := m.Analyze(ctx, text, "")
	if err != nil {
		return "", err
	}
	return string(a.Primary), nil
}

// resolveSources lists the configuration chain for character, in overlay
// order. Missing files stay in the list so that creating one later changes
// the file set and invalidates the cache.
func (m *Manager) resolveSources(character string) []string {
	var sources []string
	if m.cfg.BasePath != "" {
		sources = append(sources, m.cfg.BasePath)
	}
	if m.cfg.PluginGlob != "" {
		matches, err := filepath.Glob(m.cfg.PluginGlob)
		if err != nil {
			m.logger.Warn("emotion plugin glob invalid", "glob", m.cfg.PluginGlob, "error", err)
		} else {
			sort.Strings(matches)
			sources = append(sources, matches...)
		}
	}
	if m.cfg.CharactersDir != "" && character != "" {
		sources = append(sources, filepath.Join(m.cfg.CharactersDir, character+".yaml"))
	}
	return sources
}

// statSources stamps each source path. Missing files get a zero stamp, which
// still participates in the equality check.
func statSources(paths []string) []sourceStamp {
	stamps := make([]sourceStamp, 0, len(paths))
	for _, p := range paths {
		st := sourceStamp{path: p}
		if info, err := os.Stat(p); err == nil {
			st.modTime = info.ModTime()
			st.size = info.Size()
		}
		stamps = append(stamps, st)
	}
	return stamps
}

func stampsEqual(a, b []sourceStamp) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
