// Package app wires all Kotone subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP surface until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStores, WithBus,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kotonelabs/kotone/internal/ability"
	"github.com/kotonelabs/kotone/internal/agentsvc"
	"github.com/kotonelabs/kotone/internal/config"
	"github.com/kotonelabs/kotone/internal/dialogue"
	"github.com/kotonelabs/kotone/internal/emotion"
	"github.com/kotonelabs/kotone/internal/health"
	memsvc "github.com/kotonelabs/kotone/internal/memory"
	"github.com/kotonelabs/kotone/internal/mcptools"
	"github.com/kotonelabs/kotone/internal/observe"
	"github.com/kotonelabs/kotone/internal/plugin"
	"github.com/kotonelabs/kotone/internal/session"
	"github.com/kotonelabs/kotone/internal/skill"
	"github.com/kotonelabs/kotone/pkg/event"
	memstore "github.com/kotonelabs/kotone/pkg/memory"
	"github.com/kotonelabs/kotone/pkg/memory/inmem"
	"github.com/kotonelabs/kotone/pkg/memory/postgres"
	"github.com/kotonelabs/kotone/pkg/provider/embeddings"
	"github.com/kotonelabs/kotone/pkg/provider/llm"
)

// defaultEmbeddingDimensions applies when an embeddings provider is
// configured without memory.embedding_dimensions (OpenAI
// text-embedding-3-small).
const defaultEmbeddingDimensions = 1536

// defaultListenAddr is the HTTP bind address when server.listen_addr is empty.
const defaultListenAddr = ":8080"

// Providers holds the provider backends built by main.go from the config
// registry. The LLM registry maps provider names to live backends; Embeddings
// may be nil when semantic recall is not configured.
type Providers struct {
	LLM        *llm.Registry
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and exposes the kernel surface.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar
	cfgPath   string

	// Subsystems — initialised in New, torn down in Shutdown.
	bus        *event.Bus
	stores     memstore.Stores
	sessions   *session.Service
	emotions   *emotion.Manager
	memory     *memsvc.Service
	skills     *skill.Service
	supervisor *plugin.Supervisor
	mcp        *mcptools.Manager
	builtin    *ability.Builtin
	scheduler  *ability.Scheduler
	orch       *dialogue.Orchestrator
	watcher    *config.Watcher
	server     *http.Server

	// agents is replaced wholesale on config reload; mu guards the swap.
	mu     sync.Mutex
	agents *agentsvc.Service

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics injects a metrics sink instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithStores injects memory stores instead of creating them from config.
func WithStores(s memstore.Stores) Option {
	return func(a *App) { a.stores = s }
}

// WithBus injects an event bus instead of creating one. The injected bus must
// already be started; the app will not stop it.
func WithBus(b *event.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithLogLevelVar attaches the level var driving the logger so config
// reloads can retune verbosity at runtime.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConfigFile enables hot-reload: the file at path is watched and safe
// changes (star policy, log level, agents) are applied without restart.
func WithConfigFile(path string) Option {
	return func(a *App) { a.cfgPath = path }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connection, plugin
// discovery and autoload, MCP server registration, and service startup.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	if providers.LLM == nil {
		providers.LLM = llm.NewRegistry()
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Event bus ─────────────────────────────────────────────────────
	a.initBus()

	// ── 2. Memory stores ─────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 3. Emotion manager ───────────────────────────────────────────────
	a.emotions = emotion.NewManager(cfg.Emotion,
		emotion.WithManagerBus(a.bus),
		emotion.WithManagerLogger(a.logger),
		emotion.WithManagerMetrics(a.metrics),
	)

	// ── 4. Memory pipeline ───────────────────────────────────────────────
	if err := a.initMemory(); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 5. Plugin supervisor ─────────────────────────────────────────────
	if err := a.initPlugins(ctx); err != nil {
		return nil, fmt.Errorf("app: init plugins: %w", err)
	}

	// ── 6. MCP manager ───────────────────────────────────────────────────
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// ── 7. Capability scheduler ──────────────────────────────────────────
	if err := a.initScheduler(); err != nil {
		return nil, fmt.Errorf("app: init scheduler: %w", err)
	}

	// ── 8. Sessions, skills, orchestrator ────────────────────────────────
	a.sessions = session.NewService(cfg.Dialogue.MaxHistory)
	a.skills = skill.NewService(cfg.Skills)
	a.orch = dialogue.NewOrchestrator(a.sessions, a.providers.LLM, a.bus, cfg.Dialogue,
		dialogue.WithToolRunner(a.scheduler),
		dialogue.WithMemory(a.memory),
		dialogue.WithSkills(a.skills),
		dialogue.WithLogger(a.logger),
		dialogue.WithMetrics(a.metrics),
	)

	// ── 9. Secondary agents ──────────────────────────────────────────────
	a.agents = agentsvc.NewService(a.providers.LLM, a.bus, cfg.Agents,
		agentsvc.WithLogger(a.logger))
	a.agents.Start()
	a.closers = append(a.closers, func(context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.agents.Stop()
		return nil
	})

	// ── 10. HTTP surface ─────────────────────────────────────────────────
	a.initHTTP()

	// ── 11. Config watcher ───────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init watcher: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initBus() {
	if a.bus != nil {
		return
	}
	bus := event.NewBus(event.WithLogger(a.logger))
	bus.Start()
	a.bus = bus
	a.closers = append(a.closers, func(context.Context) error {
		bus.Stop()
		return nil
	})
}

// initStores connects the PostgreSQL stores when a DSN is configured and
// falls back to the in-memory implementation otherwise.
func (a *App) initStores(ctx context.Context) error {
	if a.stores.Records != nil {
		return nil // injected
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		a.stores = inmem.NewStores()
		a.logger.Info("memory stores: in-memory (no postgres_dsn configured)")
		return nil
	}

	dims := a.cfg.Memory.EmbeddingDimensions
	if dims <= 0 {
		dims = defaultEmbeddingDimensions
	}
	store, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.stores = store.Stores()
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	a.logger.Info("memory stores: postgres", "embedding_dimensions", dims)
	return nil
}

// initMemory builds the extractor selected by config and starts the
// ingestion pipeline.
func (a *App) initMemory() error {
	memOpts := []memsvc.Option{
		memsvc.WithLogger(a.logger),
		memsvc.WithMetrics(a.metrics),
		memsvc.WithEmotionTagger(a.emotions),
	}

	switch a.cfg.Memory.Extractor {
	case config.ExtractorLLM:
		provider, err := a.providers.LLM.Get(a.cfg.Memory.ExtractorProvider)
		if err != nil {
			return fmt.Errorf("extractor provider: %w", err)
		}
		memOpts = append(memOpts, memsvc.WithExtractor(
			memsvc.NewLLMExtractor(provider, a.cfg.Memory.ExtractorModel, a.logger)))
	default:
		memOpts = append(memOpts, memsvc.WithExtractor(memsvc.NewRuleExtractor()))
	}

	if a.providers.Embeddings != nil {
		memOpts = append(memOpts, memsvc.WithEmbedder(a.providers.Embeddings))
	}

	a.memory = memsvc.NewService(a.stores, a.bus, a.cfg.Memory, memOpts...)
	a.memory.Start()
	a.closers = append(a.closers, func(context.Context) error {
		a.memory.Stop()
		return nil
	})
	return nil
}

func (a *App) initPlugins(ctx context.Context) error {
	a.supervisor = plugin.NewSupervisor(a.cfg.Plugins,
		plugin.WithBus(a.bus),
		plugin.WithSupervisorLogger(a.logger),
		plugin.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.supervisor.UnloadAll)

	if a.cfg.Plugins.Dir == "" || !a.cfg.Plugins.Autoload {
		return nil
	}
	if err := a.supervisor.LoadAll(ctx); err != nil {
		// Individual plugin failures must not stop the kernel.
		a.logger.Warn("plugin autoload finished with failures", "error", err)
	}
	return nil
}

func (a *App) initMCP(ctx context.Context) error {
	a.mcp = mcptools.New(a.logger)
	a.closers = append(a.closers, func(context.Context) error {
		return a.mcp.Close()
	})
	if err := a.mcp.RegisterAll(ctx, a.cfg.MCP.Servers); err != nil {
		return err
	}
	return nil
}

// initScheduler builds the capability sources in precedence order: built-in
// abilities win over plugins, plugins win over MCP tools.
func (a *App) initScheduler() error {
	a.builtin = ability.NewBuiltin()
	if err := ability.RegisterDefaults(a.builtin, a.memory); err != nil {
		return err
	}
	a.scheduler = ability.NewScheduler(
		[]ability.Source{a.builtin, a.supervisor, a.mcp},
		ability.WithLogger(a.logger),
		ability.WithMetrics(a.metrics),
	)
	a.scheduler.SetStars(a.cfg.Stars)
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	health.New(a.healthCheckers()...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.server = &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// healthCheckers assembles the readiness probes: bus drain, provider
// connectivity, and plugin health.
func (a *App) healthCheckers() []health.Checker {
	return []health.Checker{
		{
			Name: "bus",
			Check: func(ctx context.Context) error {
				return a.bus.WaitEmpty(ctx)
			},
		},
		{
			Name: "providers",
			Check: func(ctx context.Context) error {
				var errs []error
				for _, name := range a.providers.LLM.Names() {
					p, err := a.providers.LLM.Get(name)
					if err != nil {
						continue
					}
					if status := p.TestConnection(ctx); !status.OK {
						errs = append(errs, fmt.Errorf("%s: %s", name, status.Detail))
					}
				}
				return errors.Join(errs...)
			},
		},
		{
			Name: "plugins",
			Check: func(ctx context.Context) error {
				var errs []error
				for _, name := range a.supervisor.Names() {
					if !a.supervisor.Health(ctx, name) {
						errs = append(errs, fmt.Errorf("plugin %s unhealthy", name))
					}
				}
				return errors.Join(errs...)
			},
		},
	}
}

func (a *App) initWatcher() error {
	if a.cfgPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.cfgPath, a.applyConfigChange)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func(context.Context) error {
		w.Stop()
		return nil
	})
	return nil
}

// applyConfigChange applies the hot-reloadable parts of a config change:
// star policy, log level, and the agent roster.
func (a *App) applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.StarsChanged {
		a.scheduler.SetStars(new.Stars)
		a.logger.Info("star policy reloaded", "changes", len(d.StarChanges))
	}
	if d.AgentsChanged {
		a.restartAgents(new.Agents)
	}
}

// restartAgents swaps the agent service for one built from the new roster.
func (a *App) restartAgents(cfgs []config.AgentConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agents.Stop()
	a.agents = agentsvc.NewService(a.providers.LLM, a.bus, cfgs,
		agentsvc.WithLogger(a.logger))
	a.agents.Start()
	a.logger.Info("agent roster reloaded", "agents", len(a.agents.Names()))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Bus returns the application event bus.
func (a *App) Bus() *event.Bus { return a.bus }

// Sessions returns the session service.
func (a *App) Sessions() *session.Service { return a.sessions }

// Dialogue returns the chat orchestrator.
func (a *App) Dialogue() *dialogue.Orchestrator { return a.orch }

// Scheduler returns the capability scheduler.
func (a *App) Scheduler() *ability.Scheduler { return a.scheduler }

// Memory returns the memory pipeline.
func (a *App) Memory() *memsvc.Service { return a.memory }

// Emotions returns the emotion pipeline manager.
func (a *App) Emotions() *emotion.Manager { return a.emotions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP surface and blocks until ctx is cancelled or the
// server fails. When ctx is done, Run returns ctx.Err(); call Shutdown for
// the graceful teardown.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("kotone running",
		"addr", a.server.Addr,
		"providers", a.providers.LLM.Names(),
		"plugins", len(a.supervisor.Names()),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and tears down all subsystems in init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown error", "error", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				a.logger.Warn("closer error", "index", i, "error", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// slogLevel converts a config log level to its slog equivalent.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
