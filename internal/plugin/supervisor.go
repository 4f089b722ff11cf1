package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kotonelabs/kotone/internal/ability"
	"github.com/kotonelabs/kotone/internal/config"
	"github.com/kotonelabs/kotone/internal/observe"
	"github.com/kotonelabs/kotone/pkg/event"
)

// State is a plugin's lifecycle state.
type State string

const (
	StateDiscovered State = "discovered"
	StateLoading    State = "loading"
	StateRunning    State = "running"
	StateReloading  State = "reloading"
	StateUnloading  State = "unloading"
	StateStopped    State = "stopped"
)

// allowedEventNamespaces lists the namespaces a plugin may publish into via
// the "event" notification. Everything else is dropped with a warning.
var allowedEventNamespaces = []string{
	"dialogue.", "emotion.", "memory.", "agent.", "character.", "operation.", "plugin.",
}

// Supervisor owns external plugin processes: it discovers manifests, spawns
// and initializes plugins, routes ability executions to them, and drives the
// lifecycle state machine Discovered -> Loading -> Running ->
// (Reloading|Unloading) -> Stopped, publishing a bus event per transition.
//
// Supervisor implements [ability.Source] for the capability scheduler.
type Supervisor struct {
	cfg     config.PluginsConfig
	bus     *event.Bus
	logger  *slog.Logger
	metrics *observe.Metrics

	newTransport  func(m *Manifest, dir string) Transport
	pluginConfigs map[string]map[string]any

	mu           sync.RWMutex
	plugins      map[string]*loadedPlugin
	abilityOwner map[string]string // ability name -> plugin name
}

// loadedPlugin is the supervisor's record of one plugin. The state field is
// guarded by the supervisor mutex; the transport handles its own locking.
type loadedPlugin struct {
	dir       string
	manifest  *Manifest
	transport Transport
	config    map[string]any
	abilities []ability.Descriptor
	state     State
}

// SupervisorOption configures a [Supervisor].
type SupervisorOption func(*Supervisor)

// WithBus sets the event bus for lifecycle and plugin-forwarded events.
// The supervisor is usable without one (events are dropped).
func WithBus(b *event.Bus) SupervisorOption {
	return func(s *Supervisor) { s.bus = b }
}

// WithSupervisorLogger sets the supervisor's logger. Default: slog.Default().
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink for the running-plugins gauge and
// execute latency.
func WithMetrics(m *observe.Metrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// WithTransportFactory overrides transport construction (tests inject stub
// transports here).
func WithTransportFactory(f func(m *Manifest, dir string) Transport) SupervisorOption {
	return func(s *Supervisor) { s.newTransport = f }
}

// WithPluginConfigs sets the per-plugin config objects passed to initialize,
// keyed by plugin name.
func WithPluginConfigs(configs map[string]map[string]any) SupervisorOption {
	return func(s *Supervisor) { s.pluginConfigs = configs }
}

// NewSupervisor creates a supervisor over the given plugins configuration.
func NewSupervisor(cfg config.PluginsConfig, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		logger:       slog.Default(),
		plugins:      make(map[string]*loadedPlugin),
		abilityOwner: make(map[string]string),
	}
	s.newTransport = s.defaultTransport
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// defaultTransport builds the transport named by the manifest.
func (s *Supervisor) defaultTransport(m *Manifest, dir string) Transport {
	if m.TransportKind() == config.TransportHTTP {
		return NewHTTPTransport(HTTPConfig{
			Name:    m.Name,
			BaseURL: m.Runtime.HTTPURL,
			Timeout: s.cfg.ExecuteTimeout,
		})
	}
	return NewStdioTransport(StdioConfig{
		Name:      m.Name,
		Command:   m.EntryCommand(),
		Dir:       dir,
		Timeout:   s.cfg.ExecuteTimeout,
		KillDelay: 5 * time.Second,
		Logger:    s.logger,
	})
}

// shutdownTimeout resolves the shutdown RPC deadline (default 5s).
func (s *Supervisor) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 5 * time.Second
}

// transition publishes a lifecycle event and logs the change.
func (s *Supervisor) transition(name string, from, to State) {
	s.logger.Info("plugin state changed", "plugin", name, "from", from, "to", to)
	s.bus.Publish(event.New("plugin:"+name, event.PluginStateChanged{
		Plugin:    name,
		FromState: string(from),
		ToState:   string(to),
	}))
}

// Discover reads the configured plugins directory.
func (s *Supervisor) Discover() ([]Discovered, error) {
	return Discover(s.cfg.Dir, s.logger)
}

// LoadAll discovers and loads every plugin. Individual load failures are
// joined into the returned error; successfully loaded plugins stay loaded.
func (s *Supervisor) LoadAll(ctx context.Context) error {
	found, err := s.Discover()
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range found {
		if err := s.Load(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// initializeParams is the payload of the initialize RPC.
type initializeParams struct {
	PluginName  string         `json:"plugin_name"`
	Config      map[string]any `json:"config,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
}

// initializeResult is the initialize response. SDKs report their ability
// list under different keys; effective() picks the first non-empty.
type initializeResult struct {
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Abilities []AbilityDecl `json:"abilities,omitempty"`
	Skills    []AbilityDecl `json:"skills,omitempty"`
	Tools     []AbilityDecl `json:"tools,omitempty"`
	MCP       struct {
		Tools []AbilityDecl `json:"tools,omitempty"`
	} `json:"mcp,omitempty"`
}

func (r initializeResult) effective() []AbilityDecl {
	for _, list := range [][]AbilityDecl{r.Abilities, r.Skills, r.Tools, r.MCP.Tools} {
		if len(list) > 0 {
			return list
		}
	}
	return nil
}

// Load spawns, initializes, and registers one discovered plugin. Loading an
// already-loaded plugin is a no-op, so load is idempotent.
func (s *Supervisor) Load(ctx context.Context, d Discovered) error {
	name := d.Manifest.Name

	s.mu.Lock()
	if p, ok := s.plugins[name]; ok && p.state != StateStopped {
		s.mu.Unlock()
		s.logger.Debug("plugin already loaded", "plugin", name, "state", p.state)
		return nil
	}
	p := &loadedPlugin{
		dir:      d.Dir,
		manifest: d.Manifest,
		config:   s.pluginConfigs[name],
		state:    StateLoading,
	}
	s.plugins[name] = p
	s.mu.Unlock()
	s.transition(name, StateDiscovered, StateLoading)

	if err := s.load(ctx, p); err != nil {
		s.mu.Lock()
		p.state = StateStopped
		s.mu.Unlock()
		s.transition(name, StateLoading, StateStopped)
		return fmt.Errorf("plugin %s: load: %w", name, err)
	}
	return nil
}

// load runs the slow part of the load protocol without holding the map lock.
func (s *Supervisor) load(ctx context.Context, p *loadedPlugin) error {
	name := p.manifest.Name

	if s.cfg.InstallDependencies {
		if err := s.installDependencies(ctx, p); err != nil {
			return fmt.Errorf("install dependencies: %w", err)
		}
	}

	tr := s.newTransport(p.manifest, p.dir)
	if err := tr.Start(ctx); err != nil {
		return err
	}

	raw, err := tr.Call(ctx, "initialize", initializeParams{
		PluginName:  name,
		Config:      p.config,
		Permissions: p.manifest.Permissions,
	})
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	var initRes initializeResult
	if err := json.Unmarshal(raw, &initRes); err != nil {
		_ = tr.Close()
		return fmt.Errorf("initialize: parse result: %w", err)
	}
	if !initRes.Success {
		_ = tr.Close()
		if initRes.Error != "" {
			return fmt.Errorf("initialize: plugin reported failure: %s", initRes.Error)
		}
		return fmt.Errorf("initialize: plugin reported failure")
	}

	decls := initRes.effective()
	if len(decls) == 0 {
		decls = p.manifest.DeclaredAbilities()
	}
	descs := make([]ability.Descriptor, 0, len(decls))
	for _, d := range decls {
		descs = append(descs, ability.Descriptor{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
			Star:        name,
		})
	}

	// Register under the lock; ability names must stay globally unique
	// across loaded plugins.
	s.mu.Lock()
	for _, d := range descs {
		if owner, taken := s.abilityOwner[d.Name]; taken && owner != name {
			s.mu.Unlock()
			_ = tr.Close()
			return fmt.Errorf("ability %q already owned by plugin %q", d.Name, owner)
		}
	}
	for _, d := range descs {
		s.abilityOwner[d.Name] = name
	}
	p.transport = tr
	p.abilities = descs
	p.state = StateRunning
	s.mu.Unlock()
	s.transition(name, StateLoading, StateRunning)
	if s.metrics != nil {
		s.metrics.RunningPlugins.Add(ctx, 1)
	}

	go s.pump(name, tr)
	return nil
}

// dependency marker files and their install commands, tried in order.
var dependencyInstallers = []struct {
	marker string
	argv   []string
}{
	{"requirements.txt", []string{"pip", "install", "-r", "requirements.txt"}},
	{"package.json", []string{"npm", "install"}},
	{"go.mod", []string{"go", "mod", "download"}},
}

// installDependencies runs the language-specific installer when its marker
// file exists in the plugin directory.
func (s *Supervisor) installDependencies(ctx context.Context, p *loadedPlugin) error {
	for _, inst := range dependencyInstallers {
		if _, err := os.Stat(filepath.Join(p.dir, inst.marker)); err != nil {
			continue
		}
		s.logger.Info("installing plugin dependencies",
			"plugin", p.manifest.Name, "marker", inst.marker)
		cmd := exec.CommandContext(ctx, inst.argv[0], inst.argv[1:]...)
		cmd.Dir = p.dir
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %w: %s", strings.Join(inst.argv, " "), err, out)
		}
		return nil
	}
	return nil
}

// pump forwards plugin-to-core notifications until the transport's channel
// closes, then records the connection loss.
func (s *Supervisor) pump(name string, tr Transport) {
	for n := range tr.Notifications() {
		s.handleNotification(name, n)
	}
	s.connectionLost(name, tr)
}

// connectionLost marks a plugin Stopped when its transport died underneath a
// Running plugin. Deliberate teardown (unload/reload) changes the state first
// and is not reported again here.
func (s *Supervisor) connectionLost(name string, tr Transport) {
	s.mu.Lock()
	p, ok := s.plugins[name]
	if !ok || p.transport != tr || p.state != StateRunning {
		s.mu.Unlock()
		return
	}
	p.state = StateStopped
	s.mu.Unlock()

	s.logger.Warn("plugin connection lost", "plugin", name)
	s.transition(name, StateRunning, StateStopped)
	if s.metrics != nil {
		s.metrics.RunningPlugins.Add(context.Background(), -1)
	}
}

// handleNotification dispatches one plugin-to-core notification: "event" is
// republished on the bus after a namespace check, "log" is forwarded to the
// structured log.
func (s *Supervisor) handleNotification(name string, n Notification) {
	switch n.Method {
	case "event":
		var p struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(n.Params, &p); err != nil || p.Type == "" {
			s.logger.Warn("dropping malformed plugin event", "plugin", name)
			return
		}
		if !eventNamespaceAllowed(p.Type) {
			s.logger.Warn("dropping plugin event outside allowed namespaces",
				"plugin", name, "type", p.Type)
			return
		}
		s.bus.Publish(event.Event{Type: p.Type, Data: p.Data, Source: "plugin:" + name})

	case "log":
		var p struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(n.Params, &p); err != nil {
			s.logger.Warn("dropping malformed plugin log", "plugin", name)
			return
		}
		var level slog.Level
		switch strings.ToLower(p.Level) {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}
		s.logger.Log(context.Background(), level, p.Message, "plugin", name)

	default:
		s.logger.Debug("ignoring unknown plugin notification",
			"plugin", name, "method", n.Method)
	}
}

// eventNamespaceAllowed reports whether a plugin may publish the event type.
func eventNamespaceAllowed(eventType string) bool {
	for _, ns := range allowedEventNamespaces {
		if strings.HasPrefix(eventType, ns) && len(eventType) > len(ns) {
			return true
		}
	}
	return false
}

// Kind implements [ability.Source].
func (s *Supervisor) Kind() string { return "plugin" }

// Descriptors implements [ability.Source]: the abilities of every Running
// plugin.
func (s *Supervisor) Descriptors() []ability.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ability.Descriptor
	for _, p := range s.plugins {
		if p.state == StateRunning {
			out = append(out, p.abilities...)
		}
	}
	return out
}

// executeParams is the payload of the execute RPC. The ability name is
// carried under four aliases and the arguments under two, so heterogeneous
// plugin SDKs can read whichever field they expect without negotiation.
type executeParams struct {
	Ability   string              `json:"ability"`
	Skill     string              `json:"skill"`
	Tool      string              `json:"tool"`
	Name      string              `json:"name"`
	Params    map[string]any      `json:"params"`
	Arguments map[string]any      `json:"arguments"`
	Context   ability.CallContext `json:"context"`
}

// executeResult is the execute response body.
type executeResult struct {
	Success     bool   `json:"success"`
	Data        any    `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
	EmotionHint string `json:"emotion_hint,omitempty"`
}

// Execute implements [ability.Source]: routes the call to the owning plugin.
func (s *Supervisor) Execute(ctx context.Context, name string, params map[string]any, call ability.CallContext) (ability.Result, error) {
	s.mu.RLock()
	owner, ok := s.abilityOwner[name]
	var p *loadedPlugin
	if ok {
		p = s.plugins[owner]
	}
	s.mu.RUnlock()

	if p == nil {
		return ability.Failure("Ability not found: " + name),
			fmt.Errorf("plugin: %w: %q", ability.ErrNotFound, name)
	}
	if !s.running(owner) || !p.transport.Connected() {
		s.markStoppedIfRunning(owner, p)
		return ability.Failure("Plugin not running: " + owner),
			fmt.Errorf("plugin %s: %w", owner, ability.ErrNotReady)
	}

	start := time.Now()
	raw, err := p.transport.Call(ctx, "execute", executeParams{
		Ability:   name,
		Skill:     name,
		Tool:      name,
		Name:      name,
		Params:    params,
		Arguments: params,
		Context:   call,
	})
	if s.metrics != nil {
		s.metrics.PluginExecuteDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// RPC error object: synthesize a failure result, no Go error.
			return ability.Failure(rpcErr.Message), nil
		}
		if errors.Is(err, ability.ErrTimeout) {
			return ability.Failure("Execution timeout: " + name), err
		}
		if !p.transport.Connected() {
			s.markStoppedIfRunning(owner, p)
			return ability.Failure("Plugin not running: " + owner),
				fmt.Errorf("plugin %s: %w", owner, ability.ErrNotReady)
		}
		return ability.Failure(err.Error()), err
	}

	var res executeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ability.Failure("invalid execute response"),
			fmt.Errorf("plugin %s: parse execute result: %w", owner, err)
	}
	return ability.Result{
		Success:     res.Success,
		Data:        res.Data,
		Error:       res.Error,
		EmotionHint: res.EmotionHint,
	}, nil
}

// running reports whether the named plugin is in the Running state.
func (s *Supervisor) running(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plugins[name]
	return ok && p.state == StateRunning
}

// markStoppedIfRunning transitions a Running plugin whose transport died.
func (s *Supervisor) markStoppedIfRunning(name string, p *loadedPlugin) {
	s.mu.Lock()
	if p.state != StateRunning {
		s.mu.Unlock()
		return
	}
	p.state = StateStopped
	s.mu.Unlock()
	s.transition(name, StateRunning, StateStopped)
	if s.metrics != nil {
		s.metrics.RunningPlugins.Add(context.Background(), -1)
	}
}

// Health probes the named plugin with the health RPC. A plugin that is not
// Running is unhealthy without a call.
func (s *Supervisor) Health(ctx context.Context, name string) bool {
	s.mu.RLock()
	p, ok := s.plugins[name]
	s.mu.RUnlock()
	if !ok || !s.running(name) || !p.transport.Connected() {
		return false
	}
	raw, err := p.transport.Call(ctx, "health", nil)
	if err != nil {
		return false
	}
	var res struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return false
	}
	return res.Healthy
}

// State returns the lifecycle state of the named plugin.
func (s *Supervisor) State(name string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plugins[name]
	if !ok {
		return "", false
	}
	return p.state, true
}

// Names returns the names of all known plugins.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.plugins))
	for n := range s.plugins {
		names = append(names, n)
	}
	return names
}

// teardown runs the shared part of unload and reload: best-effort shutdown
// RPC, transport close, ability table cleanup.
func (s *Supervisor) teardown(ctx context.Context, name string, p *loadedPlugin, via State) {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout())
	if _, err := p.transport.Call(shutdownCtx, "shutdown", nil); err != nil {
		s.logger.Debug("plugin shutdown RPC failed", "plugin", name, "error", err)
	}
	cancel()
	_ = p.transport.Close()

	s.mu.Lock()
	for _, d := range p.abilities {
		if s.abilityOwner[d.Name] == name {
			delete(s.abilityOwner, d.Name)
		}
	}
	p.state = StateStopped
	s.mu.Unlock()
	s.transition(name, via, StateStopped)
	if s.metrics != nil {
		s.metrics.RunningPlugins.Add(ctx, -1)
	}
}

// beginTeardown moves a plugin into via (Unloading or Reloading) and returns
// it, or nil when there is nothing to tear down.
func (s *Supervisor) beginTeardown(name string, via State) *loadedPlugin {
	s.mu.Lock()
	p, ok := s.plugins[name]
	if !ok || p.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	from := p.state
	p.state = via
	s.mu.Unlock()
	s.transition(name, from, via)
	return p
}

// Unload stops the named plugin and removes its abilities.
func (s *Supervisor) Unload(ctx context.Context, name string) error {
	p := s.beginTeardown(name, StateUnloading)
	if p == nil {
		return fmt.Errorf("plugin %s: %w", name, ability.ErrNotReady)
	}
	s.teardown(ctx, name, p, StateUnloading)
	return nil
}

// Reload restarts the named plugin with its previous directory and config.
func (s *Supervisor) Reload(ctx context.Context, name string) error {
	p := s.beginTeardown(name, StateReloading)
	if p == nil {
		return fmt.Errorf("plugin %s: %w", name, ability.ErrNotReady)
	}
	s.teardown(ctx, name, p, StateReloading)
	return s.Load(ctx, Discovered{Dir: p.dir, Manifest: p.manifest})
}

// UnloadAll stops every running plugin concurrently. Called on supervisor
// shutdown; each transport enforces the SIGTERM-then-SIGKILL window itself.
func (s *Supervisor) UnloadAll(ctx context.Context) error {
	s.mu.RLock()
	var names []string
	for n, p := range s.plugins {
		if p.state == StateRunning {
			names = append(names, n)
		}
	}
	s.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error { return s.Unload(ctx, name) })
	}
	return g.Wait()
}
