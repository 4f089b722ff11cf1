// Package mcptools connects Kotone to external Model Context Protocol tool
// servers and exposes their tool catalogues to the capability scheduler.
//
// The manager wraps the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk): one SDK client carries a session
// per registered server over a stdio or streamable-HTTP transport. Each
// discovered MCP tool becomes an [ability.Descriptor] whose star is the
// server name, so per-server policy toggles apply through the scheduler.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kotonelabs/kotone/internal/ability"
	"github.com/kotonelabs/kotone/internal/config"
)

// toolEntry records one discovered tool and the server that owns it.
type toolEntry struct {
	desc       ability.Descriptor
	serverName string
}

// serverConn holds a live session to one MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// Manager maintains connections to MCP servers and implements
// [ability.Source] over their combined tool catalogue.
//
// The zero value is not usable; create instances with [New].
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	tools   map[string]toolEntry  // key: tool name
	servers map[string]serverConn // key: server name

	// client is reused across all server connections; the SDK allows one
	// Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
}

// New creates a ready-to-use Manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "kotone-mcptools", Version: "1.0.0"},
		nil,
	)
	return &Manager{
		logger:  logger,
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client:  client,
	}
}

// RegisterAll connects every configured server. Failures are logged and
// skipped so one unreachable server does not block startup; the first error
// is returned for the caller's log line.
func (m *Manager) RegisterAll(ctx context.Context, cfgs []config.MCPServerConfig) error {
	var firstErr error
	for _, cfg := range cfgs {
		if err := m.RegisterServer(ctx, cfg); err != nil {
			m.logger.Warn("mcp server registration failed", "server", cfg.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RegisterServer connects to the server described by cfg and imports its tool
// catalogue. Re-registering an existing name closes the old session and
// replaces its tools.
func (m *Manager) RegisterServer(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcptools: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case config.MCPTransportStdio, "":
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcptools: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case config.MCPTransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcptools: streamable-http server %q requires a URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("mcptools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcptools: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcptools: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range m.tools {
			if t.serverName == cfg.Name {
				delete(m.tools, name)
			}
		}
	}
	m.servers[cfg.Name] = serverConn{session: session}

	for _, tool := range discovered {
		if prior, taken := m.tools[tool.Name]; taken {
			m.logger.Warn("mcp tool name conflict, keeping earlier server",
				"tool", tool.Name, "winner", prior.serverName, "loser", cfg.Name)
			continue
		}
		m.tools[tool.Name] = toolEntry{
			serverName: cfg.Name,
			desc: ability.Descriptor{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
				Star:        cfg.Name,
			},
		}
	}
	m.logger.Info("mcp server registered", "server", cfg.Name, "tools", len(discovered))
	return nil
}

// Kind implements [ability.Source].
func (m *Manager) Kind() string { return "mcp" }

// Descriptors implements [ability.Source].
func (m *Manager) Descriptors() []ability.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ability.Descriptor, 0, len(m.tools))
	for _, t := range m.tools {
		out = append(out, t.desc)
	}
	return out
}

// Execute implements [ability.Source]: routes the call to the owning server
// session. An MCP-level tool error (IsError) becomes a failed Result with the
// concatenated text content as the message.
func (m *Manager) Execute(ctx context.Context, name string, params map[string]any, _ ability.CallContext) (ability.Result, error) {
	m.mu.RLock()
	entry, ok := m.tools[name]
	var conn serverConn
	var connected bool
	if ok {
		conn, connected = m.servers[entry.serverName]
	}
	m.mu.RUnlock()

	if !ok {
		return ability.Failure("Ability not found: " + name),
			fmt.Errorf("mcptools: %w: %q", ability.ErrNotFound, name)
	}
	if !connected {
		return ability.Failure("MCP server not connected: " + entry.serverName),
			fmt.Errorf("mcptools: server %q: %w", entry.serverName, ability.ErrNotReady)
	}

	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: params,
	})
	if err != nil {
		return ability.Failure(err.Error()),
			fmt.Errorf("mcptools: call tool %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if callResult.IsError {
		return ability.Failure(sb.String()), nil
	}
	return ability.Result{Success: true, Data: sb.String()}, nil
}

// Close shuts down every server session and clears the tool registry.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, conn := range m.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcptools: close server %q: %w", name, err)
		}
		delete(m.servers, name)
	}
	m.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaToMap converts any SDK schema value into a JSON-Schema map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
