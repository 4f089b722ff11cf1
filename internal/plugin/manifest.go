// Package plugin implements the supervisor for external plugin processes:
// discovery of manifest.json descriptors, subprocess spawning, JSON-RPC 2.0
// transports (newline-delimited stdio and HTTP), the initialize/execute/
// health/shutdown protocol, and the per-plugin lifecycle state machine.
//
// The supervisor exposes loaded plugin abilities to the capability scheduler
// by implementing [ability.Source].
package plugin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/kotonelabs/kotone/internal/config"
)

// nameRe is the safety rule for plugin names. Names are used as directory
// names and event sources, so the charset is locked down.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// AbilityDecl is one ability declaration, either from a manifest or from an
// initialize response.
type AbilityDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Runtime describes how to launch and reach a plugin.
type Runtime struct {
	// Language hints at the toolchain ("python", "node", "go", "binary").
	// Used for dependency installation; not validated.
	Language string `json:"language,omitempty"`

	// Entry is the launch command line. Command is an accepted alias; at
	// least one must be set for stdio plugins.
	Entry   string `json:"entry,omitempty"`
	Command string `json:"command,omitempty"`

	// Transport selects stdio or http. Empty means stdio.
	Transport config.PluginTransport `json:"transport,omitempty"`

	// HTTPURL is the plugin's base URL for the http transport.
	HTTPURL string `json:"http_url,omitempty"`
}

// Manifest is the parsed manifest.json of one plugin.
type Manifest struct {
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Runtime Runtime `json:"runtime"`

	// Abilities, Skills, and Tools are alternative spellings used by
	// different plugin SDKs; [Manifest.DeclaredAbilities] picks the first
	// non-empty list.
	Abilities []AbilityDecl `json:"abilities,omitempty"`
	Skills    []AbilityDecl `json:"skills,omitempty"`
	Tools     []AbilityDecl `json:"tools,omitempty"`

	Permissions  []string       `json:"permissions,omitempty"`
	ConfigSchema map[string]any `json:"config_schema,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// EntryCommand returns the launch command line (Entry, or Command as alias).
func (m *Manifest) EntryCommand() string {
	if m.Runtime.Entry != "" {
		return m.Runtime.Entry
	}
	return m.Runtime.Command
}

// TransportKind resolves the transport, defaulting to stdio.
func (m *Manifest) TransportKind() config.PluginTransport {
	if m.Runtime.Transport == "" {
		return config.TransportStdio
	}
	return m.Runtime.Transport
}

// DeclaredAbilities returns the manifest's ability list: the first non-empty
// of abilities, skills, tools.
func (m *Manifest) DeclaredAbilities() []AbilityDecl {
	switch {
	case len(m.Abilities) > 0:
		return m.Abilities
	case len(m.Skills) > 0:
		return m.Skills
	default:
		return m.Tools
	}
}

// Validate checks the required manifest fields.
func (m *Manifest) Validate() error {
	if !nameRe.MatchString(m.Name) {
		return fmt.Errorf("plugin: invalid plugin name %q", m.Name)
	}
	if m.Version == "" {
		return fmt.Errorf("plugin %s: manifest missing version", m.Name)
	}
	switch m.TransportKind() {
	case config.TransportStdio:
		if m.EntryCommand() == "" {
			return fmt.Errorf("plugin %s: manifest missing runtime.entry", m.Name)
		}
	case config.TransportHTTP:
		if m.Runtime.HTTPURL == "" {
			return fmt.Errorf("plugin %s: http transport requires runtime.http_url", m.Name)
		}
	default:
		return fmt.Errorf("plugin %s: unknown transport %q", m.Name, m.Runtime.Transport)
	}
	return nil
}

// ParseManifest decodes and validates a manifest.json document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("plugin: parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Discovered pairs a manifest with the directory it was found in.
type Discovered struct {
	Dir      string
	Manifest *Manifest
}

// Discover walks dir and returns one entry per immediate subdirectory that
// holds a manifest.json. Subdirectories whose name starts with "_" are
// skipped, and manifests that fail validation are skipped with a warning.
func Discover(dir string, logger *slog.Logger) ([]Discovered, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("plugin: read plugins dir: %w", err)
	}

	var found []Discovered
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '_' {
			continue
		}
		pluginDir := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(filepath.Join(pluginDir, "manifest.json"))
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("skipping plugin dir, unreadable manifest", "dir", pluginDir, "error", err)
			}
			continue
		}
		m, err := ParseManifest(raw)
		if err != nil {
			logger.Warn("skipping plugin, invalid manifest", "dir", pluginDir, "error", err)
			continue
		}
		found = append(found, Discovered{Dir: pluginDir, Manifest: m})
	}
	return found, nil
}
