package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidDrivers lists known driver names per provider kind. Used by [Validate]
// to warn about unrecognised drivers.
var ValidDrivers = map[string][]string{
	"llm":        {"anyllm", "openai", "mock"},
	"embeddings": {"openai", "ollama", "mock"},
}

// starNameRe is the safety pattern for star (plugin) names referenced from the
// policy table. It matches the plugin manifest name rule.
var starNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// LLM providers
	llmNamesSeen := make(map[string]int, len(cfg.Providers.LLM))
	for i, p := range cfg.Providers.LLM {
		prefix := fmt.Sprintf("providers.llm[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := llmNamesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.llm[%d]", prefix, p.Name, prev))
			}
			llmNamesSeen[p.Name] = i
		}
		if p.Driver == "" {
			errs = append(errs, fmt.Errorf("%s.driver is required", prefix))
		} else {
			validateDriver("llm", p.Driver)
		}
	}
	if cfg.Providers.Default != "" {
		if _, ok := llmNamesSeen[cfg.Providers.Default]; !ok {
			errs = append(errs, fmt.Errorf("providers.default %q does not name a configured providers.llm entry", cfg.Providers.Default))
		}
	}
	if len(cfg.Providers.LLM) == 0 {
		slog.Warn("no LLM provider configured; dialogue requests will fail with provider-not-found")
	}
	if cfg.Providers.Embeddings.Driver != "" {
		validateDriver("embeddings", cfg.Providers.Embeddings.Driver)
	}

	// Dialogue
	if cfg.Dialogue.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("dialogue.max_history must not be negative"))
	}
	if cfg.Dialogue.MaxResultChars < 0 {
		errs = append(errs, fmt.Errorf("dialogue.max_result_chars must not be negative"))
	}

	// Stars policy — names must satisfy the plugin-name rule so a policy entry
	// can never reference an unloadable plugin.
	for name := range cfg.Stars {
		if !starNameRe.MatchString(name) {
			errs = append(errs, fmt.Errorf("stars: name %q does not match %s", name, starNameRe.String()))
		}
	}

	// Memory
	if cfg.Memory.Extractor != "" && !cfg.Memory.Extractor.IsValid() {
		errs = append(errs, fmt.Errorf("memory.extractor %q is invalid; valid values: rule, llm", cfg.Memory.Extractor))
	}
	if cfg.Memory.RecallTopK < 0 {
		errs = append(errs, fmt.Errorf("memory.recall_top_k must not be negative"))
	}
	if cfg.Providers.Embeddings.Driver != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Memory.Extractor == ExtractorLLM && len(cfg.Providers.LLM) == 0 {
		errs = append(errs, fmt.Errorf("memory.extractor %q requires at least one providers.llm entry", ExtractorLLM))
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == MCPTransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == MCPTransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Agents
	agentNamesSeen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := agentNamesSeen[a.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of agents[%d]", prefix, a.Name, prev))
			}
			agentNamesSeen[a.Name] = i
		}
		if a.WakeupInterval <= 0 {
			errs = append(errs, fmt.Errorf("%s.wakeup_interval must be positive", prefix))
		}
		if a.Provider != "" {
			if _, ok := llmNamesSeen[a.Provider]; !ok {
				errs = append(errs, fmt.Errorf("%s.provider %q does not name a configured providers.llm entry", prefix, a.Provider))
			}
		}
	}

	// Skills
	for i, s := range cfg.Skills {
		prefix := fmt.Sprintf("skills[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if s.Body == "" {
			errs = append(errs, fmt.Errorf("%s.body is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateDriver logs a warning if driver is not found in the [ValidDrivers]
// list for the given kind.
func validateDriver(kind, driver string) {
	known, ok := ValidDrivers[kind]
	if !ok {
		return
	}
	if slices.Contains(known, driver) {
		return
	}
	slog.Warn("unknown provider driver — may be a typo or third-party driver",
		"kind", kind,
		"driver", driver,
		"known", known,
	)
}
