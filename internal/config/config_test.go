package config_test

import (
	"testing"

	"github.com/kotonelabs/kotone/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		want  bool
	}{
		{config.LogDebug, true},
		{config.LogInfo, true},
		{config.LogWarn, true},
		{config.LogError, true},
		{"verbose", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tt.level.IsValid(); got != tt.want {
			t.Errorf("LogLevel(%q).IsValid() = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestExtractorKind_IsValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind config.ExtractorKind
		want bool
	}{
		{config.ExtractorRule, true},
		{config.ExtractorLLM, true},
		{"regex", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tt.kind.IsValid(); got != tt.want {
			t.Errorf("ExtractorKind(%q).IsValid() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestPluginTransport_IsValid(t *testing.T) {
	t.Parallel()
	if !config.TransportStdio.IsValid() || !config.TransportHTTP.IsValid() {
		t.Error("built-in transports must be valid")
	}
	if config.PluginTransport("grpc").IsValid() {
		t.Error("unknown transport must be invalid")
	}
}

func TestStarConfig_Defaults(t *testing.T) {
	t.Parallel()

	var star config.StarConfig
	if !star.IsEnabled() {
		t.Error("zero-value star must be enabled")
	}
	if !star.ToolsAllowed() {
		t.Error("zero-value star must allow tools")
	}
	if !star.AbilityEnabled("anything") {
		t.Error("unlisted ability must be enabled")
	}

	star = config.StarConfig{
		Enabled:    boolPtr(false),
		AllowTools: boolPtr(false),
		Abilities:  map[string]bool{"echo": false, "weather": true},
	}
	if star.IsEnabled() {
		t.Error("explicit enabled=false must disable the star")
	}
	if star.ToolsAllowed() {
		t.Error("explicit allow_tools=false must deny tools")
	}
	if star.AbilityEnabled("echo") {
		t.Error("ability toggled off must be disabled")
	}
	if !star.AbilityEnabled("weather") {
		t.Error("ability toggled on must be enabled")
	}
}

func TestDialogueConfig_RecallDefaults(t *testing.T) {
	t.Parallel()

	var d config.DialogueConfig
	if !d.MemoryRecallEnabled() || !d.SkillRecallEnabled() {
		t.Error("recall toggles must default to enabled")
	}

	d.MemoryRecall = boolPtr(false)
	d.SkillRecall = boolPtr(false)
	if d.MemoryRecallEnabled() || d.SkillRecallEnabled() {
		t.Error("explicit false must disable recall")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.Config
	}{
		{
			name: "invalid log level",
			cfg:  config.Config{Server: config.ServerConfig{LogLevel: "loud"}},
		},
		{
			name: "llm entry without name",
			cfg: config.Config{Providers: config.ProvidersConfig{
				LLM: []config.ProviderEntry{{Driver: "anyllm"}},
			}},
		},
		{
			name: "llm entry without driver",
			cfg: config.Config{Providers: config.ProvidersConfig{
				LLM: []config.ProviderEntry{{Name: "openai"}},
			}},
		},
		{
			name: "duplicate llm name",
			cfg: config.Config{Providers: config.ProvidersConfig{
				LLM: []config.ProviderEntry{
					{Name: "openai", Driver: "anyllm"},
					{Name: "openai", Driver: "openai"},
				},
			}},
		},
		{
			name: "default names unknown provider",
			cfg: config.Config{Providers: config.ProvidersConfig{
				Default: "missing",
				LLM:     []config.ProviderEntry{{Name: "openai", Driver: "anyllm"}},
			}},
		},
		{
			name: "unsafe star name",
			cfg:  config.Config{Stars: map[string]config.StarConfig{"Bad Name!": {}}},
		},
		{
			name: "invalid extractor",
			cfg:  config.Config{Memory: config.MemoryConfig{Extractor: "magic"}},
		},
		{
			name: "llm extractor without providers",
			cfg:  config.Config{Memory: config.MemoryConfig{Extractor: config.ExtractorLLM}},
		},
		{
			name: "mcp stdio without command",
			cfg: config.Config{MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
				{Name: "dice", Transport: config.MCPTransportStdio},
			}}},
		},
		{
			name: "mcp http without url",
			cfg: config.Config{MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
				{Name: "search", Transport: config.MCPTransportStreamableHTTP},
			}}},
		},
		{
			name: "agent without wakeup interval",
			cfg:  config.Config{Agents: []config.AgentConfig{{Name: "diary"}}},
		},
		{
			name: "agent referencing unknown provider",
			cfg: config.Config{Agents: []config.AgentConfig{
				{Name: "diary", Provider: "missing", WakeupInterval: 1},
			}},
		},
		{
			name: "skill without body",
			cfg:  config.Config{Skills: []config.SkillConfig{{Name: "haiku"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := config.Validate(&tt.cfg); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			Default: "openai",
			LLM: []config.ProviderEntry{
				{Name: "openai", Driver: "anyllm", Backend: "openai", Model: "gpt-4o"},
				{Name: "local", Driver: "openai", BaseURL: "http://localhost:11434/v1"},
			},
			Embeddings: config.ProviderEntry{Name: "openai", Driver: "openai"},
		},
		Stars: map[string]config.StarConfig{
			"weather": {AllowTools: boolPtr(false)},
		},
		Memory: config.MemoryConfig{
			Extractor:           config.ExtractorRule,
			RecallTopK:          5,
			EmbeddingDimensions: 1536,
		},
		MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
			{Name: "dice", Transport: config.MCPTransportStdio, Command: "/usr/local/bin/mcp-dice"},
		}},
		Agents: []config.AgentConfig{
			{Name: "diary", Provider: "openai", WakeupInterval: 1},
		},
		Skills: []config.SkillConfig{
			{Name: "haiku", Body: "Answer in haiku form.", Keywords: []string{"poem"}},
		},
	}

	if err := config.Validate(&cfg); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
