package plugin

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseManifest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{
			name: "valid stdio",
			json: `{"name":"echo-plugin","version":"1.0.0","runtime":{"entry":"python main.py"}}`,
		},
		{
			name: "command alias accepted",
			json: `{"name":"echo-plugin","version":"1.0.0","runtime":{"command":"python main.py"}}`,
		},
		{
			name: "valid http",
			json: `{"name":"web-plugin","version":"0.1.0","runtime":{"transport":"http","http_url":"http://localhost:9090"}}`,
		},
		{
			name:    "uppercase name rejected",
			json:    `{"name":"Echo","version":"1.0.0","runtime":{"entry":"x"}}`,
			wantErr: true,
		},
		{
			name:    "missing version",
			json:    `{"name":"echo","runtime":{"entry":"x"}}`,
			wantErr: true,
		},
		{
			name:    "stdio without entry",
			json:    `{"name":"echo","version":"1.0.0","runtime":{}}`,
			wantErr: true,
		},
		{
			name:    "http without url",
			json:    `{"name":"echo","version":"1.0.0","runtime":{"transport":"http"}}`,
			wantErr: true,
		},
		{
			name:    "unknown transport",
			json:    `{"name":"echo","version":"1.0.0","runtime":{"entry":"x","transport":"grpc"}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			json:    `{{{`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseManifest([]byte(tc.json))
			if (err != nil) != tc.wantErr {
				t.Errorf("ParseManifest error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestManifest_NameRule(t *testing.T) {
	t.Parallel()
	valid := []string{"a", "echo", "echo-python", "e_1", "0abc"}
	invalid := []string{"", "-abc", "_abc", "Echo", "a b", "a.b", strings.Repeat("a", 64)}

	for _, n := range valid {
		m := &Manifest{Name: n, Version: "1", Runtime: Runtime{Entry: "x"}}
		if err := m.Validate(); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", n, err)
		}
	}
	for _, n := range invalid {
		m := &Manifest{Name: n, Version: "1", Runtime: Runtime{Entry: "x"}}
		if err := m.Validate(); err == nil {
			t.Errorf("Validate(%q) = nil, want error", n)
		}
	}
}

func TestManifest_DeclaredAbilitiesPrecedence(t *testing.T) {
	t.Parallel()
	m := &Manifest{
		Skills: []AbilityDecl{{Name: "from-skills"}},
		Tools:  []AbilityDecl{{Name: "from-tools"}},
	}
	got := m.DeclaredAbilities()
	if len(got) != 1 || got[0].Name != "from-skills" {
		t.Errorf("DeclaredAbilities = %+v, want skills list", got)
	}

	m.Abilities = []AbilityDecl{{Name: "from-abilities"}}
	if got := m.DeclaredAbilities(); got[0].Name != "from-abilities" {
		t.Errorf("abilities key must win, got %+v", got)
	}
}

func writePlugin(t *testing.T, root, dir, manifest string) {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(pluginDir, "manifest.json"), []byte(manifest), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiscover(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writePlugin(t, root, "echo", `{"name":"echo","version":"1.0.0","runtime":{"entry":"python main.py"}}`)
	writePlugin(t, root, "_disabled", `{"name":"disabled","version":"1.0.0","runtime":{"entry":"x"}}`)
	writePlugin(t, root, "broken", `{"name":"NOT VALID","version":"1.0.0","runtime":{"entry":"x"}}`)
	writePlugin(t, root, "empty", "")

	found, err := Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found %d plugins, want 1", len(found))
	}
	if found[0].Manifest.Name != "echo" {
		t.Errorf("found plugin %q, want echo", found[0].Manifest.Name)
	}
	if found[0].Dir != filepath.Join(root, "echo") {
		t.Errorf("dir = %q", found[0].Dir)
	}
}

func TestDiscover_MissingDir(t *testing.T) {
	t.Parallel()
	if _, err := Discover(filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Error("expected error for missing plugins dir")
	}
}
