package llm

import (
	"context"
	"errors"
	"testing"
)

// fakeProvider is a minimal in-package Provider stub for registry tests.
type fakeProvider struct{}

func (fakeProvider) Complete(context.Context, CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{}, nil
}

func (fakeProvider) StreamCompletion(context.Context, CompletionRequest) (<-chan Chunk, error) {
	ch := make(chan Chunk)
	close(ch)
	return ch, nil
}

func (fakeProvider) AvailableModels(context.Context) ([]string, error) { return nil, nil }
func (fakeProvider) TestConnection(context.Context) ConnectionStatus   { return ConnectionStatus{OK: true} }
func (fakeProvider) Capabilities() ModelCapabilities                   { return ModelCapabilities{} }

func TestMessageTextFlattensParts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "plain content",
			msg:  Message{Role: RoleUser, Content: "hello"},
			want: "hello",
		},
		{
			name: "text parts joined",
			msg: Message{Role: RoleUser, Parts: []ContentPart{
				{Type: "text", Text: "first"},
				{Type: "text", Text: "second"},
			}},
			want: "first\nsecond",
		},
		{
			name: "image part rendered as placeholder",
			msg: Message{Role: RoleUser, Parts: []ContentPart{
				{Type: "text", Text: "look at this"},
				{Type: "image_url", ImageURL: "https://example.com/cat.png"},
			}},
			want: "look at this\n[image: https://example.com/cat.png]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.msg.Text(); got != tt.want {
				t.Errorf("Text(): got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodedArguments(t *testing.T) {
	t.Parallel()

	t.Run("json string form", func(t *testing.T) {
		t.Parallel()
		tc := ToolCall{ID: "t1", Name: "echo", Arguments: `{"text":"hi"}`}
		got, err := tc.DecodedArguments()
		if err != nil {
			t.Fatalf("DecodedArguments: %v", err)
		}
		if got["text"] != "hi" {
			t.Errorf("text: got %v, want %q", got["text"], "hi")
		}
	})

	t.Run("map form wins over string", func(t *testing.T) {
		t.Parallel()
		tc := ToolCall{
			Arguments:    `{"text":"ignored"}`,
			ArgumentsMap: map[string]any{"text": "direct"},
		}
		got, err := tc.DecodedArguments()
		if err != nil {
			t.Fatalf("DecodedArguments: %v", err)
		}
		if got["text"] != "direct" {
			t.Errorf("text: got %v, want %q", got["text"], "direct")
		}
	})

	t.Run("empty arguments yield empty map", func(t *testing.T) {
		t.Parallel()
		got, err := ToolCall{}.DecodedArguments()
		if err != nil {
			t.Fatalf("DecodedArguments: %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("got %v, want empty non-nil map", got)
		}
	})

	t.Run("malformed json is an error", func(t *testing.T) {
		t.Parallel()
		if _, err := (ToolCall{Arguments: "{not json"}).DecodedArguments(); err == nil {
			t.Error("expected error for malformed arguments")
		}
	})
}

func TestSplitModelRef(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ref          string
		wantProvider string
		wantModel    string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"claude:claude-3-5-sonnet", "claude", "claude-3-5-sonnet"},
		{"gpt-4o", "", "gpt-4o"},
		{"openai/ft:gpt-4o:org", "openai", "ft:gpt-4o:org"},
		{"", "", ""},
	}
	for _, tt := range tests {
		provider, model := SplitModelRef(tt.ref)
		if provider != tt.wantProvider || model != tt.wantModel {
			t.Errorf("SplitModelRef(%q): got (%q, %q), want (%q, %q)",
				tt.ref, provider, model, tt.wantProvider, tt.wantModel)
		}
	}
}

func TestRegistryDefaultAndLookup(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if _, err := r.Get(""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty registry Get: got %v, want ErrNotFound", err)
	}

	first := fakeProvider{}
	second := fakeProvider{}
	if err := r.Register("alpha", first); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("beta", second); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if r.DefaultName() != "alpha" {
		t.Errorf("default: got %q, want first-registered %q", r.DefaultName(), "alpha")
	}

	if _, err := r.Get("beta"); err != nil {
		t.Errorf("Get(beta): %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing): got %v, want ErrNotFound", err)
	}

	if err := r.SetDefault("beta"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if r.DefaultName() != "beta" {
		t.Errorf("default after SetDefault: got %q, want %q", r.DefaultName(), "beta")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("Names: got %v, want [alpha beta]", names)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	if err := Classify("p", base); !errors.Is(err, ErrUnavailable) {
		t.Errorf("opaque error: got %v, want ErrUnavailable", err)
	}

	already := WrapRejected("p", base)
	if err := Classify("p", already); !errors.Is(err, ErrRejected) {
		t.Errorf("pre-classified error changed kind: %v", err)
	}

	if err := Classify("p", nil); err != nil {
		t.Errorf("nil error: got %v, want nil", err)
	}
}
