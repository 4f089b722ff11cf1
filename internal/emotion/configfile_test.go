package emotion

import (
	"testing"
)

func TestParseFile(t *testing.T) {
	t.Parallel()
	cfg, err := ParseFile([]byte(`
lexicon:
  keywords:
    HAPPY:
      sunny: 1.0
  negations: [nope]
rules:
  disabled: [emoticon]
  patterns:
    - name: alarm
      pattern: "red alert"
      emotion: FEARFUL
      weight: 2
output_map:
  SAD: CONFUSED
`))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if cfg.Lexicon.Keywords["HAPPY"]["sunny"] != 1.0 {
		t.Errorf("keywords = %+v", cfg.Lexicon.Keywords)
	}
	if len(cfg.Rules.Patterns) != 1 || cfg.Rules.Patterns[0].Weight != 2 {
		t.Errorf("patterns = %+v", cfg.Rules.Patterns)
	}
	if cfg.OutputMap["SAD"] != "CONFUSED" {
		t.Errorf("output_map = %+v", cfg.OutputMap)
	}
}

func TestParseFile_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := ParseFile([]byte("lexicon: [not, a, map]")); err == nil {
		t.Error("expected a parse error")
	}
}

func TestOverlay_KeywordsMergeCaseInsensitive(t *testing.T) {
	t.Parallel()
	base := FileConfig{
		Lexicon: LexiconConfig{
			Keywords: map[string]map[string]float64{
				"HAPPY": {"sunny": 1.0, "great": 0.7},
			},
		},
	}
	over := FileConfig{
		Lexicon: LexiconConfig{
			Keywords: map[string]map[string]float64{
				"happy": {"Sunny": 0.2},
				"SAD":   {"rainy": 1.0},
			},
		},
	}

	merged := Overlay(base, over)
	happy := merged.Lexicon.Keywords["HAPPY"]
	if happy["sunny"] != 0.2 {
		t.Errorf("sunny = %v, want override 0.2 despite case difference", happy["sunny"])
	}
	if happy["great"] != 0.7 {
		t.Errorf("great = %v, base entries must survive", happy["great"])
	}
	if merged.Lexicon.Keywords["SAD"]["rainy"] != 1.0 {
		t.Errorf("new emotion bucket missing: %+v", merged.Lexicon.Keywords)
	}
}

func TestOverlay_KeywordReassignmentOverridesBase(t *testing.T) {
	t.Parallel()
	base := FileConfig{
		Lexicon: LexiconConfig{
			Keywords: map[string]map[string]float64{
				"HAPPY": {"sunny": 1.0, "great": 0.7},
			},
		},
	}
	over := FileConfig{
		Lexicon: LexiconConfig{
			Keywords: map[string]map[string]float64{
				"SAD": {"sunny": 1.0},
			},
		},
	}

	merged := Overlay(base, over)
	if _, still := merged.Lexicon.Keywords["HAPPY"]["sunny"]; still {
		t.Error("overlay re-mapped sunny to SAD; it must not survive under HAPPY")
	}
	if merged.Lexicon.Keywords["SAD"]["sunny"] != 1.0 {
		t.Errorf("SAD = %+v, want sunny 1.0", merged.Lexicon.Keywords["SAD"])
	}
	if merged.Lexicon.Keywords["HAPPY"]["great"] != 0.7 {
		t.Errorf("unrelated base keywords must survive: %+v", merged.Lexicon.Keywords["HAPPY"])
	}
}

func TestOverlay_ListsUnionDedupe(t *testing.T) {
	t.Parallel()
	base := FileConfig{Lexicon: LexiconConfig{Negations: []string{"not", "never"}}}
	over := FileConfig{Lexicon: LexiconConfig{Negations: []string{"Not", "nope"}}}

	merged := Overlay(base, over)
	want := []string{"not", "never", "nope"}
	if len(merged.Lexicon.Negations) != len(want) {
		t.Fatalf("negations = %v, want %v", merged.Lexicon.Negations, want)
	}
	for i, w := range want {
		if merged.Lexicon.Negations[i] != w {
			t.Errorf("negations[%d] = %q, want %q", i, merged.Lexicon.Negations[i], w)
		}
	}
}

func TestOverlay_PatternsReplaceByName(t *testing.T) {
	t.Parallel()
	base := FileConfig{Rules: RulesConfig{Patterns: []PatternConfig{
		{Name: "alarm", Pattern: "alert", Emotion: "FEARFUL", Weight: 1},
		{Name: "cheer", Pattern: "hooray", Emotion: "HAPPY", Weight: 1},
	}}}
	over := FileConfig{Rules: RulesConfig{Patterns: []PatternConfig{
		{Name: "alarm", Pattern: "alert", Emotion: "ANGRY", Weight: 2},
		{Name: "extra", Pattern: "meh", Emotion: "SAD", Weight: 1},
	}}}

	merged := Overlay(base, over)
	if len(merged.Rules.Patterns) != 3 {
		t.Fatalf("patterns = %+v, want 3", merged.Rules.Patterns)
	}
	if merged.Rules.Patterns[0].Emotion != "ANGRY" || merged.Rules.Patterns[0].Weight != 2 {
		t.Errorf("alarm not replaced in place: %+v", merged.Rules.Patterns[0])
	}
	if merged.Rules.Patterns[2].Name != "extra" {
		t.Errorf("new pattern not appended: %+v", merged.Rules.Patterns)
	}
}

func TestOverlay_OutputMapOverrides(t *testing.T) {
	t.Parallel()
	base := DefaultConfig()
	over := FileConfig{OutputMap: map[string]string{"fearful": "sad"}}

	merged := Overlay(base, over)
	if merged.OutputMap["FEARFUL"] != "SAD" {
		t.Errorf("output_map = %+v", merged.OutputMap)
	}
	if merged.OutputMap["DISGUSTED"] != "ANGRY" {
		t.Errorf("base output_map entries must survive: %+v", merged.OutputMap)
	}
}

func TestDefaultConfig_Compiles(t *testing.T) {
	t.Parallel()
	if _, err := NewPipeline("", DefaultConfig()); err != nil {
		t.Fatalf("default config must compile: %v", err)
	}
}
