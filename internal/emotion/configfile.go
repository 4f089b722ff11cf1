package emotion

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML form of one emotion configuration file. Files
// compose by ordered overlay: base, then plugin overlays, then the
// character-specific file, later entries overriding earlier ones.
type FileConfig struct {
	Lexicon   LexiconConfig     `yaml:"lexicon"`
	Rules     RulesConfig       `yaml:"rules"`
	OutputMap map[string]string `yaml:"output_map"`
}

// LexiconConfig holds the word lists driving the built-in rules.
type LexiconConfig struct {
	// Keywords maps emotion label to keyword to weight. Keyword keys merge
	// case-insensitively across overlays.
	Keywords map[string]map[string]float64 `yaml:"keywords"`

	// Intensifiers amplify a following keyword's weight.
	Intensifiers []string `yaml:"intensifiers"`

	// Diminishers dampen a following keyword's weight.
	Diminishers []string `yaml:"diminishers"`

	// Negations invert or suppress a nearby keyword.
	Negations []string `yaml:"negations"`

	// PositiveHints and NegativeHints feed the sentiment-hint rule.
	PositiveHints []string `yaml:"positive_hints"`
	NegativeHints []string `yaml:"negative_hints"`
}

// RulesConfig enables, disables, and extends the rule registry.
type RulesConfig struct {
	// Disabled lists built-in rule names to skip ("sentiment_hint",
	// "keyword", "punctuation", "emoticon").
	Disabled []string `yaml:"disabled"`

	// Patterns declares custom pattern rules.
	Patterns []PatternConfig `yaml:"patterns"`
}

// PatternConfig declares one custom pattern rule.
type PatternConfig struct {
	// Name identifies the rule in events and overlay merging; overlays
	// replace patterns with the same name.
	Name string `yaml:"name"`

	// Pattern is the regular expression or substring to look for.
	Pattern string `yaml:"pattern"`

	// Regex treats Pattern as a case-insensitive regular expression instead
	// of a substring.
	Regex bool `yaml:"regex"`

	// Emotion is the label scored when the pattern matches.
	Emotion string `yaml:"emotion"`

	// Weight is the score contributed on a match. Zero means 1.0.
	Weight float64 `yaml:"weight"`

	// Priority orders the rule against the built-ins. Zero means 50.
	Priority int `yaml:"priority"`
}

// DefaultConfig returns the built-in emotion configuration, used as the root
// of every overlay chain.
func DefaultConfig() FileConfig {
	return FileConfig{
		Lexicon: LexiconConfig{
			Keywords: map[string]map[string]float64{
				string(Happy): {
					"happy": 1, "glad": 0.8, "great": 0.7, "love": 1,
					"wonderful": 0.9, "awesome": 0.9, "nice": 0.5, "fun": 0.6,
				},
				string(Sad): {
					"sad": 1, "unhappy": 0.9, "cry": 0.8, "lonely": 0.9,
					"miss": 0.6, "depressed": 1, "hurt": 0.6,
				},
				string(Angry): {
					"angry": 1, "furious": 1, "hate": 0.9, "annoyed": 0.7,
					"mad": 0.9, "unfair": 0.6,
				},
				string(Fearful): {
					"afraid": 1, "scared": 1, "terrified": 1, "worried": 0.7,
					"nervous": 0.7,
				},
				string(Surprised): {
					"surprised": 1, "wow": 0.8, "unexpected": 0.7, "suddenly": 0.5,
				},
				string(Disgusted): {
					"disgusting": 1, "gross": 0.9, "nasty": 0.8, "eww": 0.9,
				},
				string(Confused): {
					"confused": 1, "unsure": 0.6, "puzzled": 0.8, "weird": 0.5,
				},
			},
			Intensifiers:  []string{"very", "really", "so", "extremely", "totally"},
			Diminishers:   []string{"slightly", "somewhat", "barely", "hardly"},
			Negations:     []string{"not", "never", "no", "don't", "can't", "isn't", "wasn't"},
			PositiveHints: []string{"thanks", "thank", "please", "yay"},
			NegativeHints: []string{"awful", "terrible", "worst", "hate", "ugh"},
		},
		OutputMap: map[string]string{
			string(Fearful):   string(Confused),
			string(Disgusted): string(Angry),
		},
	}
}

// ParseFile decodes one YAML emotion configuration file.
func ParseFile(data []byte) (FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("emotion: parse config: %w", err)
	}
	return cfg, nil
}

// Overlay merges over onto base and returns the combined config. Keyword maps
// merge with case-insensitive keys; an overlay that assigns a keyword to an
// emotion takes ownership of it, removing the keyword from every other
// emotion's map so a re-mapping shifts the score instead of splitting it.
// Word lists union-dedupe, patterns replace by name, and output_map entries
// override.
func Overlay(base, over FileConfig) FileConfig {
	out := base

	if len(over.Lexicon.Keywords) > 0 {
		merged := make(map[string]map[string]float64, len(base.Lexicon.Keywords))
		for emo, words := range base.Lexicon.Keywords {
			merged[strings.ToUpper(emo)] = lowerKeys(words)
		}
		// Sorted so a keyword listed under two emotions in one overlay file
		// resolves the same way on every load.
		for _, emo := range slices.Sorted(maps.Keys(over.Lexicon.Keywords)) {
			key := strings.ToUpper(emo)
			words := over.Lexicon.Keywords[emo]
			if merged[key] == nil {
				merged[key] = make(map[string]float64, len(words))
			}
			for w, weight := range words {
				lw := strings.ToLower(w)
				for other, m := range merged {
					if other != key {
						delete(m, lw)
					}
				}
				merged[key][lw] = weight
			}
		}
		out.Lexicon.Keywords = merged
	}

	out.Lexicon.Intensifiers = unionDedupe(base.Lexicon.Intensifiers, over.Lexicon.Intensifiers)
	out.Lexicon.Diminishers = unionDedupe(base.Lexicon.Diminishers, over.Lexicon.Diminishers)
	out.Lexicon.Negations = unionDedupe(base.Lexicon.Negations, over.Lexicon.Negations)
	out.Lexicon.PositiveHints = unionDedupe(base.Lexicon.PositiveHints, over.Lexicon.PositiveHints)
	out.Lexicon.NegativeHints = unionDedupe(base.Lexicon.NegativeHints, over.Lexicon.NegativeHints)

	out.Rules.Disabled = unionDedupe(base.Rules.Disabled, over.Rules.Disabled)

	patterns := make([]PatternConfig, len(base.Rules.Patterns))
	copy(patterns, base.Rules.Patterns)
	for _, p := range over.Rules.Patterns {
		replaced := false
		for i, existing := range patterns {
			if existing.Name == p.Name && p.Name != "" {
				patterns[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			patterns = append(patterns, p)
		}
	}
	out.Rules.Patterns = patterns

	if len(over.OutputMap) > 0 {
		merged := make(map[string]string, len(base.OutputMap)+len(over.OutputMap))
		for k, v := range base.OutputMap {
			merged[strings.ToUpper(k)] = strings.ToUpper(v)
		}
		for k, v := range over.OutputMap {
			merged[strings.ToUpper(k)] = strings.ToUpper(v)
		}
		out.OutputMap = merged
	}

	return out
}

// lowerKeys lower-cases every key of a keyword map.
func lowerKeys(words map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(words))
	for w, weight := range words {
		out[strings.ToLower(w)] = weight
	}
	return out
}

// unionDedupe appends over to base, dropping case-insensitive duplicates
// while preserving first-seen order.
func unionDedupe(base, over []string) []string {
	seen := make(map[string]struct{}, len(base)+len(over))
	out := make([]string, 0, len(base)+len(over))
	for _, list := range [][]string{base, over} {
		for _, s := range list {
			key := strings.ToLower(s)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
