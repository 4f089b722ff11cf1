package emotion

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Built-in rule names, used in rule.scored events and the rules.disabled
// config list.
const (
	RuleSentimentHint = "sentiment_hint"
	RuleKeyword       = "keyword"
	RulePunctuation   = "punctuation"
	RuleEmoticon      = "emoticon"
)

// FlagNegativeHint is set by the sentiment-hint rule when the text carries
// negative sentiment markers; later rules read it to bias ambiguous signals.
const FlagNegativeHint = "negative_hint"

// FlagPositiveHint mirrors FlagNegativeHint for positive markers.
const FlagPositiveHint = "positive_hint"

// RuleContext is the shared state rules operate on. Flags written by one rule
// are visible to every later rule in priority order.
type RuleContext struct {
	// Text is the analysis input with think blocks stripped.
	Text string

	// Lower is Text lower-cased, precomputed for substring rules.
	Lower string

	// Tokens is Text tokenized on non-letter/digit runes, lower-cased.
	Tokens []string

	// Lexicon is the compiled word lists.
	Lexicon *Lexicon

	// Flags is the cross-rule flag map.
	Flags map[string]bool
}

// RuleResult is one rule's contribution.
type RuleResult struct {
	// Scores holds per-emotion score deltas. May be nil.
	Scores map[Emotion]float64

	// Keywords lists the lexicon entries that fired, for diagnostics.
	Keywords []string
}

// Rule contributes emotion scores for a piece of text. Rules run in ascending
// priority order; a rule that panics is logged and contributes nothing.
type Rule interface {
	Name() string
	Priority() int
	Apply(rc *RuleContext) RuleResult
}

// Lexicon is the compiled, lookup-ready form of [LexiconConfig].
type Lexicon struct {
	// Keywords maps emotion to lower-cased keyword to weight.
	Keywords map[Emotion]map[string]float64

	Intensifiers map[string]struct{}
	Diminishers  map[string]struct{}
	Negations    map[string]struct{}

	PositiveHints map[string]struct{}
	NegativeHints map[string]struct{}
}

// compileLexicon builds the lookup sets from the file form.
func compileLexicon(cfg LexiconConfig) *Lexicon {
	lex := &Lexicon{
		Keywords:      make(map[Emotion]map[string]float64, len(cfg.Keywords)),
		Intensifiers:  toSet(cfg.Intensifiers),
		Diminishers:   toSet(cfg.Diminishers),
		Negations:     toSet(cfg.Negations),
		PositiveHints: toSet(cfg.PositiveHints),
		NegativeHints: toSet(cfg.NegativeHints),
	}
	for emo, words := range cfg.Keywords {
		label := Emotion(strings.ToUpper(emo))
		if !label.IsValid() {
			continue
		}
		if lex.Keywords[label] == nil {
			lex.Keywords[label] = make(map[string]float64, len(words))
		}
		for w, weight := range words {
			lex.Keywords[label][strings.ToLower(w)] = weight
		}
	}
	return lex
}

func toSet(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[strings.ToLower(w)] = struct{}{}
	}
	return out
}

// tokenizeText lower-cases s and splits on anything that is not a letter,
// digit, or apostrophe (so "don't" survives as one token).
func tokenizeText(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// --- Built-in rules -------------------------------------------------------

// SentimentHintRule scans for coarse positive/negative markers and publishes
// the hint flags the later rules bias on.
type SentimentHintRule struct{}

func (SentimentHintRule) Name() string  { return RuleSentimentHint }
func (SentimentHintRule) Priority() int { return 10 }

func (SentimentHintRule) Apply(rc *RuleContext) RuleResult {
	var res RuleResult
	scores := map[Emotion]float64{}
	for _, tok := range rc.Tokens {
		if _, ok := rc.Lexicon.PositiveHints[tok]; ok {
			rc.Flags[FlagPositiveHint] = true
			scores[Happy] += 0.4
			res.Keywords = append(res.Keywords, tok)
		}
		if _, ok := rc.Lexicon.NegativeHints[tok]; ok {
			rc.Flags[FlagNegativeHint] = true
			scores[Sad] += 0.25
			scores[Angry] += 0.25
			res.Keywords = append(res.Keywords, tok)
		}
	}
	if len(scores) > 0 {
		res.Scores = scores
	}
	return res
}

// oppositeEmotion is consulted when a keyword is negated: "not happy" scores
// the polar opposite instead of suppressing the signal entirely.
var oppositeEmotion = map[Emotion]Emotion{
	Happy: Sad,
	Sad:   Happy,
}

// KeywordRule scores lexicon keywords with intensifier, diminisher, and
// negation handling over the two preceding tokens.
type KeywordRule struct{}

func (KeywordRule) Name() string  { return RuleKeyword }
func (KeywordRule) Priority() int { return 20 }

func (KeywordRule) Apply(rc *RuleContext) RuleResult {
	var res RuleResult
	scores := map[Emotion]float64{}

	// Canonical emotion order keeps float accumulation reproducible.
	for _, emo := range emotionOrder {
		words := rc.Lexicon.Keywords[emo]
		if len(words) == 0 {
			continue
		}
		for i, tok := range rc.Tokens {
			weight, ok := words[tok]
			if !ok {
				continue
			}

			negated := false
			for back := 1; back <= 2 && i-back >= 0; back++ {
				prev := rc.Tokens[i-back]
				if _, isNeg := rc.Lexicon.Negations[prev]; isNeg {
					negated = true
				}
				if back == 1 {
					if _, isUp := rc.Lexicon.Intensifiers[prev]; isUp {
						weight *= 1.5
					}
					if _, isDown := rc.Lexicon.Diminishers[prev]; isDown {
						weight *= 0.5
					}
				}
			}

			target := emo
			if negated {
				opp, hasOpp := oppositeEmotion[emo]
				if !hasOpp {
					continue // negation suppresses non-polar keywords
				}
				target = opp
			}
			if target == Happy && rc.Flags[FlagNegativeHint] {
				weight *= 0.5
			}

			scores[target] += weight
			res.Keywords = append(res.Keywords, tok)
		}

		// Multi-word lexicon entries match as substrings of the full text.
		for phrase, weight := range words {
			if strings.Contains(phrase, " ") && strings.Contains(rc.Lower, phrase) {
				scores[emo] += weight
				res.Keywords = append(res.Keywords, phrase)
			}
		}
	}

	if len(scores) > 0 {
		res.Scores = scores
	}
	return res
}

// capsWordRe matches shouted words of three or more letters.
var capsWordRe = regexp.MustCompile(`\b\p{Lu}{3,}\b`)

// PunctuationRule reads exclamation marks, question marks, and shouted words.
type PunctuationRule struct{}

func (PunctuationRule) Name() string  { return RulePunctuation }
func (PunctuationRule) Priority() int { return 30 }

func (PunctuationRule) Apply(rc *RuleContext) RuleResult {
	scores := map[Emotion]float64{}

	if n := strings.Count(rc.Text, "!"); n > 0 {
		boost := min(float64(n)*0.2, 0.6)
		scores[Surprised] += boost
		if rc.Flags[FlagNegativeHint] {
			scores[Angry] += boost
		} else {
			scores[Happy] += boost * 0.5
		}
	}

	switch n := strings.Count(rc.Text, "?"); {
	case n >= 2 || strings.Contains(rc.Text, "?!"):
		scores[Confused] += 0.4
	case n == 1:
		scores[Confused] += 0.15
	}

	if capsWordRe.MatchString(rc.Text) {
		if rc.Flags[FlagNegativeHint] {
			scores[Angry] += 0.3
		} else {
			scores[Surprised] += 0.2
		}
	}

	if len(scores) == 0 {
		return RuleResult{}
	}
	return RuleResult{Scores: scores}
}

// emoticonScores maps literal emoticons to their contribution.
var emoticonScores = []struct {
	emoticon string
	emotion  Emotion
	weight   float64
}{
	{">:(", Angry, 0.6},
	{":-)", Happy, 0.5},
	{":)", Happy, 0.5},
	{":D", Happy, 0.6},
	{"^_^", Happy, 0.5},
	{"xD", Happy, 0.6},
	{":-(", Sad, 0.5},
	{":(", Sad, 0.5},
	{"T_T", Sad, 0.6},
	{";_;", Sad, 0.6},
	{":O", Surprised, 0.4},
	{":o", Surprised, 0.4},
	{":-/", Confused, 0.3},
	{":/", Confused, 0.3},
}

// EmoticonRule scores literal emoticons. Longer emoticons are listed before
// their prefixes so ">:(" does not double-count as ":(".
type EmoticonRule struct{}

func (EmoticonRule) Name() string  { return RuleEmoticon }
func (EmoticonRule) Priority() int { return 40 }

func (EmoticonRule) Apply(rc *RuleContext) RuleResult {
	var res RuleResult
	scores := map[Emotion]float64{}
	remaining := rc.Text
	for _, e := range emoticonScores {
		if n := strings.Count(remaining, e.emoticon); n > 0 {
			scores[e.emotion] += float64(n) * e.weight
			res.Keywords = append(res.Keywords, e.emoticon)
			remaining = strings.ReplaceAll(remaining, e.emoticon, "")
		}
	}
	if len(scores) > 0 {
		res.Scores = scores
	}
	return res
}

// PatternRule is a config-injected custom rule matching a regular expression
// or substring.
type PatternRule struct {
	name     string
	priority int
	emotion  Emotion
	weight   float64
	re       *regexp.Regexp // nil for substring patterns
	substr   string
}

// NewPatternRule compiles a [PatternConfig] into a rule.
func NewPatternRule(cfg PatternConfig) (*PatternRule, error) {
	emo := Emotion(strings.ToUpper(cfg.Emotion))
	if !emo.IsValid() {
		return nil, fmt.Errorf("emotion: pattern %q: unknown emotion %q", cfg.Name, cfg.Emotion)
	}
	r := &PatternRule{
		name:     cfg.Name,
		priority: cfg.Priority,
		emotion:  emo,
		weight:   cfg.Weight,
	}
	if r.name == "" {
		r.name = "pattern:" + cfg.Pattern
	}
	if r.priority == 0 {
		r.priority = 50
	}
	if r.weight == 0 {
		r.weight = 1.0
	}
	if cfg.Regex {
		re, err := regexp.Compile("(?is)" + cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("emotion: pattern %q: %w", cfg.Name, err)
		}
		r.re = re
	} else {
		r.substr = strings.ToLower(cfg.Pattern)
	}
	return r, nil
}

func (r *PatternRule) Name() string  { return r.name }
func (r *PatternRule) Priority() int { return r.priority }

func (r *PatternRule) Apply(rc *RuleContext) RuleResult {
	matched := false
	if r.re != nil {
		matched = r.re.MatchString(rc.Text)
	} else if r.substr != "" {
		matched = strings.Contains(rc.Lower, r.substr)
	}
	if !matched {
		return RuleResult{}
	}
	return RuleResult{Scores: map[Emotion]float64{r.emotion: r.weight}}
}
