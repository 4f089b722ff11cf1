package emotion

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kotonelabs/kotone/internal/observe"
	"github.com/kotonelabs/kotone/pkg/event"
)

// secondaryThreshold is the minimum normalized score for an emotion to be
// listed as secondary.
const secondaryThreshold = 0.18

// thinkBlockRe strips chain-of-thought blocks before analysis so internal
// reasoning never colours the emotional read of the actual reply.
var thinkBlockRe = regexp.MustCompile(`(?is)<think(?:ing)?>.*?</think(?:ing)?>`)

// stripThinkBlocks removes <think>...</think> and <thinking>...</thinking>
// spans, case-insensitively, across newlines.
func stripThinkBlocks(s string) string {
	return strings.TrimSpace(thinkBlockRe.ReplaceAllString(s, ""))
}

// Pipeline analyzes text with a fixed, compiled rule set. Pipelines are
// immutable after construction and safe for concurrent use; the [Manager]
// rebuilds them when their configuration files change.
type Pipeline struct {
	character string
	lexicon   *Lexicon
	rules     []Rule
	outputMap map[Emotion]Emotion

	bus     *event.Bus
	logger  *slog.Logger
	metrics *observe.Metrics
}

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithBus attaches the event bus the pipeline publishes analysis events on.
func WithBus(bus *event.Bus) PipelineOption {
	return func(p *Pipeline) { p.bus = bus }
}

// WithPipelineLogger sets the logger. The default is slog.Default().
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPipelineMetrics attaches metric instruments.
func WithPipelineMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline compiles cfg into a runnable pipeline for the named character
// (empty for the default profile). Unknown emotions in patterns or the output
// map fail construction; a disabled built-in rule is simply omitted.
func NewPipeline(character string, cfg FileConfig, opts ...PipelineOption) (*Pipeline, error) {
	p := &Pipeline{
		character: character,
		lexicon:   compileLexicon(cfg.Lexicon),
		outputMap: make(map[Emotion]Emotion, len(cfg.OutputMap)),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	for from, to := range cfg.OutputMap {
		f, t := Emotion(strings.ToUpper(from)), Emotion(strings.ToUpper(to))
		if !f.IsValid() || !t.IsValid() {
			return nil, fmt.Errorf("emotion: output_map %q -> %q: unknown emotion", from, to)
		}
		p.outputMap[f] = t
	}

	disabled := make(map[string]struct{}, len(cfg.Rules.Disabled))
	for _, name := range cfg.Rules.Disabled {
		disabled[strings.ToLower(name)] = struct{}{}
	}
	for _, r := range []Rule{SentimentHintRule{}, KeywordRule{}, PunctuationRule{}, EmoticonRule{}} {
		if _, off := disabled[r.Name()]; !off {
			p.rules = append(p.rules, r)
		}
	}
	for _, pc := range cfg.Rules.Patterns {
		r, err := NewPatternRule(pc)
		if err != nil {
			return nil, err
		}
		if _, off := disabled[strings.ToLower(r.Name())]; off {
			continue
		}
		p.rules = append(p.rules, r)
	}
	sort.SliceStable(p.rules, func(i, j int) bool {
		return p.rules[i].Priority() < p.rules[j].Priority()
	})
	return p, nil
}

// Character returns the character this pipeline was compiled for.
func (p *Pipeline) Character() string { return p.character }

// Analyze scores text and returns the analysis. The same text always yields
// the same analysis for a given pipeline. Rule failures are logged and score
// nothing; Analyze itself does not fail.
func (p *Pipeline) Analyze(ctx context.Context, text string) Analysis {
	start := time.Now()

	stripped := stripThinkBlocks(text)
	p.publish(event.New("emotion", event.EmotionAnalysisStarted{
		TextLength: len(stripped),
		Character:  p.character,
	}))

	rc := &RuleContext{
		Text:    stripped,
		Lower:   strings.ToLower(stripped),
		Tokens:  tokenizeText(stripped),
		Lexicon: p.lexicon,
		Flags:   make(map[string]bool),
	}

	totals := map[Emotion]float64{}
	for _, rule := range p.rules {
		res := p.applyRule(rule, rc)
		if len(res.Scores) == 0 {
			continue
		}
		scored := make(map[string]float64, len(res.Scores))
		for emo, delta := range res.Scores {
			totals[emo] += delta
			scored[string(emo)] = delta
		}
		p.publish(event.New("emotion", event.EmotionRuleScored{Rule: rule.Name(), Scores: scored}))
	}

	analysis := p.finalize(totals)

	p.publish(event.New("emotion", event.EmotionAnalysisCompleted{
		Primary:    string(analysis.Primary),
		Confidence: analysis.Confidence,
		Character:  p.character,
	}))
	if p.metrics != nil {
		p.metrics.EmotionAnalysisDuration.Record(ctx, time.Since(start).Seconds())
		p.metrics.RecordEmotionAnalysis(ctx, string(analysis.Primary))
	}
	return analysis
}

// applyRule runs one rule, converting a panic into a zero contribution.
func (p *Pipeline) applyRule(rule Rule, rc *RuleContext) (res RuleResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("emotion rule panicked", "rule", rule.Name(), "panic", r)
			res = RuleResult{}
		}
	}()
	return rule.Apply(rc)
}

// finalize turns raw rule totals into the normalized analysis.
func (p *Pipeline) finalize(totals map[Emotion]float64) Analysis {
	// Iterate in canonical order so float accumulation is reproducible.
	var sum float64
	positive := map[Emotion]float64{}
	for _, emo := range emotionOrder {
		if score := totals[emo]; score > 0 {
			positive[emo] = score
			sum += score
		}
	}

	if sum == 0 {
		return Analysis{
			Primary:    Neutral,
			RawPrimary: Neutral,
			Confidence: 0.3,
			Scores:     map[Emotion]float64{Neutral: 1},
			VAD:        vadTable[Neutral],
		}
	}

	normalized := make(map[Emotion]float64, len(positive))
	for emo, score := range positive {
		normalized[emo] = score / sum
	}

	ranked := scoresDescending(normalized)
	raw := ranked[0]
	share := normalized[raw]

	confidence := 0.35 + 0.65*share*min(1, sum/3)
	confidence = min(max(confidence, 0.3), 0.95)

	primary := raw
	if mapped, ok := p.outputMap[raw]; ok {
		primary = mapped
	}

	var vad VAD
	for _, emo := range emotionOrder {
		score, ok := normalized[emo]
		if !ok {
			continue
		}
		coords := vadTable[emo]
		vad.Valence += score * coords.Valence
		vad.Arousal += score * coords.Arousal
		vad.Dominance += score * coords.Dominance
	}

	var secondary []Emotion
	for _, emo := range ranked[1:] {
		if emo == primary {
			continue
		}
		if normalized[emo] >= secondaryThreshold {
			secondary = append(secondary, emo)
		}
	}

	return Analysis{
		Primary:    primary,
		RawPrimary: raw,
		Confidence: confidence,
		Scores:     normalized,
		Secondary:  secondary,
		VAD:        vad,
	}
}

// publish uses synchronous dispatch so the per-rule events interleave
// deterministically with the analysis itself.
func (p *Pipeline) publish(ev event.Event) {
	if p.bus == nil {
		return
	}
	p.bus.PublishSync(ev)
}
