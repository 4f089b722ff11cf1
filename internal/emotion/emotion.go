// Package emotion implements the rule-based emotion pipeline: a prioritized
// rule registry scores text per emotion, scores are normalized into a primary
// emotion with confidence and a VAD triple, and a hot-reloading manager
// composes per-character rule configuration from a YAML overlay chain.
package emotion

import "sort"

// Emotion is one of the closed set of emotion labels the pipeline produces.
type Emotion string

const (
	Neutral   Emotion = "NEUTRAL"
	Happy     Emotion = "HAPPY"
	Sad       Emotion = "SAD"
	Angry     Emotion = "ANGRY"
	Fearful   Emotion = "FEARFUL"
	Surprised Emotion = "SURPRISED"
	Disgusted Emotion = "DISGUSTED"
	Confused  Emotion = "CONFUSED"
)

// emotionOrder fixes the iteration order wherever ties must break
// deterministically.
var emotionOrder = []Emotion{
	Happy, Sad, Angry, Fearful, Surprised, Disgusted, Confused, Neutral,
}

// IsValid reports whether e is a recognised emotion label.
func (e Emotion) IsValid() bool {
	for _, known := range emotionOrder {
		if e == known {
			return true
		}
	}
	return false
}

// VAD is a Valence/Arousal/Dominance triple. Valence is in [-1,1], arousal
// and dominance in [0,1].
type VAD struct {
	Valence   float64 `json:"valence"`
	Arousal   float64 `json:"arousal"`
	Dominance float64 `json:"dominance"`
}

// vadTable maps each emotion to its fixed VAD coordinates. The analysis VAD
// is the score-weighted sum over this table.
var vadTable = map[Emotion]VAD{
	Happy:     {Valence: 0.8, Arousal: 0.6, Dominance: 0.6},
	Sad:       {Valence: -0.7, Arousal: 0.3, Dominance: 0.25},
	Angry:     {Valence: -0.6, Arousal: 0.8, Dominance: 0.7},
	Fearful:   {Valence: -0.7, Arousal: 0.75, Dominance: 0.2},
	Surprised: {Valence: 0.3, Arousal: 0.8, Dominance: 0.4},
	Disgusted: {Valence: -0.6, Arousal: 0.5, Dominance: 0.5},
	Confused:  {Valence: -0.2, Arousal: 0.45, Dominance: 0.3},
	Neutral:   {Valence: 0, Arousal: 0.25, Dominance: 0.5},
}

// Analysis is the result of one pipeline run.
type Analysis struct {
	// Primary is the winning emotion after output_map remapping.
	Primary Emotion `json:"primary"`

	// RawPrimary is the winning emotion before remapping. Equal to Primary
	// unless an output_map entry applied.
	RawPrimary Emotion `json:"raw_primary"`

	// Confidence is in [0.3, 0.95].
	Confidence float64 `json:"confidence"`

	// Scores holds the normalized per-emotion scores (they sum to 1 unless
	// the text scored nothing at all).
	Scores map[Emotion]float64 `json:"scores"`

	// Secondary lists emotions whose normalized score reached the secondary
	// threshold, strongest first, excluding the primary.
	Secondary []Emotion `json:"secondary,omitempty"`

	// VAD is the score-weighted valence/arousal/dominance triple.
	VAD VAD `json:"vad"`
}

// scoresDescending returns the emotions present in scores ordered by score
// descending, ties broken by the canonical emotion order.
func scoresDescending(scores map[Emotion]float64) []Emotion {
	rank := make(map[Emotion]int, len(emotionOrder))
	for i, e := range emotionOrder {
		rank[e] = i
	}
	out := make([]Emotion, 0, len(scores))
	for e := range scores {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if scores[out[i]] == scores[out[j]] {
			return rank[out[i]] < rank[out[j]]
		}
		return scores[out[i]] > scores[out[j]]
	})
	return out
}
