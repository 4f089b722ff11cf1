// Package skill provides the skill catalogue: named instruction snippets the
// orchestrator injects into the prompt when a user message matches their
// keywords.
package skill

import (
	"sort"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/kotonelabs/kotone/internal/config"
)

// fuzzyThreshold is the minimum Jaro-Winkler similarity for a fuzzy keyword
// hit.
const fuzzyThreshold = 0.9

// DefaultTopK is the search result count when the caller passes topK <= 0.
const DefaultTopK = 3

// Skill is one entry of the catalogue.
type Skill struct {
	Name        string
	Description string
	Body        string
	Keywords    []string
}

// Match pairs a skill with its search score.
type Match struct {
	Skill Skill
	Score float64
}

// Service holds the catalogue. The catalogue is fixed at construction;
// configuration reloads build a new Service.
type Service struct {
	skills []Skill
}

// NewService builds the catalogue from configuration. Entries without a name
// or body are dropped.
func NewService(cfgs []config.SkillConfig) *Service {
	s := &Service{}
	for _, c := range cfgs {
		if c.Name == "" || c.Body == "" {
			continue
		}
		s.skills = append(s.skills, Skill{
			Name:        c.Name,
			Description: c.Description,
			Body:        c.Body,
			Keywords:    c.Keywords,
		})
	}
	return s
}

// Skills returns the catalogue in configuration order.
func (s *Service) Skills() []Skill {
	out := make([]Skill, len(s.skills))
	copy(out, s.skills)
	return out
}

// Search returns up to topK skills whose keywords (or name) overlap the
// query, best first. Near-miss tokens count through fuzzy matching.
func (s *Service) Search(query string, topK int) []Match {
	if topK <= 0 {
		topK = DefaultTopK
	}
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	var matches []Match
	for _, sk := range s.skills {
		if score := scoreSkill(queryTokens, sk); score > 0 {
			matches = append(matches, Match{Skill: sk, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// scoreSkill is the fraction of query tokens covered by the skill's keywords
// and name tokens.
func scoreSkill(queryTokens []string, sk Skill) float64 {
	targets := tokenize(sk.Name)
	for _, kw := range sk.Keywords {
		targets = append(targets, tokenize(kw)...)
	}
	if len(targets) == 0 {
		return 0
	}

	var total float64
	for _, qt := range queryTokens {
		best := 0.0
		for _, target := range targets {
			if qt == target {
				best = 1.0
				break
			}
			if len(qt) < 3 || len(target) < 3 {
				continue
			}
			if sim := matchr.JaroWinkler(qt, target, false); sim >= fuzzyThreshold && sim > best {
				best = sim
			}
		}
		total += best
	}
	return total / float64(len(queryTokens))
}

// FormatInjection renders matches into the system-prompt block the
// orchestrator inserts. Returns "" when nothing matched.
func FormatInjection(matches []Match) string {
	if len(matches) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Applicable skills:\n")
	for _, m := range matches {
		sb.WriteString("### ")
		sb.WriteString(m.Skill.Name)
		if m.Skill.Description != "" {
			sb.WriteString(" - ")
			sb.WriteString(m.Skill.Description)
		}
		sb.WriteString("\n")
		sb.WriteString(m.Skill.Body)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// tokenize lower-cases s and splits it on anything that is not a letter or a
// digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
