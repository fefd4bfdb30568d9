package intent

import "strings"

// Scorer maps an intent to a mission-alignment score in [0, 1].
type Scorer interface {
	Score(summary, body string) float64
}

// KeywordScorer scores by the fraction of mission terms the intent
// mentions, with a floor so that any non-empty intent gets a chance to
// clear a low threshold. An explicit front-matter score always wins
// over this heuristic.
type KeywordScorer struct {
	terms []string
}

// DefaultMissionTerms mirror the verbs and nouns the persona documents
// describe as in-scope work.
var DefaultMissionTerms = []string{
	"review", "summarize", "plan", "report", "triage",
	"deploy", "monitor", "schedule", "research", "write",
}

func NewKeywordScorer(terms []string) *KeywordScorer {
	if len(terms) == 0 {
		terms = DefaultMissionTerms
	}
	lowered := make([]string, len(terms))
	for i, t := range terms {
		lowered[i] = strings.ToLower(t)
	}
	return &KeywordScorer{terms: lowered}
}

func (s *KeywordScorer) Score(summary, body string) float64 {
	text := strings.ToLower(summary + " " + body)
	if strings.TrimSpace(text) == "" {
		return 0
	}

	hits := 0
	for _, term := range s.terms {
		if strings.Contains(text, term) {
			hits++
		}
	}
	if hits == 0 {
		return 0.3
	}

	score := 0.5 + 0.5*float64(hits)/float64(len(s.terms))
	if score > 1 {
		score = 1
	}
	return score
}
