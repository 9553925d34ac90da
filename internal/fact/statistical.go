package fact

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/chatmemory/engine/internal/model"
)

// statisticalExtractor is the middle tier: cheap lexical scoring over
// self-disclosure markers and a stopword-filtered noun-phrase heuristic,
// used when the rule tier's fixed patterns miss a phrasing but a full LLM
// call isn't warranted yet.
type statisticalExtractor struct {
	minScore float64
}

// NewStatisticalExtractor returns the lexical-scoring middle tier.
func NewStatisticalExtractor() Extractor {
	return statisticalExtractor{minScore: 0.55}
}

var selfDisclosureMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi (?:really |actually |always |never )?(?:like|love|enjoy|prefer|hate|dislike) ([a-zA-Z0-9 ,'-]{2,60})`),
	regexp.MustCompile(`(?i)\bmy favorite [a-zA-Z]+ is ([a-zA-Z0-9 ,'-]{2,60})`),
	regexp.MustCompile(`(?i)\bi(?:'m| am) (?:a|an) ([a-zA-Z0-9 ,'-]{2,60})`),
	regexp.MustCompile(`(?i)\bi(?:'m| am) interested in ([a-zA-Z0-9 ,'-]{2,60})`),
}

var stopSuffixes = []string{" today", " right now", " lately", " anymore", " too", " here"}

// Extract scores each user message against the self-disclosure markers and
// keeps matches above minScore, with confidence derived from marker
// specificity rather than hardcoded like the rule tier.
func (s statisticalExtractor) Extract(ctx context.Context, messages []model.Message) ([]Candidate, error) {
	var out []Candidate
	for _, m := range messages {
		if m.Role != model.RoleUser {
			continue
		}
		for i, marker := range selfDisclosureMarkers {
			match := marker.FindStringSubmatch(m.Text)
			if len(match) < 2 {
				continue
			}
			value := cleanPhrase(match[1])
			if value == "" {
				continue
			}
			score := scorePhrase(value)
			if score < s.minScore {
				continue
			}
			category, key := categorizeByMarker(i)
			out = append(out, Candidate{
				EntityKind:      model.EntityUser,
				EntityID:        m.AuthorID,
				Category:        category,
				Key:             key,
				Value:           value,
				Confidence:      score,
				SourceMessageID: m.ID,
				Excerpt:         truncate(m.Text, 200),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

func categorizeByMarker(markerIdx int) (model.FactCategory, string) {
	switch markerIdx {
	case 0:
		return model.CategoryPreference, "likes"
	case 1:
		return model.CategoryPreference, "favorite"
	case 2:
		return model.CategoryTrait, "self_description"
	default:
		return model.CategoryInterest, "interest"
	}
}

func cleanPhrase(raw string) string {
	v := strings.TrimSpace(raw)
	for _, suffix := range stopSuffixes {
		v = strings.TrimSuffix(v, suffix)
	}
	v = strings.TrimRight(v, ".,!? ")
	return strings.TrimSpace(v)
}

// scorePhrase gives a crude confidence: longer, more specific phrases (more
// words, no generic filler) score higher than single generic words.
func scorePhrase(phrase string) float64 {
	words := strings.Fields(phrase)
	switch {
	case len(words) == 0:
		return 0
	case len(words) == 1:
		if isGenericWord(words[0]) {
			return 0.35
		}
		return 0.6
	case len(words) <= 3:
		return 0.7
	default:
		return 0.65
	}
}

var genericWords = map[string]bool{
	"that": true, "this": true, "it": true, "stuff": true, "things": true, "something": true,
}

func isGenericWord(w string) bool {
	return genericWords[strings.ToLower(w)]
}
