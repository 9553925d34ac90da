// Package fact implements C8: candidate fact extraction from a closed
// episode's messages, and the quality pipeline (dedup, conflict resolution,
// decay) that turns raw candidates into durable store.FactStore rows.
package fact

import (
	"context"
	"regexp"
	"strings"

	"github.com/chatmemory/engine/internal/llm"
	"github.com/chatmemory/engine/internal/model"
)

// Candidate is a raw, unverified fact extracted from conversation text before
// it passes through the quality pipeline.
type Candidate struct {
	EntityKind      model.EntityKind
	EntityID        int64
	Category        model.FactCategory
	Key             string
	Value           string
	Confidence      float64
	SourceMessageID int64
	Excerpt         string
}

// Extractor produces candidate facts from a batch of messages. Tiers are
// tried in order by Pipeline until one returns candidates or the chain is
// exhausted.
type Extractor interface {
	Extract(ctx context.Context, messages []model.Message) ([]Candidate, error)
}

// ExtractorFunc adapts a function to an Extractor.
type ExtractorFunc func(ctx context.Context, messages []model.Message) ([]Candidate, error)

func (f ExtractorFunc) Extract(ctx context.Context, messages []model.Message) ([]Candidate, error) {
	return f(ctx, messages)
}

// ruleExtractor is the deterministic, regex-based first tier: cheap,
// high-precision patterns for facts that are almost always stated plainly
// ("my name is X", "I live in Y", "I speak Z").
type ruleExtractor struct{}

// NewRuleExtractor returns the deterministic pattern-matching tier.
func NewRuleExtractor() Extractor { return ruleExtractor{} }

var ruleCandidates = []struct {
	pattern  *regexp.Regexp
	category model.FactCategory
	key      string
}{
	{regexp.MustCompile(`(?i)\bmy name is ([a-zA-Z '-]{2,40})\b`), model.CategoryPersonal, "name"},
	{regexp.MustCompile(`(?i)\bi(?:'m| am) from ([a-zA-Z ,'-]{2,40})\b`), model.CategoryLocation, "hometown"},
	{regexp.MustCompile(`(?i)\bi live in ([a-zA-Z ,'-]{2,40})\b`), model.CategoryLocation, "residence"},
	{regexp.MustCompile(`(?i)\bi speak ([a-zA-Z, ]{2,40})\b`), model.CategoryLanguage, "languages"},
	{regexp.MustCompile(`(?i)\bi work (?:as|at) (?:an? )?([a-zA-Z0-9 ,'-]{2,60})\b`), model.CategorySkill, "occupation"},
	{regexp.MustCompile(`(?i)\bi(?:'m| am) allergic to ([a-zA-Z, ]{2,60})\b`), model.CategoryPersonal, "allergies"},
	{regexp.MustCompile(`(?i)\bmy pronouns are ([a-zA-Z/ ]{2,20})\b`), model.CategoryPersonal, "pronouns"},
}

func (ruleExtractor) Extract(ctx context.Context, messages []model.Message) ([]Candidate, error) {
	var out []Candidate
	for _, m := range messages {
		if m.Role != model.RoleUser {
			continue
		}
		for _, rc := range ruleCandidates {
			match := rc.pattern.FindStringSubmatch(m.Text)
			if len(match) < 2 {
				continue
			}
			out = append(out, Candidate{
				EntityKind:      model.EntityUser,
				EntityID:        m.AuthorID,
				Category:        rc.category,
				Key:             rc.key,
				Value:           strings.TrimSpace(match[1]),
				Confidence:      0.85,
				SourceMessageID: m.ID,
				Excerpt:         truncate(m.Text, 200),
			})
		}
	}
	return out, nil
}

// llmExtractor is the fallback tier: an LLM call asked to return a strict
// JSON array of candidate facts, used when the rule tier finds nothing and
// statistical extraction isn't available or also came up empty.
type llmExtractor struct {
	provider llm.Provider
	model    string
}

// NewLLMExtractor returns the LLM-backed fallback tier. provider may be nil,
// in which case Extract always returns no candidates.
func NewLLMExtractor(provider llm.Provider, modelName string) Extractor {
	return llmExtractor{provider: provider, model: modelName}
}

const extractSystemPrompt = `Extract durable facts about the speaker(s) from this conversation excerpt.
Respond with a strict JSON array, each element: {"category": string, "key": string, "value": string, "confidence": number between 0 and 1}.
Categories: personal, preference, skill, interest, language, location, relationship, rule, trait, style, topic, norm, culture.
Only extract facts that are stated, not facts you infer speculatively. Respond with [] if there is nothing durable.
No prose outside the JSON array.`

func (e llmExtractor) Extract(ctx context.Context, messages []model.Message) ([]Candidate, error) {
	if e.provider == nil || len(messages) == 0 {
		return nil, nil
	}
	var b strings.Builder
	lastByAuthor := make(map[int64]int64)
	for _, m := range messages {
		if m.Role == model.RoleUser {
			lastByAuthor[m.AuthorID] = m.ID
		}
		b.WriteString(strings.TrimSpace(string(m.Role)))
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}

	resp, err := e.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: extractSystemPrompt},
		{Role: "user", Content: b.String()},
	}, nil, e.model)
	if err != nil {
		return nil, err
	}

	payload := extractJSONArray(resp.Content)
	raw, err := parseExtractedFacts(payload)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(raw))
	for _, r := range raw {
		if r.Category == "" || r.Key == "" || r.Value == "" {
			continue
		}
		entityID := int64(0)
		if len(messages) > 0 {
			entityID = messages[len(messages)-1].AuthorID
		}
		out = append(out, Candidate{
			EntityKind: model.EntityUser,
			EntityID:   entityID,
			Category:   model.FactCategory(r.Category),
			Key:        r.Key,
			Value:      r.Value,
			Confidence: r.Confidence,
		})
	}
	return out, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
