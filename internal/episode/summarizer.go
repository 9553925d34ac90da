package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/chatmemory/engine/internal/llm"
	"github.com/chatmemory/engine/internal/model"
)

// Summary is the structured result of summarizing a closed window.
type Summary struct {
	Topic     string
	Text      string
	Valence   model.Valence
	Tags      []string
	KeyPoints []string
}

// Summarizer turns a closed window's messages into a Summary, preferring an
// LLM structured-output call and falling back to deterministic heuristics on
// any parse or transport failure (C7).
type Summarizer struct {
	provider llm.Provider
	model    string
}

// NewSummarizer builds a Summarizer. provider may be nil, in which case
// every call falls straight through to the heuristic path.
func NewSummarizer(provider llm.Provider, modelName string) *Summarizer {
	return &Summarizer{provider: provider, model: modelName}
}

type summaryPayload struct {
	Topic     string   `json:"topic"`
	Summary   string   `json:"summary"`
	Valence   string   `json:"valence"`
	Tags      []string `json:"tags"`
	KeyPoints []string `json:"key_points"`
}

// Summarize produces a full structured summary of messages. closeReason
// feeds the heuristic fallback's tag.
func (s *Summarizer) Summarize(ctx context.Context, messages []model.Message, closeReason string) Summary {
	if s.provider == nil || len(messages) == 0 {
		return heuristicSummary(messages, closeReason)
	}

	prompt := buildSummaryPrompt(messages)
	resp, err := s.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: prompt},
	}, nil, s.model)
	if err != nil {
		log.Warn().Err(err).Msg("episode_summary_llm_failed")
		return heuristicSummary(messages, closeReason)
	}

	var payload summaryPayload
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &payload); err != nil {
		log.Warn().Err(err).Msg("episode_summary_parse_failed")
		return heuristicSummary(messages, closeReason)
	}
	if payload.Topic == "" || payload.Summary == "" {
		return heuristicSummary(messages, closeReason)
	}

	return Summary{
		Topic:     payload.Topic,
		Text:      payload.Summary,
		Valence:   parseValence(payload.Valence),
		Tags:      payload.Tags,
		KeyPoints: payload.KeyPoints,
	}
}

// GenerateTopicOnly is the fast path that only looks at the first 5
// messages, used when callers need a cheap label without a full summary.
func (s *Summarizer) GenerateTopicOnly(ctx context.Context, messages []model.Message) string {
	if s.provider == nil || len(messages) == 0 {
		return heuristicTopic(messages)
	}
	window := messages
	if len(window) > 5 {
		window = window[:5]
	}
	resp, err := s.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Respond with only a short topic label (a few words), no punctuation or explanation."},
		{Role: "user", Content: buildSummaryPrompt(window)},
	}, nil, s.model)
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return heuristicTopic(messages)
	}
	return strings.TrimSpace(resp.Content)
}

// DetectValence is the fast path for emotional tone alone.
func (s *Summarizer) DetectValence(ctx context.Context, messages []model.Message) model.Valence {
	if s.provider == nil || len(messages) == 0 {
		return model.ValenceNeutral
	}
	resp, err := s.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Respond with exactly one word: positive, negative, neutral, or mixed."},
		{Role: "user", Content: buildSummaryPrompt(messages)},
	}, nil, s.model)
	if err != nil {
		return model.ValenceNeutral
	}
	return parseValence(strings.TrimSpace(resp.Content))
}

func buildSummaryPrompt(messages []model.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "user %d: %s\n", m.AuthorID, m.Text)
	}
	return b.String()
}

const summarySystemPrompt = `Summarize this conversation window. Respond with strict JSON matching:
{"topic": string, "summary": string, "valence": "positive"|"negative"|"neutral"|"mixed", "tags": [string], "key_points": [string]}
No prose outside the JSON object.`

// extractJSON trims leading/trailing text around a JSON object, tolerating
// models that wrap output in prose or code fences.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func parseValence(s string) model.Valence {
	switch model.Valence(strings.ToLower(strings.TrimSpace(s))) {
	case model.ValencePositive:
		return model.ValencePositive
	case model.ValenceNegative:
		return model.ValenceNegative
	case model.ValenceMixed:
		return model.ValenceMixed
	default:
		return model.ValenceNeutral
	}
}

func heuristicSummary(messages []model.Message, closeReason string) Summary {
	participants := make(map[int64]struct{})
	topic := ""
	for _, m := range messages {
		participants[m.AuthorID] = struct{}{}
		if topic == "" && strings.TrimSpace(m.Text) != "" {
			topic = truncateRunes(m.Text, 50)
		}
	}
	tag := closeReason
	if tag != "timeout" && tag != "boundary" {
		tag = "boundary"
	}
	return Summary{
		Topic:   topic,
		Text:    fmt.Sprintf("Conversation with %d participant(s) over %d message(s)", len(participants), len(messages)),
		Valence: model.ValenceNeutral,
		Tags:    []string{tag},
	}
}

func heuristicTopic(messages []model.Message) string {
	for _, m := range messages {
		if strings.TrimSpace(m.Text) != "" {
			return truncateRunes(m.Text, 50)
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
