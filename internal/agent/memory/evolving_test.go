package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/llm"
)

type mockLLMProvider struct {
	response string
}

func (m *mockLLMProvider) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: m.response}, nil
}

func (m *mockLLMProvider) ChatStream(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, model string, handler llm.StreamHandler) error {
	handler.OnDelta(m.response)
	return nil
}

func stubEmbed(dims ...float32) EmbedFunc {
	return func(ctx context.Context, cfg config.EmbeddingConfig, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = append([]float32{}, dims...)
		}
		return out, nil
	}
}

func newTestRuleBook(llmProvider llm.Provider, embed EmbedFunc) *RuleBook {
	return NewRuleBook(RuleBookConfig{
		EmbedFn: embed,
		LLM:     llmProvider,
		Model:   "test-model",
		MaxSize: 10,
		TopK:    3,
		ChatID:  1,
	})
}

func TestRuleBook_LearnAddsRule(t *testing.T) {
	rb := newTestRuleBook(&mockLLMProvider{response: "Keep replies under two sentences."}, stubEmbed(1, 0, 0))

	err := rb.Learn(context.Background(), "terse replies", "the group asked the bot to stop writing essays")
	require.NoError(t, err)
	require.Len(t, rb.ExportRules(), 1)
	require.Equal(t, "Keep replies under two sentences.", rb.ExportRules()[0].Guidance)
}

func TestRuleBook_LearnSkipsOnNoneResponse(t *testing.T) {
	rb := newTestRuleBook(&mockLLMProvider{response: "NONE"}, stubEmbed(1, 0, 0))

	err := rb.Learn(context.Background(), "random chatter", "nothing generalizable happened")
	require.NoError(t, err)
	require.Empty(t, rb.ExportRules())
}

func TestRuleBook_SearchReturnsMostSimilar(t *testing.T) {
	rb := newTestRuleBook(nil, nil)
	rb.rules = []*PersonaRule{
		{ID: "a", Guidance: "be formal", Embedding: []float32{1, 0, 0}, RelevanceScore: 1},
		{ID: "b", Guidance: "be casual", Embedding: []float32{0, 1, 0}, RelevanceScore: 1},
	}
	rb.embedFn = stubEmbed(1, 0, 0)

	results, err := rb.Search(context.Background(), "how formal should I be")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "a", results[0].ID)
}

func TestRuleBook_SynthesizeFormatsRules(t *testing.T) {
	rb := newTestRuleBook(nil, nil)
	rules := []*PersonaRule{
		{ID: "a", Guidance: "avoid profanity", Type: RuleConstraint},
	}
	out := rb.Synthesize(context.Background(), rules)
	require.Contains(t, out, "Learned Persona Rules")
	require.Contains(t, out, "avoid profanity")
}

func TestRuleBook_SynthesizeEmptyWhenNoRules(t *testing.T) {
	rb := newTestRuleBook(nil, nil)
	require.Empty(t, rb.Synthesize(context.Background(), nil))
}

func TestRuleBook_PruneMergesNearDuplicates(t *testing.T) {
	rb := NewRuleBook(RuleBookConfig{
		EmbedFn:          stubEmbed(1, 0, 0),
		LLM:              &mockLLMProvider{response: "always double check deploy configs"},
		MaxSize:          10,
		TopK:             3,
		ChatID:           1,
		EnableSmartPrune: true,
		PruneThreshold:   0.9,
	})
	rb.rules = []*PersonaRule{
		{ID: "existing", Guidance: "double check deploy configs", Embedding: []float32{1, 0, 0}, RelevanceScore: 1},
	}

	err := rb.Learn(context.Background(), "deploy issue", "the team hit a config drift bug again")
	require.NoError(t, err)
	require.Len(t, rb.ExportRules(), 1, "near-duplicate should have been merged away")
}

func TestClassifyRuleType(t *testing.T) {
	require.Equal(t, RuleConstraint, classifyRuleType("Never discuss pricing in this channel."))
	require.Equal(t, RuleTone, classifyRuleType("Keep the tone playful and casual."))
	require.Equal(t, RulePreference, classifyRuleType("Prefer bullet points over long paragraphs."))
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
	}{
		{name: "identical vectors", a: []float32{1, 0, 0}, b: []float32{1, 0, 0}, expected: 1.0},
		{name: "orthogonal vectors", a: []float32{1, 0, 0}, b: []float32{0, 1, 0}, expected: 0.0},
		{name: "opposite vectors", a: []float32{1, 0, 0}, b: []float32{-1, 0, 0}, expected: -1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, cosineSimilarity(tt.a, tt.b))
		})
	}
}
