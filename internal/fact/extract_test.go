package fact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/llm"
	"github.com/chatmemory/engine/internal/model"
)

func userMsg(id, authorID int64, text string) model.Message {
	return model.Message{ID: id, AuthorID: authorID, Role: model.RoleUser, Text: text}
}

type mockChatProvider struct {
	content string
}

func (m *mockChatProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, modelName string) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: m.content}, nil
}

func (m *mockChatProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, modelName string, h llm.StreamHandler) error {
	h.OnDelta(m.content)
	return nil
}

func TestRuleExtractor_MatchesResidence(t *testing.T) {
	out, err := NewRuleExtractor().Extract(context.Background(), []model.Message{
		userMsg(1, 42, "I live in Austin these days"),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, model.CategoryLocation, out[0].Category)
	require.Equal(t, "residence", out[0].Key)
	require.Equal(t, "Austin these days", out[0].Value)
}

func TestRuleExtractor_IgnoresModelMessages(t *testing.T) {
	out, err := NewRuleExtractor().Extract(context.Background(), []model.Message{
		{ID: 1, Role: model.RoleModel, Text: "I live in the cloud"},
	})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestStatisticalExtractor_MatchesPreference(t *testing.T) {
	out, err := NewStatisticalExtractor().Extract(context.Background(), []model.Message{
		userMsg(1, 42, "I really love hiking in the mountains"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, out)
	require.Equal(t, model.CategoryPreference, out[0].Category)
}

func TestStatisticalExtractor_SkipsGenericPhrase(t *testing.T) {
	out, err := NewStatisticalExtractor().Extract(context.Background(), []model.Message{
		userMsg(1, 42, "I like that"),
	})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestPipeline_FirstNonEmptyTierWins(t *testing.T) {
	store := newMemFactStore()
	qm := NewQualityManager(store, stubEmbedFunc([]float32{1, 0, 0}), defaultQualityCfg())
	qm.minGap = 0

	calledSecond := false
	tier1 := NewRuleExtractor()
	tier2 := ExtractorFunc(func(ctx context.Context, messages []model.Message) ([]Candidate, error) {
		calledSecond = true
		return nil, nil
	})

	p := NewPipeline([]Extractor{tier1, tier2}, qm)
	out, err := p.Run(context.Background(), []model.Message{
		userMsg(1, 7, "my name is Dana"),
	})
	require.NoError(t, err)
	require.False(t, calledSecond, "second tier should not run once the first tier yields candidates")
	require.Len(t, out, 1)
}

func TestPipeline_FallsThroughToLLMTier(t *testing.T) {
	store := newMemFactStore()
	qm := NewQualityManager(store, stubEmbedFunc([]float32{1, 0, 0}), defaultQualityCfg())
	qm.minGap = 0

	llm := NewLLMExtractor(&mockChatProvider{content: `[{"category":"interest","key":"topic","value":"chess","confidence":0.75}]`}, "test-model")
	p := NewPipeline([]Extractor{NewRuleExtractor(), NewStatisticalExtractor(), llm}, qm)

	out, err := p.Run(context.Background(), []model.Message{
		userMsg(1, 7, "we talked about strategy games for a while"),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "chess", out[0].Value)
}

func defaultQualityCfg() config.FactQualityConfig {
	return config.FactQualityConfig{MinConfidence: 0.5, DuplicateThreshold: 0.85}
}
