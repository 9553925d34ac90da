package assembler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/model"
	"github.com/chatmemory/engine/internal/search"
)

type stubConversations struct {
	msgs []model.Message
	err  error
}

func (s *stubConversations) Init(ctx context.Context) error { return nil }
func (s *stubConversations) AddTurn(ctx context.Context, msg model.Message) (int64, error) {
	return 0, nil
}
func (s *stubConversations) Recent(ctx context.Context, chatID, threadID int64, maxTurns int) ([]model.Message, error) {
	return s.msgs, s.err
}
func (s *stubConversations) ByExternalID(ctx context.Context, id string) (model.Message, bool, error) {
	return model.Message{}, false, nil
}
func (s *stubConversations) DeleteByExternalID(ctx context.Context, id string) (bool, error) {
	return false, nil
}
func (s *stubConversations) Prune(ctx context.Context, retentionDays int, keep func(ctx context.Context) (map[int64]struct{}, error)) (int, error) {
	return 0, nil
}

type stubFacts struct {
	userFacts, chatFacts []model.Fact
}

func (s *stubFacts) Init(ctx context.Context) error { return nil }
func (s *stubFacts) AddFact(ctx context.Context, f model.Fact) (model.Fact, error) {
	return f, nil
}
func (s *stubFacts) UpdateFact(ctx context.Context, id int64, v string, c float64, ct model.FactChangeType) (model.Fact, error) {
	return model.Fact{}, nil
}
func (s *stubFacts) ForgetFact(ctx context.Context, id int64) error { return nil }
func (s *stubFacts) ForgetAll(ctx context.Context, kind model.EntityKind, id int64) error {
	return nil
}
func (s *stubFacts) GetFacts(ctx context.Context, kind model.EntityKind, id int64, cat *model.FactCategory, minConf float64, limit int) ([]model.Fact, error) {
	if kind == model.EntityUser {
		return s.userFacts, nil
	}
	return s.chatFacts, nil
}
func (s *stubFacts) GetRecent(ctx context.Context, kind model.EntityKind, id int64, limit int) ([]model.Fact, error) {
	return nil, nil
}
func (s *stubFacts) FindExact(ctx context.Context, kind model.EntityKind, id int64, cat model.FactCategory, key string) (model.Fact, bool, error) {
	return model.Fact{}, false, nil
}
func (s *stubFacts) FindByEmbedding(ctx context.Context, kind model.EntityKind, id int64, cat model.FactCategory, emb []float32, minCosine float64) (model.Fact, bool, error) {
	return model.Fact{}, false, nil
}
func (s *stubFacts) Versions(ctx context.Context, factID int64) ([]model.FactVersion, error) {
	return nil, nil
}

type stubEpisodes struct {
	eps []model.Episode
}

func (s *stubEpisodes) Init(ctx context.Context) error                              { return nil }
func (s *stubEpisodes) Create(ctx context.Context, ep model.Episode) (int64, error) { return 0, nil }
func (s *stubEpisodes) ByChat(ctx context.Context, chatID int64, limit int) ([]model.Episode, error) {
	return s.eps, nil
}
func (s *stubEpisodes) AllMessageIDs(ctx context.Context) (map[int64]struct{}, error) {
	return nil, nil
}
func (s *stubEpisodes) SimilarByEmbedding(ctx context.Context, chatID int64, emb []float32, limit int) ([]model.Episode, error) {
	return s.eps, nil
}

func TestAssembler_AssemblesAllLayers(t *testing.T) {
	conv := &stubConversations{msgs: []model.Message{
		{ID: 1, Role: model.RoleUser, Text: "hey there", CreatedAt: time.Now()},
		{ID: 2, Role: model.RoleModel, Text: "hello!", CreatedAt: time.Now()},
	}}
	facts := &stubFacts{
		userFacts: []model.Fact{{Key: "name", Value: "Dana", Confidence: 0.9, UpdatedAt: time.Now()}},
	}
	eps := &stubEpisodes{eps: []model.Episode{{Topic: "deploys", Summary: "discussed the rollout plan"}}}

	a := &Assembler{
		Conversations: conv,
		Facts:         facts,
		Episodes:      eps,
		Cfg:           config.ContextConfig{TokenBudget: 2000, ImmediateMin: 1, ImmediateMax: 5},
	}

	out, err := a.Assemble(context.Background(), 1, 0, 42, "", nil, model.Message{ID: 3, Role: model.RoleUser, Text: "what's up"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Immediate.Messages)
	require.NotEmpty(t, out.Recent.Messages)
	require.NotEmpty(t, out.Background.Facts)
	require.NotEmpty(t, out.Episodic.Episodes)
	require.NotEmpty(t, out.Rendered)
}

func TestAssembler_DegradesOnRecentError(t *testing.T) {
	conv := &stubConversations{err: errors.New("store unavailable")}
	a := &Assembler{
		Conversations: conv,
		Facts:         &stubFacts{},
		Episodes:      &stubEpisodes{},
		Cfg:           config.ContextConfig{TokenBudget: 2000},
	}

	out, err := a.Assemble(context.Background(), 1, 0, 1, "", nil, model.Message{Role: model.RoleUser, Text: "hi"})
	require.NoError(t, err)
	require.True(t, out.Recent.Degraded)
	require.Empty(t, out.Recent.Messages)
}

func TestDedupeJaccard_DropsNearDuplicates(t *testing.T) {
	results := []search.Result{
		{MessageID: 1, Score: 0.9, Snippet: "the cat sat on the mat"},
		{MessageID: 2, Score: 0.8, Snippet: "the cat sat on the mat today"},
		{MessageID: 3, Score: 0.5, Snippet: "completely different content here"},
	}
	out := dedupeJaccard(results, 0.6)
	require.Len(t, out, 2)
}

func TestRenderCompact_FlattensLayers(t *testing.T) {
	a := &Assembled{
		Immediate: Layer{Messages: []model.Message{{Text: "hi"}}},
	}
	require.Equal(t, "hi", renderCompact(a))
}
