package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/llm"
	"github.com/chatmemory/engine/internal/model"
	"github.com/chatmemory/engine/internal/store"
)

type mockLLMProvider struct{}

func (m *mockLLMProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: "NONE"}, nil
}

func (m *mockLLMProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	h.OnDelta("NONE")
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Context: config.ContextConfig{
			TokenBudget: 8000,
			Ratios: config.LayerRatios{
				Immediate: 0.20, Recent: 0.30, Relevant: 0.25, Background: 0.15, Episodic: 0.10,
			},
		},
		Search: config.SearchConfig{
			SemanticWeight: 0.5, KeywordWeight: 0.5, TemporalWeight: 0.1, HalfLifeDays: 14, MaxCandidates: 500,
		},
		Episode: config.EpisodeConfig{
			ShortGapSeconds: 120, MediumGapSeconds: 900, LongGapSeconds: 3600,
			BoundaryThreshold: 0.6, MinMessages: 5, WindowTimeoutSeconds: 1800,
			WindowMaxMessages: 50, MonitorIntervalSeconds: 300,
		},
		FactQuality: config.FactQualityConfig{MinConfidence: 0.6, DuplicateThreshold: 0.85, HalfLifeDays: 30, ConfidenceFloor: 0.1},
		LLM:         config.LLMConfig{Model: "test-model", SummaryModel: "test-model"},
		Retention:   config.RetentionConfig{Enabled: false},
	}
}

func testStores() Stores {
	return Stores{
		Conversations: store.NewMemoryConversationStore(),
		Facts:         store.NewMemoryFactStore(),
		Episodes:      store.NewMemoryEpisodeStore(),
		Prompts:       store.NewMemoryPromptStore(),
		FullText:      store.NewMemoryFullTextIndex(),
		Vector:        store.NewMemoryVectorIndex(3),
	}
}

// slowAddTurnStore wraps a ConversationStore and records the peak number of
// concurrent AddTurn calls it observed, to verify Ingest's per-conversation
// lock actually serializes writes rather than just returning consistent data
// by luck.
type slowAddTurnStore struct {
	store.ConversationStore
	mu           sync.Mutex
	inFlight     int
	peakInFlight int
}

func (s *slowAddTurnStore) AddTurn(ctx context.Context, msg model.Message) (int64, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peakInFlight {
		s.peakInFlight = s.inFlight
	}
	s.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	return s.ConversationStore.AddTurn(ctx, msg)
}

func TestEngine_IngestSerializesWritesPerConversation(t *testing.T) {
	stores := testStores()
	slow := &slowAddTurnStore{ConversationStore: stores.Conversations}
	stores.Conversations = slow

	e := New(testConfig(), stores, &mockLLMProvider{}, "base persona")

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Ingest(context.Background(), model.Message{
				ChatID: 1, ThreadID: 0, AuthorID: int64(i), Role: model.RoleUser, Text: "hi there",
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, slow.peakInFlight)

	recent, err := stores.Conversations.Recent(context.Background(), 1, 0, n)
	require.NoError(t, err)
	require.Len(t, recent, n)

	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngine_ShutdownWaitsForInFlightFactExtraction(t *testing.T) {
	e := New(testConfig(), testStores(), &mockLLMProvider{}, "base persona")

	_, err := e.Ingest(context.Background(), model.Message{
		ChatID: 7, AuthorID: 1, Role: model.RoleUser, Text: "my name is Alice",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
}

func TestEngine_ShutdownRespectsDeadline(t *testing.T) {
	e := New(testConfig(), testStores(), &mockLLMProvider{}, "base persona")
	e.wg.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := e.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	e.wg.Done()
}

func TestEngine_ConversationLockIsPerConversation(t *testing.T) {
	e := New(testConfig(), testStores(), &mockLLMProvider{}, "base persona")

	a := e.conversationLock(1, 0)
	b := e.conversationLock(1, 0)
	c := e.conversationLock(2, 0)

	require.Same(t, a, b)
	require.NotSame(t, a, c)
}
