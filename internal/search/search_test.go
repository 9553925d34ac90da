package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/store"
)

func defaultWeights() Weights {
	return Weights{SemanticWeight: 0.6, KeywordWeight: 0.4, TemporalWeight: 1.0, HalfLifeDays: 7}
}

func TestEngine_Search_FusesKeywordAndVectorLegs(t *testing.T) {
	ft := store.NewMemoryFullTextIndex()
	vec := store.NewMemoryVectorIndex(3)
	ctx := context.Background()

	require.NoError(t, ft.Index(ctx, 1, "the deployment pipeline is broken again", 10, time.Now()))
	require.NoError(t, ft.Index(ctx, 2, "let's get sushi for lunch", 10, time.Now()))
	require.NoError(t, vec.Upsert(ctx, vectorCollectionMessages, 1, []float32{1, 0, 0}, map[string]any{"chat_id": int64(10)}))
	require.NoError(t, vec.Upsert(ctx, vectorCollectionMessages, 2, []float32{0, 1, 0}, map[string]any{"chat_id": int64(10)}))

	e := &Engine{FullText: ft, Vector: vec}
	results, err := e.Search(ctx, 10, "deployment pipeline broken", []float32{1, 0, 0}, defaultWeights(), 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, int64(1), results[0].MessageID)
}

func TestEngine_Search_SkipsSemanticLegForShortQuery(t *testing.T) {
	ft := store.NewMemoryFullTextIndex()
	vec := store.NewMemoryVectorIndex(3)
	ctx := context.Background()
	require.NoError(t, ft.Index(ctx, 1, "sushi", 10, time.Now()))

	called := false
	vecWrapper := &countingVectorIndex{VectorIndex: vec, onSearch: func() { called = true }}

	e := &Engine{FullText: ft, Vector: vecWrapper}
	_, err := e.Search(ctx, 10, "sushi", []float32{1, 0, 0}, defaultWeights(), 5)
	require.NoError(t, err)
	require.False(t, called, "semantic leg should be skipped for a query under 3 words")
}

func TestEngine_Search_DegradesOnNilEmbedding(t *testing.T) {
	ft := store.NewMemoryFullTextIndex()
	vec := store.NewMemoryVectorIndex(3)
	ctx := context.Background()
	require.NoError(t, ft.Index(ctx, 1, "quarterly roadmap review meeting", 10, time.Now()))

	degraded := false
	e := &Engine{FullText: ft, Vector: vec, DegradedKeywordOnly: func() { degraded = true }}
	results, err := e.Search(ctx, 10, "quarterly roadmap review meeting", nil, defaultWeights(), 5)
	require.NoError(t, err)
	require.True(t, degraded)
	require.Len(t, results, 1)
}

func TestEngine_Search_AppliesTemporalDecay(t *testing.T) {
	ft := store.NewMemoryFullTextIndex()
	vec := store.NewMemoryVectorIndex(3)
	ctx := context.Background()
	require.NoError(t, ft.Index(ctx, 1, "project status update", 10, time.Now()))
	require.NoError(t, ft.Index(ctx, 2, "project status update", 10, time.Now().Add(-30*24*time.Hour)))

	e := &Engine{FullText: ft, Vector: vec}
	results, err := e.Search(ctx, 10, "project status update", nil, defaultWeights(), 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, int64(1), results[0].MessageID, "the fresher message should outrank the older one despite equal keyword scores")
}

type countingVectorIndex struct {
	store.VectorIndex
	onSearch func()
}

func (c *countingVectorIndex) SimilaritySearch(ctx context.Context, collection string, embedding []float32, filter map[string]any, limit int) ([]store.VectorResult, error) {
	c.onSearch()
	return c.VectorIndex.SimilaritySearch(ctx, collection, embedding, filter, limit)
}
