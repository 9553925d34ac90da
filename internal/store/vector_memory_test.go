package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryVectorIndex_SimilaritySearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryVectorIndex(3)

	require.NoError(t, idx.Upsert(ctx, "facts", 1, []float32{1, 0, 0}, map[string]any{"entity_id": int64(9)}))
	require.NoError(t, idx.Upsert(ctx, "facts", 2, []float32{0, 1, 0}, map[string]any{"entity_id": int64(9)}))
	require.NoError(t, idx.Upsert(ctx, "facts", 3, []float32{0.9, 0.1, 0}, map[string]any{"entity_id": int64(5)}))

	results, err := idx.SimilaritySearch(ctx, "facts", []float32{1, 0, 0}, nil, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, int64(1), results[0].ID)
	require.Equal(t, int64(3), results[1].ID)
}

func TestMemoryVectorIndex_FilterRestrictsCandidates(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryVectorIndex(2)
	require.NoError(t, idx.Upsert(ctx, "messages", 1, []float32{1, 0}, map[string]any{"chat_id": int64(100)}))
	require.NoError(t, idx.Upsert(ctx, "messages", 2, []float32{1, 0}, map[string]any{"chat_id": int64(200)}))

	results, err := idx.SimilaritySearch(ctx, "messages", []float32{1, 0}, map[string]any{"chat_id": int64(200)}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, int64(2), results[0].ID)
}

func TestMemoryVectorIndex_DeleteRemovesPoint(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryVectorIndex(2)
	require.NoError(t, idx.Upsert(ctx, "facts", 1, []float32{1, 0}, nil))
	require.NoError(t, idx.Delete(ctx, "facts", 1))
	results, err := idx.SimilaritySearch(ctx, "facts", []float32{1, 0}, nil, 10)
	require.NoError(t, err)
	require.Empty(t, results)
}
