package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryFullTextIndex_SearchMatchesAndRanks(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryFullTextIndex()

	require.NoError(t, idx.Index(ctx, 1, "the quarterly roadmap review happens Monday", 10, time.Now()))
	require.NoError(t, idx.Index(ctx, 2, "Monday is also trash day", 10, time.Now()))
	require.NoError(t, idx.Index(ctx, 3, "unrelated message about lunch", 10, time.Now()))
	require.NoError(t, idx.Index(ctx, 4, "roadmap review for another chat", 99, time.Now()))

	results, err := idx.Search(ctx, 10, "roadmap review Monday", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, int64(1), results[0].MessageID)
	for _, r := range results {
		require.NotEqual(t, int64(4), r.MessageID)
	}
}

func TestMemoryFullTextIndex_EmptyQueryReturnsNothing(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryFullTextIndex()
	require.NoError(t, idx.Index(ctx, 1, "some text", 1, time.Now()))
	results, err := idx.Search(ctx, 1, "   ", 10)
	require.NoError(t, err)
	require.Empty(t, results)
}
