package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/model"
)

func TestMemoryEpisodeStore_CreateAndByChat(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEpisodeStore()

	id, err := s.Create(ctx, model.Episode{
		ChatID: 7, Topic: "weekend plans", Summary: "discussed hiking",
		Valence: model.ValencePositive, MessageIDs: []int64{1, 2, 3},
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	episodes, err := s.ByChat(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	require.Equal(t, "weekend plans", episodes[0].Topic)
}

func TestMemoryEpisodeStore_AllMessageIDsUnionsAcrossEpisodes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEpisodeStore()
	_, err := s.Create(ctx, model.Episode{ChatID: 1, MessageIDs: []int64{1, 2}})
	require.NoError(t, err)
	_, err = s.Create(ctx, model.Episode{ChatID: 1, MessageIDs: []int64{2, 3}})
	require.NoError(t, err)

	ids, err := s.AllMessageIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 3)
}

func TestMemoryEpisodeStore_SimilarByEmbeddingOrdersByCosine(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEpisodeStore()
	_, err := s.Create(ctx, model.Episode{ChatID: 1, Topic: "a", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	_, err = s.Create(ctx, model.Episode{ChatID: 1, Topic: "b", Embedding: []float32{0, 1}})
	require.NoError(t, err)

	results, err := s.SimilarByEmbedding(ctx, 1, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].Topic)
}
