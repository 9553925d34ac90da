package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/model"
)

func noKeep(ctx context.Context) (map[int64]struct{}, error) {
	return map[int64]struct{}{}, nil
}

func TestMemoryConversationStore_AddAndRecent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConversationStore()
	require.NoError(t, s.Init(ctx))

	for i := 0; i < 4; i++ {
		_, err := s.AddTurn(ctx, model.Message{
			ChatID: 1, ThreadID: 0, AuthorID: 2,
			Role: model.RoleUser, Text: "hi",
		})
		require.NoError(t, err)
	}
	recent, err := s.Recent(ctx, 1, 0, 2)
	require.NoError(t, err)
	require.Len(t, recent, 4)
}

func TestMemoryConversationStore_ByExternalIDAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConversationStore()
	id, err := s.AddTurn(ctx, model.Message{
		ChatID: 1, AuthorID: 2, Role: model.RoleUser, Text: "hi",
		External: model.ExternalIDs{MessageID: "tg-100"},
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	found, ok, err := s.ByExternalID(ctx, "tg-100")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, found.ID)

	deleted, err := s.DeleteByExternalID(ctx, "tg-100")
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err = s.ByExternalID(ctx, "tg-100")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryConversationStore_PruneRespectsKeepSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConversationStore().(*memConversationStore)

	oldID, err := s.AddTurn(ctx, model.Message{ChatID: 1, Role: model.RoleUser, Text: "old"})
	require.NoError(t, err)
	s.messages[oldID] = withCreatedAt(s.messages[oldID], time.Now().Add(-40*24*time.Hour))

	keptID, err := s.AddTurn(ctx, model.Message{ChatID: 1, Role: model.RoleUser, Text: "kept-but-old"})
	require.NoError(t, err)
	s.messages[keptID] = withCreatedAt(s.messages[keptID], time.Now().Add(-40*24*time.Hour))

	freshID, err := s.AddTurn(ctx, model.Message{ChatID: 1, Role: model.RoleUser, Text: "fresh"})
	require.NoError(t, err)

	deleted, err := s.Prune(ctx, 30, func(ctx context.Context) (map[int64]struct{}, error) {
		return map[int64]struct{}{keptID: {}}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, stillThere := s.messages[keptID]
	require.True(t, stillThere)
	_, freshStillThere := s.messages[freshID]
	require.True(t, freshStillThere)
	_, oldGone := s.messages[oldID]
	require.False(t, oldGone)
}

func withCreatedAt(m model.Message, t time.Time) model.Message {
	m.CreatedAt = t
	return m
}
