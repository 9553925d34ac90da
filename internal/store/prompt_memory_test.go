package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/model"
)

func TestMemoryPromptStore_SetAndActivePrompt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPromptStore()
	scope := model.PromptScope{Global: true}

	v1, err := s.SetPrompt(ctx, scope, "be helpful")
	require.NoError(t, err)
	require.Equal(t, 1, v1)

	v2, err := s.SetPrompt(ctx, scope, "be helpful and terse")
	require.NoError(t, err)
	require.Equal(t, 2, v2)

	active, ok, err := s.ActivePrompt(ctx, scope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "be helpful and terse", active.Body)
	require.Equal(t, 2, active.Version)
}

func TestMemoryPromptStore_ActivateVersionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPromptStore()
	scope := model.PromptScope{ChatID: 5}
	_, err := s.SetPrompt(ctx, scope, "v1 body")
	require.NoError(t, err)
	_, err = s.SetPrompt(ctx, scope, "v2 body")
	require.NoError(t, err)

	require.NoError(t, s.ActivateVersion(ctx, scope, 1))

	active, ok, err := s.ActivePrompt(ctx, scope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, active.Version)
	require.Equal(t, "v1 body", active.Body)
}

func TestMemoryPromptStore_ScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPromptStore()
	global := model.PromptScope{Global: true}
	chat := model.PromptScope{ChatID: 9}

	_, err := s.SetPrompt(ctx, global, "global body")
	require.NoError(t, err)
	_, err = s.SetPrompt(ctx, chat, "chat body")
	require.NoError(t, err)

	g, ok, err := s.ActivePrompt(ctx, global)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "global body", g.Body)

	c, ok, err := s.ActivePrompt(ctx, chat)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "chat body", c.Body)
}
