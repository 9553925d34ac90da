package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/model"
)

func TestMemoryFactStore_ReinforcementRaisesEvidenceNotDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryFactStore()

	f, err := s.AddFact(ctx, model.Fact{
		EntityKind: model.EntityUser, EntityID: 42,
		Category: model.CategoryPersonal, Key: "location", Value: "Kyiv", Confidence: 0.8,
	})
	require.NoError(t, err)

	existing, ok, err := s.FindExact(ctx, model.EntityUser, 42, model.CategoryPersonal, "location")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, f.ID, existing.ID)

	newConfidence := existing.Confidence
	if 0.7 > newConfidence {
		newConfidence = 0.7
	}
	existing.EvidenceCount++
	updated, err := s.UpdateFact(ctx, existing.ID, existing.Value, newConfidence, model.ChangeReinforced)
	require.NoError(t, err)
	require.Equal(t, 0.8, updated.Confidence)

	facts, err := s.GetFacts(ctx, model.EntityUser, 42, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)

	versions, err := s.Versions(ctx, existing.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, model.ChangeCreated, versions[0].ChangeType)
	require.Equal(t, model.ChangeReinforced, versions[1].ChangeType)
}

func TestMemoryFactStore_ConflictSupersedes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryFactStore()

	f, err := s.AddFact(ctx, model.Fact{
		EntityKind: model.EntityUser, EntityID: 42,
		Category: model.CategoryPersonal, Key: "location", Value: "Kyiv", Confidence: 0.8,
	})
	require.NoError(t, err)

	_, err = s.UpdateFact(ctx, f.ID, "Lviv", 0.9, model.ChangeSuperseded)
	require.NoError(t, err)

	active, ok, err := s.FindExact(ctx, model.EntityUser, 42, model.CategoryPersonal, "location")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Lviv", active.Value)
	require.InDelta(t, 0.9, active.Confidence, 1e-9)

	versions, err := s.Versions(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, model.ChangeSuperseded, versions[1].ChangeType)
}

func TestMemoryFactStore_ForgetFactSoftDeletes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryFactStore()

	f, err := s.AddFact(ctx, model.Fact{
		EntityKind: model.EntityUser, EntityID: 1,
		Category: model.CategoryPreference, Key: "food", Value: "pizza", Confidence: 0.7,
	})
	require.NoError(t, err)

	require.NoError(t, s.ForgetFact(ctx, f.ID))

	facts, err := s.GetFacts(ctx, model.EntityUser, 1, nil, 0, 10)
	require.NoError(t, err)
	require.Empty(t, facts)

	versions, err := s.Versions(ctx, f.ID)
	require.NoError(t, err)
	require.Equal(t, model.ChangeDeleted, versions[len(versions)-1].ChangeType)
}
