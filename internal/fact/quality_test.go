package fact

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/model"
)

type memFactStore struct {
	facts  map[int64]model.Fact
	nextID int64
}

func newMemFactStore() *memFactStore {
	return &memFactStore{facts: make(map[int64]model.Fact)}
}

func (m *memFactStore) Init(ctx context.Context) error { return nil }

func (m *memFactStore) AddFact(ctx context.Context, f model.Fact) (model.Fact, error) {
	m.nextID++
	f.ID = m.nextID
	f.Active = true
	f.CreatedAt = time.Now()
	f.UpdatedAt = time.Now()
	m.facts[f.ID] = f
	return f, nil
}

func (m *memFactStore) UpdateFact(ctx context.Context, factID int64, newValue string, newConfidence float64, changeType model.FactChangeType) (model.Fact, error) {
	f := m.facts[factID]
	f.Value = newValue
	f.Confidence = newConfidence
	f.UpdatedAt = time.Now()
	m.facts[factID] = f
	return f, nil
}

func (m *memFactStore) ForgetFact(ctx context.Context, factID int64) error {
	delete(m.facts, factID)
	return nil
}

func (m *memFactStore) ForgetAll(ctx context.Context, kind model.EntityKind, entityID int64) error {
	return nil
}

func (m *memFactStore) GetFacts(ctx context.Context, kind model.EntityKind, entityID int64, category *model.FactCategory, minConfidence float64, limit int) ([]model.Fact, error) {
	return nil, nil
}

func (m *memFactStore) GetRecent(ctx context.Context, kind model.EntityKind, entityID int64, limit int) ([]model.Fact, error) {
	return nil, nil
}

func (m *memFactStore) FindExact(ctx context.Context, kind model.EntityKind, entityID int64, category model.FactCategory, key string) (model.Fact, bool, error) {
	for _, f := range m.facts {
		if f.EntityKind == kind && f.EntityID == entityID && f.Category == category && f.Key == key {
			return f, true, nil
		}
	}
	return model.Fact{}, false, nil
}

func (m *memFactStore) FindByEmbedding(ctx context.Context, kind model.EntityKind, entityID int64, category model.FactCategory, embedding []float32, minCosine float64) (model.Fact, bool, error) {
	return model.Fact{}, false, nil
}

func (m *memFactStore) Versions(ctx context.Context, factID int64) ([]model.FactVersion, error) {
	return nil, nil
}

func stubEmbedFunc(vec []float32) EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return vec, nil
	}
}

func TestQualityManager_NewFactIsAdded(t *testing.T) {
	store := newMemFactStore()
	qm := NewQualityManager(store, stubEmbedFunc([]float32{1, 0, 0}), config.FactQualityConfig{MinConfidence: 0.5, DuplicateThreshold: 0.85})
	qm.minGap = 0

	out, err := qm.Process(context.Background(), []Candidate{
		{EntityKind: model.EntityUser, EntityID: 1, Category: model.CategoryLocation, Key: "residence", Value: "Austin", Confidence: 0.9},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "Austin", out[0].Value)
}

func TestQualityManager_BelowMinConfidenceDropped(t *testing.T) {
	store := newMemFactStore()
	qm := NewQualityManager(store, stubEmbedFunc([]float32{1, 0, 0}), config.FactQualityConfig{MinConfidence: 0.8})
	qm.minGap = 0

	out, err := qm.Process(context.Background(), []Candidate{
		{EntityKind: model.EntityUser, EntityID: 1, Category: model.CategoryLocation, Key: "residence", Value: "Austin", Confidence: 0.5},
	})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestQualityManager_AgreementReinforces(t *testing.T) {
	store := newMemFactStore()
	store.AddFact(context.Background(), model.Fact{
		EntityKind: model.EntityUser, EntityID: 1, Category: model.CategoryLocation,
		Key: "residence", Value: "Austin", Confidence: 0.7,
	})
	qm := NewQualityManager(store, stubEmbedFunc([]float32{1, 0, 0}), config.FactQualityConfig{MinConfidence: 0.5, DuplicateThreshold: 0.85})
	qm.minGap = 0

	out, err := qm.Process(context.Background(), []Candidate{
		{EntityKind: model.EntityUser, EntityID: 1, Category: model.CategoryLocation, Key: "residence", Value: "Austin", Confidence: 0.9},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 0.9, out[0].Confidence)
}

func TestQualityManager_DisagreementSupersedesWhenConfident(t *testing.T) {
	store := newMemFactStore()
	store.AddFact(context.Background(), model.Fact{
		EntityKind: model.EntityUser, EntityID: 1, Category: model.CategoryLocation,
		Key: "residence", Value: "Austin", Confidence: 0.7,
	})
	qm := NewQualityManager(store, stubEmbedFunc([]float32{1, 0, 0}), config.FactQualityConfig{MinConfidence: 0.5, DuplicateThreshold: 0.85})
	qm.minGap = 0

	out, err := qm.Process(context.Background(), []Candidate{
		{EntityKind: model.EntityUser, EntityID: 1, Category: model.CategoryLocation, Key: "residence", Value: "Denver", Confidence: 0.8},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "Denver", out[0].Value)
}

func TestQualityManager_DisagreementDroppedWhenLowConfidence(t *testing.T) {
	store := newMemFactStore()
	store.AddFact(context.Background(), model.Fact{
		EntityKind: model.EntityUser, EntityID: 1, Category: model.CategoryLocation,
		Key: "residence", Value: "Austin", Confidence: 0.9,
	})
	qm := NewQualityManager(store, stubEmbedFunc([]float32{1, 0, 0}), config.FactQualityConfig{MinConfidence: 0.3, DuplicateThreshold: 0.85})
	qm.minGap = 0

	out, err := qm.Process(context.Background(), []Candidate{
		{EntityKind: model.EntityUser, EntityID: 1, Category: model.CategoryLocation, Key: "residence", Value: "Denver", Confidence: 0.5},
	})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestQualityManager_BatchDedupMergesNearDuplicates(t *testing.T) {
	store := newMemFactStore()
	qm := NewQualityManager(store, nil, config.FactQualityConfig{MinConfidence: 0.5, DuplicateThreshold: 0.85})
	qm.minGap = 0
	qm.embed = func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	}

	out, err := qm.Process(context.Background(), []Candidate{
		{EntityKind: model.EntityUser, EntityID: 1, Category: model.CategoryLocation, Key: "residence", Value: "Austin", Confidence: 0.6},
		{EntityKind: model.EntityUser, EntityID: 1, Category: model.CategoryLocation, Key: "residence", Value: "Austin, TX", Confidence: 0.7},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.InDelta(t, 0.8, out[0].Confidence, 0.001)
}

func TestCosine(t *testing.T) {
	require.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{1, 0}), 0.0001)
	require.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 0.0001)
}
