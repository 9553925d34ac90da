package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chatmemory/engine/internal/model"
)

// memFactStore is an in-process FactStore for tests and for running the
// engine without Postgres configured. It implements the same primitive
// operations as pgFactStore (AddFact never merges; callers do
// FindExact/FindByEmbedding first) so both backends drive identical
// reinforcement/conflict logic in the fact quality manager.
type memFactStore struct {
	mu       sync.Mutex
	nextID   int64
	facts    map[int64]model.Fact
	versions map[int64][]model.FactVersion
}

// NewMemoryFactStore returns an in-memory FactStore.
func NewMemoryFactStore() FactStore {
	return &memFactStore{
		facts:    make(map[int64]model.Fact),
		versions: make(map[int64][]model.FactVersion),
	}
}

func (s *memFactStore) Init(ctx context.Context) error { return nil }

func (s *memFactStore) AddFact(ctx context.Context, f model.Fact) (model.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	f.ID = s.nextID
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	if f.DecayRate == 0 {
		f.DecayRate = defaultDecayRate
	}
	if f.EvidenceCount == 0 {
		f.EvidenceCount = 1
	}
	f.Active = true
	s.facts[f.ID] = f
	s.versions[f.ID] = append(s.versions[f.ID], model.FactVersion{
		ID: 1, FactID: f.ID, ChangeType: model.ChangeCreated,
		NewValue: f.Value, ConfidenceDelta: f.Confidence, CreatedAt: f.CreatedAt,
	})
	return f, nil
}

func (s *memFactStore) UpdateFact(ctx context.Context, factID int64, newValue string, newConfidence float64, changeType model.FactChangeType) (model.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[factID]
	if !ok {
		return model.Fact{}, nil
	}
	prior := f.Value
	priorConf := f.Confidence
	f.Value = newValue
	f.Confidence = newConfidence
	f.UpdatedAt = time.Now().UTC()
	s.facts[factID] = f
	s.versions[factID] = append(s.versions[factID], model.FactVersion{
		ID: int64(len(s.versions[factID]) + 1), FactID: factID, ChangeType: changeType,
		PriorValue: prior, NewValue: newValue, ConfidenceDelta: newConfidence - priorConf, CreatedAt: f.UpdatedAt,
	})
	return f, nil
}

func (s *memFactStore) ForgetFact(ctx context.Context, factID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[factID]
	if !ok || !f.Active {
		return nil
	}
	f.Active = false
	f.UpdatedAt = time.Now().UTC()
	s.facts[factID] = f
	s.versions[factID] = append(s.versions[factID], model.FactVersion{
		ID: int64(len(s.versions[factID]) + 1), FactID: factID, ChangeType: model.ChangeDeleted,
		PriorValue: f.Value, NewValue: f.Value, CreatedAt: f.UpdatedAt,
	})
	return nil
}

func (s *memFactStore) ForgetAll(ctx context.Context, kind model.EntityKind, entityID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.facts {
		if f.EntityKind == kind && f.EntityID == entityID && f.Active {
			f.Active = false
			f.UpdatedAt = time.Now().UTC()
			s.facts[id] = f
			s.versions[id] = append(s.versions[id], model.FactVersion{
				ID: int64(len(s.versions[id]) + 1), FactID: id, ChangeType: model.ChangeDeleted,
				PriorValue: f.Value, NewValue: f.Value, CreatedAt: f.UpdatedAt,
			})
		}
	}
	return nil
}

func (s *memFactStore) GetFacts(ctx context.Context, kind model.EntityKind, entityID int64, category *model.FactCategory, minConfidence float64, limit int) ([]model.Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Fact
	for _, f := range s.facts {
		if f.EntityKind != kind || f.EntityID != entityID || !f.Active {
			continue
		}
		if category != nil && f.Category != *category {
			continue
		}
		if f.Confidence < minConfidence {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memFactStore) GetRecent(ctx context.Context, kind model.EntityKind, entityID int64, limit int) ([]model.Fact, error) {
	return s.GetFacts(ctx, kind, entityID, nil, 0, limit)
}

func (s *memFactStore) FindExact(ctx context.Context, kind model.EntityKind, entityID int64, category model.FactCategory, key string) (model.Fact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.facts {
		if f.Active && f.EntityKind == kind && f.EntityID == entityID && f.Category == category && f.Key == key {
			return f, true, nil
		}
	}
	return model.Fact{}, false, nil
}

func (s *memFactStore) FindByEmbedding(ctx context.Context, kind model.EntityKind, entityID int64, category model.FactCategory, embedding []float32, minCosine float64) (model.Fact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best model.Fact
	bestScore := -1.0
	found := false
	for _, f := range s.facts {
		if !f.Active || f.EntityKind != kind || f.EntityID != entityID || f.Category != category || len(f.Embedding) == 0 {
			continue
		}
		score := cosineSimilarity(embedding, f.Embedding)
		if score > bestScore {
			bestScore = score
			best = f
			found = true
		}
	}
	if !found || bestScore < minCosine {
		return model.Fact{}, false, nil
	}
	return best, true, nil
}

func (s *memFactStore) Versions(ctx context.Context, factID int64) ([]model.FactVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FactVersion, len(s.versions[factID]))
	copy(out, s.versions[factID])
	return out, nil
}
