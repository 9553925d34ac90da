package store

import (
	"context"
	"math"
	"sort"
	"sync"
)

type memVectorPoint struct {
	embedding []float32
	payload   map[string]any
}

// memVectorIndex is an in-process VectorIndex computing exact cosine
// similarity by brute force, used for tests and for running the engine
// without Qdrant configured.
type memVectorIndex struct {
	mu        sync.RWMutex
	dimension int
	points    map[string]map[int64]memVectorPoint
}

// NewMemoryVectorIndex returns an in-memory VectorIndex.
func NewMemoryVectorIndex(dimension int) VectorIndex {
	return &memVectorIndex{
		dimension: dimension,
		points:    make(map[string]map[int64]memVectorPoint),
	}
}

func (v *memVectorIndex) Dimension() int { return v.dimension }

func (v *memVectorIndex) Upsert(ctx context.Context, collection string, id int64, embedding []float32, payload map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.points[collection] == nil {
		v.points[collection] = make(map[int64]memVectorPoint)
	}
	emb := make([]float32, len(embedding))
	copy(emb, embedding)
	v.points[collection][id] = memVectorPoint{embedding: emb, payload: payload}
	return nil
}

func (v *memVectorIndex) Delete(ctx context.Context, collection string, id int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.points[collection], id)
	return nil
}

func (v *memVectorIndex) SimilaritySearch(ctx context.Context, collection string, embedding []float32, filter map[string]any, limit int) ([]VectorResult, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	var out []VectorResult
	for id, p := range v.points[collection] {
		if !matchesFilter(p.payload, filter) {
			continue
		}
		out = append(out, VectorResult{ID: id, Score: cosineSimilarity(embedding, p.embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilter(payload map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
