package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chatmemory/engine/internal/model"
)

type memEpisodeStore struct {
	mu       sync.Mutex
	nextID   int64
	episodes map[int64]model.Episode
}

// NewMemoryEpisodeStore returns an in-memory EpisodeStore.
func NewMemoryEpisodeStore() EpisodeStore {
	return &memEpisodeStore{episodes: make(map[int64]model.Episode)}
}

func (s *memEpisodeStore) Init(ctx context.Context) error { return nil }

func (s *memEpisodeStore) Create(ctx context.Context, ep model.Episode) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ep.ID = s.nextID
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	s.episodes[ep.ID] = ep
	return ep.ID, nil
}

func (s *memEpisodeStore) ByChat(ctx context.Context, chatID int64, limit int) ([]model.Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Episode
	for _, ep := range s.episodes {
		if ep.ChatID == chatID {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memEpisodeStore) AllMessageIDs(ctx context.Context) (map[int64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]struct{})
	for _, ep := range s.episodes {
		for _, id := range ep.MessageIDs {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *memEpisodeStore) SimilarByEmbedding(ctx context.Context, chatID int64, embedding []float32, limit int) ([]model.Episode, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ranked := make([]scoredEpisode, 0)
	for _, ep := range s.episodes {
		if ep.ChatID != chatID || len(ep.Embedding) == 0 {
			continue
		}
		ranked = append(ranked, scoredEpisode{ep: ep, score: cosineSimilarity(embedding, ep.Embedding)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]model.Episode, len(ranked))
	for i, r := range ranked {
		out[i] = r.ep
	}
	return out, nil
}
