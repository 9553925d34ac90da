package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chatmemory/engine/internal/model"
)

// memConversationStore is an in-process ConversationStore for tests and for
// running the engine without Postgres configured.
type memConversationStore struct {
	mu       sync.RWMutex
	nextID   int64
	messages map[int64]model.Message
	byExtID  map[string]int64
}

// NewMemoryConversationStore returns an in-memory ConversationStore.
func NewMemoryConversationStore() ConversationStore {
	return &memConversationStore{
		messages: make(map[int64]model.Message),
		byExtID:  make(map[string]int64),
	}
}

func (s *memConversationStore) Init(ctx context.Context) error { return nil }

func (s *memConversationStore) AddTurn(ctx context.Context, msg model.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ID] = msg
	if msg.External.MessageID != "" {
		s.byExtID[msg.External.MessageID] = msg.ID
	}
	return msg.ID, nil
}

func (s *memConversationStore) Recent(ctx context.Context, chatID, threadID int64, maxTurns int) ([]model.Message, error) {
	if maxTurns <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Message
	for _, m := range s.messages {
		if m.ChatID == chatID && m.ThreadID == threadID {
			matched = append(matched, m)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	limit := 2 * maxTurns
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (s *memConversationStore) ByExternalID(ctx context.Context, externalMessageID string) (model.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExtID[externalMessageID]
	if !ok {
		return model.Message{}, false, nil
	}
	return s.messages[id], true, nil
}

func (s *memConversationStore) DeleteByExternalID(ctx context.Context, externalMessageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExtID[externalMessageID]
	if !ok {
		return false, nil
	}
	delete(s.byExtID, externalMessageID)
	delete(s.messages, id)
	return true, nil
}

func (s *memConversationStore) Prune(ctx context.Context, retentionDays int, keepMessageIDs func(ctx context.Context) (map[int64]struct{}, error)) (int, error) {
	keep, err := keepMessageIDs(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, m := range s.messages {
		if _, excluded := keep[id]; excluded {
			continue
		}
		if m.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			if m.External.MessageID != "" {
				delete(s.byExtID, m.External.MessageID)
			}
			deleted++
		}
	}
	return deleted, nil
}
