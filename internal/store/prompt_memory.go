package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chatmemory/engine/internal/engineerr"
	"github.com/chatmemory/engine/internal/model"
)

var errVersionNotFound = errors.New("prompt version not found")

type memPromptStore struct {
	mu      sync.Mutex
	prompts map[model.PromptScope][]model.SystemPrompt
}

// NewMemoryPromptStore returns an in-memory PromptStore.
func NewMemoryPromptStore() PromptStore {
	return &memPromptStore{prompts: make(map[model.PromptScope][]model.SystemPrompt)}
}

func (s *memPromptStore) Init(ctx context.Context) error { return nil }

func (s *memPromptStore) ActivePrompt(ctx context.Context, scope model.PromptScope) (model.SystemPrompt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts[scope] {
		if p.Active {
			return p, true, nil
		}
	}
	return model.SystemPrompt{}, false, nil
}

func (s *memPromptStore) SetPrompt(ctx context.Context, scope model.PromptScope, body string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.prompts[scope]
	for i := range existing {
		existing[i].Active = false
	}
	version := len(existing) + 1
	existing = append(existing, model.SystemPrompt{
		Scope: scope, Version: version, Body: body, Active: true, CreatedAt: time.Now().UTC(),
	})
	s.prompts[scope] = existing
	return version, nil
}

func (s *memPromptStore) ActivateVersion(ctx context.Context, scope model.PromptScope, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.prompts[scope]
	found := false
	for i := range existing {
		if existing[i].Version == version {
			found = true
		}
	}
	if !found {
		return engineerr.E(engineerr.KindStore, "prompt.ActivateVersion", errVersionNotFound)
	}
	for i := range existing {
		existing[i].Active = existing[i].Version == version
	}
	s.prompts[scope] = existing
	return nil
}

func (s *memPromptStore) History(ctx context.Context, scope model.PromptScope, limit int) ([]model.SystemPrompt, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SystemPrompt, len(s.prompts[scope]))
	copy(out, s.prompts[scope])
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
