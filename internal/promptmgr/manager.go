// Package promptmgr implements C10, the system prompt manager: composing a
// chat's effective system prompt from its base persona, any chat-specific
// override, and the learned persona rule book, behind a TTL cache.
package promptmgr

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chatmemory/engine/internal/agent/memory"
	"github.com/chatmemory/engine/internal/model"
	"github.com/chatmemory/engine/internal/store"
)

// DefaultCacheTTL matches the hour-long default used elsewhere for
// token-count caching (internal/llm.DefaultTokenCacheTTL).
const DefaultCacheTTL = 1 * time.Hour

// RuleBookLookup resolves the learned persona rule book for one chat, or nil
// if that chat has no rule book configured.
type RuleBookLookup func(chatID int64) *memory.RuleBook

type cacheEntry struct {
	body      string
	expiresAt time.Time
}

// Manager composes and caches each chat's effective system prompt.
type Manager struct {
	Store       store.PromptStore
	BasePersona string
	RuleBooks   RuleBookLookup
	TTL         time.Duration

	mu    sync.Mutex
	cache map[int64]cacheEntry

	hits, misses int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager builds a Manager and starts its background cache-sweep
// goroutine, mirroring internal/llm.TokenCache's cleanupLoop.
func NewManager(promptStore store.PromptStore, basePersona string, ruleBooks RuleBookLookup, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	m := &Manager{
		Store:       promptStore,
		BasePersona: basePersona,
		RuleBooks:   ruleBooks,
		TTL:         ttl,
		cache:       make(map[int64]cacheEntry),
		stopCh:      make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Stop ends the background sweep goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Compose returns chatID's effective system prompt, serving from cache when
// fresh. Composition order is base persona -> chat-specific override (if
// any) -> learned persona rules appended as a trailing section.
func (m *Manager) Compose(ctx context.Context, chatID int64) (string, error) {
	m.mu.Lock()
	if entry, ok := m.cache[chatID]; ok && time.Now().Before(entry.expiresAt) {
		m.hits++
		m.mu.Unlock()
		return entry.body, nil
	}
	m.misses++
	m.mu.Unlock()

	body, err := m.compose(ctx, chatID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[chatID] = cacheEntry{body: body, expiresAt: time.Now().Add(m.TTL)}
	m.mu.Unlock()
	return body, nil
}

func (m *Manager) compose(ctx context.Context, chatID int64) (string, error) {
	base := m.BasePersona

	if m.Store != nil {
		if global, ok, err := m.Store.ActivePrompt(ctx, model.PromptScope{Global: true}); err != nil {
			return "", err
		} else if ok && strings.TrimSpace(global.Body) != "" {
			base = global.Body
		}

		override, ok, err := m.Store.ActivePrompt(ctx, model.PromptScope{ChatID: chatID})
		if err != nil {
			return "", err
		}
		if ok && strings.TrimSpace(override.Body) != "" {
			base = override.Body
		}
	}

	var sections []string
	if strings.TrimSpace(base) != "" {
		sections = append(sections, base)
	}

	if m.RuleBooks != nil {
		if rb := m.RuleBooks(chatID); rb != nil {
			if rules := rb.Synthesize(ctx, rb.ExportRules()); strings.TrimSpace(rules) != "" {
				sections = append(sections, rules)
			}
		}
	}

	return strings.Join(sections, "\n\n"), nil
}

// SetPrompt stores a new prompt version for scope and invalidates its cache
// entry so the next Compose call picks it up.
func (m *Manager) SetPrompt(ctx context.Context, scope model.PromptScope, body string) (int, error) {
	version, err := m.Store.SetPrompt(ctx, scope, body)
	if err != nil {
		return 0, err
	}
	m.invalidate(scope)
	return version, nil
}

// ActivateVersion switches scope's active version and invalidates its cache
// entry.
func (m *Manager) ActivateVersion(ctx context.Context, scope model.PromptScope, version int) error {
	if err := m.Store.ActivateVersion(ctx, scope, version); err != nil {
		return err
	}
	m.invalidate(scope)
	return nil
}

// InvalidateChat drops chatID's cache entry, e.g. after its rule book learns
// a new persona rule.
func (m *Manager) InvalidateChat(chatID int64) {
	m.mu.Lock()
	delete(m.cache, chatID)
	m.mu.Unlock()
}

func (m *Manager) invalidate(scope model.PromptScope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scope.Global {
		// A global-scope change affects every chat whose override doesn't
		// shadow it; the safest move is to drop the whole cache rather than
		// track per-chat inheritance.
		m.cache = make(map[int64]cacheEntry)
		return
	}
	delete(m.cache, scope.ChatID)
}

// Stats returns cache hit/miss counts.
func (m *Manager) Stats() (hits, misses int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits, m.misses
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for chatID, entry := range m.cache {
		if now.After(entry.expiresAt) {
			delete(m.cache, chatID)
		}
	}
}
