// Package store defines the persistence interfaces C1/C2/C4/C10 implement,
// plus the full-text and vector index interfaces the hybrid search engine
// fans out against. Each interface has a Postgres/Qdrant-backed
// implementation and an in-memory implementation of identical shape for
// tests, mirroring this codebase's chat-store pairing.
package store

import (
	"context"
	"time"

	"github.com/chatmemory/engine/internal/model"
)

// ConversationStore persists every message the engine observes (C1).
type ConversationStore interface {
	Init(ctx context.Context) error
	AddTurn(ctx context.Context, msg model.Message) (int64, error)
	Recent(ctx context.Context, chatID, threadID int64, maxTurns int) ([]model.Message, error)
	ByExternalID(ctx context.Context, externalMessageID string) (model.Message, bool, error)
	DeleteByExternalID(ctx context.Context, externalMessageID string) (bool, error)
	Prune(ctx context.Context, retentionDays int, keepMessageIDs func(ctx context.Context) (map[int64]struct{}, error)) (int, error)
}

// FactStore persists versioned facts about users and chats (C2).
type FactStore interface {
	Init(ctx context.Context) error
	AddFact(ctx context.Context, f model.Fact) (model.Fact, error)
	UpdateFact(ctx context.Context, factID int64, newValue string, newConfidence float64, changeType model.FactChangeType) (model.Fact, error)
	ForgetFact(ctx context.Context, factID int64) error
	ForgetAll(ctx context.Context, kind model.EntityKind, entityID int64) error
	GetFacts(ctx context.Context, kind model.EntityKind, entityID int64, category *model.FactCategory, minConfidence float64, limit int) ([]model.Fact, error)
	GetRecent(ctx context.Context, kind model.EntityKind, entityID int64, limit int) ([]model.Fact, error)
	FindExact(ctx context.Context, kind model.EntityKind, entityID int64, category model.FactCategory, key string) (model.Fact, bool, error)
	FindByEmbedding(ctx context.Context, kind model.EntityKind, entityID int64, category model.FactCategory, embedding []float32, minCosine float64) (model.Fact, bool, error)
	Versions(ctx context.Context, factID int64) ([]model.FactVersion, error)
}

// EpisodeStore persists closed conversation windows as episodes (C4).
type EpisodeStore interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, ep model.Episode) (int64, error)
	ByChat(ctx context.Context, chatID int64, limit int) ([]model.Episode, error)
	AllMessageIDs(ctx context.Context) (map[int64]struct{}, error)
	SimilarByEmbedding(ctx context.Context, chatID int64, embedding []float32, limit int) ([]model.Episode, error)
}

// PromptStore persists system-prompt versions per scope (C10).
type PromptStore interface {
	Init(ctx context.Context) error
	ActivePrompt(ctx context.Context, scope model.PromptScope) (model.SystemPrompt, bool, error)
	SetPrompt(ctx context.Context, scope model.PromptScope, body string) (int, error)
	ActivateVersion(ctx context.Context, scope model.PromptScope, version int) error
	History(ctx context.Context, scope model.PromptScope, limit int) ([]model.SystemPrompt, error)
}

// FullTextResult is one full-text search hit with a score normalized to [0,1].
type FullTextResult struct {
	MessageID int64
	Score     float64
	Snippet   string
}

// FullTextIndex is the keyword-search leg of C3.
type FullTextIndex interface {
	Init(ctx context.Context) error
	Index(ctx context.Context, messageID int64, text string, chatID int64, createdAt time.Time) error
	Search(ctx context.Context, chatID int64, query string, limit int) ([]FullTextResult, error)
}

// VectorResult is one vector-search hit with a cosine similarity in [-1,1].
type VectorResult struct {
	ID        int64
	Score     float64
	CreatedAt time.Time
}

// VectorIndex is the semantic-search leg of C3 and the near-match leg of C2/C4.
// A single Qdrant collection per entity kind ("messages", "facts", "episodes")
// is addressed by the Collection argument.
type VectorIndex interface {
	Upsert(ctx context.Context, collection string, id int64, embedding []float32, payload map[string]any) error
	Delete(ctx context.Context, collection string, id int64) error
	SimilaritySearch(ctx context.Context, collection string, embedding []float32, filter map[string]any, limit int) ([]VectorResult, error)
	Dimension() int
}
