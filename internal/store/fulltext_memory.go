package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type ftDoc struct {
	chatID    int64
	text      string
	createdAt time.Time
}

// memFullTextIndex is a simple token-overlap scorer used for tests and for
// running the engine without Postgres configured. It is not a substitute for
// proper ranked full-text search, only a same-shaped stand-in.
type memFullTextIndex struct {
	mu   sync.RWMutex
	docs map[int64]ftDoc
}

// NewMemoryFullTextIndex returns an in-memory FullTextIndex.
func NewMemoryFullTextIndex() FullTextIndex {
	return &memFullTextIndex{docs: make(map[int64]ftDoc)}
}

func (f *memFullTextIndex) Init(ctx context.Context) error { return nil }

func (f *memFullTextIndex) Index(ctx context.Context, messageID int64, text string, chatID int64, createdAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[messageID] = ftDoc{chatID: chatID, text: text, createdAt: createdAt}
	return nil
}

func (f *memFullTextIndex) Search(ctx context.Context, chatID int64, query string, limit int) ([]FullTextResult, error) {
	if limit <= 0 {
		limit = 10
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []FullTextResult
	for id, doc := range f.docs {
		if doc.chatID != chatID {
			continue
		}
		docTerms := tokenize(doc.text)
		if len(docTerms) == 0 {
			continue
		}
		hits := 0
		for t := range terms {
			if docTerms[t] > 0 {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, FullTextResult{
			MessageID: id,
			Score:     float64(hits) / float64(len(terms)),
			Snippet:   snippetOf(doc.text),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func tokenize(s string) map[string]int {
	counts := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}")
		if w != "" {
			counts[w]++
		}
	}
	return counts
}

func snippetOf(text string) string {
	const max = 160
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}
