// Package search implements the hybrid keyword+vector retrieval leg of the
// context assembler: fetch both legs concurrently, normalize, and fuse by a
// single weighted-score formula.
package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatmemory/engine/internal/engineerr"
	"github.com/chatmemory/engine/internal/store"
)

// Weights configures the fusion formula. SemanticWeight+KeywordWeight must
// equal 1.0; Engine.Search does not re-validate this (config.Validate does).
type Weights struct {
	SemanticWeight float64
	KeywordWeight  float64
	TemporalWeight float64
	HalfLifeDays   float64
}

// Result is one ranked message snippet.
type Result struct {
	MessageID int64
	Score     float64
	Snippet   string
	CreatedAt time.Time
}

// ImportanceLookup resolves the per-message importance factor, defaulting to
// 1.0 when no override row exists.
type ImportanceLookup func(ctx context.Context, messageID int64) float64

// Engine is the hybrid search engine (C3).
type Engine struct {
	FullText            store.FullTextIndex
	Vector              store.VectorIndex
	Importance          ImportanceLookup
	MaxCandidates       int
	DegradedKeywordOnly func() // telemetry hook, called when the semantic leg is skipped due to embedding failure
}

const vectorCollectionMessages = "messages"

// Search returns the top-N messages for query against chatID, fusing the
// full-text and vector legs by the weighted formula in §4.3. embedding may
// be nil, in which case the semantic leg is skipped and the
// DegradedKeywordOnly hook fires.
func (e *Engine) Search(ctx context.Context, chatID int64, query string, embedding []float32, w Weights, topN int) ([]Result, error) {
	maxCandidates := e.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 500
	}

	skipSemantic := len(strings.Fields(query)) < 3 || embedding == nil
	if embedding == nil && e.DegradedKeywordOnly != nil {
		e.DegradedKeywordOnly()
	}

	var keywordHits []store.FullTextResult
	var vectorHits []store.VectorResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := e.FullText.Search(gctx, chatID, query, maxCandidates)
		if err != nil {
			return engineerr.E(engineerr.KindStore, "search.Engine.Search.fulltext", err)
		}
		keywordHits = hits
		return nil
	})
	if !skipSemantic {
		g.Go(func() error {
			hits, err := e.Vector.SimilaritySearch(gctx, vectorCollectionMessages, embedding,
				map[string]any{"chat_id": chatID}, maxCandidates)
			if err != nil {
				if e.DegradedKeywordOnly != nil {
					e.DegradedKeywordOnly()
				}
				return nil // degrade gracefully, don't fail the whole search
			}
			vectorHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type candidate struct {
		messageID int64
		keyword   float64
		semantic  float64
		createdAt time.Time
		snippet   string
	}
	candidates := make(map[int64]*candidate)
	for _, h := range keywordHits {
		candidates[h.MessageID] = &candidate{messageID: h.MessageID, keyword: h.Score, snippet: h.Snippet}
	}
	for _, h := range vectorHits {
		c, ok := candidates[h.ID]
		if !ok {
			c = &candidate{messageID: h.ID, createdAt: h.CreatedAt}
			candidates[h.ID] = c
		}
		c.semantic = h.Score
		if c.createdAt.IsZero() {
			c.createdAt = h.CreatedAt
		}
	}

	now := time.Now()
	halfLife := w.HalfLifeDays
	if halfLife <= 0 {
		halfLife = 7
	}
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		ageDays := 0.0
		if !c.createdAt.IsZero() {
			ageDays = now.Sub(c.createdAt).Hours() / 24
			if ageDays < 0 {
				ageDays = 0
			}
		}
		temporal := math.Exp(-ageDays / halfLife)
		importance := 1.0
		if e.Importance != nil {
			importance = e.Importance(ctx, c.messageID)
		}
		score := (c.semantic*w.SemanticWeight + c.keyword*w.KeywordWeight) *
			math.Pow(temporal, w.TemporalWeight) * importance * typeBoost()
		results = append(results, Result{
			MessageID: c.messageID,
			Score:     score,
			Snippet:   c.snippet,
			CreatedAt: c.createdAt,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].MessageID > results[j].MessageID
	})
	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}

// typeBoost is a per-message-kind multiplier the fusion formula reserves for
// future tuning (e.g. weighting a summary or pinned message above an
// ordinary turn). No message kind is distinguished yet, so every candidate
// gets the neutral boost.
func typeBoost() float64 { return 1.0 }
