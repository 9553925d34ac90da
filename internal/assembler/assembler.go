// Package assembler implements C9, the multi-level context assembler: five
// concurrently-fetched layers (immediate, recent, relevant, background,
// episodic) merged into a single token-budgeted prompt block.
package assembler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/llm"
	"github.com/chatmemory/engine/internal/model"
	"github.com/chatmemory/engine/internal/search"
	"github.com/chatmemory/engine/internal/store"
)

const (
	inlineImageTokenSurcharge = 258
	remoteMediaTokenSurcharge = 100
	defaultTokenBudget        = 8000
)

// EmbedFunc embeds a query string for the relevant layer's semantic leg.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Layer is one of the five assembled context layers.
type Layer struct {
	Name     string
	Messages []model.Message
	Snippets []search.Result
	Facts    []model.Fact
	Episodes []model.Episode
	Tokens   int
	Degraded bool // true if its store call errored and it was downgraded to empty
}

// Assembled is the output of one Assemble call: the five layers plus the
// rendered prompt block in whichever format config.ContextConfig selects.
type Assembled struct {
	Immediate, Recent, Relevant, Background, Episodic Layer
	Rendered                                          string
	TotalTokens                                       int
	Budget                                            int
}

// Assembler fetches and merges the five context layers for one turn.
type Assembler struct {
	Conversations store.ConversationStore
	Facts         store.FactStore
	Episodes      store.EpisodeStore
	Search        *search.Engine
	Cfg           config.ContextConfig
	SearchWeights search.Weights
	Embed         EmbedFunc
	// ChatMemoryEnabled gates whether the Background layer also pulls
	// chat-scoped facts alongside user-scoped ones.
	ChatMemoryEnabled bool
}

// Assemble builds the five-layer context for chatID/threadID given the
// user's current-turn message and a retrieval query (usually its text).
func (a *Assembler) Assemble(ctx context.Context, chatID, threadID, authorID int64, query string, queryEmbedding []float32, current model.Message) (*Assembled, error) {
	budget := a.Cfg.TokenBudget
	if budget <= 0 {
		budget = defaultTokenBudget
	}
	ratios := a.Cfg.Ratios
	if ratios.Sum() <= 0 {
		ratios = config.LayerRatios{Immediate: 0.2, Recent: 0.3, Relevant: 0.25, Background: 0.15, Episodic: 0.1}
	}

	var immediate, recent, relevant, background, episodic Layer

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		immediate = a.fetchImmediate(gctx, chatID, threadID, current)
		return nil
	})
	g.Go(func() error {
		recent = a.fetchRecent(gctx, chatID, threadID)
		return nil
	})
	g.Go(func() error {
		relevant = a.fetchRelevant(gctx, chatID, query, queryEmbedding)
		return nil
	})
	g.Go(func() error {
		background = a.fetchBackground(gctx, chatID, authorID)
		return nil
	})
	g.Go(func() error {
		episodic = a.fetchEpisodic(gctx, chatID, queryEmbedding)
		return nil
	})

	_ = g.Wait() // per-layer errors already downgrade to empty layers; nothing to propagate

	budgets := map[string]int{
		"immediate":  int(float64(budget) * ratios.Immediate),
		"recent":     int(float64(budget) * ratios.Recent),
		"relevant":   int(float64(budget) * ratios.Relevant),
		"background": int(float64(budget) * ratios.Background),
		"episodic":   int(float64(budget) * ratios.Episodic),
	}

	fullRecent, fullRelevant := recent, relevant

	immediate = clampImmediate(immediate, a.Cfg.ImmediateMin, a.Cfg.ImmediateMax, budgets["immediate"])
	a.truncateMessages(&recent, budgets["recent"])
	a.truncateSnippets(&relevant, budgets["relevant"])
	a.truncateFacts(&background, budgets["background"])
	a.truncateEpisodes(&episodic, budgets["episodic"])

	// Redistribute unused budget from layers that came in under-budget to
	// relevant first, then recent, since those two most directly shape the
	// quality of the reply.
	used := immediate.Tokens + recent.Tokens + relevant.Tokens + background.Tokens + episodic.Tokens
	leftover := budget - used
	if leftover > 0 {
		relevantCap := relevant.Tokens + leftover
		relevant = fullRelevant
		a.truncateSnippets(&relevant, relevantCap)
		newUsed := immediate.Tokens + recent.Tokens + relevant.Tokens + background.Tokens + episodic.Tokens
		if remaining := budget - newUsed; remaining > 0 {
			recentCap := recent.Tokens + remaining
			recent = fullRecent
			a.truncateMessages(&recent, recentCap)
		}
	}

	out := &Assembled{
		Immediate: immediate, Recent: recent, Relevant: relevant,
		Background: background, Episodic: episodic, Budget: budget,
	}
	out.TotalTokens = out.Immediate.Tokens + out.Recent.Tokens + out.Relevant.Tokens + out.Background.Tokens + out.Episodic.Tokens
	if a.Cfg.CompactFormat {
		out.Rendered = renderCompact(out)
	} else {
		out.Rendered = renderStructured(out)
	}
	return out, nil
}

func (a *Assembler) fetchImmediate(ctx context.Context, chatID, threadID int64, current model.Message) Layer {
	l := Layer{Name: "immediate", Messages: []model.Message{current}}
	l.Tokens = messageTokens(l.Messages)
	return l
}

func (a *Assembler) fetchRecent(ctx context.Context, chatID, threadID int64) Layer {
	l := Layer{Name: "recent"}
	msgs, err := a.Conversations.Recent(ctx, chatID, threadID, 50)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("context_recent_layer_degraded")
		l.Degraded = true
		return l
	}
	l.Messages = msgs
	l.Tokens = messageTokens(msgs)
	return l
}

func (a *Assembler) fetchRelevant(ctx context.Context, chatID int64, query string, embedding []float32) Layer {
	l := Layer{Name: "relevant"}
	if a.Search == nil || strings.TrimSpace(query) == "" {
		return l
	}
	w := a.SearchWeights
	results, err := a.Search.Search(ctx, chatID, query, embedding, w, 20)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("context_relevant_layer_degraded")
		l.Degraded = true
		return l
	}
	l.Snippets = dedupeJaccard(results, 0.85)
	l.Tokens = snippetTokens(l.Snippets)
	return l
}

func (a *Assembler) fetchBackground(ctx context.Context, chatID, authorID int64) Layer {
	l := Layer{Name: "background"}
	userFacts, err := a.Facts.GetFacts(ctx, model.EntityUser, authorID, nil, 0, 100)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", authorID).Msg("context_background_user_facts_degraded")
		l.Degraded = true
	}
	var chatFacts []model.Fact
	if a.ChatMemoryEnabled {
		chatFacts, err = a.Facts.GetFacts(ctx, model.EntityChat, chatID, nil, 0, 100)
		if err != nil {
			log.Warn().Err(err).Int64("chat_id", chatID).Msg("context_background_chat_facts_degraded")
			l.Degraded = true
		}
	}
	sortFactsByConfidence(userFacts)
	sortFactsByConfidence(chatFacts)
	l.Facts = append(l.Facts, userFacts...)
	l.Facts = append(l.Facts, chatFacts...)
	l.Tokens = factTokens(l.Facts)
	return l
}

func (a *Assembler) fetchEpisodic(ctx context.Context, chatID int64, embedding []float32) Layer {
	l := Layer{Name: "episodic"}
	if a.Episodes == nil {
		return l
	}
	var eps []model.Episode
	var err error
	if len(embedding) > 0 {
		eps, err = a.Episodes.SimilarByEmbedding(ctx, chatID, embedding, 5)
	} else {
		eps, err = a.Episodes.ByChat(ctx, chatID, 5)
	}
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("context_episodic_layer_degraded")
		l.Degraded = true
		return l
	}
	l.Episodes = eps
	l.Tokens = episodeTokens(eps)
	return l
}

// sortFactsByConfidence orders facts highest-confidence first so truncation
// drops the least-trusted facts first.
func sortFactsByConfidence(facts []model.Fact) {
	now := time.Now()
	sort.SliceStable(facts, func(i, j int) bool {
		return facts[i].EffectiveConfidence(now) > facts[j].EffectiveConfidence(now)
	})
}
