// Package orchestrator wires the engine's stores, search, assembly, prompt,
// fact, and episode components into the request/ingest/retention surface
// the process entrypoint drives. It owns no business rules of its own; it
// is the concurrency glue between components that are each independently
// testable.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatmemory/engine/internal/agent/memory"
	"github.com/chatmemory/engine/internal/assembler"
	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/embedding"
	"github.com/chatmemory/engine/internal/episode"
	"github.com/chatmemory/engine/internal/fact"
	"github.com/chatmemory/engine/internal/llm"
	"github.com/chatmemory/engine/internal/model"
	"github.com/chatmemory/engine/internal/promptmgr"
	"github.com/chatmemory/engine/internal/search"
	"github.com/chatmemory/engine/internal/store"
)

const vectorCollectionMessages = "messages"

// Stores bundles every persistence backend the engine depends on. Callers
// build these once at startup, choosing in-memory or Postgres/Qdrant-backed
// implementations per config.DatabaseConfig.
type Stores struct {
	Conversations store.ConversationStore
	Facts         store.FactStore
	Episodes      store.EpisodeStore
	Prompts       store.PromptStore
	FullText      store.FullTextIndex
	Vector        store.VectorIndex
}

// Engine is the assembled runtime: one instance per process, shared across
// every chat it serves.
type Engine struct {
	cfg    config.Config
	stores Stores
	llm    llm.Provider

	search    *search.Engine
	assembler *assembler.Assembler
	prompts   *promptmgr.Manager
	facts     *fact.Pipeline
	quality   *fact.QualityManager
	detector  *episode.BoundaryDetector
	monitor   *episode.Monitor
	summarize *episode.Summarizer

	ruleMu    sync.Mutex
	ruleBooks map[int64]*memory.RuleBook

	ingestMu    sync.Mutex
	ingestLocks map[conversationKey]*sync.Mutex

	wg sync.WaitGroup
}

type conversationKey struct {
	ChatID   int64
	ThreadID int64
}

// New assembles an Engine from its configuration, stores, and LLM provider.
// basePersona is the engine-wide default system prompt body, overridable per
// chat and per global scope through the prompt store.
func New(cfg config.Config, stores Stores, provider llm.Provider, basePersona string) *Engine {
	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := embedding.EmbedText(ctx, cfg.Embedding, []string{text})
		if err != nil {
			return nil, err
		}
		return vecs[0], nil
	}

	searchEngine := &search.Engine{
		FullText:      stores.FullText,
		Vector:        stores.Vector,
		Importance:    importanceLookup(stores.Episodes),
		MaxCandidates: cfg.Search.MaxCandidates,
		DegradedKeywordOnly: func() {
			log.Warn().Msg("search_degraded_keyword_only")
		},
	}

	asm := &assembler.Assembler{
		Conversations: stores.Conversations,
		Facts:         stores.Facts,
		Episodes:      stores.Episodes,
		Search:        searchEngine,
		Cfg:           cfg.Context,
		SearchWeights: search.Weights{
			SemanticWeight: cfg.Search.SemanticWeight,
			KeywordWeight:  cfg.Search.KeywordWeight,
			TemporalWeight: cfg.Search.TemporalWeight,
			HalfLifeDays:   cfg.Search.HalfLifeDays,
		},
		Embed:             embedFn,
		ChatMemoryEnabled: true,
	}

	quality := fact.NewQualityManager(stores.Facts, embedFn, cfg.FactQuality)
	pipeline := fact.NewPipeline([]fact.Extractor{
		fact.NewRuleExtractor(),
		fact.NewStatisticalExtractor(),
		fact.NewLLMExtractor(provider, cfg.LLM.Model),
	}, quality)

	detector := episode.NewBoundaryDetector(cfg.Episode, embedFn)
	summarizer := episode.NewSummarizer(provider, cfg.LLM.SummaryModel)

	e := &Engine{
		cfg:         cfg,
		stores:      stores,
		llm:         provider,
		search:      searchEngine,
		assembler:   asm,
		facts:       pipeline,
		quality:     quality,
		detector:    detector,
		summarize:   summarizer,
		ruleBooks:   make(map[int64]*memory.RuleBook),
		ingestLocks: make(map[conversationKey]*sync.Mutex),
	}

	e.monitor = episode.NewMonitor(cfg.Episode, detector, e.onEpisodeClose)
	e.prompts = promptmgr.NewManager(stores.Prompts, basePersona, e.ruleBookFor, cfg.PromptCacheTTL)

	return e
}

// ruleBookFor lazily constructs and caches the per-chat persona rule book
// promptmgr.Manager composes into each chat's system prompt.
func (e *Engine) ruleBookFor(chatID int64) *memory.RuleBook {
	e.ruleMu.Lock()
	defer e.ruleMu.Unlock()
	if rb, ok := e.ruleBooks[chatID]; ok {
		return rb
	}
	rb := memory.NewRuleBook(memory.RuleBookConfig{
		EmbeddingConfig: e.cfg.Embedding,
		LLM:             e.llm,
		Model:           e.cfg.LLM.Model,
		ChatID:          chatID,
	})
	e.ruleBooks[chatID] = rb
	return rb
}

// conversationLock returns the per-(chat,thread) mutex that serializes
// ingest writes, so arrival order into the conversation store matches the
// order Ingest was called for that conversation even under concurrent
// transport delivery.
func (e *Engine) conversationLock(chatID, threadID int64) *sync.Mutex {
	key := conversationKey{ChatID: chatID, ThreadID: threadID}
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	if l, ok := e.ingestLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.ingestLocks[key] = l
	return l
}

func importanceLookup(episodes store.EpisodeStore) search.ImportanceLookup {
	return func(ctx context.Context, messageID int64) float64 {
		return 1.0
	}
}

// Ingest persists an incoming message, indexes it for retrieval, and feeds
// it into episode-boundary tracking. Fact extraction runs on the updated
// recent window in the background so the caller's turn latency isn't gated
// on an LLM round trip.
func (e *Engine) Ingest(ctx context.Context, msg model.Message) (int64, error) {
	lock := e.conversationLock(msg.ChatID, msg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	id, err := e.stores.Conversations.AddTurn(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: add turn: %w", err)
	}
	msg.ID = id

	if err := e.stores.FullText.Index(ctx, id, msg.Text, msg.ChatID, msg.CreatedAt); err != nil {
		log.Warn().Err(err).Int64("message_id", id).Msg("fulltext_index_failed")
	}

	if len(msg.Embedding) > 0 {
		payload := map[string]any{"chat_id": msg.ChatID, "thread_id": msg.ThreadID}
		if err := e.stores.Vector.Upsert(ctx, vectorCollectionMessages, id, msg.Embedding, payload); err != nil {
			log.Warn().Err(err).Int64("message_id", id).Msg("vector_upsert_failed")
		}
	}

	e.monitor.Track(ctx, msg)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Msg("fact_extraction_panic_recovered")
			}
		}()
		bg := context.Background()
		recent, err := e.stores.Conversations.Recent(bg, msg.ChatID, msg.ThreadID, 20)
		if err != nil {
			log.Warn().Err(err).Msg("fact_extraction_recent_fetch_failed")
			return
		}
		if _, err := e.facts.Run(bg, recent); err != nil {
			log.Warn().Err(err).Msg("fact_extraction_failed")
		}
	}()

	return id, nil
}

// Assemble composes the full context block for one turn.
func (e *Engine) Assemble(ctx context.Context, chatID, threadID, authorID int64, query string, queryEmbedding []float32, current model.Message) (*assembler.Assembled, error) {
	return e.assembler.Assemble(ctx, chatID, threadID, authorID, query, queryEmbedding, current)
}

// SystemPrompt returns chatID's effective composed system prompt.
func (e *Engine) SystemPrompt(ctx context.Context, chatID int64) (string, error) {
	return e.prompts.Compose(ctx, chatID)
}

// FactStore exposes the fact store for tool registration (see
// internal/tools.RegisterMemoryTools), which the out-of-scope transport
// layer wires into its own tool dispatcher alongside this engine's quality
// manager.
func (e *Engine) FactStore() store.FactStore { return e.stores.Facts }

// Quality exposes the fact quality manager so update_fact-style tool calls
// route through the same dedup/confidence gate as background extraction.
func (e *Engine) Quality() *fact.QualityManager { return e.quality }

// onEpisodeClose is the episode.CloseHandler: summarize the closed window,
// persist it as an episode, and fold a distilled rule into the chat's
// persona rule book.
func (e *Engine) onEpisodeClose(ctx context.Context, key episode.WindowKey, messages []model.Message, participants int, reason string) {
	summary := e.summarize.Summarize(ctx, messages, reason)
	importance := episode.Importance(messages, participants)

	participantIDs := make([]int64, 0, participants)
	seen := make(map[int64]struct{}, participants)
	for _, m := range messages {
		if _, ok := seen[m.AuthorID]; ok {
			continue
		}
		seen[m.AuthorID] = struct{}{}
		participantIDs = append(participantIDs, m.AuthorID)
	}

	messageIDs := make([]int64, len(messages))
	for i, m := range messages {
		messageIDs[i] = m.ID
	}

	ep := model.Episode{
		ChatID:       key.ChatID,
		ThreadID:     key.ThreadID,
		Participants: participantIDs,
		Topic:        summary.Topic,
		Summary:      summary.Text,
		Valence:      summary.Valence,
		Tags:         summary.Tags,
		MessageIDs:   messageIDs,
		Importance:   importance,
		CreatedAt:    time.Now(),
	}
	if vecs, err := embedding.EmbedText(ctx, e.cfg.Embedding, []string{summary.Text}); err == nil && len(vecs) > 0 {
		ep.Embedding = vecs[0]
	}

	epID, err := e.stores.Episodes.Create(ctx, ep)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", key.ChatID).Msg("episode_create_failed")
		return
	}
	if len(ep.Embedding) > 0 {
		if err := e.stores.Vector.Upsert(ctx, "episodes", epID, ep.Embedding, map[string]any{"chat_id": key.ChatID}); err != nil {
			log.Warn().Err(err).Int64("episode_id", epID).Msg("episode_vector_upsert_failed")
		}
	}

	rb := e.ruleBookFor(key.ChatID)
	if err := rb.Learn(ctx, summary.Topic, summary.Text); err != nil {
		log.Debug().Err(err).Int64("chat_id", key.ChatID).Msg("rule_book_learn_skipped")
	}
}

// RunEpisodeMonitor drives the episode monitor's inactivity sweep until ctx
// is cancelled.
func (e *Engine) RunEpisodeMonitor(ctx context.Context) {
	e.monitor.Run(ctx, time.Duration(e.cfg.Episode.MonitorIntervalSeconds)*time.Second)
}

// RunRetention periodically prunes conversation history older than the
// configured retention window, keeping every message still referenced by a
// persisted episode.
func (e *Engine) RunRetention(ctx context.Context) {
	if !e.cfg.Retention.Enabled {
		return
	}
	interval := e.cfg.Retention.PruneInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pruneRecovered(ctx)
		}
	}
}

// pruneRecovered runs one retention prune pass, recovering a panic at the
// loop boundary so a single bad pass never brings down the retention loop.
func (e *Engine) pruneRecovered(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("retention_prune_panic_recovered")
		}
	}()
	n, err := e.stores.Conversations.Prune(ctx, e.cfg.Retention.Days, e.stores.Episodes.AllMessageIDs)
	if err != nil {
		log.Warn().Err(err).Msg("retention_prune_failed")
		return
	}
	log.Info().Int("pruned", n).Msg("retention_prune_complete")
}

// Shutdown waits up to the configured grace period for in-flight background
// fact extraction to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.prompts.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
