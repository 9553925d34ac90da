// Package memory implements the learned persona-rule book: the
// Search → Synthesize → Learn loop that lets the system prompt manager (C10)
// fold durable behavioral rules distilled from closed episodes into a chat's
// composed system prompt, alongside its base persona and any chat-specific
// override.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/embedding"
	"github.com/chatmemory/engine/internal/llm"
	"github.com/chatmemory/engine/internal/observability"

	"github.com/google/uuid"
)

// PhaseType names the stages of the rule book's retrieval/learning loop, for
// observability hooks.
type PhaseType string

const (
	PhaseSearch    PhaseType = "search"
	PhaseSynthesis PhaseType = "synthesis"
	PhaseLearn     PhaseType = "learn"
)

// RuleEvent is emitted around rule book operations for tracing/debugging.
type RuleEvent struct {
	Phase         PhaseType
	Timestamp     time.Time
	Input         string
	RetrievedIDs  []string
	OutputSize    int
	Error         error
	DurationMs    int64
	RuleCount     int
	RelevanceInfo map[string]float64
}

// RuleCallbacks lets callers observe the rule book's internal phases.
type RuleCallbacks struct {
	OnSearch      func(*RuleEvent)
	OnSynthesized func(*RuleEvent)
	OnLearn       func(*RuleEvent)
}

// EmbedFunc is an injectable embedding function. Production code defaults to
// embedding.EmbedText; tests stub it.
type EmbedFunc func(ctx context.Context, cfg config.EmbeddingConfig, texts []string) ([][]float32, error)

// RuleType distinguishes the kind of behavioral guidance a learned rule
// encodes, mirroring how the system prompt composes base persona text.
type RuleType string

const (
	RuleTone       RuleType = "tone"       // how the bot should sound
	RulePreference RuleType = "preference" // a standing preference observed in the chat
	RuleConstraint RuleType = "constraint" // a boundary the bot should respect
)

// PersonaRule is one distilled, reusable behavioral rule learned from a
// closed conversation episode.
type PersonaRule struct {
	ID             string         `json:"id"`
	ChatID         int64          `json:"chat_id"`
	Guidance       string         `json:"guidance"`     // the rule text, ready to inline into a system prompt
	SourceTopic    string         `json:"source_topic"` // the episode topic it was distilled from
	Type           RuleType       `json:"type"`
	Embedding      []float32      `json:"embedding"`
	Metadata       map[string]any `json:"metadata"`
	AccessCount    int            `json:"access_count"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	RelevanceScore float64        `json:"relevance_score"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScoredRule pairs a rule with its similarity score against a query.
type ScoredRule struct {
	Rule  *PersonaRule `json:"rule"`
	Score float64      `json:"score"`
}

// RuleStore is the persistence backend for a chat's persona rules.
// Implementations must be safe for concurrent use.
type RuleStore interface {
	Load(ctx context.Context, chatID int64) ([]*PersonaRule, error)
	Save(ctx context.Context, chatID int64, rules []*PersonaRule) error
}

// RuleBook holds one chat's learned persona rules and implements the
// retrieval/composition/learning loop that feeds C10's prompt manager:
//   - Search: top-k similarity retrieval of rules relevant to the current turn
//   - Synthesize: format retrieved rules into a prompt-ready block
//   - Learn: distill a new rule from a closed episode's summary
type RuleBook struct {
	mu       sync.RWMutex
	rules    []*PersonaRule
	embedCfg config.EmbeddingConfig
	embedFn  EmbedFunc
	llm      llm.Provider
	model    string
	maxSize  int
	topK     int

	pruneThreshold   float64 // similarity above which new rules merge into existing ones
	relevanceDecay   float64 // per-day decay applied to relevance during pruning
	minRelevance     float64
	enableSmartPrune bool

	store  RuleStore
	chatID int64

	callbacks *RuleCallbacks
}

// TopK returns the configured top-k retrieval size.
func (rb *RuleBook) TopK() int { return rb.topK }

// MaxSize returns the maximum number of rules kept per chat.
func (rb *RuleBook) MaxSize() int { return rb.maxSize }

// RuleBookConfig configures a RuleBook.
type RuleBookConfig struct {
	EmbeddingConfig config.EmbeddingConfig
	EmbedFn         EmbedFunc
	LLM             llm.Provider
	Model           string
	MaxSize         int // 0 = default of 200 rules per chat
	TopK            int // default 4

	PruneThreshold   float64 // default 0.92
	RelevanceDecay   float64 // default 0.99 daily decay
	MinRelevance     float64 // default 0.1
	EnableSmartPrune bool

	Store  RuleStore
	ChatID int64

	Callbacks *RuleCallbacks
}

// NewRuleBook builds a RuleBook, loading any persisted rules for ChatID from
// Store if one is configured.
func NewRuleBook(cfg RuleBookConfig) *RuleBook {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 4
	}
	maxSz := cfg.MaxSize
	if maxSz <= 0 {
		maxSz = 200
	}
	pruneThreshold := cfg.PruneThreshold
	if pruneThreshold <= 0 {
		pruneThreshold = 0.92
	}
	relevanceDecay := cfg.RelevanceDecay
	if relevanceDecay <= 0 {
		relevanceDecay = 0.99
	}
	minRelevance := cfg.MinRelevance
	if minRelevance <= 0 {
		minRelevance = 0.1
	}
	embedFn := cfg.EmbedFn
	if embedFn == nil {
		embedFn = embedding.EmbedText
	}

	rb := &RuleBook{
		rules:            make([]*PersonaRule, 0),
		embedCfg:         cfg.EmbeddingConfig,
		embedFn:          embedFn,
		llm:              cfg.LLM,
		model:            cfg.Model,
		maxSize:          maxSz,
		topK:             topK,
		pruneThreshold:   pruneThreshold,
		relevanceDecay:   relevanceDecay,
		minRelevance:     minRelevance,
		enableSmartPrune: cfg.EnableSmartPrune,
		store:            cfg.Store,
		chatID:           cfg.ChatID,
		callbacks:        cfg.Callbacks,
	}

	if rb.store != nil {
		if rules, err := rb.store.Load(context.Background(), rb.chatID); err == nil && len(rules) > 0 {
			if len(rules) > rb.maxSize {
				rules = rules[len(rules)-rb.maxSize:]
			}
			rb.rules = rules
		}
	}

	return rb
}

// SetCallbacks sets (or clears) callbacks for observability.
func (rb *RuleBook) SetCallbacks(cb *RuleCallbacks) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.callbacks = cb
}

// Search retrieves the top-k rules most relevant to query.
func (rb *RuleBook) Search(ctx context.Context, query string) ([]*PersonaRule, error) {
	scored, err := rb.SearchWithScores(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]*PersonaRule, len(scored))
	for i, s := range scored {
		out[i] = s.Rule
	}
	return out, nil
}

// SearchWithScores is like Search but also returns each rule's similarity
// score, for explaining why a rule was selected.
func (rb *RuleBook) SearchWithScores(ctx context.Context, query string) ([]ScoredRule, error) {
	start := time.Now()
	rb.mu.RLock()
	rules := make([]*PersonaRule, len(rb.rules))
	copy(rules, rb.rules)
	cb := rb.callbacks
	rb.mu.RUnlock()

	if len(rules) == 0 {
		if cb != nil && cb.OnSearch != nil {
			cb.OnSearch(&RuleEvent{Phase: PhaseSearch, Timestamp: start, Input: query, DurationMs: time.Since(start).Milliseconds()})
		}
		return nil, nil
	}

	log := observability.LoggerWithTrace(ctx)

	vecs, err := rb.embedFn(ctx, rb.embedCfg, []string{query})
	if err != nil {
		log.Error().Err(err).Msg("persona_rules_embed_query_failed")
		if cb != nil && cb.OnSearch != nil {
			cb.OnSearch(&RuleEvent{Phase: PhaseSearch, Timestamp: start, Input: query, Error: err, RuleCount: len(rules), DurationMs: time.Since(start).Milliseconds()})
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVec := vecs[0]

	type scoredLocal struct {
		rule  *PersonaRule
		score float64
	}
	scores := make([]scoredLocal, 0, len(rules))
	for _, r := range rules {
		if len(r.Embedding) == 0 {
			continue
		}
		scores = append(scores, scoredLocal{rule: r, score: cosineSimilarity(queryVec, r.Embedding)})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	k := rb.topK
	if k > len(scores) {
		k = len(scores)
	}
	out := make([]ScoredRule, k)
	retrievedIDs := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = ScoredRule{Rule: scores[i].rule, Score: scores[i].score}
		retrievedIDs[i] = scores[i].rule.ID
	}

	go rb.touchAccess(retrievedIDs)

	if cb != nil && cb.OnSearch != nil {
		relevance := make(map[string]float64, len(out))
		for _, o := range out {
			relevance[o.Rule.ID] = o.Score
		}
		cb.OnSearch(&RuleEvent{Phase: PhaseSearch, Timestamp: start, Input: query, RetrievedIDs: retrievedIDs, RuleCount: len(rules), DurationMs: time.Since(start).Milliseconds(), RelevanceInfo: relevance})
	}

	return out, nil
}

func (rb *RuleBook) touchAccess(ids []string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	now := time.Now()
	for _, r := range rb.rules {
		if set[r.ID] {
			r.AccessCount++
			r.LastAccessedAt = now
		}
	}
}

// Synthesize formats retrieved rules into a prompt-ready block, grouped by
// type, for the system prompt manager's learned-rules composition slot.
func (rb *RuleBook) Synthesize(ctx context.Context, retrieved []*PersonaRule) string {
	start := time.Now()
	rb.mu.RLock()
	cb := rb.callbacks
	rb.mu.RUnlock()

	if len(retrieved) == 0 {
		if cb != nil && cb.OnSynthesized != nil {
			cb.OnSynthesized(&RuleEvent{Phase: PhaseSynthesis, Timestamp: start, DurationMs: time.Since(start).Milliseconds()})
		}
		return ""
	}

	var b strings.Builder
	b.WriteString("## Learned Persona Rules\n")
	b.WriteString("Rules distilled from this chat's own history. Follow them unless they conflict with the base persona.\n\n")
	for _, r := range retrieved {
		b.WriteString(fmt.Sprintf("- (%s) %s\n", r.Type, r.Guidance))
	}

	if cb != nil && cb.OnSynthesized != nil {
		ids := make([]string, 0, len(retrieved))
		for _, r := range retrieved {
			ids = append(ids, r.ID)
		}
		cb.OnSynthesized(&RuleEvent{Phase: PhaseSynthesis, Timestamp: start, RetrievedIDs: ids, OutputSize: b.Len(), DurationMs: time.Since(start).Milliseconds()})
	}

	return b.String()
}

// Learn distills a new persona rule from a closed episode's topic and
// summary text, embeds it, classifies its RuleType, and appends it -
// optionally merging with a near-duplicate existing rule first.
func (rb *RuleBook) Learn(ctx context.Context, episodeTopic, episodeSummary string) error {
	start := time.Now()
	log := observability.LoggerWithTrace(ctx)
	rb.mu.Lock()
	cb := rb.callbacks
	defer rb.mu.Unlock()

	guidance, err := rb.distillGuidance(ctx, episodeTopic, episodeSummary)
	if err != nil {
		log.Warn().Err(err).Msg("persona_rules_distill_failed")
		return nil // a failed distillation is not a learning error; just skip
	}
	if strings.TrimSpace(guidance) == "" {
		return nil
	}

	vecs, err := rb.embedFn(ctx, rb.embedCfg, []string{guidance})
	if err != nil {
		log.Error().Err(err).Msg("persona_rules_embed_failed")
		if cb != nil && cb.OnLearn != nil {
			cb.OnLearn(&RuleEvent{Phase: PhaseLearn, Timestamp: start, Input: guidance, Error: err, RuleCount: len(rb.rules), DurationMs: time.Since(start).Milliseconds()})
		}
		return fmt.Errorf("embed guidance: %w", err)
	}

	rule := &PersonaRule{
		ID:             uuid.New().String(),
		ChatID:         rb.chatID,
		Guidance:       guidance,
		SourceTopic:    episodeTopic,
		Type:           classifyRuleType(guidance),
		Embedding:      vecs[0],
		Metadata:       map[string]any{},
		LastAccessedAt: time.Now(),
		RelevanceScore: 1.0,
		CreatedAt:      time.Now(),
	}

	if rb.enableSmartPrune {
		rb.smartPruneBeforeAdd(ctx, rule)
	}
	rb.rules = append(rb.rules, rule)

	if rb.enableSmartPrune && len(rb.rules) > rb.maxSize {
		rb.relevanceBasedPrune(ctx)
	} else if len(rb.rules) > rb.maxSize {
		rb.rules = rb.rules[len(rb.rules)-rb.maxSize:]
	}

	if cb != nil && cb.OnLearn != nil {
		cb.OnLearn(&RuleEvent{Phase: PhaseLearn, Timestamp: start, Input: guidance, RuleCount: len(rb.rules), DurationMs: time.Since(start).Milliseconds()})
	}

	if rb.store != nil {
		rulesCopy := make([]*PersonaRule, len(rb.rules))
		copy(rulesCopy, rb.rules)
		go func(rules []*PersonaRule, chatID int64) {
			bgctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rb.store.Save(bgctx, chatID, rules); err != nil {
				observability.LoggerWithTrace(bgctx).Error().Err(err).Msg("persona_rules_persist_failed")
			}
		}(rulesCopy, rb.chatID)
	}

	log.Info().Str("rule_id", rule.ID).Str("type", string(rule.Type)).Msg("persona_rule_learned")
	return nil
}

// distillGuidance asks the LLM to turn an episode's topic/summary into a
// single standing behavioral rule. Returns an error when no provider is
// configured; there is no heuristic fallback.
func (rb *RuleBook) distillGuidance(ctx context.Context, topic, summary string) (string, error) {
	if rb.llm == nil {
		return "", fmt.Errorf("no LLM provider configured")
	}
	sys := "Given a conversation episode, state one durable behavioral rule the bot should follow in future chats with this group (tone, a standing preference, or a boundary). One sentence. If nothing generalizes, respond with exactly: NONE."
	user := fmt.Sprintf("Topic: %s\nSummary: %s", truncate(topic, 200), truncate(summary, 500))
	resp, err := rb.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: user},
	}, nil, rb.model)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if strings.EqualFold(text, "NONE") {
		return "", nil
	}
	return text, nil
}

// classifyRuleType buckets a learned guidance sentence by keyword heuristics.
func classifyRuleType(guidance string) RuleType {
	lower := strings.ToLower(guidance)
	constraintKeywords := []string{"never", "don't", "do not", "avoid", "must not", "refuse"}
	for _, kw := range constraintKeywords {
		if strings.Contains(lower, kw) {
			return RuleConstraint
		}
	}
	toneKeywords := []string{"tone", "sound", "formal", "casual", "friendly", "blunt", "concise", "playful"}
	for _, kw := range toneKeywords {
		if strings.Contains(lower, kw) {
			return RuleTone
		}
	}
	return RulePreference
}

// smartPruneBeforeAdd merges a near-duplicate existing rule into the new one
// before it is appended, keyed on embedding similarity.
func (rb *RuleBook) smartPruneBeforeAdd(ctx context.Context, incoming *PersonaRule) {
	log := observability.LoggerWithTrace(ctx)
	if len(incoming.Embedding) == 0 {
		return
	}
	var toMerge []string
	for _, existing := range rb.rules {
		if len(existing.Embedding) == 0 {
			continue
		}
		if sim := cosineSimilarity(incoming.Embedding, existing.Embedding); sim >= rb.pruneThreshold {
			toMerge = append(toMerge, existing.ID)
			log.Debug().Str("existing_id", existing.ID).Float64("similarity", sim).Msg("persona_rules_found_duplicate")
		}
	}
	if len(toMerge) > 0 {
		incoming.Metadata["merged_from"] = toMerge
		rb.pruneRules(toMerge)
		log.Info().Int("merged_count", len(toMerge)).Msg("persona_rules_smart_merged")
	}
}

// relevanceBasedPrune drops the lowest-relevance rules once the book is over
// capacity, weighing recency and access frequency.
func (rb *RuleBook) relevanceBasedPrune(ctx context.Context) {
	log := observability.LoggerWithTrace(ctx)
	now := time.Now()
	for _, r := range rb.rules {
		daysSinceAccess := now.Sub(r.LastAccessedAt).Hours() / 24
		decay := math.Pow(rb.relevanceDecay, daysSinceAccess)
		accessBoost := 1.0 + 0.1*math.Log1p(float64(r.AccessCount))
		r.RelevanceScore = r.RelevanceScore * decay * accessBoost
	}
	sort.Slice(rb.rules, func(i, j int) bool { return rb.rules[i].RelevanceScore < rb.rules[j].RelevanceScore })

	toRemove := len(rb.rules) - rb.maxSize
	if toRemove <= 0 {
		return
	}
	removed := len(rb.rules[:toRemove])
	rb.rules = rb.rules[toRemove:]
	sort.Slice(rb.rules, func(i, j int) bool { return rb.rules[i].CreatedAt.Before(rb.rules[j].CreatedAt) })
	log.Info().Int("removed_count", removed).Int("remaining", len(rb.rules)).Msg("persona_rules_relevance_pruned")
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// RuleEditOp edits existing rules directly, for admin correction flows.
type RuleEditOp struct {
	Type string   `json:"type"` // PRUNE, UPDATE_TAG
	IDs  []string `json:"ids"`
	Tag  string   `json:"tag"`
}

// ApplyEdits applies administrative edits to the rule book.
func (rb *RuleBook) ApplyEdits(ctx context.Context, ops []RuleEditOp) error {
	log := observability.LoggerWithTrace(ctx)
	for _, op := range ops {
		switch op.Type {
		case "PRUNE":
			rb.pruneRules(op.IDs)
			log.Info().Strs("ids", op.IDs).Msg("persona_rules_pruned")
		case "UPDATE_TAG":
			rb.updateTag(op.IDs, op.Tag)
			log.Info().Strs("ids", op.IDs).Str("tag", op.Tag).Msg("persona_rules_tag_updated")
		default:
			log.Warn().Str("type", op.Type).Msg("persona_rules_unknown_edit_op")
		}
	}
	if rb.store != nil {
		rulesCopy := make([]*PersonaRule, len(rb.rules))
		copy(rulesCopy, rb.rules)
		go func(rules []*PersonaRule, chatID int64) {
			bgctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rb.store.Save(bgctx, chatID, rules); err != nil {
				observability.LoggerWithTrace(bgctx).Error().Err(err).Msg("persona_rules_persist_failed")
			}
		}(rulesCopy, rb.chatID)
	}
	return nil
}

func (rb *RuleBook) pruneRules(ids []string) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	filtered := make([]*PersonaRule, 0, len(rb.rules))
	for _, r := range rb.rules {
		if !set[r.ID] {
			filtered = append(filtered, r)
		}
	}
	rb.rules = filtered
}

func (rb *RuleBook) updateTag(ids []string, tag string) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for _, r := range rb.rules {
		if set[r.ID] {
			if r.Metadata == nil {
				r.Metadata = make(map[string]any)
			}
			r.Metadata["tag"] = tag
		}
	}
}

// ExportRules returns all rules, for debugging/persistence.
func (rb *RuleBook) ExportRules() []*PersonaRule { return rb.rules }

// ImportRules loads rules, for persistence/restore.
func (rb *RuleBook) ImportRules(rules []*PersonaRule) { rb.rules = rules }

// MarshalJSON serializes the rule book's state.
func (rb *RuleBook) MarshalJSON() ([]byte, error) { return json.Marshal(rb.rules) }

// UnmarshalJSON deserializes the rule book's state.
func (rb *RuleBook) UnmarshalJSON(data []byte) error { return json.Unmarshal(data, &rb.rules) }

// GetRulesByType retrieves rules filtered by RuleType.
func (rb *RuleBook) GetRulesByType(t RuleType) []*PersonaRule {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	var out []*PersonaRule
	for _, r := range rb.rules {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// Stats returns aggregate statistics about the rule book.
func (rb *RuleBook) Stats() map[string]any {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	typeCounts := make(map[RuleType]int)
	var totalAccess int
	for _, r := range rb.rules {
		typeCounts[r.Type]++
		totalAccess += r.AccessCount
	}
	stats := map[string]any{
		"total_rules":       len(rb.rules),
		"max_size":          rb.maxSize,
		"top_k":             rb.topK,
		"smart_prune":       rb.enableSmartPrune,
		"type_distribution": typeCounts,
		"total_accesses":    totalAccess,
	}
	if len(rb.rules) > 0 {
		stats["avg_accesses_per_rule"] = float64(totalAccess) / float64(len(rb.rules))
	}
	return stats
}
