package fact

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/embedding"
	"github.com/chatmemory/engine/internal/model"
	"github.com/chatmemory/engine/internal/store"
)

// EmbedFunc embeds a single string, injectable for tests.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Pipeline runs the configured extraction tiers in order (rule, statistical,
// LLM) until one yields candidates, then hands every candidate through the
// quality gate.
type Pipeline struct {
	Tiers   []Extractor
	Quality *QualityManager
}

// NewPipeline builds a Pipeline. Tiers are tried in the order given; the
// first tier to return a non-empty candidate slice short-circuits the rest.
func NewPipeline(tiers []Extractor, quality *QualityManager) *Pipeline {
	return &Pipeline{Tiers: tiers, Quality: quality}
}

// Run extracts candidates from messages and runs them through the quality
// pipeline, returning the facts actually written or reinforced.
func (p *Pipeline) Run(ctx context.Context, messages []model.Message) ([]model.Fact, error) {
	var candidates []Candidate
	for _, tier := range p.Tiers {
		c, err := tier.Extract(ctx, messages)
		if err != nil {
			log.Warn().Err(err).Msg("fact_extraction_tier_failed")
			continue
		}
		if len(c) > 0 {
			candidates = c
			break
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return p.Quality.Process(ctx, candidates)
}

// QualityManager implements C8's quality gate: confidence floor, semantic
// dedup against the current batch, conflict resolution against existing
// active facts, and rate-limited embedding calls.
type QualityManager struct {
	facts store.FactStore
	embed EmbedFunc
	cfg   config.FactQualityConfig

	sem      chan struct{}
	minGap   time.Duration
	lastCall time.Time
}

// NewQualityManager builds a QualityManager. embed may be nil, in which case
// dedup degrades to exact-key conflict resolution only (no cosine merge).
func NewQualityManager(facts store.FactStore, embed EmbedFunc, cfg config.FactQualityConfig) *QualityManager {
	if embed == nil {
		embed = func(ctx context.Context, text string) ([]float32, error) {
			vecs, err := embedding.EmbedText(ctx, config.EmbeddingConfig{}, []string{text})
			if err != nil {
				return nil, err
			}
			return vecs[0], nil
		}
	}
	return &QualityManager{
		facts:  facts,
		embed:  embed,
		cfg:    cfg,
		sem:    make(chan struct{}, 5),
		minGap: time.Second,
	}
}

// Process runs candidates through §4.8's quality pipeline: confidence floor,
// semantic dedup within the batch (≥0.85 cosine collapses into the
// higher-confidence candidate, +0.10 capped at 1.0), then conflict
// resolution against each entity's existing active facts.
func (q *QualityManager) Process(ctx context.Context, candidates []Candidate) ([]model.Fact, error) {
	minConfidence := q.cfg.MinConfidence
	if minConfidence <= 0 {
		minConfidence = 0.6
	}
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Confidence >= minConfidence {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	embedded, err := q.embedAll(ctx, kept)
	if err != nil {
		log.Warn().Err(err).Msg("fact_quality_embed_failed")
	}

	deduped := q.dedupeBatch(embedded)

	var out []model.Fact
	for _, c := range deduped {
		f, applied, err := q.resolve(ctx, c)
		if err != nil {
			return out, err
		}
		if applied {
			out = append(out, f)
		}
	}
	return out, nil
}

type embeddedCandidate struct {
	Candidate
	vec []float32
}

// embedAll computes an embedding per candidate, serialized through a
// ≤5-concurrent semaphore with a ≥1s minimum gap between dispatch batches so
// a large episode's fact extraction doesn't spike the embedding backend.
func (q *QualityManager) embedAll(ctx context.Context, candidates []Candidate) ([]embeddedCandidate, error) {
	out := make([]embeddedCandidate, len(candidates))
	for i, c := range candidates {
		q.throttle()
		q.sem <- struct{}{}
		vec, err := q.embed(ctx, string(c.Category)+":"+c.Key+"="+c.Value)
		<-q.sem
		out[i] = embeddedCandidate{Candidate: c, vec: vec}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (q *QualityManager) throttle() {
	if q.lastCall.IsZero() {
		q.lastCall = time.Now()
		return
	}
	gap := q.minGap
	if gap <= 0 {
		gap = time.Second
	}
	elapsed := time.Since(q.lastCall)
	if elapsed < gap {
		time.Sleep(gap - elapsed)
	}
	q.lastCall = time.Now()
}

// dedupeBatch collapses near-duplicate candidates (same entity+category,
// cosine ≥ DuplicateThreshold) within the batch, keeping the higher-
// confidence one and bumping it by 0.10 (capped at 1.0).
func (q *QualityManager) dedupeBatch(candidates []embeddedCandidate) []Candidate {
	threshold := q.cfg.DuplicateThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	merged := make([]embeddedCandidate, 0, len(candidates))
	for _, c := range candidates {
		matchIdx := -1
		for i, m := range merged {
			if m.EntityKind != c.EntityKind || m.EntityID != c.EntityID || m.Category != c.Category {
				continue
			}
			if len(m.vec) == 0 || len(c.vec) == 0 {
				continue
			}
			if cosine(m.vec, c.vec) >= threshold {
				matchIdx = i
				break
			}
		}
		if matchIdx < 0 {
			merged = append(merged, c)
			continue
		}
		winner := &merged[matchIdx]
		if c.Confidence > winner.Confidence {
			winner.Candidate = c.Candidate
		}
		winner.Confidence = math.Min(1.0, winner.Confidence+0.10)
	}
	out := make([]Candidate, len(merged))
	for i, m := range merged {
		out[i] = m.Candidate
	}
	return out
}

// resolve applies §4.8's conflict-resolution rule against the entity's
// existing active fact for the same category+key, returning the fact that
// ended up persisted (if any) and whether a write occurred.
func (q *QualityManager) resolve(ctx context.Context, c Candidate) (model.Fact, bool, error) {
	existing, ok, err := q.facts.FindExact(ctx, c.EntityKind, c.EntityID, c.Category, c.Key)
	if err != nil {
		return model.Fact{}, false, err
	}

	if !ok {
		f, err := q.facts.AddFact(ctx, model.Fact{
			EntityKind:      c.EntityKind,
			EntityID:        c.EntityID,
			Category:        c.Category,
			Key:             c.Key,
			Value:           c.Value,
			Confidence:      c.Confidence,
			SourceMessageID: nonZeroPtr(c.SourceMessageID),
			EvidenceExcerpt: c.Excerpt,
		})
		return f, true, err
	}

	if existing.Value == c.Value {
		// Agreement: reinforce, taking the higher confidence.
		newConfidence := existing.Confidence
		if c.Confidence > newConfidence {
			newConfidence = c.Confidence
		}
		f, err := q.facts.UpdateFact(ctx, existing.ID, existing.Value, newConfidence, model.ChangeReinforced)
		return f, true, err
	}

	// Disagreement: the new candidate supersedes only if it's both newer
	// (always true here - candidates are extracted from just-closed
	// episodes) and not meaningfully less confident than the existing fact.
	if c.Confidence >= existing.Confidence*0.9 {
		f, err := q.facts.UpdateFact(ctx, existing.ID, c.Value, c.Confidence, model.ChangeSuperseded)
		return f, true, err
	}

	// Otherwise the new candidate is dropped, keeping the existing fact.
	return model.Fact{}, false, nil
}

func nonZeroPtr(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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
