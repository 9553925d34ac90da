package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatmemory/engine/internal/engineerr"
	"github.com/chatmemory/engine/internal/model"
)

type pgFactStore struct {
	pool *pgxpool.Pool
}

// NewPostgresFactStore returns a FactStore backed by pgx.
func NewPostgresFactStore(pool *pgxpool.Pool) FactStore {
	return &pgFactStore{pool: pool}
}

func (s *pgFactStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			id BIGSERIAL PRIMARY KEY,
			entity_kind TEXT NOT NULL,
			entity_id BIGINT NOT NULL,
			chat_context BIGINT,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			evidence_count INT NOT NULL DEFAULT 1,
			evidence_excerpt TEXT NOT NULL DEFAULT '',
			source_message_id BIGINT,
			embedding DOUBLE PRECISION[],
			decay_rate DOUBLE PRECISION NOT NULL DEFAULT 0.0231,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE INDEX IF NOT EXISTS facts_entity_idx ON facts(entity_kind, entity_id, active)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS facts_exact_active_idx ON facts(entity_kind, entity_id, category, key) WHERE active`,
		`CREATE TABLE IF NOT EXISTS fact_versions (
			id BIGSERIAL PRIMARY KEY,
			fact_id BIGINT NOT NULL REFERENCES facts(id) ON DELETE CASCADE,
			change_type TEXT NOT NULL,
			prior_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			confidence_delta DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS fact_versions_fact_idx ON fact_versions(fact_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return engineerr.E(engineerr.KindStore, "fact.Init", err)
		}
	}
	return nil
}

// AddFact inserts a brand-new fact row plus its initial "created" version.
// Callers are responsible for reinforcement/conflict detection (FindExact,
// FindByEmbedding) before calling AddFact; this method never merges.
func (s *pgFactStore) AddFact(ctx context.Context, f model.Fact) (model.Fact, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Fact{}, engineerr.E(engineerr.KindStore, "fact.AddFact", err)
	}
	defer tx.Rollback(ctx)

	emb := float32sToFloat64s(f.Embedding)
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	if f.DecayRate == 0 {
		f.DecayRate = defaultDecayRate
	}
	if f.EvidenceCount == 0 {
		f.EvidenceCount = 1
	}

	err = tx.QueryRow(ctx, `
INSERT INTO facts(entity_kind, entity_id, chat_context, category, key, value, confidence,
	evidence_count, evidence_excerpt, source_message_id, embedding, decay_rate, created_at, updated_at, active)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,true)
RETURNING id`,
		string(f.EntityKind), f.EntityID, f.ChatContext, string(f.Category), f.Key, f.Value, f.Confidence,
		f.EvidenceCount, f.EvidenceExcerpt, f.SourceMessageID, emb, f.DecayRate, f.CreatedAt, f.UpdatedAt,
	).Scan(&f.ID)
	if err != nil {
		return model.Fact{}, engineerr.E(engineerr.KindStore, "fact.AddFact", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO fact_versions(fact_id, change_type, prior_value, new_value, confidence_delta) VALUES ($1,$2,'',$3,$4)`,
		f.ID, string(model.ChangeCreated), f.Value, f.Confidence); err != nil {
		return model.Fact{}, engineerr.E(engineerr.KindStore, "fact.AddFact", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Fact{}, engineerr.E(engineerr.KindStore, "fact.AddFact", err)
	}
	f.Active = true
	return f, nil
}

// UpdateFact mutates an existing fact's value/confidence and appends a
// version row of the given change type. Used for reinforcement, conflict
// resolution (supersede), and admin corrections.
func (s *pgFactStore) UpdateFact(ctx context.Context, factID int64, newValue string, newConfidence float64, changeType model.FactChangeType) (model.Fact, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Fact{}, engineerr.E(engineerr.KindStore, "fact.UpdateFact", err)
	}
	defer tx.Rollback(ctx)

	var priorValue string
	var priorConfidence float64
	if err := tx.QueryRow(ctx, `SELECT value, confidence FROM facts WHERE id=$1`, factID).Scan(&priorValue, &priorConfidence); err != nil {
		return model.Fact{}, engineerr.E(engineerr.KindStore, "fact.UpdateFact", err)
	}

	row := tx.QueryRow(ctx, `
UPDATE facts SET value=$2, confidence=$3, updated_at=now()
WHERE id=$1
RETURNING id, entity_kind, entity_id, chat_context, category, key, value, confidence,
	evidence_count, evidence_excerpt, source_message_id, embedding, decay_rate, created_at, updated_at, active`,
		factID, newValue, newConfidence)
	f, err := scanFact(row)
	if err != nil {
		return model.Fact{}, engineerr.E(engineerr.KindStore, "fact.UpdateFact", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO fact_versions(fact_id, change_type, prior_value, new_value, confidence_delta) VALUES ($1,$2,$3,$4,$5)`,
		factID, string(changeType), priorValue, newValue, newConfidence-priorConfidence); err != nil {
		return model.Fact{}, engineerr.E(engineerr.KindStore, "fact.UpdateFact", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Fact{}, engineerr.E(engineerr.KindStore, "fact.UpdateFact", err)
	}
	return f, nil
}

func (s *pgFactStore) ForgetFact(ctx context.Context, factID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return engineerr.E(engineerr.KindStore, "fact.ForgetFact", err)
	}
	defer tx.Rollback(ctx)

	var value string
	var confidence float64
	tag, err := tx.Exec(ctx, `UPDATE facts SET active=false, updated_at=now() WHERE id=$1 AND active`, factID)
	if err != nil {
		return engineerr.E(engineerr.KindStore, "fact.ForgetFact", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if err := tx.QueryRow(ctx, `SELECT value, confidence FROM facts WHERE id=$1`, factID).Scan(&value, &confidence); err != nil {
		return engineerr.E(engineerr.KindStore, "fact.ForgetFact", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO fact_versions(fact_id, change_type, prior_value, new_value, confidence_delta) VALUES ($1,$2,$3,$3,0)`,
		factID, string(model.ChangeDeleted), value); err != nil {
		return engineerr.E(engineerr.KindStore, "fact.ForgetFact", err)
	}
	return tx.Commit(ctx)
}

func (s *pgFactStore) ForgetAll(ctx context.Context, kind model.EntityKind, entityID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return engineerr.E(engineerr.KindStore, "fact.ForgetAll", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id, value FROM facts WHERE entity_kind=$1 AND entity_id=$2 AND active`, string(kind), entityID)
	if err != nil {
		return engineerr.E(engineerr.KindStore, "fact.ForgetAll", err)
	}
	type idVal struct {
		id    int64
		value string
	}
	var targets []idVal
	for rows.Next() {
		var iv idVal
		if err := rows.Scan(&iv.id, &iv.value); err != nil {
			rows.Close()
			return engineerr.E(engineerr.KindStore, "fact.ForgetAll", err)
		}
		targets = append(targets, iv)
	}
	rows.Close()
	if len(targets) == 0 {
		return nil
	}
	ids := make([]int64, len(targets))
	for i, t := range targets {
		ids[i] = t.id
	}
	if _, err := tx.Exec(ctx, `UPDATE facts SET active=false, updated_at=now() WHERE id = ANY($1)`, ids); err != nil {
		return engineerr.E(engineerr.KindStore, "fact.ForgetAll", err)
	}
	for _, t := range targets {
		if _, err := tx.Exec(ctx, `INSERT INTO fact_versions(fact_id, change_type, prior_value, new_value, confidence_delta) VALUES ($1,$2,$3,$3,0)`,
			t.id, string(model.ChangeDeleted), t.value); err != nil {
			return engineerr.E(engineerr.KindStore, "fact.ForgetAll", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *pgFactStore) GetFacts(ctx context.Context, kind model.EntityKind, entityID int64, category *model.FactCategory, minConfidence float64, limit int) ([]model.Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if category != nil {
		rows, err = s.pool.Query(ctx, `
SELECT id, entity_kind, entity_id, chat_context, category, key, value, confidence,
	evidence_count, evidence_excerpt, source_message_id, embedding, decay_rate, created_at, updated_at, active
FROM facts WHERE entity_kind=$1 AND entity_id=$2 AND category=$3 AND active AND confidence >= $4
ORDER BY updated_at DESC LIMIT $5`, string(kind), entityID, string(*category), minConfidence, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
SELECT id, entity_kind, entity_id, chat_context, category, key, value, confidence,
	evidence_count, evidence_excerpt, source_message_id, embedding, decay_rate, created_at, updated_at, active
FROM facts WHERE entity_kind=$1 AND entity_id=$2 AND active AND confidence >= $3
ORDER BY updated_at DESC LIMIT $4`, string(kind), entityID, minConfidence, limit)
	}
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "fact.GetFacts", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *pgFactStore) GetRecent(ctx context.Context, kind model.EntityKind, entityID int64, limit int) ([]model.Fact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, entity_kind, entity_id, chat_context, category, key, value, confidence,
	evidence_count, evidence_excerpt, source_message_id, embedding, decay_rate, created_at, updated_at, active
FROM facts WHERE entity_kind=$1 AND entity_id=$2 AND active
ORDER BY updated_at DESC LIMIT $3`, string(kind), entityID, limit)
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "fact.GetRecent", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *pgFactStore) FindExact(ctx context.Context, kind model.EntityKind, entityID int64, category model.FactCategory, key string) (model.Fact, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, entity_kind, entity_id, chat_context, category, key, value, confidence,
	evidence_count, evidence_excerpt, source_message_id, embedding, decay_rate, created_at, updated_at, active
FROM facts WHERE entity_kind=$1 AND entity_id=$2 AND category=$3 AND key=$4 AND active`,
		string(kind), entityID, string(category), key)
	f, err := scanFact(row)
	if err == pgx.ErrNoRows {
		return model.Fact{}, false, nil
	}
	if err != nil {
		return model.Fact{}, false, engineerr.E(engineerr.KindStore, "fact.FindExact", err)
	}
	return f, true, nil
}

// FindByEmbedding finds the closest active fact in the same entity+category
// whose cosine similarity to embedding is >= minCosine. Computed in Go
// rather than pgvector since the schema stores embeddings as a plain float
// array, so every call scans all active facts of that entity and category;
// the vector index is not consulted.
func (s *pgFactStore) FindByEmbedding(ctx context.Context, kind model.EntityKind, entityID int64, category model.FactCategory, embedding []float32, minCosine float64) (model.Fact, bool, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, entity_kind, entity_id, chat_context, category, key, value, confidence,
	evidence_count, evidence_excerpt, source_message_id, embedding, decay_rate, created_at, updated_at, active
FROM facts WHERE entity_kind=$1 AND entity_id=$2 AND category=$3 AND active AND embedding IS NOT NULL`,
		string(kind), entityID, string(category))
	if err != nil {
		return model.Fact{}, false, engineerr.E(engineerr.KindStore, "fact.FindByEmbedding", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return model.Fact{}, false, engineerr.E(engineerr.KindStore, "fact.FindByEmbedding", err)
	}
	var best model.Fact
	bestScore := -1.0
	for _, f := range facts {
		score := cosineSimilarity(embedding, f.Embedding)
		if score > bestScore {
			bestScore = score
			best = f
		}
	}
	if bestScore < minCosine {
		return model.Fact{}, false, nil
	}
	return best, true, nil
}

func (s *pgFactStore) Versions(ctx context.Context, factID int64) ([]model.FactVersion, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, fact_id, change_type, prior_value, new_value, confidence_delta, created_at
FROM fact_versions WHERE fact_id=$1 ORDER BY created_at ASC`, factID)
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "fact.Versions", err)
	}
	defer rows.Close()

	var out []model.FactVersion
	for rows.Next() {
		var v model.FactVersion
		var changeType string
		if err := rows.Scan(&v.ID, &v.FactID, &changeType, &v.PriorValue, &v.NewValue, &v.ConfidenceDelta, &v.CreatedAt); err != nil {
			return nil, engineerr.E(engineerr.KindStore, "fact.Versions", err)
		}
		v.ChangeType = model.FactChangeType(changeType)
		out = append(out, v)
	}
	return out, rows.Err()
}

const defaultDecayRate = 0.0231 // ln(2)/30, half-life of 30 days

func scanFacts(rows pgx.Rows) ([]model.Fact, error) {
	var out []model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFact(row rowScanner) (model.Fact, error) {
	var f model.Fact
	var entityKind, category string
	var emb []float64
	if err := row.Scan(&f.ID, &entityKind, &f.EntityID, &f.ChatContext, &category, &f.Key, &f.Value, &f.Confidence,
		&f.EvidenceCount, &f.EvidenceExcerpt, &f.SourceMessageID, &emb, &f.DecayRate, &f.CreatedAt, &f.UpdatedAt, &f.Active); err != nil {
		return model.Fact{}, err
	}
	f.EntityKind = model.EntityKind(entityKind)
	f.Category = model.FactCategory(category)
	if len(emb) > 0 {
		f.Embedding = float64sToFloat32s(emb)
	}
	return f, nil
}

func float32sToFloat64s(in []float32) []float64 {
	if len(in) == 0 {
		return nil
	}
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func float64sToFloat32s(in []float64) []float32 {
	if len(in) == 0 {
		return nil
	}
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
