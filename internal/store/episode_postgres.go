package store

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatmemory/engine/internal/engineerr"
	"github.com/chatmemory/engine/internal/model"
)

type pgEpisodeStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEpisodeStore returns an EpisodeStore backed by pgx.
func NewPostgresEpisodeStore(pool *pgxpool.Pool) EpisodeStore {
	return &pgEpisodeStore{pool: pool}
}

func (s *pgEpisodeStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS episodes (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			thread_id BIGINT NOT NULL DEFAULT 0,
			participants JSONB NOT NULL DEFAULT '[]'::jsonb,
			topic TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			valence TEXT NOT NULL DEFAULT 'neutral',
			tags JSONB NOT NULL DEFAULT '[]'::jsonb,
			message_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			embedding DOUBLE PRECISION[],
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS episodes_chat_idx ON episodes(chat_id, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return engineerr.E(engineerr.KindStore, "episode.Init", err)
		}
	}
	return nil
}

func (s *pgEpisodeStore) Create(ctx context.Context, ep model.Episode) (int64, error) {
	participants, err := json.Marshal(ep.Participants)
	if err != nil {
		return 0, engineerr.E(engineerr.KindStore, "episode.Create", err)
	}
	tags, err := json.Marshal(ep.Tags)
	if err != nil {
		return 0, engineerr.E(engineerr.KindStore, "episode.Create", err)
	}
	msgIDs, err := json.Marshal(ep.MessageIDs)
	if err != nil {
		return 0, engineerr.E(engineerr.KindStore, "episode.Create", err)
	}
	emb := float32sToFloat64s(ep.Embedding)

	var id int64
	err = s.pool.QueryRow(ctx, `
INSERT INTO episodes(chat_id, thread_id, participants, topic, summary, valence, tags, message_ids, importance, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING id`,
		ep.ChatID, ep.ThreadID, participants, ep.Topic, ep.Summary, string(ep.Valence), tags, msgIDs, ep.Importance, emb, createdAtOrNow(ep.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, engineerr.E(engineerr.KindStore, "episode.Create", err)
	}
	return id, nil
}

func (s *pgEpisodeStore) ByChat(ctx context.Context, chatID int64, limit int) ([]model.Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, chat_id, thread_id, participants, topic, summary, valence, tags, message_ids, importance, embedding, created_at
FROM episodes WHERE chat_id=$1 ORDER BY created_at DESC LIMIT $2`, chatID, limit)
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "episode.ByChat", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

func (s *pgEpisodeStore) AllMessageIDs(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT message_ids FROM episodes`)
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "episode.AllMessageIDs", err)
	}
	defer rows.Close()

	out := make(map[int64]struct{})
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, engineerr.E(engineerr.KindStore, "episode.AllMessageIDs", err)
		}
		var ids []int64
		if err := json.Unmarshal(raw, &ids); err != nil {
			continue
		}
		for _, id := range ids {
			out[id] = struct{}{}
		}
	}
	return out, rows.Err()
}

func (s *pgEpisodeStore) SimilarByEmbedding(ctx context.Context, chatID int64, embedding []float32, limit int) ([]model.Episode, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, chat_id, thread_id, participants, topic, summary, valence, tags, message_ids, importance, embedding, created_at
FROM episodes WHERE chat_id=$1 AND embedding IS NOT NULL`, chatID)
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "episode.SimilarByEmbedding", err)
	}
	defer rows.Close()

	episodes, err := scanEpisodes(rows)
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "episode.SimilarByEmbedding", err)
	}
	ranked := make([]scoredEpisode, 0, len(episodes))
	for _, ep := range episodes {
		ranked = append(ranked, scoredEpisode{ep: ep, score: cosineSimilarity(embedding, ep.Embedding)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]model.Episode, len(ranked))
	for i, r := range ranked {
		out[i] = r.ep
	}
	return out, nil
}

type scoredEpisode struct {
	ep    model.Episode
	score float64
}

func scanEpisodes(rows pgx.Rows) ([]model.Episode, error) {
	var out []model.Episode
	for rows.Next() {
		var ep model.Episode
		var valence string
		var participants, tags, msgIDs []byte
		var emb []float64
		if err := rows.Scan(&ep.ID, &ep.ChatID, &ep.ThreadID, &participants, &ep.Topic, &ep.Summary, &valence, &tags, &msgIDs, &ep.Importance, &emb, &ep.CreatedAt); err != nil {
			return nil, err
		}
		ep.Valence = model.Valence(valence)
		_ = json.Unmarshal(participants, &ep.Participants)
		_ = json.Unmarshal(tags, &ep.Tags)
		_ = json.Unmarshal(msgIDs, &ep.MessageIDs)
		if len(emb) > 0 {
			ep.Embedding = float64sToFloat32s(emb)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}
