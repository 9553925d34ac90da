package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatmemory/engine/internal/engineerr"
)

// pgFullTextIndex is the keyword leg of the hybrid search engine. It rides
// on the same messages table as the conversation store, so Index is a no-op:
// the generated tsvector column stays current automatically.
type pgFullTextIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresFullTextIndex returns a FullTextIndex backed by Postgres
// full-text search over the messages table's generated tsvector column.
func NewPostgresFullTextIndex(pool *pgxpool.Pool) FullTextIndex {
	return &pgFullTextIndex{pool: pool}
}

func (f *pgFullTextIndex) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		`ALTER TABLE messages ADD COLUMN IF NOT EXISTS search_vector tsvector
			GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text, ''))) STORED`,
		`CREATE INDEX IF NOT EXISTS messages_search_vector_idx ON messages USING GIN(search_vector)`,
	}
	for _, stmt := range stmts {
		if _, err := f.pool.Exec(ctx, stmt); err != nil {
			return engineerr.E(engineerr.KindStore, "fulltext.Init", err)
		}
	}
	return nil
}

// Index is a no-op: the generated column recomputes on every row write
// performed by the conversation store, so there is nothing extra to persist.
func (f *pgFullTextIndex) Index(ctx context.Context, messageID int64, text string, chatID int64, createdAt time.Time) error {
	return nil
}

func (f *pgFullTextIndex) Search(ctx context.Context, chatID int64, query string, limit int) ([]FullTextResult, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := f.pool.Query(ctx, `
SELECT id,
       ts_rank(search_vector, websearch_to_tsquery('simple', $2)) AS rank,
       ts_headline('simple', text, websearch_to_tsquery('simple', $2), 'MaxFragments=1,MaxWords=20') AS snippet
FROM messages
WHERE chat_id = $1
  AND search_vector @@ websearch_to_tsquery('simple', $2)
ORDER BY rank DESC
LIMIT $3`, chatID, query, limit)
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "fulltext.Search", err)
	}
	defer rows.Close()

	var out []FullTextResult
	var maxRank float64
	for rows.Next() {
		var r FullTextResult
		if err := rows.Scan(&r.MessageID, &r.Score, &r.Snippet); err != nil {
			return nil, engineerr.E(engineerr.KindStore, "fulltext.Search", err)
		}
		if r.Score > maxRank {
			maxRank = r.Score
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.E(engineerr.KindStore, "fulltext.Search", err)
	}
	// Normalize raw ts_rank scores (unbounded) to [0,1] for fusion with
	// cosine-similarity vector scores.
	if maxRank > 0 {
		for i := range out {
			out[i].Score = out[i].Score / maxRank
		}
	}
	return out, nil
}
