package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatmemory/engine/internal/engineerr"
	"github.com/chatmemory/engine/internal/model"
)

type pgConversationStore struct {
	pool *pgxpool.Pool
}

// NewPostgresConversationStore returns a ConversationStore backed by pgx.
func NewPostgresConversationStore(pool *pgxpool.Pool) ConversationStore {
	return &pgConversationStore{pool: pool}
}

func (s *pgConversationStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			thread_id BIGINT NOT NULL DEFAULT 0,
			author_id BIGINT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			media JSONB NOT NULL DEFAULT '[]'::jsonb,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding DOUBLE PRECISION[],
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ext_message_id TEXT,
			ext_user_id TEXT,
			ext_reply_message_id TEXT,
			ext_reply_user_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS messages_chat_thread_idx ON messages(chat_id, thread_id, created_at DESC, id DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_ext_id_idx ON messages(ext_message_id) WHERE ext_message_id IS NOT NULL`,
		// Defensive idempotent column-adds for schema evolution.
		`ALTER TABLE messages ADD COLUMN IF NOT EXISTS ext_message_id TEXT`,
		`ALTER TABLE messages ADD COLUMN IF NOT EXISTS ext_user_id TEXT`,
		`ALTER TABLE messages ADD COLUMN IF NOT EXISTS ext_reply_message_id TEXT`,
		`ALTER TABLE messages ADD COLUMN IF NOT EXISTS ext_reply_user_id TEXT`,
		`CREATE TABLE IF NOT EXISTS message_importance (
			message_id BIGINT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
			importance DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			retention_override_days INT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return engineerr.E(engineerr.KindStore, "store.Init", err)
		}
	}
	return nil
}

func (s *pgConversationStore) AddTurn(ctx context.Context, msg model.Message) (int64, error) {
	mediaJSON, err := json.Marshal(msg.Media)
	if err != nil {
		return 0, engineerr.E(engineerr.KindStore, "store.AddTurn", err)
	}
	metaJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return 0, engineerr.E(engineerr.KindStore, "store.AddTurn", err)
	}
	var emb []float64
	if len(msg.Embedding) > 0 {
		emb = make([]float64, len(msg.Embedding))
		for i, v := range msg.Embedding {
			emb[i] = float64(v)
		}
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
INSERT INTO messages(chat_id, thread_id, author_id, role, text, media, metadata, embedding, created_at,
	ext_message_id, ext_user_id, ext_reply_message_id, ext_reply_user_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING id`,
		msg.ChatID, msg.ThreadID, msg.AuthorID, string(msg.Role), msg.Text, mediaJSON, metaJSON, emb, createdAtOrNow(msg.CreatedAt),
		nullableString(msg.External.MessageID), nullableString(msg.External.UserID),
		nullableString(msg.External.ReplyMessageID), nullableString(msg.External.ReplyUserID),
	).Scan(&id)
	if err != nil {
		return 0, engineerr.E(engineerr.KindStore, "store.AddTurn", err)
	}
	return id, nil
}

// Recent fetches up to 2*maxTurns rows in reverse-chronological order, then
// reverses to chronological. A "turn" is a user+model pair.
func (s *pgConversationStore) Recent(ctx context.Context, chatID, threadID int64, maxTurns int) ([]model.Message, error) {
	if maxTurns <= 0 {
		return nil, nil
	}
	limit := 2 * maxTurns
	rows, err := s.pool.Query(ctx, `
SELECT id, chat_id, thread_id, author_id, role, text, media, metadata, embedding, created_at,
	ext_message_id, ext_user_id, ext_reply_message_id, ext_reply_user_id
FROM messages
WHERE chat_id=$1 AND thread_id=$2
ORDER BY created_at DESC, id DESC
LIMIT $3`, chatID, threadID, limit)
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "store.Recent", err)
	}
	defer rows.Close()

	out, err := scanMessages(rows)
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "store.Recent", err)
	}
	reverseMessages(out)
	return out, nil
}

func (s *pgConversationStore) ByExternalID(ctx context.Context, externalMessageID string) (model.Message, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, chat_id, thread_id, author_id, role, text, media, metadata, embedding, created_at,
	ext_message_id, ext_user_id, ext_reply_message_id, ext_reply_user_id
FROM messages WHERE ext_message_id=$1`, externalMessageID)
	msg, err := scanMessage(row)
	if err == pgx.ErrNoRows {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, engineerr.E(engineerr.KindStore, "store.ByExternalID", err)
	}
	return msg, true, nil
}

func (s *pgConversationStore) DeleteByExternalID(ctx context.Context, externalMessageID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE ext_message_id=$1`, externalMessageID)
	if err != nil {
		return false, engineerr.E(engineerr.KindStore, "store.DeleteByExternalID", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Prune deletes messages older than retentionDays in chunks of 500,
// excluding ids returned by keepMessageIDs (episode-referenced messages) and
// messages with a longer per-row retention override.
func (s *pgConversationStore) Prune(ctx context.Context, retentionDays int, keepMessageIDs func(ctx context.Context) (map[int64]struct{}, error)) (int, error) {
	keep, err := keepMessageIDs(ctx)
	if err != nil {
		return 0, engineerr.E(engineerr.KindStore, "store.Prune", err)
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	keepIDs := make([]int64, 0, len(keep))
	for id := range keep {
		keepIDs = append(keepIDs, id)
	}

	deleted := 0
	for {
		rows, err := s.pool.Query(ctx, `
SELECT m.id FROM messages m
LEFT JOIN message_importance mi ON mi.message_id = m.id
WHERE m.created_at < $1
  AND NOT (m.id = ANY($2))
  AND (mi.retention_override_days IS NULL OR m.created_at < now() - (mi.retention_override_days || ' days')::interval)
LIMIT 500`, cutoff, keepIDs)
		if err != nil {
			return deleted, engineerr.E(engineerr.KindStore, "store.Prune", err)
		}
		var batch []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return deleted, engineerr.E(engineerr.KindStore, "store.Prune", err)
			}
			if _, excluded := keep[id]; !excluded {
				batch = append(batch, id)
			}
		}
		rows.Close()
		if len(batch) == 0 {
			return deleted, nil
		}
		tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1)`, batch)
		if err != nil {
			return deleted, engineerr.E(engineerr.KindStore, "store.Prune", err)
		}
		deleted += int(tag.RowsAffected())
		if len(batch) < 500 {
			return deleted, nil
		}
	}
}

func scanMessages(rows pgx.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		msg, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	return scanMessageRow(row)
}

func scanMessageRow(row rowScanner) (model.Message, error) {
	var (
		m                                                  rawRow
		mediaJSON, metaJSON                                []byte
		emb                                                []float64
		extMsgID, extUserID, extReplyMsgID, extReplyUserID *string
	)
	if err := row.Scan(&m.id, &m.chatID, &m.threadID, &m.authorID, &m.role, &m.text, &mediaJSON, &metaJSON, &emb, &m.createdAt,
		&extMsgID, &extUserID, &extReplyMsgID, &extReplyUserID); err != nil {
		return model.Message{}, err
	}
	out := model.Message{
		ID:        m.id,
		ChatID:    m.chatID,
		ThreadID:  m.threadID,
		AuthorID:  m.authorID,
		Role:      model.Role(m.role),
		Text:      m.text,
		CreatedAt: m.createdAt,
		External: model.ExternalIDs{
			MessageID:      derefString(extMsgID),
			UserID:         derefString(extUserID),
			ReplyMessageID: derefString(extReplyMsgID),
			ReplyUserID:    derefString(extReplyUserID),
		},
	}
	if len(mediaJSON) > 0 {
		_ = json.Unmarshal(mediaJSON, &out.Media)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &out.Metadata)
	}
	if len(emb) > 0 {
		out.Embedding = make([]float32, len(emb))
		for i, v := range emb {
			out.Embedding[i] = float32(v)
		}
	}
	return out, nil
}

type rawRow struct {
	id        int64
	chatID    int64
	threadID  int64
	authorID  int64
	role      string
	text      string
	createdAt time.Time
}

func reverseMessages(msgs []model.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func createdAtOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
