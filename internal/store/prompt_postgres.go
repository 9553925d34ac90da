package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatmemory/engine/internal/engineerr"
	"github.com/chatmemory/engine/internal/model"
)

type pgPromptStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPromptStore returns a PromptStore backed by pgx.
func NewPostgresPromptStore(pool *pgxpool.Pool) PromptStore {
	return &pgPromptStore{pool: pool}
}

func (s *pgPromptStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS system_prompts (
			id BIGSERIAL PRIMARY KEY,
			scope_global BOOLEAN NOT NULL,
			scope_chat_id BIGINT NOT NULL DEFAULT 0,
			version INT NOT NULL,
			body TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS system_prompts_scope_version_idx ON system_prompts(scope_global, scope_chat_id, version)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS system_prompts_scope_active_idx ON system_prompts(scope_global, scope_chat_id) WHERE active`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return engineerr.E(engineerr.KindStore, "prompt.Init", err)
		}
	}
	return nil
}

func (s *pgPromptStore) ActivePrompt(ctx context.Context, scope model.PromptScope) (model.SystemPrompt, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT scope_global, scope_chat_id, version, body, active, created_at
FROM system_prompts WHERE scope_global=$1 AND scope_chat_id=$2 AND active`, scope.Global, scope.ChatID)
	p, err := scanPrompt(row)
	if err == pgx.ErrNoRows {
		return model.SystemPrompt{}, false, nil
	}
	if err != nil {
		return model.SystemPrompt{}, false, engineerr.E(engineerr.KindStore, "prompt.ActivePrompt", err)
	}
	return p, true, nil
}

func (s *pgPromptStore) SetPrompt(ctx context.Context, scope model.PromptScope, body string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, engineerr.E(engineerr.KindStore, "prompt.SetPrompt", err)
	}
	defer tx.Rollback(ctx)

	var nextVersion int
	if err := tx.QueryRow(ctx, `
SELECT COALESCE(MAX(version), 0) + 1 FROM system_prompts WHERE scope_global=$1 AND scope_chat_id=$2`,
		scope.Global, scope.ChatID).Scan(&nextVersion); err != nil {
		return 0, engineerr.E(engineerr.KindStore, "prompt.SetPrompt", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE system_prompts SET active=false WHERE scope_global=$1 AND scope_chat_id=$2 AND active`,
		scope.Global, scope.ChatID); err != nil {
		return 0, engineerr.E(engineerr.KindStore, "prompt.SetPrompt", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO system_prompts(scope_global, scope_chat_id, version, body, active) VALUES ($1,$2,$3,$4,true)`,
		scope.Global, scope.ChatID, nextVersion, body); err != nil {
		return 0, engineerr.E(engineerr.KindStore, "prompt.SetPrompt", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, engineerr.E(engineerr.KindStore, "prompt.SetPrompt", err)
	}
	return nextVersion, nil
}

func (s *pgPromptStore) ActivateVersion(ctx context.Context, scope model.PromptScope, version int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return engineerr.E(engineerr.KindStore, "prompt.ActivateVersion", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE system_prompts SET active=false WHERE scope_global=$1 AND scope_chat_id=$2 AND active`,
		scope.Global, scope.ChatID); err != nil {
		return engineerr.E(engineerr.KindStore, "prompt.ActivateVersion", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE system_prompts SET active=true WHERE scope_global=$1 AND scope_chat_id=$2 AND version=$3`,
		scope.Global, scope.ChatID, version)
	if err != nil {
		return engineerr.E(engineerr.KindStore, "prompt.ActivateVersion", err)
	}
	if tag.RowsAffected() == 0 {
		return engineerr.E(engineerr.KindStore, "prompt.ActivateVersion", pgx.ErrNoRows)
	}
	return tx.Commit(ctx)
}

func (s *pgPromptStore) History(ctx context.Context, scope model.PromptScope, limit int) ([]model.SystemPrompt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
SELECT scope_global, scope_chat_id, version, body, active, created_at
FROM system_prompts WHERE scope_global=$1 AND scope_chat_id=$2 ORDER BY version DESC LIMIT $3`,
		scope.Global, scope.ChatID, limit)
	if err != nil {
		return nil, engineerr.E(engineerr.KindStore, "prompt.History", err)
	}
	defer rows.Close()

	var out []model.SystemPrompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, engineerr.E(engineerr.KindStore, "prompt.History", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPrompt(row rowScanner) (model.SystemPrompt, error) {
	var p model.SystemPrompt
	if err := row.Scan(&p.Scope.Global, &p.Scope.ChatID, &p.Version, &p.Body, &p.Active, &p.CreatedAt); err != nil {
		return model.SystemPrompt{}, err
	}
	return p, nil
}
