// Command engined is the memory and context engine's process entrypoint. It
// wires stores, search, assembly, prompts, facts, and episodes into an
// internal/orchestrator.Engine, runs that engine's background loops, and
// exposes the ambient health-check surface a production Go service carries
// regardless of domain. The engine itself exposes no stable external API;
// it is a library consumed by an out-of-scope transport layer.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/chatmemory/engine/internal/config"
	"github.com/chatmemory/engine/internal/llm/providers"
	"github.com/chatmemory/engine/internal/observability"
	"github.com/chatmemory/engine/internal/orchestrator"
	"github.com/chatmemory/engine/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("engined")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	observability.InitLogger(cfg.Obs.LogPath, cfg.Obs.LogLevel)

	baseCtx := context.Background()

	shutdownOTel, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel_init_failed_continuing_without_observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	httpClient := observability.NewHTTPClient(nil)

	provider, err := providers.Build(cfg.LLM, httpClient)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}

	stores, closeStores, err := buildStores(baseCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("build stores: %w", err)
	}
	defer closeStores()

	if err := initStores(baseCtx, stores); err != nil {
		return fmt.Errorf("init stores: %w", err)
	}

	basePersona := firstNonEmpty(os.Getenv("BASE_PERSONA"), "You are a helpful, concise group-chat assistant.")
	engine := orchestrator.New(cfg, stores, provider, basePersona)

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go engine.RunEpisodeMonitor(ctx)
	go engine.RunRetention(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ready")
	})

	addr := firstNonEmpty(os.Getenv("HTTP_ADDR"), ":8090")
	srv := &http.Server{Addr: addr, Handler: mux}

	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("engined_listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
			return
		}
		srvErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("engined_shutdown_signal_received")
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http_shutdown_error")
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("engine_shutdown_incomplete")
	}

	log.Info().Msg("engined_stopped")
	return nil
}

// buildStores constructs every store backend from config.DatabaseConfig.
// A non-empty PostgresDSN selects the Postgres/Qdrant-backed stores; an
// empty one falls back to the in-memory stores used for local development
// and tests. The returned close func is always safe to call.
func buildStores(ctx context.Context, dbCfg config.DatabaseConfig) (orchestrator.Stores, func(), error) {
	if dbCfg.PostgresDSN == "" {
		log.Warn().Msg("no DATABASE_URL configured, using in-memory stores")
		return orchestrator.Stores{
			Conversations: store.NewMemoryConversationStore(),
			Facts:         store.NewMemoryFactStore(),
			Episodes:      store.NewMemoryEpisodeStore(),
			Prompts:       store.NewMemoryPromptStore(),
			FullText:      store.NewMemoryFullTextIndex(),
			Vector:        store.NewMemoryVectorIndex(dbCfg.EmbeddingDim),
		}, func() {}, nil
	}

	pool, err := newPgPool(ctx, dbCfg.PostgresDSN)
	if err != nil {
		return orchestrator.Stores{}, func() {}, fmt.Errorf("connect postgres: %w", err)
	}

	host, port := splitQdrantAddr(dbCfg.QdrantAddr)
	vector, err := store.NewQdrantVectorIndex(host, port, dbCfg.EmbeddingDim, dbCfg.QdrantCollection)
	if err != nil {
		pool.Close()
		return orchestrator.Stores{}, func() {}, fmt.Errorf("connect qdrant: %w", err)
	}

	return orchestrator.Stores{
		Conversations: store.NewPostgresConversationStore(pool),
		Facts:         store.NewPostgresFactStore(pool),
		Episodes:      store.NewPostgresEpisodeStore(pool),
		Prompts:       store.NewPostgresPromptStore(pool),
		FullText:      store.NewPostgresFullTextIndex(pool),
		Vector:        vector,
	}, func() { pool.Close() }, nil
}

func initStores(ctx context.Context, s orchestrator.Stores) error {
	if err := s.Conversations.Init(ctx); err != nil {
		return fmt.Errorf("init conversations: %w", err)
	}
	if err := s.Facts.Init(ctx); err != nil {
		return fmt.Errorf("init facts: %w", err)
	}
	if err := s.Episodes.Init(ctx); err != nil {
		return fmt.Errorf("init episodes: %w", err)
	}
	if err := s.Prompts.Init(ctx); err != nil {
		return fmt.Errorf("init prompts: %w", err)
	}
	if err := s.FullText.Init(ctx); err != nil {
		return fmt.Errorf("init fulltext: %w", err)
	}
	return nil
}

func newPgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pgCfg.MaxConns = 16
	pgCfg.MinConns = 0
	pgCfg.MaxConnLifetime = time.Hour
	pgCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func splitQdrantAddr(addr string) (string, int) {
	host, portStr := "localhost", "6334"
	if addr != "" {
		if h, p, ok := cutLast(addr, ':'); ok {
			host, portStr = h, p
		}
	}
	port := 6334
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func cutLast(s string, sep byte) (string, string, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
