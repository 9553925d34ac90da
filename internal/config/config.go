// Package config loads engine configuration from the environment (optionally
// via a .env file), not from per-message input. All runtime knobs named in
// the external-interfaces contract live here and are validated once, at
// process startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RetentionConfig controls C1's retention pruner.
type RetentionConfig struct {
	Days          int
	PruneInterval time.Duration
	Enabled       bool
}

// LayerRatios are the per-layer token-budget shares of C9's assembler.
type LayerRatios struct {
	Immediate  float64
	Recent     float64
	Relevant   float64
	Background float64
	Episodic   float64
}

// Sum returns the total of all five ratios.
func (r LayerRatios) Sum() float64 {
	return r.Immediate + r.Recent + r.Relevant + r.Background + r.Episodic
}

// ContextConfig controls C9's token budget and output format.
type ContextConfig struct {
	TokenBudget   int
	Ratios        LayerRatios
	CompactFormat bool
	ImmediateMin  int
	ImmediateMax  int
}

// SearchConfig controls C3's weights and candidate caps.
type SearchConfig struct {
	SemanticWeight float64
	KeywordWeight  float64
	TemporalWeight float64
	HalfLifeDays   float64
	MaxCandidates  int
	DedupThreshold float64
}

// EpisodeConfig controls C5/C6's thresholds.
type EpisodeConfig struct {
	ShortGapSeconds        int
	MediumGapSeconds       int
	LongGapSeconds         int
	BoundaryThreshold      float64
	MinMessages            int
	WindowTimeoutSeconds   int
	WindowMaxMessages      int
	MonitorIntervalSeconds int
}

// FactQualityConfig controls C8's quality pipeline.
type FactQualityConfig struct {
	MinConfidence      float64
	DuplicateThreshold float64
	HalfLifeDays       float64
	ConfidenceFloor    float64
}

// EmbeddingConfig configures the standalone HTTP embedding backend used when
// the LLM provider's own embedding endpoint isn't the desired source (e.g. a
// dedicated embedding service fronted by its own auth scheme).
type EmbeddingConfig struct {
	BaseURL   string
	Path      string
	Model     string
	Headers   map[string]string
	APIHeader string
	APIKey    string
	Timeout   int
}

// DatabaseConfig holds connection strings for the relational and vector stores.
type DatabaseConfig struct {
	PostgresDSN      string
	QdrantAddr       string
	QdrantCollection string
	EmbeddingDim     int
}

// LLMConfig selects and configures the concrete llm.Provider adapter.
type LLMConfig struct {
	Provider       string // "openai" or "anthropic"
	Model          string
	SummaryModel   string
	EmbeddingModel string
	APIKey         string
	BaseURL        string
	MaxConcurrent  int
}

// ObsConfig controls logging/tracing/metrics initialization.
type ObsConfig struct {
	LogLevel       string
	LogPath        string
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Config is the engine's complete, validated runtime configuration.
type Config struct {
	Retention   RetentionConfig
	Context     ContextConfig
	Search      SearchConfig
	Episode     EpisodeConfig
	FactQuality FactQualityConfig
	Database    DatabaseConfig
	LLM         LLMConfig
	Embedding   EmbeddingConfig
	Obs         ObsConfig

	PromptCacheTTL      time.Duration
	ToolResultMaxTokens int
	ShutdownGrace       time.Duration
}

// Load reads configuration from environment variables, overlaying any .env
// file present in the working directory, applies defaults, and validates the
// result. A validation failure is fatal per the error taxonomy's "Fatal"
// category — callers should treat a non-nil error as reason to exit.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Retention.Days = envInt("RETENTION_DAYS", 7)
	cfg.Retention.PruneInterval = envDuration("RETENTION_PRUNE_INTERVAL_SECONDS", 86400*time.Second)
	cfg.Retention.Enabled = envBool("RETENTION_ENABLED", true)

	cfg.Context.TokenBudget = envInt("CONTEXT_TOKEN_BUDGET", 8000)
	cfg.Context.Ratios = LayerRatios{
		Immediate:  envFloat("LAYER_RATIO_IMMEDIATE", 0.20),
		Recent:     envFloat("LAYER_RATIO_RECENT", 0.30),
		Relevant:   envFloat("LAYER_RATIO_RELEVANT", 0.25),
		Background: envFloat("LAYER_RATIO_BACKGROUND", 0.15),
		Episodic:   envFloat("LAYER_RATIO_EPISODIC", 0.10),
	}
	cfg.Context.CompactFormat = envBool("CONTEXT_COMPACT_FORMAT", false)
	cfg.Context.ImmediateMin = envInt("CONTEXT_IMMEDIATE_MIN_MESSAGES", 3)
	cfg.Context.ImmediateMax = envInt("CONTEXT_IMMEDIATE_MAX_MESSAGES", 5)

	cfg.Search.SemanticWeight = envFloat("SEMANTIC_WEIGHT", 0.6)
	cfg.Search.KeywordWeight = envFloat("KEYWORD_WEIGHT", 0.4)
	cfg.Search.TemporalWeight = envFloat("TEMPORAL_WEIGHT", 1.0)
	cfg.Search.HalfLifeDays = envFloat("HALF_LIFE_DAYS", 7)
	cfg.Search.MaxCandidates = envInt("MAX_SEARCH_CANDIDATES", 500)
	cfg.Search.DedupThreshold = envFloat("DEDUPLICATION_SIMILARITY_THRESHOLD", 0.85)

	cfg.Episode.ShortGapSeconds = envInt("EPISODE_SHORT_GAP", 120)
	cfg.Episode.MediumGapSeconds = envInt("EPISODE_MEDIUM_GAP", 900)
	cfg.Episode.LongGapSeconds = envInt("EPISODE_LONG_GAP", 3600)
	cfg.Episode.BoundaryThreshold = envFloat("EPISODE_BOUNDARY_THRESHOLD", 0.6)
	cfg.Episode.MinMessages = envInt("EPISODE_MIN_MESSAGES", 5)
	cfg.Episode.WindowTimeoutSeconds = envInt("EPISODE_WINDOW_TIMEOUT", 1800)
	cfg.Episode.WindowMaxMessages = envInt("EPISODE_WINDOW_MAX_MESSAGES", 50)
	cfg.Episode.MonitorIntervalSeconds = envInt("EPISODE_MONITOR_INTERVAL", 300)

	cfg.FactQuality.MinConfidence = envFloat("FACT_MIN_CONFIDENCE", 0.6)
	cfg.FactQuality.DuplicateThreshold = envFloat("FACT_DUPLICATE_THRESHOLD", 0.85)
	cfg.FactQuality.HalfLifeDays = envFloat("FACT_TEMPORAL_HALF_LIFE_DAYS", 30)
	cfg.FactQuality.ConfidenceFloor = envFloat("FACT_CONFIDENCE_FLOOR", 0.1)

	cfg.Database.PostgresDSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.Database.QdrantAddr = firstNonEmpty(os.Getenv("QDRANT_ADDR"), "localhost:6334")
	cfg.Database.QdrantCollection = firstNonEmpty(os.Getenv("QDRANT_COLLECTION"), "engine_messages")
	cfg.Database.EmbeddingDim = envInt("EMBEDDING_DIM", 768)

	cfg.LLM.Provider = firstNonEmpty(os.Getenv("LLM_PROVIDER"), "openai")
	cfg.LLM.Model = strings.TrimSpace(os.Getenv("LLM_MODEL"))
	cfg.LLM.SummaryModel = firstNonEmpty(os.Getenv("LLM_SUMMARY_MODEL"), cfg.LLM.Model)
	cfg.LLM.EmbeddingModel = strings.TrimSpace(os.Getenv("LLM_EMBEDDING_MODEL"))
	cfg.LLM.APIKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	cfg.LLM.BaseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	cfg.LLM.MaxConcurrent = envInt("LLM_MAX_CONCURRENT", 4)

	cfg.Embedding.BaseURL = strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	cfg.Embedding.Path = firstNonEmpty(os.Getenv("EMBEDDING_PATH"), "/v1/embeddings")
	cfg.Embedding.Model = strings.TrimSpace(os.Getenv("EMBEDDING_MODEL"))
	cfg.Embedding.APIHeader = strings.TrimSpace(os.Getenv("EMBEDDING_API_HEADER"))
	cfg.Embedding.APIKey = strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	cfg.Embedding.Timeout = envInt("EMBEDDING_TIMEOUT_SECONDS", 30)
	cfg.Embedding.Headers = parseHeaderList(os.Getenv("EMBEDDING_EXTRA_HEADERS"))

	cfg.Obs.LogLevel = firstNonEmpty(os.Getenv("LOG_LEVEL"), "info")
	cfg.Obs.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))
	cfg.Obs.OTLP = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	cfg.Obs.ServiceName = firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "chatmemory-engine")
	cfg.Obs.ServiceVersion = firstNonEmpty(os.Getenv("SERVICE_VERSION"), "dev")
	cfg.Obs.Environment = firstNonEmpty(os.Getenv("ENVIRONMENT"), "development")

	cfg.PromptCacheTTL = envDuration("PROMPT_CACHE_TTL_SECONDS", time.Hour)
	cfg.ToolResultMaxTokens = envInt("TOOL_RESULT_MAX_TOKENS", 300)
	cfg.ShutdownGrace = envDuration("SHUTDOWN_GRACE_SECONDS", 5*time.Second)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate runs the startup checks required by the external-interfaces
// contract. Any failure here is fatal.
func (c Config) Validate() error {
	if d := c.Search.SemanticWeight + c.Search.KeywordWeight - 1.0; d > 1e-6 || d < -1e-6 {
		return fmt.Errorf("config: semantic_weight + keyword_weight must equal 1.0, got %v", c.Search.SemanticWeight+c.Search.KeywordWeight)
	}
	if sum := c.Context.Ratios.Sum(); sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: layer ratios must sum to ~1.0, got %v", sum)
	}
	if c.Database.EmbeddingDim <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.Database.EmbeddingDim)
	}
	return nil
}

// parseHeaderList parses a "Key=Value,Key2=Value2" environment value into a
// header map. Empty or malformed entries are skipped.
func parseHeaderList(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
