package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the book dialogue service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration

	HistoryWindow   int
	TokenBudget     int
	MaxExcerpts     int
	MaxExcerptRunes int

	RetrievalTopK     int
	RetrievalMinScore float64
	ChunkSize         int
	ChunkOverlap      int
	EmbeddingDim      int

	TurnTimeout         time.Duration
	ProviderCallTimeout time.Duration
	PersistRetries      int

	Temperature float64
	MaxTokens   int

	RouterPrimary string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	OpenAIEmbedModel string

	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModel   string

	DatabaseURL string
	CatalogPath string

	// DefaultQuota is the per-owner turn allowance; 0 disables quota enforcement.
	DefaultQuota int

	// AuthTokens maps bearer tokens to principals, e.g.
	// "tok1:alice,tok2:observer:ops". Empty means dev mode where the bearer
	// token itself is used as the principal id.
	AuthTokens string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "booktalk"),
		AllowAnyOrigin:   false,

		SessionInactivityTimeout: 30 * time.Minute,
		JanitorInterval:          30 * time.Second,
		ShutdownTimeout:          15 * time.Second,

		HistoryWindow:   20,
		TokenBudget:     6000,
		MaxExcerpts:     4,
		MaxExcerptRunes: 800,

		RetrievalTopK:     5,
		RetrievalMinScore: 0.7,
		ChunkSize:         1000,
		ChunkOverlap:      200,
		EmbeddingDim:      1536,

		TurnTimeout:         90 * time.Second,
		ProviderCallTimeout: 45 * time.Second,
		PersistRetries:      3,

		Temperature: 0.7,
		MaxTokens:   1024,

		RouterPrimary: stringsTrimSpace("ROUTER_PRIMARY"),

		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:    envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:      envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIEmbedModel: envOrDefault("OPENAI_EMBED_MODEL", "text-embedding-3-small"),

		AnthropicAPIKey:  stringsTrimSpace("ANTHROPIC_API_KEY"),
		AnthropicBaseURL: envOrDefault("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		AnthropicModel:   envOrDefault("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
		CatalogPath: stringsTrimSpace("CATALOG_PATH"),

		DefaultQuota: 0,
		AuthTokens:   stringsTrimSpace("APP_AUTH_TOKENS"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnTimeout, err = durationFromEnv("APP_TURN_TIMEOUT", cfg.TurnTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderCallTimeout, err = durationFromEnv("APP_PROVIDER_CALL_TIMEOUT", cfg.ProviderCallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.HistoryWindow, err = intFromEnv("APP_HISTORY_WINDOW", cfg.HistoryWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenBudget, err = intFromEnv("APP_TOKEN_BUDGET", cfg.TokenBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxExcerpts, err = intFromEnv("APP_MAX_EXCERPTS", cfg.MaxExcerpts)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxExcerptRunes, err = intFromEnv("APP_MAX_EXCERPT_RUNES", cfg.MaxExcerptRunes)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalTopK, err = intFromEnv("RETRIEVAL_TOP_K", cfg.RetrievalTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalMinScore, err = floatFromEnv("RETRIEVAL_MIN_SCORE", cfg.RetrievalMinScore)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkSize, err = intFromEnv("RETRIEVAL_CHUNK_SIZE", cfg.ChunkSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkOverlap, err = intFromEnv("RETRIEVAL_CHUNK_OVERLAP", cfg.ChunkOverlap)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistRetries, err = intFromEnv("APP_PERSIST_RETRIES", cfg.PersistRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("MODEL_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTokens, err = intFromEnv("MODEL_MAX_TOKENS", cfg.MaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultQuota, err = intFromEnv("APP_DEFAULT_QUOTA", cfg.DefaultQuota)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("APP_HISTORY_WINDOW must be positive")
	}
	if cfg.TokenBudget <= 0 {
		return Config{}, fmt.Errorf("APP_TOKEN_BUDGET must be positive")
	}
	if cfg.RetrievalTopK <= 0 {
		return Config{}, fmt.Errorf("RETRIEVAL_TOP_K must be positive")
	}
	if cfg.RetrievalMinScore < 0 || cfg.RetrievalMinScore > 1 {
		return Config{}, fmt.Errorf("RETRIEVAL_MIN_SCORE must be in [0,1]")
	}
	if cfg.ChunkSize <= 0 {
		return Config{}, fmt.Errorf("RETRIEVAL_CHUNK_SIZE must be positive")
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return Config{}, fmt.Errorf("RETRIEVAL_CHUNK_OVERLAP must be in [0, chunk size)")
	}
	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("EMBEDDING_DIM must be positive")
	}
	if cfg.PersistRetries < 0 {
		return Config{}, fmt.Errorf("APP_PERSIST_RETRIES must be >= 0")
	}
	if cfg.DefaultQuota < 0 {
		return Config{}, fmt.Errorf("APP_DEFAULT_QUOTA must be >= 0")
	}

	return cfg, nil
}

// ParseAuthTokens expands the APP_AUTH_TOKENS value into a token -> principal map.
// A principal prefixed with "observer:" marks a read-only observer identity.
func (c Config) ParseAuthTokens() (map[string]string, error) {
	out := make(map[string]string)
	raw := strings.TrimSpace(c.AuthTokens)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, ":")
		if idx <= 0 || idx == len(pair)-1 {
			return nil, fmt.Errorf("APP_AUTH_TOKENS entry %q must be token:principal", pair)
		}
		out[pair[:idx]] = pair[idx+1:]
	}
	return out, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
