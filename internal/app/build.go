package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seralva/booktalk/internal/catalog"
	"github.com/seralva/booktalk/internal/config"
	"github.com/seralva/booktalk/internal/dialogue"
	"github.com/seralva/booktalk/internal/gateway"
	"github.com/seralva/booktalk/internal/observability"
	"github.com/seralva/booktalk/internal/prompt"
	"github.com/seralva/booktalk/internal/provider"
	"github.com/seralva/booktalk/internal/quota"
	"github.com/seralva/booktalk/internal/retrieval"
	"github.com/seralva/booktalk/internal/router"
	"github.com/seralva/booktalk/internal/store"
)

// App is the wired service: every component built from configuration.
type App struct {
	Config       config.Config
	Server       *gateway.Server
	Orchestrator *dialogue.Orchestrator
	Router       *router.Router
	Index        *retrieval.Index
	Store        store.Store
	Metrics      *observability.Metrics

	cleanup []func()
}

// Close releases resources in reverse wiring order.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// Build wires the full service from configuration.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}
	a.Metrics = observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}
	a.Store = st
	a.cleanup = append(a.cleanup, st.Close)

	a.Router = router.New(router.RouterConfig{
		Pricing:     router.DefaultPriceTable(),
		Usage:       st,
		Metrics:     a.Metrics,
		CallTimeout: cfg.ProviderCallTimeout,
	})
	a.cleanup = append(a.cleanup, a.Router.CloseFeed)
	if err := registerAdapters(a.Router, cfg); err != nil {
		a.Close()
		return nil, err
	}

	vectors, err := buildVectorStore(ctx, st, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("vector store init: %w", err)
	}
	a.Index = retrieval.NewIndex(vectors, a.Router, cfg.ChunkSize, cfg.ChunkOverlap)

	cat, err := buildCatalog(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	assembler := prompt.NewAssembler(a.Index, st, prompt.NewTokenCounter(), prompt.Config{
		HistoryWindow:   cfg.HistoryWindow,
		TokenBudget:     cfg.TokenBudget,
		TopK:            cfg.RetrievalTopK,
		MinScore:        cfg.RetrievalMinScore,
		MaxExcerpts:     cfg.MaxExcerpts,
		MaxExcerptRunes: cfg.MaxExcerptRunes,
	})

	a.Orchestrator = dialogue.NewOrchestrator(st, assembler, a.Router, quota.NewInMemory(cfg.DefaultQuota), cat, a.Metrics, dialogue.Config{
		TurnTimeout:    cfg.TurnTimeout,
		PersistRetries: cfg.PersistRetries,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
	})

	auth, err := buildAuthenticator(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Server = gateway.New(cfg, a.Orchestrator, a.Router, a.Index, cat, st, auth, a.Metrics)
	return a, nil
}

// registerAdapters builds one adapter per configured provider. With no keys
// at all the mock adapter keeps local development alive.
func registerAdapters(r *router.Router, cfg config.Config) error {
	registered := 0

	if cfg.OpenAIAPIKey != "" {
		a, err := provider.New(provider.Config{
			ID:         "openai",
			Kind:       "openai",
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIModel,
			EmbedModel: cfg.OpenAIEmbedModel,
			Timeout:    cfg.ProviderCallTimeout,
		})
		if err != nil {
			return fmt.Errorf("openai adapter: %w", err)
		}
		r.Register(a, router.RoleBackup)
		registered++
		slog.Info("provider registered", "id", "openai", "model", cfg.OpenAIModel)
	}

	if cfg.AnthropicAPIKey != "" {
		a, err := provider.New(provider.Config{
			ID:      "anthropic",
			Kind:    "anthropic",
			APIKey:  cfg.AnthropicAPIKey,
			BaseURL: cfg.AnthropicBaseURL,
			Model:   cfg.AnthropicModel,
			Timeout: cfg.ProviderCallTimeout,
		})
		if err != nil {
			return fmt.Errorf("anthropic adapter: %w", err)
		}
		r.Register(a, router.RoleBackup)
		registered++
		slog.Info("provider registered", "id", "anthropic", "model", cfg.AnthropicModel)
	}

	if registered == 0 {
		r.Register(provider.NewMockAdapter("mock"), router.RolePrimary)
		slog.Warn("no provider keys configured, using mock adapter")
		return nil
	}

	if cfg.RouterPrimary != "" {
		if err := r.SetPrimary(cfg.RouterPrimary); err != nil {
			return fmt.Errorf("ROUTER_PRIMARY: %w", err)
		}
	} else if err := r.SetPrimary(firstRegistered(cfg)); err != nil {
		return err
	}
	return nil
}

func firstRegistered(cfg config.Config) string {
	if cfg.OpenAIAPIKey != "" {
		return "openai"
	}
	return "anthropic"
}

func buildVectorStore(ctx context.Context, st store.Store, cfg config.Config) (retrieval.Store, error) {
	if pg, ok := st.(*store.PostgresStore); ok {
		return retrieval.NewVectorStore(ctx, pg.Pool(), cfg.EmbeddingDim)
	}
	return retrieval.NewVectorStore(ctx, nil, cfg.EmbeddingDim)
}

func buildCatalog(cfg config.Config) (*catalog.Static, error) {
	if cfg.CatalogPath == "" {
		slog.Warn("no catalog configured, starting empty")
		return catalog.NewStatic(), nil
	}
	cat, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("catalog load: %w", err)
	}
	slog.Info("catalog loaded", "path", cfg.CatalogPath, "subjects", len(cat.List()))
	return cat, nil
}

func buildAuthenticator(cfg config.Config) (gateway.Authenticator, error) {
	tokens, err := cfg.ParseAuthTokens()
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		slog.Warn("no auth tokens configured, running in dev auth mode")
		return gateway.DevAuth{}, nil
	}
	return gateway.NewStaticTokens(tokens), nil
}
