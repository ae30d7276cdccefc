package app

import (
	"context"
	"fmt"

	"github.com/ent0n29/triagechat/internal/chat"
	"github.com/ent0n29/triagechat/internal/config"
	"github.com/ent0n29/triagechat/internal/conversation"
	"github.com/ent0n29/triagechat/internal/generator"
	"github.com/ent0n29/triagechat/internal/httpapi"
	"github.com/ent0n29/triagechat/internal/observability"
	"github.com/ent0n29/triagechat/internal/triage"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Chat      *chat.Service
	Store     conversation.Store
	Metrics   *observability.Metrics
	Backend   string
	Generator string

	// Cleanup should be called on shutdown to release the store connection.
	Cleanup func() error
}

// Build opens the conversation store once and wires every component around
// that single handle.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	identity, err := conversation.NewIdentityPolicy(cfg.IdentityPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	gen, err := generator.NewGenerator(generator.Config{
		Mode:         cfg.GeneratorMode,
		APIKey:       cfg.GeneratorAPIKey,
		BaseURL:      cfg.GeneratorBaseURL,
		Model:        cfg.GeneratorModel,
		HTTPURL:      cfg.GeneratorHTTPURL,
		SystemPrompt: cfg.GeneratorSystemPrompt,
		Timeout:      cfg.GeneratorTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("generator init failed: %w", err)
	}

	store, err := conversation.NewStore(ctx, conversation.Options{
		Backend:       cfg.StoreBackend,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		PostgresURL:   cfg.DatabaseURL,
		RedisURL:      cfg.RedisURL,
		Timeout:       cfg.StoreTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}
	backend := conversation.BackendName(store)

	svc := chat.NewService(chat.Options{
		Store:        store,
		Identity:     identity,
		Generator:    gen,
		Extractor:    triage.NewExtractor(store, cfg.TriggerPhrases),
		Metrics:      metrics,
		Backend:      backend,
		HistoryTurns: cfg.HistoryTurns,
	})

	cfg.StoreBackend = backend
	api := httpapi.New(cfg, svc, metrics)

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Chat:      svc,
		Store:     store,
		Metrics:   metrics,
		Backend:   backend,
		Generator: generator.Name(gen),
		Cleanup:   store.Close,
	}, nil
}
