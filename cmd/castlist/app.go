package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/scrypster/castlist/internal/config"
	"github.com/scrypster/castlist/internal/harvest"
	"github.com/scrypster/castlist/internal/llm"
	"github.com/scrypster/castlist/internal/storage/sqlite"
)

// app is the wired set of components one command runs against.
type app struct {
	store    *sqlite.RosterStore
	ollama   *llm.OllamaBackend
	gateway  *llm.Gateway
	pipeline *harvest.Pipeline
}

// openApp builds the gateway, store and pipeline from cfg and loads the
// session's roster.
func openApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	active, err := llm.ParseBackend(cfg.LLM.Backend)
	if err != nil {
		return nil, err
	}

	gw := llm.NewGateway(llm.GatewayConfig{
		Active:            active,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Breaker:           llm.CircuitBreakerConfig{MaxFailures: uint32(max(cfg.LLM.BreakerFailures, 0))},
		Logger:            logger,
	})

	primary, err := llm.NewChatCompletionClient(llm.ChatCompletionConfig{
		BaseURL:       cfg.LLM.PrimaryURL,
		APIKey:        cfg.LLM.PrimaryAPIKey,
		Model:         cfg.LLM.PrimaryModel,
		ContextWindow: cfg.LLM.PrimaryContextWindow,
		Timeout:       cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, err
	}
	gw.SetProvider(llm.BackendPrimary, primary)

	ollama, err := llm.NewOllamaBackend(llm.OllamaConfig{
		BaseURL: cfg.LLM.OllamaURL,
		Model:   cfg.LLM.OllamaModel,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, err
	}
	gw.SetProvider(llm.BackendLocal, ollama)

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	p := harvest.NewPipeline(gw, harvest.Config{
		Session:       cfg.Session,
		CacheCapacity: cfg.Analysis.CacheCapacity,
		Threshold:     cfg.Resolver.Threshold,
		Retries:       cfg.Analysis.Retries,
		Counter:       newCounter(cfg.Analysis.Tokenizer, logger),
		Store:         store,
		Logger:        logger,
	})
	if err := p.Load(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}

	return &app{store: store, ollama: ollama, gateway: gw, pipeline: p}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func openStore(cfg *config.Config, logger *zap.Logger) (*sqlite.RosterStore, error) {
	path := dbPath
	if path == "" {
		path = cfg.Storage.DatabasePath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return sqlite.NewRosterStore(path, logger)
}

func newCounter(encoding string, logger *zap.Logger) llm.TokenCounter {
	if encoding == "" || encoding == "estimate" {
		return llm.EstimateCounter{}
	}
	counter, err := llm.NewTiktokenCounter(encoding)
	if err != nil {
		logger.Warn("tokenizer unavailable, using estimate", zap.String("encoding", encoding), zap.Error(err))
		return llm.EstimateCounter{}
	}
	return counter
}
