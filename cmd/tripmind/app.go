package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zhishimianbao/tripmind/internal/agent"
	"github.com/zhishimianbao/tripmind/internal/config"
	"github.com/zhishimianbao/tripmind/internal/events"
	"github.com/zhishimianbao/tripmind/internal/fetch"
	"github.com/zhishimianbao/tripmind/internal/llm"
	"github.com/zhishimianbao/tripmind/internal/memory"
	"github.com/zhishimianbao/tripmind/internal/prompts"
	"github.com/zhishimianbao/tripmind/internal/tools"
	"github.com/zhishimianbao/tripmind/internal/usage"
)

// errNoProvider is returned when no model provider has credentials.
var errNoProvider = errors.New("no model provider configured (set openai.api_key, anthropic.api_key or ollama.url)")

// usageStore is a sink that can also report and be closed.
type usageStore interface {
	usage.Sink
	usage.Reporter
	Close() error
}

// app is the wired component graph shared by serve, plan and chat.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	memory   *memory.Store
	registry *tools.Registry
	files    *tools.FileTools
	usage    usageStore
	orch     *agent.Orchestrator

	closers []func() error
}

// Close releases everything opened by newApp, last opened first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// newApp builds the orchestrator and its collaborators from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New()}

	client, err := createLLMClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	renderer, err := prompts.NewRenderer(cfg.Prompts.Dir)
	if err != nil {
		return nil, fmt.Errorf("load prompt templates: %w", err)
	}

	store, err := openUsageStore(ctx, cfg.Usage)
	if err != nil {
		return nil, err
	}
	a.usage = store
	a.closers = append(a.closers, store.Close)
	logger.Info("usage store opened", "driver", cfg.Usage.Driver)

	a.memory = memory.NewStore(memory.Options{
		MaxMessages: cfg.Memory.MaxMessages,
		MaxSessions: cfg.Memory.MaxSessions,
		TTL:         cfg.Memory.SessionTTL(),
		Logger:      logger,
	})

	if err := a.buildTools(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// Fetched in the background; estimates use chars/4 until it lands.
	tokens := llm.NewTokenCounter()
	tokens.Load(logger)

	gateway := llm.NewGateway(client, llm.GatewayOptions{
		DefaultModel: cfg.Models.Default,
		StreamBuffer: cfg.Agent.StreamBuffer,
		StallTimeout: cfg.Agent.StreamStallTimeout(),
		Logger:       logger,
		Tokens:       tokens,
	})

	a.orch = agent.New(agent.Config{
		Renderer:          renderer,
		Model:             gateway,
		Memory:            a.memory,
		Tools:             a.registry,
		Usage:             usage.NewAccountant(store, a.bus, logger),
		Files:             a.files,
		Bus:               a.bus,
		Logger:            logger,
		DefaultModel:      cfg.Models.Default,
		HTMLModel:         cfg.Models.HTML,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		MaxTaskSteps:      cfg.Agent.MaxTaskSteps,
		RetryMaxAttempts:  cfg.Agent.RetryMaxAttempts,
		RetryBaseDelay:    cfg.Agent.RetryBaseDelay(),
		RetryMaxDelay:     cfg.Agent.RetryMaxDelay(),
		MapKey:            cfg.Amap.JSKey,
		MapSecurityCode:   cfg.Amap.SecurityCode,
		PublicBaseURL:     cfg.Output.PublicBaseURL,
	})
	return a, nil
}

// buildTools registers every configured tool and freezes the registry.
func (a *app) buildTools(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	var cache tools.Cache
	if cfg.Tools.Redis.Configured() {
		rc, err := tools.NewRedisCache(ctx, cfg.Tools.Redis.Addr, cfg.Tools.Redis.Password, cfg.Tools.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect tool cache: %w", err)
		}
		a.closers = append(a.closers, rc.Close)
		cache = rc
		logger.Info("tool cache: redis", "addr", cfg.Tools.Redis.Addr)
	} else {
		cache = tools.NewMemoryCache(1024)
	}

	policy, err := tools.LoadPolicy(ctx, cfg.Tools.PolicyFile)
	if err != nil {
		return err
	}

	a.registry = tools.NewRegistry(tools.Options{
		Cache:    cache,
		CacheTTL: cfg.Tools.CacheTTL(),
		Policy:   policy,
		Logger:   logger,
	})

	if cfg.Amap.Configured() {
		amap := tools.NewAmapClient(tools.AmapOptions{
			APIKey:            cfg.Amap.APIKey,
			BaseURL:           cfg.Amap.BaseURL,
			RequestsPerSecond: cfg.Amap.RequestsPerSecond,
			Burst:             cfg.Amap.Burst,
			Timeout:           time.Duration(cfg.Amap.TimeoutSec) * time.Second,
			Logger:            logger,
		})
		if err := tools.RegisterAmap(a.registry, amap); err != nil {
			return err
		}
	} else {
		logger.Warn("amap not configured - map tools unavailable")
	}

	a.files = tools.NewFileTools(cfg.Output.Dir)
	if err := tools.RegisterFiles(a.registry, a.files); err != nil {
		return err
	}

	fetcher := fetch.New(fetch.Options{MaxChars: cfg.Tools.FetchMaxChars})
	if err := tools.RegisterWebFetch(a.registry, fetch.ToolHandler(fetcher)); err != nil {
		return err
	}

	a.registry.Freeze()
	logger.Info("tools registered", "tools", a.registry.Names())
	return nil
}

// createLLMClient builds a multi-provider client. Each configured
// model maps to its provider; unmapped models go to the first
// configured provider in the order openai, anthropic, ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	providers := map[string]llm.Client{}
	var order []string

	if cfg.OpenAI.Configured() {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
		order = append(order, "openai")
	}
	if cfg.Anthropic.Configured() {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		order = append(order, "anthropic")
	}
	if cfg.Ollama.Configured() {
		providers["ollama"] = llm.NewOllamaClient(cfg.Ollama.URL, logger)
		order = append(order, "ollama")
	}
	if len(order) == 0 {
		return nil, errNoProvider
	}

	multi := llm.NewMultiClient(providers[order[0]])
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		if _, ok := providers[m.Provider]; !ok {
			logger.Warn("model provider not configured", "model", m.Name, "provider", m.Provider)
			continue
		}
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"fallback_provider", order[0],
		"providers", multi.Providers(),
	)
	return multi, nil
}

// openUsageStore opens the configured usage sink.
func openUsageStore(ctx context.Context, cfg config.UsageConfig) (usageStore, error) {
	if cfg.Driver == "postgres" {
		s, err := usage.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create usage directory %s: %w", dir, err)
		}
	}
	s, err := usage.OpenSQLite(cfg.Driver, cfg.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}
