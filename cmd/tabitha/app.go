package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/philippgille/chromem-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/browser"
	"github.com/DatanoiseTV/tabitha/internal/config"
	"github.com/DatanoiseTV/tabitha/internal/conversation"
	"github.com/DatanoiseTV/tabitha/internal/executor"
	"github.com/DatanoiseTV/tabitha/internal/index"
	"github.com/DatanoiseTV/tabitha/internal/llm"
	"github.com/DatanoiseTV/tabitha/internal/pipeline"
	"github.com/DatanoiseTV/tabitha/internal/router"
	"github.com/DatanoiseTV/tabitha/internal/server"
	"github.com/DatanoiseTV/tabitha/internal/store"
	"github.com/DatanoiseTV/tabitha/internal/telemetry"
)

// hashEmbeddingDim sizes the offline embedder used without an API key.
const hashEmbeddingDim = 256

// App holds the wired components for one process.
type App struct {
	server   *server.Server
	store    *store.Store
	index    *index.Index
	browser  browser.Browser
	bridge   *browser.Bridge
	memory   *browser.Memory
	registry *prometheus.Registry
	closers  []func() error
}

// newApp builds every component from cfg. The caller must Close it.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := store.Open(cfg.DataDir, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if err := a.openBrowser(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}

	rt, embed := runtimes(ctx, cfg, logger)
	t := cfg.Timings

	a.index = index.New(index.Options{
		Store:             st,
		Browser:           a.browser,
		Logger:            logger.Named("index"),
		WriteDebounce:     t.WriteDebounce.D(),
		ReconcileInterval: t.ReconcileInterval.D(),
		RefreshThrottle:   t.RefreshThrottle.D(),
	})
	if err := a.index.Init(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build tab index: %w", err)
	}
	a.closers = append(a.closers, a.index.Close)

	aliases, err := router.LoadAliases(cfg.DomainsPath(), st, logger.Named("aliases"))
	if err != nil {
		a.Close()
		return nil, err
	}

	conv := conversation.NewManager(conversation.Options{
		Runtime:    rt,
		Logger:     logger.Named("conversation"),
		ContextTTL: t.ContextTTL.D(),
		SlotTTL:    t.SlotTTL.D(),
	})

	var reranker pipeline.Reranker
	switch cfg.Reranker {
	case config.RerankerLLM:
		reranker = pipeline.NewLLMReranker(rt, logger.Named("rerank"))
	case config.RerankerEmbedding:
		reranker = pipeline.NewEmbeddingReranker(embed, logger.Named("rerank"))
	}

	rec := telemetry.New(telemetry.Options{
		Store:      st,
		Registerer: a.registry,
		Logger:     logger.Named("telemetry"),
		SampleRate: cfg.TelemetryRate,
	})
	a.closers = append(a.closers, func() error { rec.Flush(); return nil })

	a.server = server.New(server.Options{
		Browser: a.browser,
		Index:   a.index,
		Router: router.New(router.Options{
			Runtime:         rt,
			Aliases:         aliases,
			Context:         conv,
			Logger:          logger.Named("router"),
			ParseTimeout:    t.IntentParseTimeout.D(),
			AvailabilityTTL: t.AvailabilityTTL.D(),
		}),
		Pipeline: pipeline.New(pipeline.Options{
			Reranker:      reranker,
			RerankTimeout: t.RerankTimeout.D(),
			Logger:        logger.Named("pipeline"),
		}),
		Executor: executor.New(executor.Options{
			Browser:     a.browser,
			Cards:       a.index,
			Runtime:     rt,
			Logger:      logger.Named("executor"),
			InFlightTTL: t.InFlightTTL.D(),
		}),
		Conversation: conv,
		Responder: conversation.NewResponder(conversation.ResponderOptions{
			Runtime:  rt,
			Logger:   logger.Named("responder"),
			Budget:   t.ResponseBudget.D(),
			CacheTTL: t.TemplateTTL.D(),
		}),
		IntentCache: index.NewIntentCache(st, t.IntentCacheTTL.D(), nil, logger.Named("intent-cache")),
		Telemetry:   rec,
		Logger:      logger.Named("server"),
		SlowHint:    t.SlowHint.D(),
		ConfirmTTL:  t.SlotTTL.D(),
		Version:     version,
	})
	return a, nil
}

func (a *App) openBrowser(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	switch cfg.Browser {
	case config.BrowserBridge:
		a.bridge = browser.NewBridge(logger.Named("bridge"))
		a.browser = a.bridge
		a.closers = append(a.closers, a.bridge.Close)
	case config.BrowserCDP:
		cdp := browser.NewCDP(cfg.CDPURL, logger.Named("cdp"))
		if err := cdp.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to browser: %w", err)
		}
		a.browser = cdp
		a.closers = append(a.closers, cdp.Close)
	default:
		a.memory = browser.NewMemory(nil)
		a.browser = a.memory
	}
	logger.Info("browser backend ready", zap.String("backend", cfg.Browser))
	return nil
}

// runtimes returns the model runtime and embedder. Without an API key the
// rule-based paths serve every request and embeddings are hashed locally.
func runtimes(ctx context.Context, cfg *config.Config, logger *zap.Logger) (llm.Runtime, chromem.EmbeddingFunc) {
	client, err := llm.NewClient(ctx, cfg.Gemini.APIKey)
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			logger.Warn("GEMINI_API_KEY not set, using rule-based parsing and templates")
		} else {
			logger.Error("failed to create Gemini client", zap.Error(err))
		}
		return llm.Unavailable{}, llm.HashEmbedder(hashEmbeddingDim)
	}
	return llm.NewGemini(client, cfg.Gemini.LLMModel, logger.Named("gemini")),
		llm.GeminiEmbedder(client, cfg.Gemini.EmbeddingModel)
}

// Handler returns the HTTP routes.
func (a *App) Handler() http.Handler {
	opts := server.HTTPOptions{Gatherer: a.registry}
	if a.bridge != nil {
		opts.Bridge = a.bridge
	}
	return a.server.Router(opts)
}

// Close releases components in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			zap.L().Warn("shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
}
