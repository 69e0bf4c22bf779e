package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"

	"github.com/cgast/missionctl/internal/config"
	"github.com/cgast/missionctl/internal/telemetry"
	"github.com/cgast/missionctl/pkg/checkpoint"
	"github.com/cgast/missionctl/pkg/events"
	"github.com/cgast/missionctl/pkg/evidence"
	"github.com/cgast/missionctl/pkg/fakeshop"
	"github.com/cgast/missionctl/pkg/llm"
	"github.com/cgast/missionctl/pkg/pipeline"
	"github.com/cgast/missionctl/pkg/scoring"
	"github.com/cgast/missionctl/pkg/stage"
	"github.com/cgast/missionctl/pkg/tool"
)

// app holds everything a command needs, built once from the config.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	telemetry *telemetry.Provider
	catalog   *fakeshop.Catalog
	shop      *fakeshop.Backend // nil when a remote gateway is configured
	store     checkpoint.Store
	bus       *events.MemoryBus
	orch      *pipeline.Orchestrator
	closers   []func() error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	a.logger = telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(a.logger)

	tp, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRate:  cfg.Telemetry.SampleRate,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tp

	backend, err := a.buildBackend()
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	invoker := tool.NewInvoker(backend,
		tool.WithRetryPolicy(cfg.Tools.Retry),
		tool.WithRateLimit(cfg.Tools.RateLimitRPS, cfg.Tools.Burst),
		tool.WithCallTimeout(cfg.Tools.CallTimeout),
		tool.WithActor(tool.Actor{Type: "agent", ID: "missionctl"}),
		tool.WithLogger(a.logger),
	)

	archiver, err := a.buildArchiver(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	fallback, err := decimal.NewFromString(cfg.ShippingFallback.Price)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("shipping_fallback.price: %w", err)
	}

	deps := stage.Deps{
		Tools:        invoker,
		PlannerModel: cfg.LLM.PlannerModel,
		AdvisorModel: cfg.LLM.AdvisorModel,
		Scoring:      scoring.New(cfg.Scoring),
		Taxes:        stage.NewTaxTable(cfg.Tax.DefaultRate, cfg.Tax.Rates),
		Limits: stage.Limits{
			SearchLimit: cfg.Pipeline.SearchLimit,
			DetailFetch: cfg.Pipeline.DetailFetchLimit,
			VerifyMax:   cfg.Pipeline.VerifyLimit,
			Concurrency: cfg.Tools.Concurrency,
		},
		ShippingFallback:     stage.ShippingFallback{Price: fallback, Days: cfg.ShippingFallback.Days},
		ConfirmPlanSelection: cfg.Pipeline.ConfirmPlanSelection,
		Archiver:             archiver,
		Logger:               a.logger,
	}
	// A nil *OpenAIClient must not become a non-nil interface.
	if client := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Timeout: cfg.LLM.Timeout,
	}); client != nil {
		deps.Extractor = client
		deps.Advisor = client
	}

	store, err := checkpoint.Open(cfg.Checkpoint)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	a.bus = events.NewBoundedBus(1000)
	orch, err := pipeline.New(stage.All(deps),
		pipeline.WithCheckpointStore(store),
		pipeline.WithEvents(a.bus),
		pipeline.WithLogger(a.logger),
		pipeline.WithDeadline(cfg.Pipeline.Deadline),
		pipeline.WithTokenBudget(cfg.Pipeline.TokenBudget),
		pipeline.WithMaxTransitions(cfg.Pipeline.MaxTransitions),
	)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.orch = orch
	return a, nil
}

// buildBackend returns the remote gateway client, or the in-process fake
// shop when no gateway is configured.
func (a *app) buildBackend() (tool.Backend, error) {
	if a.cfg.Gateway.BaseURL != "" {
		a.logger.Info("backend.remote", "base_url", a.cfg.Gateway.BaseURL)
		return tool.NewHTTPBackend(tool.HTTPConfig{
			BaseURL:             a.cfg.Gateway.BaseURL,
			Timeout:             a.cfg.Gateway.Timeout,
			MaxIdleConnsPerHost: a.cfg.Gateway.MaxIdleConns,
			BreakerThreshold:    a.cfg.Gateway.Breaker.Threshold,
			BreakerReset:        a.cfg.Gateway.Breaker.Reset,
		}), nil
	}
	c, err := loadCatalog(a.cfg.FakeShop.Catalog)
	if err != nil {
		return nil, err
	}
	a.catalog = c
	a.shop = fakeshop.New(c, fakeshop.WithLogger(a.logger))
	return a.shop, nil
}

func (a *app) buildArchiver(ctx context.Context) (evidence.Archiver, error) {
	ev := a.cfg.Evidence
	switch ev.Kind {
	case "":
		return nil, nil
	case "file":
		return evidence.FileArchiver{Dir: ev.Dir}, nil
	case "s3":
		arch, err := evidence.NewS3Archiver(ctx, evidence.S3Config{
			Bucket:   ev.Bucket,
			Region:   ev.Region,
			Endpoint: ev.Endpoint,
			Prefix:   ev.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 archiver: %w", err)
		}
		return arch, nil
	case "gcs":
		arch, err := evidence.NewGCSArchiver(ctx, ev.Bucket, ev.Prefix)
		if err != nil {
			return nil, fmt.Errorf("gcs archiver: %w", err)
		}
		a.closers = append(a.closers, arch.Close)
		return arch, nil
	default:
		return nil, fmt.Errorf("unknown evidence archive kind %q", ev.Kind)
	}
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", "error", err)
		}
	}
	a.closers = nil
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry.shutdown", "error", err)
	}
}

func loadCatalog(path string) (*fakeshop.Catalog, error) {
	if path == "" {
		return fakeshop.DefaultCatalog()
	}
	return fakeshop.LoadCatalog(path)
}

// withApp builds the app from flags and config, runs fn and tears down.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}
