package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"relaygate/internal/catalog"
	"relaygate/internal/coalesce"
	"relaygate/internal/config"
	"relaygate/internal/convo"
	"relaygate/internal/dispatch"
	"relaygate/internal/handler"
	"relaygate/internal/httpclient"
	"relaygate/internal/hub"
	"relaygate/internal/metrics"
	"relaygate/internal/middleware"
	"relaygate/internal/pacer"
	"relaygate/internal/provider"
	"relaygate/internal/provider/anthropic"
	"relaygate/internal/provider/lorem"
	"relaygate/internal/provider/openai"
	"relaygate/internal/router"
	"relaygate/internal/store"
	"relaygate/internal/thread"
)

func main() {
	// .env is optional; production injects real environment.
	_ = godotenv.Load()

	cfg := config.Load()

	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("gateway starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"default_provider", cfg.DefaultProvider,
		"default_model", cfg.DefaultModel,
	)

	ctx := context.Background()

	cat, err := catalog.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to load model catalog: %v", err)
	}

	shared, err := httpclient.New(cfg.ProviderRequestTimeout, logger)
	if err != nil {
		log.Fatalf("Failed to create shared HTTP client: %v", err)
	}

	registry := provider.NewRegistry()
	registry.Register(lorem.NewProvider())
	var warmupURLs []string
	if cfg.AnthropicAPIKey != "" {
		p, err := anthropic.NewProvider(cfg.AnthropicAPIKey, shared)
		if err != nil {
			log.Fatalf("Failed to create anthropic provider: %v", err)
		}
		registry.Register(p)
		warmupURLs = append(warmupURLs, "https://api.anthropic.com")
	}
	if cfg.OpenAIAPIKey != "" {
		p, err := openai.NewProvider("openai", cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, shared)
		if err != nil {
			log.Fatalf("Failed to create openai provider: %v", err)
		}
		registry.Register(p)
		warmupURLs = append(warmupURLs, cfg.OpenAIBaseURL)
	}
	logger.Info("providers registered", "providers", registry.Names())

	// Pre-establish upstream connections so the first dispatch does not
	// pay handshake latency.
	if len(warmupURLs) > 0 {
		warmupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		shared.Warmup(warmupCtx, warmupURLs)
		cancel()
	}

	turnStore := buildTurnStore(ctx, cfg, logger)

	threads := thread.NewStore(0, logger)
	builderOpts := []convo.Option{convo.WithWindowTurns(cfg.ThreadWindowTurns)}
	if cfg.RewriterEnabled {
		if p, err := registry.Get(cfg.DefaultProvider); err == nil {
			builderOpts = append(builderOpts, convo.WithRewriter(convo.NewLLMRewriter(p, cfg.DefaultModel)))
		}
	}
	builder := convo.NewBuilder(threads, logger, builderOpts...)

	rtr := router.New(cat, registry,
		router.NewKeywordClassifier(),
		router.NewFeedbackStore(),
		router.Config{
			DefaultProvider: cfg.DefaultProvider,
			DefaultModel:    cfg.DefaultModel,
		},
		logger,
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector(cfg.MetricsWindowSize, promReg)

	svc := dispatch.NewService(
		dispatch.Config{
			DefaultProvider: cfg.DefaultProvider,
			DefaultModel:    cfg.DefaultModel,
			CoalesceEnabled: cfg.CoalesceEnabled,
			FanoutEnabled:   cfg.FanoutEnabled,
			MemoryEnabled:   cfg.MemoryEnabled,
			RewriterEnabled: cfg.RewriterEnabled,
			FollowerTimeout: cfg.ClientFirstTokenTimeout,
		},
		threads,
		builder,
		rtr,
		coalesce.New(logger),
		hub.New(0, logger),
		pacer.New(cfg.PacerLimits, logger),
		registry,
		turnStore,
		collector,
		logger,
	)

	api := http.NewServeMux()
	handler.NewDispatchHandler(svc, cfg.HeartbeatInterval, logger).Register(api)
	handler.NewStatsHandler(collector).Register(api)

	root := http.NewServeMux()
	root.Handle("/api/", middleware.OrgResolution(logger)(api))
	root.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	handler.NewHealthHandler().Register(root)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", middleware.OrgHeader, middleware.RequestIDHeader},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.Recovery(logger)(corsHandler.Handler(root)),
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout stays zero: SSE responses are open-ended.
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	logger.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

// buildTurnStore wires PostgreSQL persistence when DATABASE_URL is set,
// otherwise turns are kept in memory only.
func buildTurnStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) store.TurnStore {
	if cfg.DatabaseURL == "" {
		logger.Info("no database configured, turn persistence disabled")
		return store.NoopTurnStore{}
	}

	pool, err := store.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	ts := store.NewPostgresTurnStore(pool, store.NewTableNames(cfg.TablePrefix), logger)
	if err := ts.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure database schema: %v", err)
	}
	logger.Info("turn persistence enabled", "table_prefix", cfg.TablePrefix)
	return ts
}
