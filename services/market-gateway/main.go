package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agora/gateway/auth"
	"agora/gateway/config"
	"agora/gateway/middleware"
	"agora/observability/logging"
	"agora/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "market-gateway.yaml", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("market-gateway", "").Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Observability.ServiceName, os.Getenv("AGORA_ENV"))

	var telemetryShutdown func(context.Context) error
	if endpoint := strings.TrimSpace(cfg.Observability.OTLPEndpoint); endpoint != "" {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: cfg.Observability.ServiceName,
			Environment: os.Getenv("AGORA_ENV"),
			Endpoint:    endpoint,
			Insecure:    !strings.HasPrefix(endpoint, "https://"),
		})
		if err != nil {
			logger.Warn("OTLP exporter disabled", "err", err)
		} else {
			telemetryShutdown = shutdown
		}
	}

	store, err := OpenStore(cfg.Database)
	if err != nil {
		logger.Error("open store", "path", cfg.Database, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	replay, err := auth.OpenLevelDBReplayStore(cfg.ReplayDatabase)
	if err != nil {
		logger.Error("open replay store", "path", cfg.ReplayDatabase, "err", err)
		os.Exit(1)
	}
	defer replay.Close()

	authenticator := auth.New(cfg.Secrets(), cfg.Auth.TimestampSkew, cfg.Auth.NonceTTL, cfg.Auth.NonceCapacity, replay)
	hydrateCtx, hydrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := authenticator.Hydrate(hydrateCtx, time.Now().Add(-cfg.Auth.NonceTTL)); err != nil {
		logger.Warn("replay cache hydration incomplete", "err", err)
	}
	hydrateCancel()

	node := NewRPCNodeClient(cfg.Node.URL, cfg.Node.AuthToken, cfg.Node.Timeout)
	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.Webhooks.QueueCapacity),
		WithWebhookHistoryCapacity(cfg.Webhooks.HistorySize),
		WithWebhookTTL(cfg.Webhooks.TTL),
	)
	server := NewServer(authenticator, node, store, queue, logger)

	limiter := middleware.NewRateLimiter(rateLimits(cfg.RateLimits), logger)
	tokens := middleware.NewTokenAuth(middleware.TokenConfig{
		Enabled:     cfg.Tokens.Enabled,
		Secret:      cfg.Tokens.Secret,
		Issuer:      cfg.Tokens.Issuer,
		Audience:    cfg.Tokens.Audience,
		ScopeClaim:  cfg.Tokens.ScopeClaim,
		ExemptPaths: cfg.Tokens.ExemptPaths,
		ClockSkew:   cfg.Tokens.ClockSkew,
	}, logger)
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: cfg.Observability.ServiceName,
		LogRequests: cfg.Observability.LogRequests,
		Enabled:     cfg.Observability.Enabled,
	}, logger)

	root := chi.NewRouter()
	root.Use(obs.Middleware("gateway"))
	root.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
	}))
	root.Handle("/metrics", obs.MetricsHandler())
	root.Mount("/", server.Routes(limiter, tokens))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := NewEventWatcher(node, store, queue, logger)
	worker := NewWebhookWorker(store, queue, logger)
	go watcher.Run(ctx)
	go worker.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(root, cfg.Observability.ServiceName),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("market gateway listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down market gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	if telemetryShutdown != nil {
		_ = telemetryShutdown(shutdownCtx)
	}
}

func rateLimits(cfg map[string]config.RateLimit) map[string]middleware.Limit {
	limits := make(map[string]middleware.Limit, len(cfg))
	for class, limit := range cfg {
		limits[class] = middleware.Limit{PerMinute: limit.PerMinute, Burst: limit.Burst}
	}
	return limits
}
