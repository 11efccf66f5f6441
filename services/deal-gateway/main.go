package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	gwconfig "escrowd/gateway/config"
	"escrowd/gateway/middleware"
	"escrowd/observability/logging"
	telemetry "escrowd/observability/otel"
)

func main() {
	configPath := flag.String("config", "deal-gateway.yaml", "path to the gateway config file")
	flag.Parse()

	cfg, err := gwconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	serviceName := strings.TrimSpace(cfg.Observability.ServiceName)
	if serviceName == "" {
		serviceName = "deal-gateway"
	}
	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))
	logging.Setup(serviceName, env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecureOTLP := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecureOTLP = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecureOTLP,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	logger := log.Default()

	store, err := NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ClockSkew:      cfg.Auth.ClockSkew,
	}, logger)

	limits := make(map[string]middleware.RateLimit)
	for key, values := range cfg.RateLimitMap() {
		limits[key] = middleware.RateLimit{RequestsPerMinute: values.RequestsPerMinute, Burst: values.Burst}
	}
	limiter := middleware.NewRateLimiter(limits, logger)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics,
	}, logger)

	node := NewRPCNodeClient(cfg.Node.URL, cfg.Node.AuthToken, cfg.Node.Timeout)
	queue := NewWebhookQueue(
		WithTaskCapacity(cfg.Webhooks.QueueCapacity),
		WithHistoryCapacity(cfg.Webhooks.HistoryCapacity),
		WithTTL(cfg.Webhooks.TTL),
	)

	server := NewServer(ServerOptions{
		Node:          node,
		Store:         store,
		Auth:          auth,
		RateLimits:    limiter,
		Observability: obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		Logger: logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := NewEventWatcher(node, store, queue, logger, cfg.Watcher.PollInterval, cfg.Watcher.BatchSize)
	go watcher.Run(ctx)

	worker := NewWebhookWorker(store, queue, logger)
	go worker.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server.Router(), serviceName),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Printf("listening on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Printf("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}

const shutdownTimeout = 10 * time.Second
