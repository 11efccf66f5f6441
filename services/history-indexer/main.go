package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"escrowd/observability/logging"
	telemetry "escrowd/observability/otel"
	"escrowd/services/history-indexer/config"
	"escrowd/services/history-indexer/ingest"
	"escrowd/services/history-indexer/models"
	"escrowd/services/history-indexer/nodeclient"
	"escrowd/services/history-indexer/server"
)

const serviceName = "history-indexer"

const shutdownTimeout = 10 * time.Second

func main() {
	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))
	logging.Setup(serviceName, env)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

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

	db, err := gorm.Open(openDialector(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	node := nodeclient.NewClient(nodeclient.Config{URL: cfg.NodeURL, AuthToken: cfg.NodeToken})
	ingester, err := ingest.New(ingest.Config{
		DB:       db,
		Node:     node,
		Interval: cfg.PollInterval,
		Batch:    cfg.BatchSize,
	})
	if err != nil {
		log.Fatalf("ingester init error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go ingester.Run(ctx)

	srv := server.New(server.Config{DB: db})
	addr := ":" + cfg.Port
	httpServer := &http.Server{Addr: addr, Handler: otelhttp.NewHandler(srv.Handler(), serviceName)}
	go func() {
		log.Printf("starting %s on %s", serviceName, addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// openDialector picks the database driver from the DSN: postgres URLs go
// to the postgres driver, anything else is treated as a sqlite path.
func openDialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}
