package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"escrowd/cmd/internal/passphrase"
	"escrowd/config"
	"escrowd/core"
	"escrowd/core/journal"
	"escrowd/crypto"
	"escrowd/native/custody"
	"escrowd/observability"
	"escrowd/observability/logging"
	telemetry "escrowd/observability/otel"
	"escrowd/rpc"
	"escrowd/storage"
)

const (
	operatorPassEnv = "ESCROWD_OPERATOR_PASS"
	serviceName     = "escrowd"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	passSource := passphrase.NewSource(operatorPassEnv)

	cfg, err := config.Load(*configFile,
		config.WithKeystorePassphraseSource(passSource.Get),
		config.WithKeystoreProvisionSource(passSource.Provision))
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	env := strings.TrimSpace(cfg.Log.Env)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("ESCROWD_ENV"))
	}
	logger := logging.SetupWithFile(serviceName, env, cfg.Log.Path)

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
		panic(fmt.Sprintf("Failed to initialise telemetry: %v", err))
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	params, err := cfg.Params()
	if err != nil {
		panic(fmt.Sprintf("Invalid registry parameters: %v", err))
	}

	operatorKey, err := loadOperatorKey(cfg, passSource.Get)
	if err != nil {
		panic(fmt.Sprintf("Failed to load operator key: %v", err))
	}
	if derived := operatorKey.PubKey().Address().String(); derived != strings.TrimSpace(cfg.OperatorAddress) {
		panic(fmt.Sprintf("Operator keystore %s holds %s but config names %s", cfg.OperatorKeystorePath, derived, cfg.OperatorAddress))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	jrnl, err := journal.Open(cfg.JournalPath, nil)
	if err != nil {
		panic(fmt.Sprintf("Failed to open event journal: %v", err))
	}

	node, err := core.NewNode(db, jrnl, params)
	if err != nil {
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}
	defer node.Close()
	node.SetLogger(logger)

	sink, closeSink, err := buildPaymentSink(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to configure payout sink: %v", err))
	}
	if closeSink != nil {
		defer closeSink()
	}
	node.SetPaymentSink(sink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go countJournalEvents(ctx, node, logger)

	rpcServer := rpc.NewServer(node, cfg.RPCAuthToken)
	rpcErrCh := make(chan error, 1)
	go func() {
		err := rpcServer.Start(cfg.RPCAddress)
		rpcErrCh <- err
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		if err, ok := <-rpcErrCh; ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}()

	startupAttrs := []any{
		slog.String("rpc", cfg.RPCAddress),
		slog.String("operator", cfg.OperatorAddress),
		slog.String("payout_mode", cfg.Payout.Mode),
	}
	if cfg.Payout.Mode == config.PayoutModeHTTP {
		startupAttrs = append(startupAttrs, logging.MaskField("payout_endpoint", cfg.Payout.Endpoint))
	}
	logger.Info("Deal ledger initialised and running", startupAttrs...)

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("RPC shutdown failed", slog.Any("error", err))
	}
}

func loadOperatorKey(cfg *config.Config, pass func() (string, error)) (*crypto.PrivateKey, error) {
	passphraseValue, err := pass()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(cfg.OperatorKeystorePath, passphraseValue)
}

func buildPaymentSink(cfg *config.Config) (custody.PaymentSink, func(), error) {
	switch cfg.Payout.Mode {
	case config.PayoutModeJournal:
		sink, err := custody.NewFileSink(cfg.Payout.Path)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close() }, nil
	case config.PayoutModeHTTP:
		return custody.NewHTTPSink(cfg.Payout.Endpoint, nil), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown payout mode %q", cfg.Payout.Mode)
	}
}

// countJournalEvents feeds the journal's live feed into the event counters
// until the daemon stops.
func countJournalEvents(ctx context.Context, node *core.Node, logger *slog.Logger) {
	entries, cancel, err := node.EventsSubscribe(256)
	if err != nil {
		logger.Warn("event metrics disabled", slog.Any("error", err))
		return
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			observability.Events().RecordEvent(entry.Type)
		}
	}
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server on %s", addr)
		case <-ticker.C:
		}
	}
}

func dialAddressFor(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return "127.0.0.1:8080"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		return trimmed
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
