package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"veilescrow/config"
	"veilescrow/core/events"
	"veilescrow/core/state"
	"veilescrow/gateway/auth"
	"veilescrow/gateway/middleware"
	"veilescrow/native/escrow"
	"veilescrow/observability"
	"veilescrow/observability/logging"
	telemetry "veilescrow/observability/otel"
	"veilescrow/settlement"
	"veilescrow/storage"
)

const (
	shutdownTimeout = 10 * time.Second
	webhookWorkers  = 2
)

func main() {
	configPath := flag.String("config", "escrow-gateway.toml", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Observability.ServiceName, cfg.Environment,
		logging.WithLevel(cfg.Observability.LogLevel),
		logging.WithFile(logging.FileOptions{Path: cfg.Observability.LogFile, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14, Compress: true}),
	)
	if err := run(cfg, logger); err != nil {
		logger.Error("escrow gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromEnv(cfg.Observability.ServiceName, cfg.Environment, os.Getenv))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	layer, closeLayer, err := buildSettlement(cfg.Settlement)
	if err != nil {
		return err
	}
	defer closeLayer()

	bus := events.NewBus(cfg.Events.History)
	engine := escrow.NewEngine()
	engine.SetState(state.NewManager(db))
	engine.SetSettlement(layer)
	engine.SetEmitter(events.MultiEmitter{bus, events.EmitterFunc(func(evt events.Event) {
		logger.Debug("escrow event", "type", evt.EventType())
	})})
	engine.SetLogger(logger.With("component", "engine"))
	engine.SetMetrics(observability.Escrow())

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer store.Close()

	authenticator, closeNonces, err := buildAuthenticator(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeNonces()

	tokenSecret := cfg.Auth.TokenSecret
	if tokenSecret == "" {
		if tokenSecret, err = config.RandomSecret(); err != nil {
			return err
		}
		logger.Warn("no token secret configured; using an ephemeral secret, issued tokens will not survive a restart")
	}
	identity, err := auth.NewIdentityResolver(auth.IdentityConfig{
		Secret:   tokenSecret,
		Issuer:   cfg.Auth.TokenIssuer,
		Audience: cfg.Auth.TokenAudience,
	})
	if err != nil {
		return err
	}
	if !authenticator.Enabled() {
		logger.Warn("no API keys configured; request signatures are not enforced")
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, rl := range cfg.RateLimits {
		limits[rl.Group] = middleware.RateLimit{RequestsPerMinute: rl.RequestsPerMinute, Burst: rl.Burst}
	}
	server := NewServer(ServerOptions{
		Engine:        engine,
		Store:         store,
		Bus:           bus,
		Authenticator: authenticator,
		Identity:      identity,
		Limiter:       middleware.NewRateLimiter(limits),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: cfg.Observability.ServiceName,
			LogRequests: cfg.Observability.LogRequests,
		}, prometheus.DefaultRegisterer, logger),
		CORS:      middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Gatherer:  prometheus.DefaultGatherer,
		Logger:    logger,
		OpTimeout: cfg.Settlement.Timeout + 5*time.Second,
	})

	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.Webhooks.QueueCapacity),
		WithWebhookHistoryCapacity(cfg.Webhooks.HistorySize),
		WithWebhookTTL(cfg.Webhooks.QueueTTL),
	)
	watcher := NewEventWatcher(bus, engine, store, queue, logger.With("component", "watcher"))
	go watcher.Run(ctx)
	for i := 0; i < webhookWorkers; i++ {
		go NewWebhookWorker(store, queue, logger.With("component", "webhooks")).Run(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrow gateway listening", "addr", cfg.ListenAddress, "env", cfg.Environment, "settlement", cfg.Settlement.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down escrow gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func openDatabase(dataDir string) (storage.Database, error) {
	if dataDir == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(dataDir, "escrow"))
	if err != nil {
		return nil, fmt.Errorf("open escrow database: %w", err)
	}
	return db, nil
}

func buildSettlement(cfg config.SettlementConfig) (escrow.Settlement, func(), error) {
	var layer escrow.Settlement
	switch cfg.Mode {
	case "rpc":
		client := settlement.NewRPCClient(cfg.URL, cfg.AuthToken)
		client.SetTimeout(cfg.Timeout)
		layer = client
	default:
		layer = settlement.NewMemory(settlement.WithAutoConfirm(cfg.AutoConfirm))
	}
	if cfg.JournalDSN == "" {
		return layer, func() {}, nil
	}
	journal, err := settlement.OpenJournal(cfg.JournalDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open settlement journal: %w", err)
	}
	closeJournal := func() {
		if sqlDB, err := journal.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return settlement.NewJournaled(layer, journal), closeJournal, nil
}

func buildAuthenticator(ctx context.Context, cfg *config.Config) (*auth.Authenticator, func(), error) {
	hmacCfg := auth.HMACConfig{
		Secrets:       cfg.APISecrets(),
		Skew:          cfg.Auth.TimestampSkew,
		NonceTTL:      cfg.Auth.NonceTTL,
		NonceCapacity: cfg.Auth.NonceCapacity,
	}
	closeFn := func() {}
	if cfg.Auth.NonceStorePath != "" {
		nonces, err := auth.OpenLevelDBNonces(cfg.Auth.NonceStorePath)
		if err != nil {
			return nil, nil, err
		}
		hmacCfg.Persistence = nonces
		closeFn = func() { _ = nonces.Close() }
	}
	authenticator := auth.NewAuthenticator(hmacCfg)
	if err := authenticator.HydrateNonces(ctx, time.Now().Add(-cfg.Auth.NonceTTL)); err != nil {
		closeFn()
		return nil, nil, err
	}
	return authenticator, closeFn, nil
}
