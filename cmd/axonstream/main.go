// Command axonstream runs the durable task-execution and event-streaming
// daemon (gateway + workers + watchdog) described in SPEC_FULL.md. It
// mirrors the teacher's cmd/goclaw entrypoint shape — config load,
// audit/logger/otel init in that order, store open, background loops
// started before the HTTP listener, signal-driven graceful shutdown —
// generalized from a single chat-agent process to a task queue with N
// worker goroutines.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/axonstream/axonstream/internal/adapter"
	"github.com/axonstream/axonstream/internal/adapter/container"
	"github.com/axonstream/axonstream/internal/adapter/mock"
	"github.com/axonstream/axonstream/internal/adapter/remotedeploy"
	"github.com/axonstream/axonstream/internal/adapter/shell"
	"github.com/axonstream/axonstream/internal/adapter/wasm"
	"github.com/axonstream/axonstream/internal/audit"
	"github.com/axonstream/axonstream/internal/bus"
	"github.com/axonstream/axonstream/internal/config"
	"github.com/axonstream/axonstream/internal/eventpipeline"
	"github.com/axonstream/axonstream/internal/gateway"
	"github.com/axonstream/axonstream/internal/identity"
	"github.com/axonstream/axonstream/internal/lifecycle"
	otelpkg "github.com/axonstream/axonstream/internal/otel"
	"github.com/axonstream/axonstream/internal/quota"
	"github.com/axonstream/axonstream/internal/receipt"
	"github.com/axonstream/axonstream/internal/store"
	"github.com/axonstream/axonstream/internal/stream"
	"github.com/axonstream/axonstream/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	if cfg.NeedsGenesis {
		logger.Warn("no config.yaml found, running on defaults", "home", cfg.HomeDir)
	}

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	dbPath := cfg.StoreURL
	if !filepath.IsAbs(dbPath) && dbPath != ":memory:" {
		dbPath = filepath.Join(cfg.HomeDir, dbPath)
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.NewWithLogger(logger)
	buf := stream.New(logger)
	cfg.ApplyRetentionOverrides(stream.RetentionByPlan)

	gate := quota.New(st, logger)
	gate.SetPlanLimits(cfg.PlanLimits())
	gate.StartEviction(ctx, time.Hour, 24*time.Hour)

	pipeline := eventpipeline.New(st, buf, eventBus, logger)

	compactor := eventpipeline.NewCompactor(st, buf, eventpipeline.CompactorConfig{
		CompactThreshold: cfg.CompactThreshold,
		KeepRecent:       cfg.CompactKeepRecent,
	}, logger)

	registry := buildAdapterRegistry(cfg)

	poolSize := cfg.DefaultWorkerConcurrency
	if poolSize <= 0 {
		poolSize = 4
	}
	pool := eventpipeline.NewWorkerPool(poolSize, logger)
	pool.Start(ctx, poolSize)
	defer pool.Stop()

	keyring := receipt.NewKeyring()
	if cfg.ReceiptSigningSeedHex != "" {
		pub, priv, err := decodeEd25519Seed(cfg.ReceiptSigningSeedHex)
		if err != nil {
			fatalStartup(logger, "E_RECEIPT_KEY_LOAD", err)
		}
		keyring.AddKey(cfg.ReceiptSigningKeyID, pub, priv, true)
	} else if err := keyring.GenerateKey(cfg.ReceiptSigningKeyID, true); err != nil {
		fatalStartup(logger, "E_RECEIPT_KEY_GEN", err)
	}
	receipts := receipt.NewService(keyring, st)

	engine := lifecycle.New(lifecycle.Config{
		Store:     st,
		Buffer:    buf,
		Bus:       eventBus,
		Pipeline:  pipeline,
		Compactor: compactor,
		Registry:  registry,
		Quota:     gate,
		Pool:      pool,
		Logger:    logger,
	})

	watchdog := lifecycle.NewWatchdog(engine,
		time.Duration(cfg.WatchdogIntervalSeconds)*time.Second,
		time.Duration(3*cfg.HeartbeatIntervalSeconds)*time.Second,
	)
	watchdog.Start(ctx)
	defer watchdog.Stop()

	workerCount := cfg.DefaultWorkerConcurrency
	if workerCount <= 0 {
		workerCount = 4
	}
	for i := 0; i < workerCount; i++ {
		worker := lifecycle.NewWorker(fmt.Sprintf("worker-%d", i), engine)
		go worker.Run(ctx)
	}
	logger.Info("startup phase", "phase", "workers_started", "count", workerCount)

	auth := identity.NewAuthenticator([]byte(cfg.JWTSecret), st)
	planOf := func(tenantID string) store.Plan {
		tenant, err := st.GetTenant(ctx, tenantID)
		if err != nil {
			return store.PlanTrial
		}
		return tenant.Plan
	}

	server := gateway.NewServer(gateway.Config{
		Engine:            engine,
		Tasks:             st,
		EventStore:        st,
		Buffer:            buf,
		Quota:             gate,
		Receipts:          receipts,
		Auth:              auth,
		CORS:              cfg.CORS,
		MaxBodyBytes:      1 << 20,
		BackfillWindow:    cfg.PerSubscriberBufferEvents,
		KeepaliveInterval: time.Duration(cfg.KeepaliveIntervalSeconds) * time.Second,
		PlanOf:            planOf,
		Logger:            logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: server,
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// buildAdapterRegistry registers every built-in adapter the config
// allows. An empty AllowedAdapters list means every built-in is
// available, matching spec.md §4.7's "allowlist defaults to all".
func buildAdapterRegistry(cfg config.Config) *adapter.Registry {
	registry := adapter.NewRegistry()

	allowed := func(name string) bool {
		if len(cfg.AllowedAdapters) == 0 {
			return true
		}
		for _, a := range cfg.AllowedAdapters {
			if a == name {
				return true
			}
		}
		return false
	}

	if allowed("mock") {
		registry.Register("mock", mock.New)
	}
	if allowed("shell") {
		registry.Register("shell", shell.New)
	}
	if allowed("container") {
		containerCfg := container.Config{
			Image:       cfg.ContainerImage,
			MemoryMB:    cfg.ContainerMemoryMB,
			NetworkMode: cfg.ContainerNetworkMode,
		}
		registry.Register("container", func() (adapter.Adapter, error) {
			return container.New(containerCfg)
		})
	}
	if allowed("remotedeploy") {
		registry.Register("remotedeploy", remotedeploy.New)
	}
	if allowed("wasm") {
		registry.Register("wasm", func() (adapter.Adapter, error) {
			return wasm.New(wasm.Config{})
		})
	}

	return registry
}

// decodeEd25519Seed turns a hex-encoded 32-byte ed25519 seed (as stored
// in config's receipt_signing_key) into a keypair.
func decodeEd25519Seed(hexSeed string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, nil, fmt.Errorf("decode receipt_signing_key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("receipt_signing_key must be %d bytes hex-encoded, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
