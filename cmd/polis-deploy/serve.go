package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-deploy/internal/governance"
	"github.com/polisai/polis-deploy/pkg/admin"
	"github.com/polisai/polis-deploy/pkg/compiler"
	"github.com/polisai/polis-deploy/pkg/config"
	"github.com/polisai/polis-deploy/pkg/engine"
	"github.com/polisai/polis-deploy/pkg/policy"
	"github.com/polisai/polis-deploy/pkg/sandbox"
	"github.com/polisai/polis-deploy/pkg/storage"
	"github.com/polisai/polis-deploy/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and the tenant data plane",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("admin-listen", "", "HTTP listen address for the admin API")
	cmd.Flags().String("data-listen", "", "HTTP listen address for tenant traffic")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("admin-listen"); addr != "" {
		cfg.Server.AdminAddress = addr
	}
	if addr, _ := cmd.Flags().GetString("data-listen"); addr != "" {
		cfg.Server.DataAddress = addr
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	srv, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	if restored, err := srv.deployer.Restore(ctx); err != nil {
		logger.Warn("Some routes could not be restored", "restored", restored, "error", err)
	}

	dataServer, err := startServer(cfg.Server.DataAddress, otelhttp.NewHandler(srv.dispatcher, "polis.deploy.data"), "data", logger)
	if err != nil {
		return err
	}
	adminServer, err := startServer(cfg.Server.AdminAddress, otelhttp.NewHandler(srv.admin, "polis.deploy.admin"), "admin", logger)
	if err != nil {
		_ = dataServer.Close()
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range []*http.Server{adminServer, dataServer} {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", "addr", server.Addr, "error", err)
		}
	}
	return nil
}

// app holds the wired components of a running server.
type app struct {
	kv         storage.KVStore
	executor   *sandbox.Executor
	watcher    *policy.Watcher
	deployer   *engine.Deployer
	dispatcher *engine.Dispatcher
	admin      *admin.Server
	logger     *slog.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	metrics := telemetry.NewMetrics()

	kv, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open route storage: %w", err)
	}
	a := &app{kv: kv, logger: logger}

	v := newValidator(cfg)
	store := storage.NewRouteStore(kv, v,
		storage.WithTTL(cfg.Storage.RouteTTL),
		storage.WithLogger(logger),
	)

	exec := newExecutor(cfg, logger)
	a.executor = exec

	mode, err := policy.ParseMode(cfg.Policy.FailureMode)
	if err != nil {
		a.Close()
		return nil, err
	}
	admission, err := policy.NewAdmission(ctx, policy.AdmissionOptions{
		File:        cfg.Policy.File,
		Entrypoint:  cfg.Policy.Entrypoint,
		FailureMode: mode,
		Logger:      logger,
		OnReload:    metrics.RecordPolicyReload,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load deploy admission policy: %w", err)
	}
	if cfg.Policy.Watch && cfg.Policy.File != "" {
		watcher, err := policy.NewWatcher(cfg.Policy.File, 0, func(path string) error {
			return admission.Reload(ctx, path)
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to watch policy file: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to watch policy file: %w", err)
		}
		a.watcher = watcher
	}

	limiter := governance.NewRateLimiter(governance.RateLimiterConfig{
		RequestsPerSecond: cfg.Limits.DispatchRPS,
		BurstSize:         cfg.Limits.DispatchBurst,
	})
	registry := engine.NewRouteRegistry()

	a.deployer, err = engine.NewDeployer(engine.DeployerConfig{
		Store:    store,
		Compiler: compiler.New(v, compiler.SandboxBackend{Executor: exec}, logger),
		Registry: registry,
		Policy:   admission,
		Limiter:  limiter,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.dispatcher = engine.NewDispatcher(engine.DispatcherConfig{
		Registry: registry,
		Prefix:   cfg.Server.MountPrefix,
		Limiter:  limiter,
		Metrics:  metrics,
		Logger:   logger,
	})

	a.admin, err = admin.NewServer(admin.Config{
		Deployments: a.deployer,
		Routes:      store,
		Validator:   v,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the watcher, the sandbox runtimes and the storage connection.
func (a *app) Close() {
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Error("Failed to stop policy watcher", "error", err)
		}
	}
	if a.executor != nil {
		a.executor.Cleanup()
	}
	if err := a.kv.Close(); err != nil {
		a.logger.Error("Failed to close route storage", "error", err)
	}
}

func startServer(addr string, handler http.Handler, name string, logger *slog.Logger) (*http.Server, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s listener on %s: %w", name, addr, err)
	}
	server.Addr = listener.Addr().String()

	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Server listening", "server", name, "addr", server.Addr)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "server", name, "error", err)
		}
	}()
	return server, nil
}
