// Package main is the entry point for the cartcover gateway.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Build the pricing lookup (optionally Redis-cached), the session
//     manager and the checkout handler.
//  4. Wire up the API key validator and its revocation listener.
//  5. Start the HTTP server (:8080), the gRPC health server (:9090) and, when
//     configured, the admin portal on the tailnet.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut everything down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"tailscale.com/tsnet"

	"github.com/matt-riley/cartcover/internal/admin"
	"github.com/matt-riley/cartcover/internal/cart"
	"github.com/matt-riley/cartcover/internal/checkout"
	"github.com/matt-riley/cartcover/internal/config"
	"github.com/matt-riley/cartcover/internal/idle"
	"github.com/matt-riley/cartcover/internal/logging"
	"github.com/matt-riley/cartcover/internal/metrics"
	"github.com/matt-riley/cartcover/internal/middleware"
	"github.com/matt-riley/cartcover/internal/pricing"
	"github.com/matt-riley/cartcover/internal/repository"
	"github.com/matt-riley/cartcover/internal/server"
	"github.com/matt-riley/cartcover/internal/session"
	"github.com/matt-riley/cartcover/internal/tracing"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background(), version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool, log); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, "diagnostics", pool)

	pricingClient := pricing.NewClient(pricing.Config{
		BaseURL:    cfg.PricingBaseURL,
		HTTPClient: tracing.HTTPClient(&http.Client{Timeout: cfg.OperationTimeout}),
	})
	lookup, closeCache := newPricingLookup(cfg, pricingClient, log)
	defer closeCache()

	recorder := server.NewEventRecorder(repo, logging.Component(log, "recorder"))
	guards := checkout.NewGuards(cfg.ClickCooldown, cfg.OperationTimeout)

	sessions := session.NewManager(lookup, newMutatorFactory(cfg, log),
		session.WithVendor(cfg.CoverageVendor),
		session.WithTTL(cfg.SessionTTL),
		session.WithResetOnLoad(cfg.ResetOnLoad),
		session.WithLogger(logging.Component(log, "session")),
		session.WithHooks(session.Hooks{
			LookupDone:      func(r session.LookupResult) { m.RecordPricingLookup(string(r)) },
			LookupFailed:    recorder.LookupFailed,
			SessionsChanged: m.SetActiveSessions,
			SessionClosed:   guards.Forget,
		}),
	)
	go sessions.Run(ctx)

	clicks := checkout.NewHandler(guards,
		checkout.WithLogger(logging.Component(log, "checkout")),
		checkout.WithObserver(m),
	)

	keyValidator := middleware.NewKeyValidator(repo, middleware.DefaultKeyCacheTTL, logging.Component(log, "auth"))
	revocations, err := repo.SubscribeKeyRevocations(ctx)
	if err != nil {
		return fmt.Errorf("subscribe key revocations: %w", err)
	}
	go keyValidator.RunInvalidation(ctx, revocations)

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	apiHandler := server.NewHTTPHandler(sessions, pricingClient, clicks,
		server.WithMetrics(m),
		server.WithRecorder(recorder),
		server.WithPinger(repo),
		server.WithVendor(cfg.CoverageVendor),
		server.WithPriceLocale(cfg.PriceLocale),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
	)
	httpHandler := newHTTPHandler(apiHandler, keyValidator,
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rateLimiter),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(httpHandler), "cartcover-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	health := server.NewHealthReporter(repo, 0, logging.Component(log, "health"))
	go health.Run(ctx)

	grpcServer := server.NewGRPCServer(health,
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			m.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(log),
			m.StreamServerInterceptor(),
		),
	)

	go server.RunRetention(ctx, repo, cfg.DiagnosticsRetention, 0, logging.Component(log, "retention"))

	// -------------------------------------------------------------------------
	// Admin Portal (Tailscale)
	// -------------------------------------------------------------------------
	var tsServer *tsnet.Server
	if cfg.AdminHostname != "" {
		tsServer, err = startAdminPortal(ctx, cfg, repo, sessions.Len, log)
		if err != nil {
			return err
		}
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"version", version,
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"cart_mode", cfg.CartMode,
		"pricing_cache", cfg.RedisAddr != "",
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

// newPricingLookup fronts client with the Redis cache when REDIS_ADDR is set.
// The returned func closes the Redis client.
func newPricingLookup(cfg config.Config, client *pricing.Client, log *slog.Logger) (pricing.Lookup, func()) {
	if cfg.RedisAddr == "" {
		return client, func() {}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cache := pricing.NewCache(rdb, cfg.PricingCacheTTL)
	log.Info("pricing cache enabled", "redis_addr", cfg.RedisAddr, "ttl", cfg.PricingCacheTTL.String())
	return pricing.NewCachedLookup(client, cache, logging.Component(log, "pricing_cache")), func() { _ = rdb.Close() }
}

func newMutatorFactory(cfg config.Config, log *slog.Logger) session.MutatorFactory {
	opts := []cart.Option{
		cart.WithWaiter(idle.Waiter{PollInterval: cfg.IdlePollInterval}),
		cart.WithIdleTimeout(cfg.IdleTimeout),
		cart.WithLogger(logging.Component(log, "cart")),
	}
	if cfg.CartMode == config.CartModeMemory {
		return session.MemoryMutators(
			[]cart.MemoryOption{cart.WithMerchandiseResolver(cart.CoverageResolver(cfg.CoverageVendor))},
			opts...,
		)
	}
	hc := tracing.HTTPClient(&http.Client{Timeout: cfg.OperationTimeout})
	return session.FormMutators(cfg.StorefrontCartURL, hc, opts...)
}

func startAdminPortal(ctx context.Context, cfg config.Config, repo *repository.PostgresRepository, activeSessions func() int, log *slog.Logger) (*tsnet.Server, error) {
	if cfg.TSAuthKey == "" {
		return nil, errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
	}
	if err := os.MkdirAll(cfg.TSStateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	tsLog := logging.Component(log, "tailscale")
	tsServer := &tsnet.Server{
		Hostname: cfg.AdminHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      cfg.TSStateDir,
		Logf:     func(format string, args ...any) { tsLog.Debug(fmt.Sprintf(format, args...)) },
	}

	adminHandler := admin.NewHandler(repo, admin.NewSessionManager(cfg.AdminPasswordHash),
		admin.WithLogger(logging.Component(log, "admin")),
		admin.WithActiveSessions(activeSessions),
	)

	adminLis, err := tsServer.Listen("tcp", ":80")
	if err != nil {
		tsServer.Close()
		return nil, fmt.Errorf("listen tailnet: %w", err)
	}
	log.Info("admin portal listening", "hostname", cfg.AdminHostname, "transport", "tailscale")

	adminServer := &http.Server{
		Handler:           middleware.HTTPRequestLogging(log)(adminHandler),
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server shutdown error", "error", err)
		}
	}()
	go func() {
		if err := adminServer.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server error", "error", err)
		}
	}()
	return tsServer, nil
}

// newHTTPHandler puts every /v1/ route behind bearer auth and exposes only
// /healthz and /metrics publicly.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
