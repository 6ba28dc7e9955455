package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"storefront-backend/internal/config"
	"storefront-backend/internal/httpx"
	"storefront-backend/internal/materializer"
	"storefront-backend/internal/payment"
	"storefront-backend/internal/pkg/cache"
	"storefront-backend/internal/pkg/telemetry"
	"storefront-backend/internal/storage/sqlite"
)

func main() {
	telemetry.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName)
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	store, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.SQLitePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	opts := []materializer.Option{}
	if cfg.RedisAddr != "" {
		orderCache := cache.New(cfg.RedisAddr, cfg.ServiceName, 24*time.Hour)
		defer orderCache.Close()
		opts = append(opts, materializer.WithCache(orderCache))
		slog.Info("order cache enabled", "addr", cfg.RedisAddr)
	}

	verifier := payment.NewVerifier([]byte(cfg.WebhookSecret), cfg.SignatureTolerance)
	intents := payment.NewClient(cfg.ProviderAPIKey, cfg.ProviderBaseURL, cfg.ProviderMock)
	mat := materializer.New(store, store, opts...)

	handler := httpx.NewHandler(verifier, mat, intents, store, store, cfg.AdminEmail)
	router := httpx.NewRouter(handler, []byte(cfg.SessionSecret))

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           otelhttp.NewHandler(router, "storefront"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("storefront running", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
}
