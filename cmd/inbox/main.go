// Package main is the entry point for the inbox server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-inbox/internal/api"
	"github.com/capitalize-ai/marketplace-inbox/internal/config"
	"github.com/capitalize-ai/marketplace-inbox/internal/handler"
	"github.com/capitalize-ai/marketplace-inbox/internal/middleware"
	natsclient "github.com/capitalize-ai/marketplace-inbox/internal/nats"
	"github.com/capitalize-ai/marketplace-inbox/internal/service"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
	"github.com/capitalize-ai/marketplace-inbox/pkg/tracing"
)

const serviceName = "marketplace-inbox"

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting inbox server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Event publishing is optional; without NATS events stay in-process.
	var (
		natsClient *natsclient.Client
		sink       service.EventSink
		replay     handler.EventReplayer
	)
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(natsclient.Config{
			Name:     serviceName,
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		events := natsclient.NewEventStream(natsClient, cfg.NATSEventMaxAge)
		if err := events.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		sink, replay = events, events
	}

	client := api.NewClient(api.Config{
		BaseURL:   cfg.APIBaseURL,
		Token:     cfg.APIToken,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.APIRateLimit,
		RateBurst: cfg.APIRateBurst,
	}, log)

	inbox := service.NewInbox(client, service.Config{
		ListInterval:   cfg.ListSyncInterval,
		ThreadInterval: cfg.ThreadSyncInterval,
		RequestTimeout: cfg.RequestTimeout,
		DedupTolerance: cfg.DedupTolerance,
		DirectoryTTL:   cfg.DirectoryTTL,
		EventBuffer:    cfg.EventBuffer,
	}, sink, log)
	defer inbox.Close()

	if cfg.AutoMount {
		if err := inbox.Mount(); err != nil {
			log.Fatal("failed to mount inbox", zap.Error(err))
		}
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient, inbox)
	inboxHandler := handler.NewInboxHandler(inbox, log)
	streamHandler := handler.NewStreamHandler(inbox, replay, cfg.SSEHeartbeat, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/inbox", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RequireScope("inbox"))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		handler.Routes(r, inboxHandler, streamHandler)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
