package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"tollgate/internal/auth"
	"tollgate/internal/bootstrap"
	"tollgate/internal/capabilities"
	"tollgate/internal/config"
	"tollgate/internal/handler"
	"tollgate/internal/handler/sse"
	"tollgate/internal/middleware"
	serviceLLM "tollgate/internal/service/llm"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigFile())
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closeLog, err := bootstrap.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"storage", cfg.Storage,
		"table_prefix", cfg.TablePrefix,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repos, closeRepos, err := bootstrap.OpenRepositories(ctx, cfg, true, logger)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer closeRepos()

	capabilityRegistry, err := capabilities.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to initialize capability registry: %v", err)
	}
	logger.Info("capability registry initialized", "models", len(capabilityRegistry.ListModels()))

	services := serviceLLM.SetupServices(repos, capabilityRegistry, cfg, logger)
	go services.Registry.StartCleanup(ctx)

	sseConfig := sse.DefaultConfig()
	sseConfig.EventIDs = cfg.Debug

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux, handler.Handlers{
		Conversations: handler.NewConversationHandler(services.Chat, services.Versions, logger),
		Streams:       handler.NewStreamHandler(services.Streaming, sseConfig, logger),
		Billing:       handler.NewBillingHandler(services.Balances, logger),
		Models:        handler.NewModelsHandler(capabilityRegistry, services.Oracle, logger),
	})

	// Build middleware chain
	var h http.Handler = mux

	// Order: CORS → Recovery → Auth → Routes
	if cfg.JWKSURL != "" {
		jwtVerifier, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL, logger)
		if err != nil {
			log.Fatalf("Failed to create JWT verifier: %v", err)
		}
		defer jwtVerifier.Close()
		h = middleware.AuthMiddleware(jwtVerifier, logger)(h)
	} else {
		logger.Warn("DEV MODE: every request is authenticated as a fixed user (NEVER use in production!)",
			"user_id", cfg.DevUserID)
		h = middleware.StaticUserMiddleware(cfg.DevUserID)(h)
	}
	h = middleware.Recovery(logger)(h)

	// CORS - Must be before auth to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Stream-ID"},
		AllowCredentials: true,
	})
	h = corsHandler.Handler(h)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down", "active_streams", services.Registry.Count())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}()

	logger.Info("listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}
