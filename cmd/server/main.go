// agentd - Agent Session Protocol Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/agentd/internal/agent"
	"github.com/ashureev/agentd/internal/api"
	"github.com/ashureev/agentd/internal/config"
	"github.com/ashureev/agentd/internal/container"
	"github.com/ashureev/agentd/internal/gateway"
	"github.com/ashureev/agentd/internal/identity"
	"github.com/ashureev/agentd/internal/middleware"
	"github.com/ashureev/agentd/internal/session"
	"github.com/ashureev/agentd/internal/settings"
	"github.com/ashureev/agentd/internal/store"
	"github.com/ashureev/agentd/internal/workspace"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "container", config.IsContainer())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	models, err := settings.Load(cfg.ModelCatalogPath)
	if err != nil {
		slog.Error("Failed to load model catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Model catalog loaded", "models", len(models.Models()))

	healthHandler := api.NewHealthHandler(repo, 5*time.Second)

	// Executors, one per provider.
	router := agent.NewRouter()
	router.Register(settings.ProviderAnthropic, agent.NewAnthropicExecutor(agent.AnthropicOptions{
		Keys:    models.APIKey,
		BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		Logger:  logger,
	}))
	router.Register(settings.ProviderOpenAI, agent.NewOpenAIExecutor(agent.OpenAIOptions{
		Keys:    models.APIKey,
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Logger:  logger,
	}))

	if cfg.AgentGrpcAddr != "" {
		slog.Info("Connecting to remote agent executor via gRPC", "address", cfg.AgentGrpcAddr)
		remote, err := agent.NewGrpcExecutor(agent.DefaultGrpcClientConfig(cfg.AgentGrpcAddr), logger)
		if err != nil {
			slog.Warn("Failed to connect to remote agent, remote models will be unavailable", "error", err)
		} else {
			defer remote.Close()
			router.Register(settings.ProviderRemote, remote)
			healthHandler.AddCheck("agent", remote.Health)
		}
	}

	var wsOpts []workspace.Option
	wsOpts = append(wsOpts, workspace.WithLogger(logger))

	var editors *container.DockerManager
	if cfg.Editor.Enabled {
		editors, err = container.NewDockerManager(container.Options{
			Image:   cfg.Editor.Image,
			Network: cfg.Editor.Network,
			Runtime: cfg.Editor.Runtime,
		})
		if err != nil {
			slog.Error("Failed to initialize container manager", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := editors.Close(); closeErr != nil {
				slog.Error("Failed to close container manager", "error", closeErr)
			}
		}()

		networkID, err := editors.EnsureNetwork(context.Background())
		if err != nil {
			slog.Error("Failed to ensure editor network", "error", err)
			os.Exit(1)
		}
		slog.Info("Editor network ready", "network_id", networkID)
		wsOpts = append(wsOpts, workspace.WithEditor(editors, cfg.Editor.URLTemplate, container.EditorName))
	}

	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot, wsOpts...)
	if err != nil {
		slog.Error("Failed to initialize workspace root", "error", err)
		os.Exit(1)
	}

	registry := session.NewRegistry(session.Deps{
		Repo:      repo,
		Workspace: workspaces,
		Models:    models,
		Executor:  router,
		Enhancer:  router,
		Config: session.Config{
			CancelGrace:  cfg.Session.CancelGrace,
			StallTimeout: cfg.Session.StallTimeout,
			InitTimeout:  cfg.Session.InitTimeout,
		},
		Logger: logger,
	})

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, registry, workspaces, cfg.Upload.MaxBytes)
	wsHandler := gateway.NewHandler(registry, gateway.Options{
		AllowedOrigin:     cfg.FrontendURL,
		IsDev:             cfg.IsDevelopment(),
		MaxFrameBytes:     cfg.Session.MaxFrameBytes,
		CoalesceThreshold: cfg.Session.CoalesceThreshold,
		Logger:            logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORSWithOptions(middleware.CORSOptions{
		AllowedOrigins: corsOrigins(cfg),
		MaxAge:         10 * time.Minute,
	}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	baseHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// WebSocket connections are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if editors != nil {
		container.StartTTLWorker(ctx, repo, editors, cfg.Editor.IdleTTL, registry.EditorStopped)
		slog.Info("Editor TTL worker started", "idle_ttl", cfg.Editor.IdleTTL)
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		slog.Error("Session shutdown incomplete", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// corsOrigins allows any origin in development and only the frontend otherwise.
func corsOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
