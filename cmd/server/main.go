// FDA Chat - tool-augmented pharmaceutical assistant gateway
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

	"github.com/ashureev/fda-chat/internal/agent"
	"github.com/ashureev/fda-chat/internal/api"
	"github.com/ashureev/fda-chat/internal/config"
	"github.com/ashureev/fda-chat/internal/health"
	"github.com/ashureev/fda-chat/internal/metrics"
	"github.com/ashureev/fda-chat/internal/middleware"
	"github.com/ashureev/fda-chat/internal/prompt"
	"github.com/ashureev/fda-chat/internal/provider"
	"github.com/ashureev/fda-chat/internal/store"
	"github.com/ashureev/fda-chat/internal/toolhost"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	grpchealth "google.golang.org/grpc/health"
)

func main() {
	flagSet := pflag.NewFlagSet("fda-chat", pflag.ExitOnError)
	envFile := flagSet.String("env-file", ".env", "path to a .env file to load")
	port := flagSet.String("port", "", "HTTP port (overrides PORT)")
	_ = flagSet.Parse(os.Args[1:])

	envErr := godotenv.Load(*envFile)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if envErr != nil {
		slog.Info("No .env file found, using environment variables", "path", *envFile)
	}
	slog.Info("Starting server",
		"port", cfg.Port,
		"model", cfg.Provider.Model,
		"call_shape", cfg.Orchestrator.CallShape,
		"container", config.IsContainer())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profile, err := prompt.Load(cfg.Orchestrator.SystemPromptFile)
	if err != nil {
		slog.Error("Failed to load system prompt", "error", err)
		os.Exit(1)
	}
	slog.Info("System prompt loaded", "name", profile.Name, "version", profile.Version)

	llm := provider.NewOpenAI(cfg.Provider, logger)

	// Connect to the tool host. Startup fails when it stays unreachable.
	mcpClient, err := toolhost.NewMCP(cfg.ToolHost.URL)
	if err != nil {
		slog.Error("Invalid tool host URL", "error", err)
		os.Exit(1)
	}
	mode := toolhost.ModePerRequest
	if cfg.ToolHost.Mode == config.ConnectionShared {
		mode = toolhost.ModeShared
	}
	tools, err := toolhost.Establish(ctx, mcpClient.Dial, toolhost.Options{
		MaxAttempts: cfg.ToolHost.MaxAttempts,
		BaseDelay:   cfg.ToolHost.RetryBaseDelay,
		Mode:        mode,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("Failed to connect to tool host", "url", cfg.ToolHost.URL, "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := tools.Close(); closeErr != nil {
			slog.Error("Failed to close tool host connection", "error", closeErr)
		}
	}()
	slog.Info("Tool host connected", "tools", tools.Catalog().Names(), "mode", string(tools.Mode()))

	sessions := store.NewMemorySessions(profile.Instruction)

	var recorder store.ExecutionRecorder = store.NopRecorder{}
	if cfg.ExecutionLog.Enabled() {
		execLog, err := store.NewExecutionLog(cfg.ExecutionLog.DBPath, logger)
		if err != nil {
			slog.Error("Failed to open execution log", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := execLog.Close(); closeErr != nil {
				slog.Error("Failed to close execution log", "error", closeErr)
			}
		}()
		recorder = execLog
		slog.Info("Execution log enabled", "path", cfg.ExecutionLog.DBPath)
	}
	if err := recorder.Ping(ctx); err != nil {
		slog.Error("Execution log health check failed", "error", err)
		os.Exit(1)
	}

	orch := agent.NewOrchestrator(agent.Config{
		Shape:             agent.CallShape(cfg.Orchestrator.CallShape),
		MaxTurns:          cfg.Orchestrator.MaxTurns,
		OutputLogLimit:    cfg.Orchestrator.OutputLogLimit,
		SerializeSessions: cfg.Orchestrator.SerializeSessions,
	}, llm, tools, sessions, recorder, logger)
	chatHandler := agent.NewHandler(orch, cfg.AllowedOrigins, logger)

	// Health: HTTP report plus optional gRPC service.
	reporter := health.NewReporter(tools, sessions)
	var grpcHealth *grpchealth.Server
	if cfg.GRPCHealthAddr != "" {
		grpcHealth = grpchealth.NewServer()
		grpcSrv := health.NewGRPCServer(grpcHealth)
		go func() {
			if err := health.ServeGRPC(ctx, cfg.GRPCHealthAddr, grpcSrv, logger); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}
	monitor := health.NewMonitor(tools, grpcHealth, cfg.ToolHost.HealthInterval, logger)
	_ = monitor.Check(ctx)
	monitor.Start(ctx)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", api.HealthHandler(reporter))
	r.Handle("/metrics", metrics.Handler())
	chatHandler.RegisterRoutes(r)

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
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
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
