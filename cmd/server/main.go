// Mira - companion chat turn orchestrator
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"k8s.io/utils/clock"

	"github.com/ashureev/mira/internal/api"
	"github.com/ashureev/mira/internal/config"
	"github.com/ashureev/mira/internal/healthcheck"
	"github.com/ashureev/mira/internal/identity"
	"github.com/ashureev/mira/internal/imagery"
	"github.com/ashureev/mira/internal/llm"
	"github.com/ashureev/mira/internal/logging"
	"github.com/ashureev/mira/internal/metrics"
	"github.com/ashureev/mira/internal/middleware"
	"github.com/ashureev/mira/internal/orchestrator"
	"github.com/ashureev/mira/internal/presence"
	"github.com/ashureev/mira/internal/proactive"
	"github.com/ashureev/mira/internal/shaping"
	"github.com/ashureev/mira/internal/shared"
	"github.com/ashureev/mira/internal/store"
	"github.com/ashureev/mira/internal/transport"
	"github.com/ashureev/mira/internal/turnstate"
)

const (
	janitorInterval     = time.Minute
	limiterEvictEvery   = 10 * time.Minute
	healthCheckTimeout  = 5 * time.Second
	grpcRefreshInterval = 10 * time.Second
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(os.Stdout, logging.Options{
		Development: cfg.IsDevelopment(),
		Level:       cfg.Log.Level,
		ErrorFile:   cfg.Log.ErrorFile,
	})
	if err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}

	// Storage: messages and turn flags share one SQLite database.
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	repo, err := store.NewSQLite(db)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	turnStore, err := turnstate.NewSQLiteStore(db, clk)
	if err != nil {
		return err
	}
	janitorDone := turnstate.StartJanitor(ctx, clk, turnStore, janitorInterval, logger)

	flags := turnstate.NewFlags(turnStore, clk, turnstate.TTLs{
		Debounce: cfg.Turn.DebounceTTL,
		Lock:     cfg.Turn.LockTTL,
		Await:    cfg.Turn.AwaitTTL,
		Activity: cfg.Turn.ActivityTTL,
	})

	registry := presence.NewRegistry(logger)
	m := metrics.New(func() int { return len(registry.ListPresent()) })

	var generator llm.Generator = llm.MockGenerator{}
	if cfg.LLM.Provider == "openai" {
		generator = llm.NewOpenAI(llm.OpenAIConfig{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Timeout:     cfg.LLM.Timeout,
			MaxRetries:  cfg.LLM.MaxRetries,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}, logger)
	}
	logger.Info("Reply generator ready", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	catalog, err := imagery.LoadCatalog(cfg.Images.CatalogPath)
	if err != nil {
		return err
	}

	policy := shaping.DefaultPolicy()
	policy.MaxChunkRunes = cfg.Shaping.MaxChunkRunes
	policy.MaxChunks = cfg.Shaping.MaxChunks
	policy.Filler = cfg.Shaping.Filler

	orch, err := orchestrator.New(orchestrator.Config{
		DebounceQuantum:  cfg.Turn.DebounceQuantum,
		DebounceCeiling:  cfg.Turn.DebounceCeiling,
		BusyRetries:      cfg.Turn.BusyRetries,
		HistorySize:      cfg.Turn.HistorySize,
		LockRenewEvery:   cfg.Turn.LockRenewEvery,
		PauseBase:        cfg.Turn.PauseBase,
		PauseRunesPerSec: cfg.Turn.PauseRunesPerSec,
		PauseCap:         cfg.Turn.PauseCap,
		Fallback:         cfg.Turn.Fallback,
		Shaping:          policy,
	}, orchestrator.Deps{
		Messages:  repo,
		Flags:     flags,
		Deliverer: registry,
		Generator: generator,
		Images:    catalog,
		Memories:  repo,
		Clock:     clk,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	p := cfg.Proactive
	scheduler, err := proactive.NewScheduler(proactive.Config{
		TickMin:         p.TickMin,
		TickMax:         p.TickMax,
		Grace:           p.Grace,
		AICooldown:      p.AICooldown,
		Silence:         p.Silence,
		PhotoCooldown:   p.PhotoCooldown,
		PhotoChance:     p.PhotoChance,
		WelcomeCooldown: p.WelcomeCooldown,
		Concurrency:     p.Concurrency,
		WeightGreeting:  p.WeightGreeting,
		WeightCare:      p.WeightCare,
		WeightShare:     p.WeightShare,
	}, proactive.Deps{
		Presence: registry,
		Turns:    orch,
		History:  repo,
		Flags:    flags,
		Clock:    clk,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	schedulerDone := make(chan struct{})
	if p.Enabled {
		go func() {
			defer close(schedulerDone)
			scheduler.Run(ctx)
		}()
	} else {
		close(schedulerDone)
		logger.Info("Proactive scheduler disabled")
	}

	limiter := shared.NewUserLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, clk)
	go limiter.RunEviction(ctx, clk, limiterEvictEvery)

	checker := healthcheck.NewChecker(healthCheckTimeout, logger)
	checker.Add("database", repo.Ping)
	checker.Add("turn_state", turnStore.Ping)

	// Handlers.
	base := api.NewHandler(api.Deps{
		Repo:     repo,
		Turns:    orch,
		Presence: registry,
		Trigger:  scheduler,
		Limiter:  limiter,
		Logger:   logger,
	})
	healthHandler := api.NewHealthHandler(checker)
	chatHandler := api.NewChatHandler(base)
	adminHandler := api.NewAdminHandler(base, cfg.AdminToken)
	var welcomer transport.Welcomer
	if p.Enabled {
		welcomer = scheduler
	}
	wsHandler := transport.NewChatHandler(orch, repo, registry, transport.Options{
		Welcomer:      welcomer,
		Limiter:       limiter,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Logger:        logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.Origins(cfg.FrontendURL)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())
	adminHandler.RegisterRoutes(r)

	// Routes scoped to an anonymous device identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws", wsHandler.ServeHTTP)
	})

	// WebSocket connections are long lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	grpcDone := make(chan struct{})
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return err
		}
		grpcHealth := healthcheck.NewGRPCServer(checker, clk, grpcRefreshInterval, logger)
		go func() {
			defer close(grpcDone)
			logger.Info("gRPC health listening", "addr", cfg.GRPCHealthAddr)
			if err := grpcHealth.Serve(ctx, lis); err != nil {
				serveErr <- err
			}
		}()
	} else {
		close(grpcDone)
	}

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		return err
	}
	stop()

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	wsHandler.Wait()
	<-schedulerDone
	<-grpcDone
	<-janitorDone
	return nil
}
