package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kanri/internal/agentexec"
	"github.com/ashita-ai/kanri/internal/config"
	"github.com/ashita-ai/kanri/internal/events"
	"github.com/ashita-ai/kanri/internal/llm"
	"github.com/ashita-ai/kanri/internal/mcp"
	"github.com/ashita-ai/kanri/internal/messaging"
	"github.com/ashita-ai/kanri/internal/mission"
	"github.com/ashita-ai/kanri/internal/runtime"
	"github.com/ashita-ai/kanri/internal/seed"
	"github.com/ashita-ai/kanri/internal/server"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/storage/sqlite"
	"github.com/ashita-ai/kanri/internal/telemetry"
	"github.com/ashita-ai/kanri/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("KANRI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kanri starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	store, source, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	ordering, err := configureStepOrdering(ctx, store, cfg.StepOrderColumn, logger)
	if err != nil {
		return err
	}

	// After the store so its backend and ordering land on the resource, and
	// before any component that creates instruments.
	otelShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:              cfg.OTELEndpoint,
		Insecure:              cfg.OTELInsecure,
		ServiceName:           cfg.ServiceName,
		Version:               version,
		Store:                 cfg.Store,
		StepOrdering:          ordering.Column(),
		MaxConcurrentMissions: cfg.MaxConcurrentMissions,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	if db, ok := store.(*storage.DB); ok {
		db.RegisterPoolMetrics()
	}

	if cfg.AgentsFile != "" {
		specs, err := seed.LoadFile(cfg.AgentsFile)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, store, specs, logger); err != nil {
			return err
		}
	}

	var caller llm.Caller = llm.EchoCaller{}
	if cfg.LLMBaseURL != "" {
		caller = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey)
		logger.Info("llm: openai-compatible endpoint", "url", cfg.LLMBaseURL, "default_model", cfg.DefaultModel)
	} else {
		logger.Info("llm: echo caller (no KANRI_LLM_BASE_URL)")
	}

	// With a notify source the broker reads events back from Postgres, so
	// every replica's feed sees every replica's events. Otherwise the
	// emitter publishes to it directly.
	broker := server.NewBroker(source, logger)
	emitter := events.New(store, broker, logger)

	agents := agentexec.New(store, caller, emitter, agentexec.Config{
		DefaultModel: cfg.DefaultModel,
		CallTimeout:  cfg.AgentCallTimeout,
	}, logger)
	bus := messaging.New(store, emitter, logger)

	missionCfg := mission.Config{RetryDelay: cfg.StepRetryDelay}
	rt, err := runtime.New(store, func(id uuid.UUID) runtime.Mission {
		return mission.New(id, store, agents, emitter, missionCfg, logger)
	}, emitter, runtime.Config{
		HeartbeatInterval:     cfg.HeartbeatInterval,
		MissionPollInterval:   cfg.MissionPollInterval,
		MaxConcurrentMissions: cfg.MaxConcurrentMissions,
	}, runtime.Options{QueueSize: cfg.MissionQueueSize}, logger)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	mcpSrv := mcp.New(store, bus, rt, logger, version)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Runtime:             rt,
		Bus:                 bus,
		Logger:              logger,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	if cfg.Autostart {
		if err := rt.Start(ctx); err != nil {
			return fmt.Errorf("runtime start: %w", err)
		}
	} else {
		logger.Info("runtime: autostart disabled, waiting for POST /v1/runtime/start")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		broker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("kanri shutting down")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		// Abort in-flight missions and give them a bounded window to record
		// their final state before the store closes.
		rt.Stop(context.Background())
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		if err := rt.Wait(drainCtx); err != nil {
			slog.Warn("runtime drain incomplete", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("kanri stopped")
	return nil
}

// openStore connects the configured backend. The returned source is non-nil
// only for Postgres with a LISTEN/NOTIFY connection.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, server.Source, error) {
	if cfg.Store == config.StoreSQLite {
		store, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
		return store, nil, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, nil, err
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}

	if !db.HasNotifyConn() {
		logger.Info("event feed: in-process only (no NOTIFY_URL)")
		return db, nil, nil
	}
	return db, db, nil
}

func configureStepOrdering(ctx context.Context, store storage.Store, column string, logger *slog.Logger) (storage.StepOrdering, error) {
	ordering, err := storage.ParseStepOrdering(column)
	if err == nil && ordering == nil {
		ordering, err = store.DetectStepOrdering(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("step ordering: %w", err)
	}
	store.UseStepOrdering(ordering)
	logger.Info("storage: step ordering", "column", ordering.Column())
	return ordering, nil
}
