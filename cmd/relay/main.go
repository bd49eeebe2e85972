// Relay scheduler server. Brokers Ask/Answer exchanges between job
// executors and the LLM-backed answer runner, and exposes the job queue
// over HTTP and MCP.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/relay/pkg/api"
	"github.com/codeready-toolchain/relay/pkg/artifacts"
	"github.com/codeready-toolchain/relay/pkg/cleanup"
	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/executor"
	"github.com/codeready-toolchain/relay/pkg/llm"
	"github.com/codeready-toolchain/relay/pkg/mcp"
	"github.com/codeready-toolchain/relay/pkg/notify"
	"github.com/codeready-toolchain/relay/pkg/queue"
	"github.com/codeready-toolchain/relay/pkg/runner"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/store"
	"github.com/codeready-toolchain/relay/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolvePoolID determines the process identifier used as the lease-owner
// prefix. Priority: POOL_ID env > HOSTNAME env > "local".
func resolvePoolID() string {
	if id := os.Getenv("POOL_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("TASK_RELAY_CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	profile := flag.String("profile", "",
		"Deployment profile: dev, staging, or prod")
	storage := flag.String("storage", "",
		"Storage driver: memory or sqlite")
	sqlitePath := flag.String("sqlite", "",
		"SQLite database file")
	transport := flag.String("transport", "",
		`MCP transport; only "stdio" is supported`)
	flag.Parse()

	// serve runs the full scheduler; mcp serves the tool surface on stdio.
	command := flag.Arg(0)
	if command == "" {
		command = "serve"
	}

	// Logs go to stderr so the mcp command keeps stdout clean for the
	// protocol stream.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if tr := firstNonEmpty(*transport, os.Getenv("TASK_RELAY_TRANSPORT")); tr != "" && tr != "stdio" {
		logger.Error("Unsupported MCP transport", "transport", tr)
		os.Exit(1)
	}

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		logger.Debug("No .env file, continuing with existing environment", "path", envPath)
	} else {
		logger.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir, config.Overrides{
		Profile:       *profile,
		StorageDriver: *storage,
		SQLitePath:    *sqlitePath,
	})
	if err != nil {
		logger.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(database.Config{
		Driver: database.Driver(cfg.Storage.Driver),
		Path:   cfg.Storage.Path,
	})
	if err != nil {
		logger.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing storage", "error", err)
		}
	}()

	st := store.New(dbClient.DB())
	bus := events.NewBus(logger)
	jobs := services.NewJobService(st, bus, logger)
	art := artifacts.NewStore(cfg.Storage.ArtifactsDir)

	logger.Info("Starting relay",
		"version", version.Full(),
		"command", command,
		"storage", cfg.Storage.Driver)

	switch command {
	case "serve":
		if err := runServe(ctx, cfg, dbClient, st, bus, jobs, art, logger); err != nil {
			logger.Error("Server exited with error", "error", err)
			os.Exit(1)
		}
	case "mcp":
		if err := runMCP(ctx, jobs, art, logger); err != nil {
			logger.Error("MCP server exited with error", "error", err)
			os.Exit(1)
		}
	default:
		logger.Error("Unknown command", "command", command)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg *config.Config, dbClient *database.Client,
	st *store.Store, bus *events.Bus, jobs *services.JobService,
	art *artifacts.Store, logger *slog.Logger) error {

	// Retention loop first: it is independent of everything else.
	retention := cleanup.NewService(cfg.Retention, st, bus, logger)
	retention.Start(ctx)
	defer retention.Stop()

	// Worker pool.
	var backend executor.Backend = executor.NoopBackend{}
	if len(cfg.Queue.ExecutorCommand) > 0 {
		sb, err := executor.NewSubprocessBackend(cfg.Queue.ExecutorCommand)
		if err != nil {
			return err
		}
		backend = sb
	}

	pool := queue.NewWorkerPool(resolvePoolID(), st, jobs, art, executor.GitPreparer{}, backend, queue.Config{
		WorkerCount:        cfg.Queue.WorkerCount,
		PollInterval:       cfg.Queue.PollInterval.Std(),
		PollIntervalJitter: cfg.Queue.PollIntervalJitter.Std(),
		LeaseTTL:           cfg.Queue.LeaseTTL.Std(),
		HeartbeatInterval:  cfg.Queue.HeartbeatInterval.Std(),
		StaleSweepInterval: cfg.Queue.StaleSweepInterval.Std(),
		WorkDir:            cfg.Queue.WorkDir,
	})
	if err := pool.Start(ctx); err != nil {
		return err
	}

	// Answer runner.
	completer, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:    os.Getenv(cfg.LLM.APIKeyEnv),
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout.Std(),
	})
	if err != nil {
		pool.Stop()
		return err
	}

	roles, err := runner.NewRoleRegistry(cfg.Runner.RolesDir)
	if err != nil {
		pool.Stop()
		return err
	}

	runnerCfg := runner.Config{
		RolesDir:        cfg.Runner.RolesDir,
		DefaultTimeout:  cfg.Runner.DefaultTimeout.Std(),
		CacheTTLSeconds: cfg.Runner.CacheTTLSeconds,
		CatchUpInterval: cfg.Runner.CatchUpInterval.Std(),
		Model:           cfg.LLM.Model,
	}
	if cfg.Runner.MaxRetries != nil {
		runnerCfg.MaxRetries = *cfg.Runner.MaxRetries
	}
	answerRunner := runner.New(jobs, st, bus, roles, completer, logger, runnerCfg)
	if err := answerRunner.Start(ctx); err != nil {
		pool.Stop()
		return err
	}

	// Terminal-state notifications.
	notifier := notify.NewService(notify.Config{
		SlackToken:     os.Getenv(cfg.Notify.SlackTokenEnv),
		DefaultChannel: cfg.Notify.DefaultChannel,
	}, bus, logger)
	if err := notifier.Start(ctx); err != nil {
		pool.Stop()
		answerRunner.Stop()
		return err
	}

	// HTTP bridge.
	httpServer := api.NewServer(jobs, bus, dbClient, pool, logger, api.Config{
		Addr:            cfg.Server.Addr,
		LongPollTimeout: cfg.Server.LongPollTimeout.Std(),
		SSEHeartbeat:    cfg.Server.SSEHeartbeat.Std(),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("Relay started", "workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Drain the bridge first so parked long-polls resolve with 503 and
	// executors back off, then stop the workers and the runner.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	pool.Stop()
	answerRunner.Stop()
	notifier.Stop()
	bus.Close()

	logger.Info("Shutdown complete")
	return nil
}

func runMCP(ctx context.Context, jobs *services.JobService, art *artifacts.Store, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	server := mcp.NewServer(jobs, art, logger)
	return server.Run(ctx)
}
