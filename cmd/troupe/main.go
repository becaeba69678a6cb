// Troupe coordinator — loads scenario and agent templates, serves the
// control-plane HTTP API, routes engine outputs between agents, and runs the
// in-process engine fleet. The same binary doubles as a thin client for a
// running coordinator via the run/status/stop/resume/engines subcommands.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/troupelab/troupe/pkg/api"
	"github.com/troupelab/troupe/pkg/bus"
	"github.com/troupelab/troupe/pkg/cleanup"
	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/database"
	"github.com/troupelab/troupe/pkg/engine"
	"github.com/troupelab/troupe/pkg/events"
	"github.com/troupelab/troupe/pkg/llm"
	"github.com/troupelab/troupe/pkg/metrics"
	"github.com/troupelab/troupe/pkg/scenario"
	"github.com/troupelab/troupe/pkg/services"
	"github.com/troupelab/troupe/pkg/version"
)

// Exit codes. The server mode uses 0 and 1; the client subcommands use the
// full set.
const (
	exitOK               = 0
	exitFailure          = 1
	exitValidation       = 2
	exitScenarioNotFound = 3
	exitEngineNotFound   = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "run", "status", "stop", "resume", "engines":
			return runClientCommand(args[0], args[1:])
		case "serve":
			args = args[1:]
		}
	}
	return serve(args)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// configureLogging installs the default text handler at the level named by
// LOG_LEVEL (debug, info, warn, error).
func configureLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// resolveHostname picks the engine id hint prefix so worker ids stay readable
// in fleet logs. Priority: HOSTNAME env > os.Hostname > "local".
func resolveHostname() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "local"
}

func serve(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configDir := fs.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	_ = fs.Parse(args)

	// Load .env from the config directory before reading any environment
	// (LOG_LEVEL, DB_*, OPENAI_API_KEY all may live there).
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}
	configureLogging()

	slog.Info("Starting troupe coordinator",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration: settings, agent templates, scenario templates.
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return exitFailure
	}

	// 2. Database (runs embedded migrations).
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		return exitFailure
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return exitFailure
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	m := metrics.Default()

	// 3. Domain services.
	eventService := services.NewEventService(dbClient, cfg.EventBindings, cfg.Queue.MaxRetries)
	engineService := services.NewEngineService(dbClient)
	scenarioService := services.NewScenarioService(dbClient)

	// 4. Observer stream: publisher, WebSocket hub, and the dedicated LISTEN
	// connection feeding it.
	eventPublisher := events.NewEventPublisher(dbClient.DB())
	connManager := events.NewConnectionManager(events.NewEventServiceAdapter(eventService), 10*time.Second)
	notifyListener := events.NewNotifyListener(dbCfg.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NOTIFY listener", "error", err)
		return exitFailure
	}
	defer notifyListener.Stop(ctx)
	connManager.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 5. Janitor. The synchronous boot sweep returns leases orphaned by a
	// crash to the queue before any worker starts polling.
	janitor := cleanup.NewService(cfg.Retention, eventService, engineService, scenarioService, m)
	janitor.RunOnce(ctx)
	janitor.Start(ctx)
	defer janitor.Stop()

	eventBus := bus.New(bus.DefaultBuffer)
	control := engine.NewLocalControlPlane(engineService, eventService, scenarioService, eventPublisher)

	// 6. In-process engine fleet. A fleet of zero is a remote-only
	// coordinator: workers attach over the control-plane API instead, and
	// the LLM client is not needed here at all.
	fleet := cfg.Engines.Counts()
	var runtime *engine.Runtime
	var ensurer scenario.EngineEnsurer
	if len(fleet) > 0 {
		llmClient, err := llm.NewOpenAIClient(llm.Config{
			Model:     os.Getenv("LLM_MODEL"),
			BaseURL:   os.Getenv("LLM_BASE_URL"),
			APIKeyEnv: os.Getenv("LLM_API_KEY_ENV"),
		})
		if err != nil {
			slog.Error("Failed to initialize LLM client", "error", err)
			return exitFailure
		}
		slog.Info("LLM client initialized", "model", llmClient.Model())

		runtime = engine.NewRuntime(control, eventBus, llmClient, m, *cfg.Queue, resolveHostname())
		ensurer = runtime
	} else {
		slog.Info("No in-process engine fleet configured; engines attach over the control-plane API")
	}

	// 7. Scenario manager (routing loop) and runner, then the fleet.
	manager := scenario.NewManager(eventService, scenarioService, ensurer, eventBus, eventPublisher, m, nil)
	manager.Start(ctx)

	if runtime != nil {
		if err := runtime.Start(ctx, fleet); err != nil {
			slog.Error("Failed to start engine fleet", "error", err)
			manager.Stop()
			return exitFailure
		}
	}

	runner := scenario.NewRunner(cfg, scenarioService, eventService, manager, eventPublisher, m, nil)

	// 8. HTTP server.
	gin.SetMode(gin.ReleaseMode)
	apiServer := api.NewServer(api.Deps{
		Control:     control,
		Engines:     engineService,
		Queue:       eventService,
		Scenarios:   scenarioService,
		Runner:      runner,
		EventBus:    eventBus,
		ConnManager: connManager,
		DB:          dbClient,
	}, *cfg.Server)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	workerTotal := 0
	for _, n := range fleet {
		workerTotal += n
	}
	slog.Info("Coordinator started", "workers", workerTotal, "addr", httpServer.Addr)

	// 9. Wait for a shutdown signal or a server failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := exitOK
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
		exitCode = exitFailure
	}

	// 10. Graceful shutdown: stop the run monitors, drain the fleet within
	// the shutdown budget, close the bus, stop routing, then the server.
	// The janitor, listener, and database close via defers.
	runner.Close()

	drained := make(chan struct{})
	go func() {
		if runtime != nil {
			runtime.Stop()
		}
		close(drained)
	}()
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()
	select {
	case <-drained:
		slog.Info("Engine fleet stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Fleet shutdown timeout exceeded; leftover leases expire and return to the queue")
	}

	eventBus.Close()
	manager.Stop()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return exitCode
}
