// Package main is the entry point for aetherd, the agent kernel daemon.
// One binary runs the whole kernel: process table, event bus, state store,
// sandboxes, scheduler, and the WebSocket/HTTP control plane.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/agent"
	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/gateway/httpapi"
	gateway "github.com/aether-os/aether/internal/gateway/websocket"
	"github.com/aether-os/aether/internal/integrations"
	"github.com/aether-os/aether/internal/mcp"
	"github.com/aether-os/aether/internal/openclaw"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/proc"
	"github.com/aether-os/aether/internal/sandbox"
	"github.com/aether-os/aether/internal/scheduler"
	"github.com/aether-os/aether/internal/secrets"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tools"
	"github.com/aether-os/aether/internal/tty"
	"github.com/aether-os/aether/internal/vfs"
	"github.com/aether-os/aether/pkg/kernel"
)

const version = "0.1.0"

func main() {
	startedAt := time.Now().UTC()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting aetherd...", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. State store: one SQLite file under the FS root
	store, err := state.Open(cfg.DatabasePath(), log)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}

	// 4. Event bus (in-memory, or NATS when configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Secrets: master key sealed credentials
	keyProvider, err := secrets.NewMasterKeyProvider(cfg.FS.Root, cfg.Auth.Secret)
	if err != nil {
		log.Fatal("Failed to initialize master key", zap.Error(err))
	}
	box := secrets.NewBox(keyProvider)

	// 6. Auth: users, tokens, orgs, RBAC
	authMgr := auth.NewManager(store, cfg.Auth.TokenDurationTime(), log)
	if err := authMgr.EnsureDefaultAdmin(ctx, "admin", "admin123"); err != nil {
		log.Fatal("Failed to ensure default admin", zap.Error(err))
	}

	// 7. Container substrate (optional)
	var container sandbox.ContainerBackend
	docker, err := sandbox.NewDockerBackend(cfg.Docker, log)
	if err != nil {
		log.Warn("Docker unavailable - container sandboxes disabled", zap.Error(err))
	} else if err := docker.Ping(ctx); err != nil {
		log.Warn("Docker daemon not reachable - container sandboxes disabled", zap.Error(err))
		_ = docker.Close()
	} else {
		container = docker
		log.Info("Connected to Docker daemon")
	}

	// 8. Terminals
	ttyMgr := tty.NewManager(sandbox.NewLocalPTYBackend(), container, eventBus, log)

	// 9. Virtual filesystem + shared-tree watcher
	fs, err := vfs.New(cfg.FS.Root, store, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize VFS", zap.Error(err))
	}
	watcher, err := vfs.NewSharedWatcher(fs, eventBus, log)
	if err != nil {
		log.Warn("Shared watcher unavailable", zap.Error(err))
	}

	// 10. Dynamic tool surface: plugins, MCP servers, OpenClaw skills
	pluginMgr := plugins.NewManager(filepath.Join(cfg.FS.Root, "users"), store, eventBus, log)
	mcpMgr := mcp.NewManager(store, eventBus, tools.NewRegistry(), log)
	mcpMgr.Restore(ctx)
	oc := openclaw.NewAdapter(store, pluginMgr, eventBus, log)
	oc.Restore(ctx)

	// 11. Process table and agent runtime
	model := agent.ScriptedModel{}
	agentCfg := agent.Config{
		MaxSteps:        cfg.Agent.MaxSteps,
		ApprovalStep:    cfg.Agent.ApprovalStep,
		StepRetryBudget: cfg.Agent.StepRetryBudget,
	}
	procMgr := proc.NewManager(store, eventBus, fs, ttyMgr, container,
		pluginMgr, mcpMgr, oc, model, agentCfg, log)
	if err := procMgr.Restore(ctx); err != nil {
		log.Fatal("Failed to restore process table", zap.Error(err))
	}

	sampler := proc.NewMetricsSampler(procMgr, container, cfg.Scheduler.MetricDuration())
	sampler.Start()

	// 12. Scheduler: cron jobs, event triggers, cluster routing
	var router *scheduler.Router
	if cfg.Cluster.Role == "hub" || cfg.Cluster.Role == "node" {
		router = scheduler.NewRouter(cfg.Cluster, eventBus, procMgr, procMgr.LiveCount, log)
		if err := router.Start(ctx); err != nil {
			log.Fatal("Failed to start cluster router", zap.Error(err))
		}
		log.Info("Cluster routing enabled", zap.String("role", cfg.Cluster.Role))
	}
	sched := scheduler.New(store, eventBus, procMgr, router, cfg.Scheduler.TickDuration(), log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// 13. Integrations (S3 et al.)
	integrationMgr := integrations.NewManager(store, box, log)

	// 14. Gateway: /kernel WebSocket + REST plane
	gw := gateway.NewGateway(gateway.Deps{
		Auth:      authMgr,
		Store:     store,
		Proc:      procMgr,
		FS:        fs,
		TTY:       ttyMgr,
		Sched:     sched,
		Plugins:   pluginMgr,
		MCP:       mcpMgr,
		Container: container,
		Router:    router,
		StartedAt: startedAt,
		Version:   version,
	}, version, log)
	go gw.Hub.Run(ctx)
	if err := gw.Hub.BindBus(eventBus); err != nil {
		log.Fatal("Failed to bind event bus to gateway", zap.Error(err))
	}

	rest := httpapi.New(log)
	rest.Auth = authMgr
	rest.Store = store
	rest.Proc = procMgr
	rest.FS = fs
	rest.Plugins = pluginMgr
	rest.MCP = mcpMgr
	rest.Container = container
	rest.Router = router
	rest.Integrations = integrationMgr
	rest.StartedAt = startedAt
	rest.Version = version

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpapi.CORSMiddleware())
	gw.SetupRoutes(engine)
	rest.SetupRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("Kernel listening",
			zap.String("websocket", "/kernel"),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Hourly token sweep
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := store.PruneExpiredTokens(ctx, time.Now().UTC()); err == nil && n > 0 {
					log.Debug("pruned expired tokens", zap.Int64("count", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	bus.Emit(ctx, eventBus, "kernel", kernel.EvtKernelReady, map[string]any{
		"version":   version,
		"timestamp": time.Now().UTC(),
	})
	log.Info("aetherd ready")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down aetherd...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	sched.Stop()
	if router != nil {
		router.Stop()
	}
	sampler.Stop()
	cancel()
	procMgr.Shutdown(shutdownCtx)
	mcpMgr.Shutdown(shutdownCtx)
	ttyMgr.Shutdown()
	if watcher != nil {
		_ = watcher.Close()
	}
	if container != nil {
		_ = container.Close()
	}
	eventBus.Close()
	if err := store.Shutdown(); err != nil {
		log.Error("State store shutdown error", zap.Error(err))
	}
	log.Info("aetherd stopped")
}
