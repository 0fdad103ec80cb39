// Command trinityd is the Trinity orchestration engine's composition
// root: it wires config, storage, the event bus, every core component,
// and the control-plane HTTP server, then runs until signaled.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/container"
	"github.com/trinity-platform/orchestrator/internal/container/docker"
	"github.com/trinity-platform/orchestrator/internal/container/fake"
	"github.com/trinity-platform/orchestrator/internal/controlplane/httpapi"
	"github.com/trinity-platform/orchestrator/internal/execution"
	"github.com/trinity-platform/orchestrator/internal/execution/claude"
	"github.com/trinity-platform/orchestrator/internal/identity"
	"github.com/trinity-platform/orchestrator/internal/injection"
	"github.com/trinity-platform/orchestrator/internal/journal"
	"github.com/trinity-platform/orchestrator/internal/lifecycle"
	"github.com/trinity-platform/orchestrator/internal/mediator"
	"github.com/trinity-platform/orchestrator/internal/permission"
	"github.com/trinity-platform/orchestrator/internal/platform/config"
	"github.com/trinity-platform/orchestrator/internal/platform/eventbus"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/platform/tracing"
	"github.com/trinity-platform/orchestrator/internal/registry"
	"github.com/trinity-platform/orchestrator/internal/scheduler"
	"github.com/trinity-platform/orchestrator/internal/settings"
	"github.com/trinity-platform/orchestrator/internal/store"
	"github.com/trinity-platform/orchestrator/internal/store/postgres"
	"github.com/trinity-platform/orchestrator/internal/store/sqlite"
	"github.com/trinity-platform/orchestrator/internal/supervisor"
	"github.com/trinity-platform/orchestrator/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	log.Info("starting trinity orchestration engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.Endpoint)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	rawStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()
	log.Info("store opened", zap.String("driver", cfg.Database.Driver))

	bus, closeBus, err := openEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to open event bus", zap.Error(err))
	}
	defer closeBus()

	s := journal.Wrap(rawStore, bus, log)

	set := settings.New(s.Settings())
	if err := set.Seed(ctx); err != nil {
		log.Fatal("failed to seed settings", zap.Error(err))
	}

	containerCtrl := openContainerController(cfg, log)

	templates := registry.New(envOr("TRINITY_TEMPLATES_ROOT", "./templates"))
	workspaces := registry.NewWorkspaces(envOr("TRINITY_WORKSPACES_ROOT", "./workspaces"))
	credVault, err := vault.Open(envOr("TRINITY_VAULT_ROOT", "./vault"))
	if err != nil {
		log.Fatal("failed to open vault", zap.Error(err))
	}

	perms := permission.New(s, log)
	idSvc := identity.New(s, perms, log)
	injector := injection.New(credVault, perms, idSvc, templates, set, log)
	lc := lifecycle.New(s, containerCtrl, injector, templates, workspaces, bus, log)

	adapter := claude.New()
	engine := execution.New(s, containerCtrl, adapter, idSvc, perms, set,
		cfg.Ops.PerAgentParallelCap, cfg.Ops.MaxParallelTasksGlobal, log)

	med := mediator.New(perms, engine, s, workspaces, log)
	sv := supervisor.New(s, containerCtrl, engine, lc, set, cfg.Supervisor.TickInterval, log)
	sched := scheduler.New(s, engine, set, cfg.Scheduler.TickInterval, log)
	j := journal.New(s, bus, log)

	sv.Start(ctx)
	defer sv.Stop()
	sched.Start(ctx)
	defer sched.Stop()

	handler := httpapi.New(s, idSvc, perms, engine, lc, med, set, sv, j, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpapi.RequestLogger(log))
	router.Use(httpapi.Recovery(log))
	router.Use(httpapi.CORS())

	v1 := router.Group("/api/v1")
	handler.RegisterRoutes(v1)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down trinity orchestration engine")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("trinity orchestration engine stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		st, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
}

func openEventBus(cfg *config.Config, log *logging.Logger) (eventbus.EventBus, func(), error) {
	if cfg.NATS.URL == "" {
		bus := eventbus.NewMemoryEventBus(log)
		return bus, func() { bus.Close() }, nil
	}
	bus, err := eventbus.NewNATSEventBus(cfg.NATS.URL, cfg.NATS.ClientID, log)
	if err != nil {
		return nil, nil, err
	}
	return bus, func() { bus.Close() }, nil
}

func openContainerController(cfg *config.Config, log *logging.Logger) container.Controller {
	ctrl, err := docker.NewController(docker.Config{Host: cfg.Docker.Host, APIVersion: cfg.Docker.APIVersion}, log)
	if err != nil {
		log.Warn("docker unavailable, falling back to the in-memory fake controller", zap.Error(err))
		return fake.New()
	}
	return ctrl
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
