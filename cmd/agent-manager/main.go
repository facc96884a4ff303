package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/adminapi"
	"github.com/kandev/kandev/internal/agentclient"
	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/events/bus"
	"github.com/kandev/kandev/internal/provisioner"
	"github.com/kandev/kandev/internal/reconciler"
	"github.com/kandev/kandev/internal/sandbox/agentimage"
	"github.com/kandev/kandev/internal/sandbox/dockersandbox"
	"github.com/kandev/kandev/internal/sessionstore"
	"github.com/kandev/kandev/internal/sessionstore/sqlite"
	"github.com/kandev/kandev/internal/threadentity"
)

const previewPort = "8080"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting kandev orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eventBus bus.EventBus
	if cfg.NATS.URL == "" {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	} else {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("connected to NATS event bus")
	}
	defer eventBus.Close()

	store, closeStore, err := openSessionStore(cfg.Database)
	if err != nil {
		log.Fatal("failed to open session store", zap.Error(err))
	}
	defer closeStore()

	dockerCli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(cfg.Docker.Host),
		dockerclient.WithVersion(cfg.Docker.APIVersion),
	)
	if err != nil {
		log.Fatal("failed to initialize docker client", zap.Error(err))
	}
	defer dockerCli.Close()
	if _, err := dockerCli.Ping(ctx); err != nil {
		log.Fatal("failed to connect to docker daemon", zap.Error(err))
	}
	log.Info("connected to docker daemon")

	descriptor := agentimage.DefaultDescriptor()
	sandboxAPI := dockersandbox.New(dockerCli, cfg.Docker, descriptor.Image+":"+descriptor.Tag, previewPort, log)

	agentClient := agentclient.New(
		cfg.AgentRuntime.RequestTimeout(),
		cfg.AgentRuntime.AuthTokenHeader,
		nil,
		log,
	)

	image := agentimage.New(descriptor, agentimage.NewEnvProvider("KANDEV_"), log)

	prov := provisioner.New(store, sandboxAPI, agentClient, image, eventBus, provisioner.Config{
		SandboxCreationTimeout:     cfg.Sandbox.CreationTimeout(),
		StartupHealthTimeoutMs:     cfg.Sandbox.StartupHealthTimeoutMs,
		ResumeHealthTimeoutMs:      cfg.Sandbox.ResumeHealthTimeoutMs,
		ActiveHealthCheckTimeoutMs: cfg.Sandbox.ActiveHealthCheckTimeoutMs,
		ReusePolicy:                provisioner.ReusePolicy(cfg.Sandbox.ReusePolicy),
	}, log)

	idleTimeout := time.Duration(cfg.Reconciler.StaleActiveGraceMinutes) * time.Minute
	entity := threadentity.New(store, prov, nil, idleTimeout, nil, log)

	recon := reconciler.New(store, entity, reconciler.Config{
		Interval:                cfg.Reconciler.Interval(),
		SandboxTimeoutMinutes:   int(cfg.Sandbox.Timeout().Minutes()),
		StaleActiveGraceMinutes: cfg.Reconciler.StaleActiveGraceMinutes,
		PausedTTLMinutes:        cfg.Reconciler.PausedTTLMinutes,
	}, log)
	recon.Start(ctx)
	log.Info("started reconciler sweep")

	// The turn-processing pipeline (internal/turnpipeline) drives `entity`
	// from an Inbox/Outbox/Threads/History/TurnRouter quartet that a
	// specific chat protocol must supply; wiring a concrete chat client is
	// explicitly out of scope here (spec Non-goals: "any particular chat
	// protocol"). A deployment embeds this binary's packages, supplies
	// those adapters, and calls turnpipeline.New(...).Run(ctx) itself.

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(adminapi.Recovery(log), adminapi.RequestLogger(log), adminapi.ErrorHandler(log), adminapi.CORS())

	adminHandler := adminapi.NewHandler(store, entity, log)
	router.GET("/health", adminHandler.HealthCheck)
	adminapi.SetupRoutes(router.Group("/api/v1"), adminHandler)

	port := cfg.Server.Port
	if port == 0 {
		port = 8083
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("admin HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start admin HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down kandev orchestrator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("admin HTTP server shutdown error", zap.Error(err))
	}

	recon.Stop()
	entity.Shutdown()

	log.Info("kandev orchestrator stopped")
}

// openSessionStore picks sqlite or postgres per cfg.Database.Driver,
// falling back to an in-memory store for local/dev runs with no driver
// configured.
func openSessionStore(cfg config.DatabaseConfig) (sessionstore.Store, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return sessionstore.NewMemory(), func() {}, nil
	case "sqlite", "sqlite3":
		st, err := sqlite.Open("sqlite3", cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "postgres", "pgx":
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)
		st, err := sqlite.Open("pgx", dsn)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
