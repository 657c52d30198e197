package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trovelabs/trove/internal/access"
	"github.com/trovelabs/trove/internal/account"
	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/attachments"
	"github.com/trovelabs/trove/internal/cache"
	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/events"
	"github.com/trovelabs/trove/internal/followed"
	"github.com/trovelabs/trove/internal/httpapi"
	"github.com/trovelabs/trove/internal/jobs"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/profile"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/service"
	"github.com/trovelabs/trove/internal/storage"
	"github.com/trovelabs/trove/internal/storage/memory"
	"github.com/trovelabs/trove/internal/storage/pg"
	"github.com/trovelabs/trove/internal/streams"
	"github.com/trovelabs/trove/internal/system"
	"github.com/trovelabs/trove/internal/validation"
	"github.com/trovelabs/trove/internal/wsapi"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("setting gin mode", "mode", cfg.GinMode)
	gin.SetMode(cfg.GinMode)

	store := openStore(cfg, log)
	defer store.Close()

	// Pub/sub. Without NATS the bus stays process-local, which is fine for
	// a single instance.
	bus := pubsub.New(log)
	var bridge *pubsub.Bridge
	if cfg.NatsURL != "" {
		nc, err := pubsub.Connect(cfg.NatsURL)
		if err != nil {
			log.Error("failed to connect to nats", "url", cfg.NatsURL, "error", err)
			os.Exit(1)
		}
		bridge = pubsub.NewBridge(nc, bus, logger.GetInstanceID(), log)
		bus.AttachBridge(bridge)
		if err := bridge.Start(); err != nil {
			log.Error("failed to start notification bridge", "error", err)
			os.Exit(1)
		}
	}

	c, err := cache.New(cfg.CacheEnabled, cfg.CacheSize, bus, log)
	if err != nil {
		log.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}

	v := validation.New()
	if err := validation.InstallMethods(v); err != nil {
		log.Error("failed to install method schemas", "error", err)
		os.Exit(1)
	}
	if err := v.RegisterEventTypes(cfg.EventTypes); err != nil {
		log.Error("failed to register event type schemas", "error", err)
		os.Exit(1)
	}

	files, err := attachments.New(cfg.AttachmentsDir, cfg.AttachmentMaxBytes)
	if err != nil {
		log.Error("failed to initialize attachment store", "dir", cfg.AttachmentsDir, "error", err)
		os.Exit(1)
	}

	// Services and method registry.
	repo := streams.NewRepository(store, c, bus)
	accessSvc := access.NewService(store, c, bus, cfg, log, repo)
	accountSvc := account.NewService(store, bus, cfg, log, nil)

	registry := api.NewRegistry()
	registry.Register(accessSvc.Methods()...)
	registry.Register(streams.NewService(repo, store, bus, files, log).Methods()...)
	registry.Register(events.NewService(store, repo, bus, files, v, cfg, log).Methods()...)
	registry.Register(accountSvc.Methods()...)
	registry.Register(profile.NewService(store, log).Methods()...)
	registry.Register(followed.NewService(store, bus, log).Methods()...)
	registry.Register(system.NewService(store, bus, accountSvc, log).Methods()...)
	registry.Register(service.NewService(cfg).Methods()...)

	metrics := api.NewMetrics(prometheus.DefaultRegisterer)
	dispatcher := api.NewDispatcher(registry, v, accessSvc, cfg, log, metrics)

	// Transports.
	hub := wsapi.NewHub(dispatcher, accessSvc, bus, log)
	engine := gin.New()
	engine.Use(gin.Recovery(), logger.RequestLogging(log))
	httpapi.NewHandler(dispatcher, accessSvc, cfg, log, hub.Handler()).Mount(engine)

	scheduler := jobs.New(store, log)
	if err := scheduler.Start(cfg.StorageRecomputeSchedule); err != nil {
		log.Error("failed to start scheduler",
			"schedule", cfg.StorageRecomputeSchedule, "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Wrap(engine, cfg),
	}

	go func() {
		log.Info("api listening", "port", cfg.Port, "storage", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	scheduler.Stop()
	hub.Shutdown()
	accessSvc.Shutdown()
	if bridge != nil {
		if err := bridge.Stop(); err != nil {
			log.Warn("bridge shutdown failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}

func openStore(cfg *config.Config, log *logger.Logger) storage.Store {
	switch cfg.StorageBackend {
	case "memory":
		log.Warn("using in-memory storage, data is lost on restart")
		return memory.New()
	case "postgres":
		db, err := pg.InitDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to initialize database", "error", err)
			os.Exit(1)
		}
		return db
	default:
		log.Error("unknown storage backend", "backend", cfg.StorageBackend)
		os.Exit(1)
		return nil
	}
}
