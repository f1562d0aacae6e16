// Package main is the entry point for the orchestrator service.
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
	"go.uber.org/zap"

	"github.com/spritehub/spritehub/internal/allocator"
	"github.com/spritehub/spritehub/internal/api"
	"github.com/spritehub/spritehub/internal/common/config"
	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/events/bus"
	"github.com/spritehub/spritehub/internal/session"
	"github.com/spritehub/spritehub/internal/sprite"
	"github.com/spritehub/spritehub/internal/store"
	"github.com/spritehub/spritehub/internal/streaming"
	"github.com/spritehub/spritehub/internal/token"
)

func main() {
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

	log.Info("Starting orchestrator service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the store. Without DATABASE_URL the service runs on the
	// in-memory store, which is enough for local development.
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		st = pg
		log.Info("Connected to PostgreSQL")
	} else {
		st = store.NewMemoryStore()
		log.Warn("DATABASE_URL not set, using in-memory store")
	}
	defer st.Close()

	// 4. Connect to the event bus. Without NATS the local in-process bus
	// still feeds the WebSocket hub.
	var eventBus bus.EventBus
	if natsBus, err := bus.NewNATSEventBus(cfg.NATS, log); err == nil {
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Warn("NATS unavailable, using local event bus", zap.Error(err))
		eventBus = bus.NewLocalEventBus()
	}
	defer eventBus.Close()

	// 5. Build the service components
	sprites := sprite.NewClient(cfg.Sprite.BaseURL, cfg.Sprite.Token, log)
	tokens := token.NewManager(st, cfg.OAuth, log)
	alloc := allocator.New(st, sprites, tokens, cfg, log)

	// Sweep repo locks orphaned by a previous run.
	if released, err := alloc.RecoverLocks(ctx); err != nil {
		log.Error("Failed to recover repo locks", zap.Error(err))
	} else if released > 0 {
		log.Info("Released orphaned repo locks", zap.Int("count", released))
	}

	registry := session.NewRegistry(session.Deps{
		Store:   st,
		Alloc:   alloc,
		Sprites: sprites,
		Tokens:  tokens,
		Bus:     eventBus,
		Config:  cfg,
		Logger:  log,
	})

	// 6. Start the WebSocket hub
	hub := streaming.NewHub(eventBus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start streaming hub", zap.Error(err))
	}

	// 7. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	handler := api.NewHandler(st, registry, alloc, tokens, sprites, eventBus, log)
	api.SetupRoutes(router, handler, hub, cfg.Auth.ServicePassword, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Sessions release their sandboxes and repo locks on the way down.
	registry.StopAll()
	hub.Stop()

	log.Info("Orchestrator service stopped")
}
