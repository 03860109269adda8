package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/betomoedano/sketch-app/internal/api"
	"github.com/betomoedano/sketch-app/internal/config"
	"github.com/betomoedano/sketch-app/internal/db"
	"github.com/betomoedano/sketch-app/internal/discovery"
	"github.com/betomoedano/sketch-app/internal/pubsub"
	"github.com/betomoedano/sketch-app/internal/repository"
	"github.com/betomoedano/sketch-app/internal/services"
	"github.com/betomoedano/sketch-app/internal/services/collaboration"
	"github.com/betomoedano/sketch-app/internal/telemetry"

	"github.com/redis/go-redis/v9"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

Startup order: tracing, database, fan-out, element service, sessions, HTTP.
Shutdown runs the other way round so no socket outlives the service behind it.
*/

// fanout publishes accepted changes and delivers them to the session manager.
type fanout interface {
	services.ChangePublisher
	collaboration.ChangeSource
}

func main() {
	log.Println("🚀 Starting sketch canvas server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Learning: Do this FIRST so all operations are traced
	if cfg.TracingEnabled {
		jaegerShutdown, err := telemetry.InitJaeger("sketch-server", cfg.JaegerEndpoint, cfg.TracingSampleRatio)
		if err != nil {
			log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := jaegerShutdown(ctx); err != nil {
					log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
				}
			}()
		}
	}

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	repos := repository.New(database.DB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hub fanout = pubsub.NewLocal()
	if cfg.RedisAddr != "" {
		r, err := pubsub.NewRedis(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		defer r.Close()
		hub = r
	}

	elementService := services.NewElementService(repos, hub)

	sessionManager := collaboration.NewSessionManager(elementService, cfg.SessionIdleTimeout)
	if err := sessionManager.Start(ctx, hub); err != nil {
		log.Fatalf("❌ Failed to start session manager: %v", err)
	}

	if cfg.ChangeLogKeep > 0 && cfg.CompactInterval > 0 {
		go compactLoop(ctx, elementService, cfg.ChangeLogKeep, cfg.CompactInterval)
	}

	wsHandler := collaboration.NewWebSocketHandler(sessionManager)
	handler := api.NewHandler(elementService, sessionManager, wsHandler)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.MDNSEnabled {
		port, err := strconv.Atoi(cfg.ServerPort)
		if err != nil {
			log.Printf("⚠️  Not advertising over mDNS, bad port %q", cfg.ServerPort)
		} else if adv, err := discovery.Register(cfg.MDNSService, port); err != nil {
			log.Printf("⚠️  %v", err)
		} else {
			defer adv.Shutdown()
		}
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 API Endpoints:")
		log.Printf("   GET    /api/canvases/:id                 - Canvas stats and who is online")
		log.Printf("   GET    /api/canvases/:id/elements        - Authoritative snapshot")
		log.Printf("   GET    /api/canvases/:id/changes?since=N - Change log")
		log.Printf("   GET    /api/canvases/:id/render.png      - Rendered canvas")
		log.Printf("   WS     /ws/canvas/:id?client_id=         - Live editing")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Learning: This closes all active WebSocket connections gracefully
	sessionManager.Shutdown()
	cancel()

	log.Println("✓ Server shutdown complete")
}

// compactLoop trims every canvas's change log on a timer.
func compactLoop(ctx context.Context, svc *services.ElementService, keep int, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Compact(ctx, keep); err != nil {
				log.Printf("⚠️  Compaction failed: %v", err)
			}
		}
	}
}
