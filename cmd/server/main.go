package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docsync/internal/api"
	"docsync/internal/config"
	"docsync/internal/services/collaboration"
	"docsync/internal/telemetry"
)

/*
Startup and graceful shutdown.

Order matters on the way down: stop accepting requests, then close every
tab so each one removes itself from the shared participant list, then
release the storage backend, then flush traces.
*/

func main() {
	log.Println("🚀 Starting document sync server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	jaegerShutdown := func(context.Context) error { return nil }
	if cfg.JaegerEndpoint != "" {
		shutdown, err := telemetry.InitJaeger("docsync", cfg.JaegerEndpoint, cfg.TraceSampleRatio)
		if err != nil {
			log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		} else {
			jaegerShutdown = shutdown
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	factory, closeBackend, err := newStorageFactory(context.Background(), cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize %s storage: %v", cfg.StorageBackend, err)
	}
	defer closeBackend()

	manager := collaboration.NewManager(factory,
		collaboration.WithIdleTimeout(cfg.TabIdleTimeout),
		collaboration.WithTabOptions(collaboration.WithSlotKey(cfg.SlotKey)),
	)
	manager.Start()

	wsHandler := collaboration.NewWebSocketHandler(manager)
	handler := api.NewHandler(manager, wsHandler)
	router := api.SetupRoutes(handler)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s (slot %q on %s)", cfg.Addr(), cfg.SlotKey, cfg.StorageBackend)
		log.Printf("📚 API Endpoints:")
		log.Printf("   POST   /api/tabs            - Open tab")
		log.Printf("   GET    /api/tabs            - List tabs")
		log.Printf("   GET    /api/tabs/:id        - Get tab view")
		log.Printf("   PUT    /api/tabs/:id/text   - Replace text")
		log.Printf("   POST   /api/tabs/:id/insert - Insert text")
		log.Printf("   POST   /api/tabs/:id/delete - Delete text")
		log.Printf("   DELETE /api/tabs/:id        - Close tab")
		log.Printf("   WS     /ws/tabs/:id         - Live view stream")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	if err := manager.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Some tabs did not close cleanly: %v", err)
	}

	log.Println("✓ Server shutdown complete")
}
