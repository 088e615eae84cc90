package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coauthor/api/internal/agent"
	"coauthor/api/internal/app"
	"coauthor/api/internal/collab"
	"coauthor/api/internal/config"
	"coauthor/api/internal/crdt"
	"coauthor/api/internal/snapshot"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := snapshot.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := snapshot.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	var store snapshot.Store = snapshot.NewPostgresStore(db)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis snapshot cache")
		cache, err := snapshot.NewCache(cfg.RedisURL, store, cfg.SnapshotCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		store = cache
	}

	var generator agent.Generator
	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		generator = agent.NewOpenAIGenerator(cfg.OpenAIKey, cfg.OpenAIModel)
	} else {
		log.Printf("WARNING: OPENAI_API_KEY not set, document queries disabled")
		generator = agent.Disabled{}
	}

	registry := collab.NewRegistry(collab.Options{
		Store:            store,
		Codec:            crdt.NewJSONDoc(),
		Generator:        generator,
		DebounceInterval: cfg.DebounceInterval,
		SaveRetryBackoff: cfg.SaveRetryBackoff,
		PresenceTTL:      cfg.PresenceTTL,
		PresenceSweep:    cfg.PresenceSweep,
		QueryTimeout:     cfg.QueryTimeout,
	})

	httpServer := app.NewHTTPServer(registry, store, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Coauthor API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Active sessions flush their snapshots before the process exits.
	if err := registry.Close(shutdownCtx); err != nil {
		log.Printf("registry close error: %v", err)
	}
}
