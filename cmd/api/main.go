package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"learnhub/api/internal/app"
	"learnhub/api/internal/config"
	"learnhub/api/internal/hub"
	"learnhub/api/internal/identity"
	"learnhub/api/internal/session"
	"learnhub/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	revocations, err := session.NewRevocationStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer revocations.Close()

	resolver := identity.NewResolver(
		[]byte(cfg.JWTSecret),
		cfg.BootstrapAdminEmail,
		revocations,
		dataStore.Partition(identity.KindAdmin),
		dataStore.Partition(identity.KindUser),
		dataStore.Partition(identity.KindMentor),
		dataStore.Partition(identity.KindStudent),
	)

	service := app.New(cfg, dataStore, resolver, revocations)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	broker := hub.New()
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go broker.Run(hubCtx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.NewWSHandler(broker, resolver))
	mux.Handle("/", httpServer.Handler())

	// No ReadTimeout/WriteTimeout: /ws holds long-lived connections and the
	// socket pumps enforce their own deadlines.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("LearnHub API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopHub()
}
