// Command hackd is the server entrypoint: wires config, the durable
// store, world registry, resource accountant, clock wheel, process
// store, effect layer, realtime bus, engine, and HTTP server together,
// then runs until SIGINT/SIGTERM.
//
// Structure grounded on the teacher's cmd/server/main.go: an env-file
// config load, a background run loop, an HTTP server on its own
// goroutine, and a four-step graceful shutdown sequence triggered by
// signal.Notify.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hackbackend/internal/api"
	"hackbackend/internal/auth"
	"hackbackend/internal/backoff"
	"hackbackend/internal/bus"
	"hackbackend/internal/clock"
	"hackbackend/internal/config"
	"hackbackend/internal/durable"
	"hackbackend/internal/durable/pgstore"
	"hackbackend/internal/durable/sqlitestore"
	"hackbackend/internal/effect"
	"hackbackend/internal/engine"
	"hackbackend/internal/processstore"
	"hackbackend/internal/resource"
	"hackbackend/internal/world"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	cfg.LogConfig()
	log.Printf("%s starting up...", cfg.ServerName)

	store, credentials, err := openDurableStore(cfg)
	if err != nil {
		log.Fatalf("open durable store: %v", err)
	}
	defer store.Close()

	w := world.NewRegistry()
	accountant := resource.New()
	wheel := clock.NewWheel(clock.RealClock{})
	processStore := processstore.New(store)
	effects := effect.NewLayer(store, w, nil)
	registry := engine.NewRegistry()

	sessionStore := newSessionStore(cfg)
	verifier := auth.NewVerifier(sessionStore)
	authSvc := auth.NewService(credentials, sessionStore, cfg.TOTPIssuer, cfg.SessionTTL())

	hub := bus.NewHub(bus.Config{
		OutboundQueueSize: cfg.OutboundQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		AuthTimeout:       10 * time.Second,
	}, verifier, w)

	eng := engine.New(registry, accountant, wheel, processStore, store, effects, w, func(ev effect.Event) {
		hub.Publish(ev.Channel, ev.Frame)
	})

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	if err := eng.Recover(rootCtx); err != nil {
		log.Printf("crash recovery: %v", err)
	}
	go eng.Run(rootCtx)

	server := api.NewServer(eng, processStore, w, authSvc, hub, verifier)

	httpServer := &http.Server{
		Addr:         cfg.GetListenAddress(),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("%s ready, listening on %s", cfg.ServerName, cfg.GetListenAddress())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sig := <-sigChan
	log.Printf("received signal: %v", sig)
	gracefulShutdown(eng, httpServer, cfg)
}

func gracefulShutdown(eng *engine.Engine, httpServer *http.Server, cfg *config.Config) {
	log.Printf("%s shutting down...", cfg.ServerName)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSecs)*time.Second)
	defer cancel()

	log.Println("[1/4] stopping the engine's run loop...")
	eng.Stop()

	log.Println("[2/4] closing HTTP server to new connections...")
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	log.Println("[3/4] durable writes are already write-through; nothing to flush...")

	log.Println("[4/4] done.")
	log.Printf("%s offline.", cfg.ServerName)
}

// openDurableStore opens the configured durable store, retrying the
// initial connection with an exponential backoff: postgres in
// particular is routinely not yet accepting connections the moment a
// container group comes up.
func openDurableStore(cfg *config.Config) (durable.Store, auth.CredentialStore, error) {
	policy := backoff.Default()

	var lastErr error
	for attempt := 1; ; attempt++ {
		s, err := dialDurableStore(cfg)
		if err == nil {
			return s, s, nil
		}
		lastErr = err

		if policy.Exhausted(attempt) {
			return nil, nil, fmt.Errorf("open durable store after %d attempts: %w", attempt, lastErr)
		}
		delay := policy.Delay(attempt)
		log.Printf("durable store unavailable (attempt %d): %v; retrying in %s", attempt, err, delay)
		time.Sleep(delay)
	}
}

func dialDurableStore(cfg *config.Config) (interface {
	durable.Store
	auth.CredentialStore
}, error) {
	switch cfg.DBType {
	case "sqlite":
		return sqlitestore.Open(cfg.DBName)
	case "postgres":
		return pgstore.Open(pgstore.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			DBName:   cfg.DBName,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
		}, cfg.DBMaxConnections, cfg.DBMaxIdleConns)
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q", cfg.DBType)
	}
}

func newSessionStore(cfg *config.Config) auth.SessionStore {
	if !cfg.RedisEnabled {
		return auth.NewInMemorySessionStore()
	}
	return auth.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisDB)
}
