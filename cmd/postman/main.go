package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"task-controller/cmd"
	"task-controller/internal/config"
	"task-controller/internal/postman"
	"task-controller/internal/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.Println("Starting Postman...")

	cmd.LoadEnvFile()

	cfg, err := config.Parse[config.PostmanConfig]()
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer s.Close()

	metrics := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	p := postman.New(s, postman.NewRecorderClient(cfg.RecorderURL, cfg.PushTimeout), postman.Config{
		Group: cfg.Group,
		// Unique per process so a restarted postman claims what its
		// predecessor left pending.
		Consumer:  cfg.Group + "-" + uuid.NewString(),
		BatchSize: cfg.BatchSize,
		Block:     cfg.Block,
		ClaimIdle: cfg.ClaimIdle,
		FailedTTL: cfg.FailedCacheTTL,
	})

	if err := p.Run(ctx); err != nil {
		log.Fatalf("Postman failed: %v", err)
	}

	log.Println("Postman stopped.")
}
