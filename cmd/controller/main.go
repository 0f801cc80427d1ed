package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"task-controller/cmd"
	"task-controller/internal/api"
	"task-controller/internal/config"
	"task-controller/internal/gpu"
	"task-controller/internal/invoker"
	"task-controller/internal/messaging"
	"task-controller/internal/monitor"
	"task-controller/internal/orchestrator"
	"task-controller/internal/postman"
	"task-controller/internal/storage"
	"task-controller/internal/store"
	"task-controller/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	log.Println("Starting Task Controller...")

	cmd.LoadEnvFile()

	cfg, err := config.Parse[config.ControllerConfig]()
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := cmd.OpenStore(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer s.Close()

	if mem, ok := s.(*store.MemoryStore); ok {
		startLocalPostman(ctx, mem, cfg)
	}

	objects, err := storage.NewObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	}, filepath.Join(cfg.SandboxRoot, "models"))
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}
	if err := objects.CreateBucket(ctx, cfg.ModelsBucket); err != nil {
		log.Fatalf("Failed to create models bucket %s: %v", cfg.ModelsBucket, err)
	}

	registry := invoker.NewRegistry(invoker.Deps{
		Objects:      objects,
		ModelsBucket: cfg.ModelsBucket,
		RepoTool:     cfg.RepoTool,
		DockerBin:    cfg.DockerBin,
		RepoLocks:    utils.NewMutexMap(1024),
	})

	var host gpu.Host = gpu.NewNvidiaSMI()
	if len(cfg.GPUIds) > 0 {
		slog.Info("using static gpu pool", "gpus", cfg.GPUIds)
		host = gpu.NewStaticHost(cfg.GPUIds)
	}
	allocator := gpu.NewAllocator(host, s, cfg.GPULeaseTTL)

	watcher, err := monitor.NewWatcher()
	if err != nil {
		// The monitor still polls on its interval.
		slog.Warn("failed to create progress log watcher", "error", err)
	} else {
		defer watcher.Close()
	}
	mon := monitor.New(s, watcher, monitor.Config{
		Interval:  cfg.MonitorInterval,
		Retention: cfg.FinishedRetention,
	})
	go mon.Run(ctx)

	pool := orchestrator.NewPool(cfg.WorkerConcurrency, cfg.WorkerQueueSize)
	orch := orchestrator.New(orchestrator.Config{
		SandboxRoot:  cfg.SandboxRoot,
		RepoRoot:     cfg.RepoRoot,
		AssetsDir:    cfg.AssetsDir,
		TerminateTTL: cfg.TerminateTTL,
	}, registry, allocator, mon, s, pool)

	if cfg.RabbitMQURL != "" {
		reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL, cfg.TaskQueue)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		consumer := orchestrator.NewConsumer(orch, reciever)
		go consumer.Start(ctx)
		defer consumer.Stop()
	}

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	api.NewControllerService(orch, mon, allocator).AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}
		if err := pool.Stop(shutdownCtx); err != nil {
			log.Printf("Worker pool did not drain: %v", err)
		}
	}()

	log.Printf("Controller listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v", cfg.APIPort, err)
	}

	<-stopped
	log.Println("Controller stopped.")
}

// Without redis nothing outside this process can read the event stream.
func startLocalPostman(ctx context.Context, mem *store.MemoryStore, cfg config.ControllerConfig) {
	mem.SetStreamLimit(cfg.MemoryStreamLimit)

	if cfg.RecorderURL == "" {
		slog.Warn("no redis or recorder configured, task events are not delivered", "stream_limit", cfg.MemoryStreamLimit)
		return
	}

	p := postman.New(mem, postman.NewRecorderClient(cfg.RecorderURL, cfg.PushTimeout), postman.Config{
		Group:     "postman",
		Consumer:  "controller",
		BatchSize: 100,
		Block:     5 * time.Second,
		ClaimIdle: time.Minute,
		FailedTTL: cfg.FailedCacheTTL,
	})
	// The group must exist before the monitor publishes so no event is skipped.
	if err := mem.EnsureGroup(ctx, "postman"); err != nil {
		log.Fatalf("Failed to create consumer group: %v", err)
	}
	go func() {
		if err := p.Run(ctx); err != nil {
			slog.Error("local postman stopped", "error", err)
		}
	}()
	slog.Info("delivering task events in process", "recorder", cfg.RecorderURL)
}
