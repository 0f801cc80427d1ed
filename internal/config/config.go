package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type S3Config struct {
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	ModelsBucket      string `env:"MODELS_BUCKET" envDefault:"models"`
}

type ControllerConfig struct {
	RedisURL    string `env:"REDIS_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	TaskQueue   string `env:"TASK_QUEUE" envDefault:"task_queue"`
	APIPort     string `env:"API_PORT" envDefault:"8002"`

	SandboxRoot string `env:"SANDBOX_ROOT,notEmpty,required"`
	RepoRoot    string `env:"REPO_ROOT,notEmpty,required"`
	AssetsDir   string `env:"ASSETS_DIR,notEmpty,required"`

	// Models are kept on local disk under SANDBOX_ROOT/models when no s3
	// endpoint is configured.
	S3Config

	RepoTool  string `env:"REPO_TOOL" envDefault:"mir"`
	DockerBin string `env:"DOCKER_BIN" envDefault:"docker"`

	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`
	WorkerQueueSize   int `env:"WORKER_QUEUE_SIZE" envDefault:"32"`

	MonitorInterval   time.Duration `env:"MONITOR_INTERVAL" envDefault:"5s"`
	FinishedRetention time.Duration `env:"FINISHED_RETENTION" envDefault:"24h"`
	GPULeaseTTL       time.Duration `env:"GPU_LEASE_TTL" envDefault:"30m"`
	TerminateTTL      time.Duration `env:"TERMINATE_TTL" envDefault:"24h"`

	// Static pool used instead of nvidia-smi when set.
	GPUIds []string `env:"GPU_IDS" envSeparator:","`

	// Only read without REDIS_URL. Records are then delivered by a postman
	// running inside the controller, and the in-memory stream is capped.
	RecorderURL       string        `env:"RECORDER_URL"`
	MemoryStreamLimit int           `env:"MEMORY_STREAM_LIMIT" envDefault:"10000"`
	FailedCacheTTL    time.Duration `env:"FAILED_CACHE_TTL" envDefault:"1h"`
	PushTimeout       time.Duration `env:"PUSH_TIMEOUT" envDefault:"30s"`
}

type PostmanConfig struct {
	RedisURL       string        `env:"REDIS_URL,notEmpty,required"`
	RecorderURL    string        `env:"RECORDER_URL,notEmpty,required"`
	Group          string        `env:"POSTMAN_GROUP" envDefault:"postman"`
	BatchSize      int64         `env:"POSTMAN_BATCH_SIZE" envDefault:"100"`
	Block          time.Duration `env:"POSTMAN_BLOCK" envDefault:"5s"`
	ClaimIdle      time.Duration `env:"POSTMAN_CLAIM_IDLE" envDefault:"1m"`
	FailedCacheTTL time.Duration `env:"FAILED_CACHE_TTL" envDefault:"1h"`
	PushTimeout    time.Duration `env:"PUSH_TIMEOUT" envDefault:"30s"`
	MetricsPort    string        `env:"METRICS_PORT" envDefault:"8003"`
}

type RecorderConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	APIPort     string `env:"API_PORT" envDefault:"8004"`
}

func Parse[T any]() (T, error) {
	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}
