package cmd

import (
	"context"
	"flag"
	"log"
	"log/slog"

	"task-controller/internal/store"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// OpenStore connects to redis, or falls back to an in-process store when no
// url is given. The in-process store is only shared within one binary.
func OpenStore(ctx context.Context, redisURL string) (store.Store, error) {
	if redisURL == "" {
		slog.Warn("no redis url configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return store.NewRedisStore(ctx, redisURL)
}
