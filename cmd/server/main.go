// Command server runs the HTTP API and webhook intake.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/cadencehq/cadence/internal/api"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/intake"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/resilience"
	"github.com/cadencehq/cadence/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.RedactPII != nil {
		logger.SetRedactPII(*cfg.Log.RedactPII)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	registry := buildRegistry(cfg)
	pipeline := intake.New(st, cfg.Intake)
	breakers := resilience.NewBreakerRegistry(cfg.Breaker, providerNames(cfg))

	server := api.NewServer(cfg, st, registry, pipeline, breakers, redisClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// buildRegistry instantiates every enabled provider adapter.
func buildRegistry(cfg *config.Config) *provider.Registry {
	var providers []provider.Provider
	if p, ok := cfg.Providers["postmark"]; ok && p.Enabled {
		providers = append(providers, provider.NewPostmark(p))
	}
	if p, ok := cfg.Providers["lemlist"]; ok && p.Enabled {
		providers = append(providers, provider.NewLemlist(p))
	}
	if p, ok := cfg.Providers["phantombuster"]; ok && p.Enabled {
		providers = append(providers, provider.NewPhantombuster(p))
	}
	if p, ok := cfg.Providers["heygen"]; ok && p.Enabled {
		providers = append(providers, provider.NewHeyGen(p))
	}
	return provider.NewRegistry(providers...)
}

func providerNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	return names
}
