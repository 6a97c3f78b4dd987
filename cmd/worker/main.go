// Command worker runs the enrollment scheduler, the orphan correlation
// worker, and the video status poller.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/intake"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/resilience"
	"github.com/cadencehq/cadence/internal/scheduler"
	"github.com/cadencehq/cadence/internal/store"
	"github.com/cadencehq/cadence/internal/worker"
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

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	var idem scheduler.IdempotencyCache
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		idem = &scheduler.RedisIdempotencyCache{Client: client}
	}

	registry := buildRegistry(cfg)
	pipeline := intake.New(st, cfg.Intake)
	breakers := resilience.NewBreakerRegistry(cfg.Breaker, providerNames(cfg))
	limiters := resilience.NewLimiterRegistry(cfg.RateLimits, cfg.Providers)

	sched := scheduler.New(st, registry, breakers, limiters, pipeline, idem,
		cfg.Scheduler, cfg.LinkedIn, cfg.Providers)
	orphans := worker.NewOrphanWorker(st, pipeline, cfg.Intake)
	videos := worker.NewVideoPoller(st, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); sched.Run(ctx) }()
	go func() { defer wg.Done(); orphans.Run(ctx) }()
	go func() { defer wg.Done(); videos.Run(ctx) }()
	wg.Wait()

	logger.Info("worker shut down cleanly")
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
