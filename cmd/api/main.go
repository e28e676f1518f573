package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	api "embedding-sync-pipeline/internal/api"
	"embedding-sync-pipeline/internal/config"
	"embedding-sync-pipeline/internal/embed"
	"embedding-sync-pipeline/internal/queue"
	"embedding-sync-pipeline/internal/ratelimit"
	"embedding-sync-pipeline/internal/store"
	workerproc "embedding-sync-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.New(st.Pool())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	exporter, err := workerproc.NewS3Exporter(ctx, cfg)
	if err != nil {
		log.Fatalf("init dead-letter exporter: %v", err)
	}
	var exp workerproc.Exporter
	if exporter != nil {
		exp = exporter
	}
	drainer := workerproc.NewDrainer(cfg, q, st, embed.NewHTTPClient(cfg), exp)

	server := api.New(cfg, st, q, drainer, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
