package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"embedding-sync-pipeline/internal/config"
	"embedding-sync-pipeline/internal/embed"
	"embedding-sync-pipeline/internal/lock"
	"embedding-sync-pipeline/internal/queue"
	"embedding-sync-pipeline/internal/scan"
	"embedding-sync-pipeline/internal/store"
	"embedding-sync-pipeline/internal/telemetry"
	workerproc "embedding-sync-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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
	scanLock := lock.New(redisClient, "embedding-sync:scan-lock", cfg.ScanLockTTL)

	exporter, err := workerproc.NewS3Exporter(ctx, cfg)
	if err != nil {
		log.Fatalf("init dead-letter exporter: %v", err)
	}
	var exp workerproc.Exporter
	if exporter != nil {
		exp = exporter
	}

	drainer := workerproc.NewDrainer(cfg, q, st, embed.NewHTTPClient(cfg), exp)
	enqueuer := scan.NewEnqueuer(st, q, cfg.HighPriorityLength, cfg.SendSubBatchSize)
	autopilot := workerproc.NewAutopilot(cfg, q, enqueuer, drainer, scanLock, st)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started tick=%s visibility=%s load_threshold=%d scan_batch=%d",
		cfg.TickInterval, cfg.VisibilityTimeout, cfg.LoadThreshold, cfg.ScanBatchSize)
	if err := autopilot.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
