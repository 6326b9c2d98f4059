package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"backfill-service/internal/config"
	"backfill-service/internal/correlator"
	"backfill-service/internal/report"
	"backfill-service/internal/resolver"
	"backfill-service/internal/store"
	"backfill-service/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	consumerName := os.Getenv("CONSUMER_NAME")
	if consumerName == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			consumerName = hostname
		} else {
			consumerName = fmt.Sprintf("resolver-%d", os.Getpid())
		}
	}

	var reports resolver.ReportSink
	if cfg.ReportBucket != "" {
		sink, err := report.NewS3Sink(ctx, cfg.ReportBucket, cfg.ReportPrefix)
		if err != nil {
			log.Fatalf("init report sink: %v", err)
		}
		reports = sink
	}

	corr := correlator.New(st, st)
	consumer := correlator.NewConsumer(redisClient, corr, cfg, consumerName)
	sweeper := resolver.New(st, reports, cfg.QuiescenceWindow, cfg.ResolverInterval, cfg.StuckAge)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	go func() {
		log.Printf("resolver sweeping every %s with quiescence window %s", cfg.ResolverInterval, cfg.QuiescenceWindow)
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("resolver stopped: %v", err)
		}
	}()

	log.Printf("consumer %s reading %s as group %s", consumerName, cfg.EventStream, cfg.EventGroup)
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("consumer stopped: %v", err)
	}
}
