package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/tracker/internal/config"
	"github.com/gosight/gosight/tracker/internal/consumer"
	"github.com/gosight/gosight/tracker/internal/logging"
	"github.com/gosight/gosight/tracker/internal/processor"
	"github.com/gosight/gosight/tracker/internal/sink"
	"github.com/gosight/gosight/tracker/internal/storage"
	"github.com/gosight/gosight/tracker/internal/tracker"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/persister.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}
	logging.Setup(cfg.Logging)

	log.Info().
		Strs("kafka_brokers", cfg.Kafka.Brokers).
		Str("clickhouse_addr", cfg.ClickHouse.Addr).
		Str("redis_addr", cfg.Redis.Addr).
		Int("batch_size", cfg.Persister.BatchSize).
		Dur("flush_interval", cfg.Persister.FlushInterval).
		Msg("Configuration loaded")

	ch, err := storage.NewClickHouse(cfg.ClickHouse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to ClickHouse")
	}
	defer ch.Close()
	log.Info().Msg("Connected to ClickHouse")

	var sessions tracker.Sink
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		sessions = sink.NewSessionStats(rdb)
		log.Info().Msg("Session stats enabled")
	}

	eventProcessor := processor.NewEventProcessor(ch, sessions, cfg.Persister)
	kafkaConsumer := consumer.NewKafkaConsumer(cfg.Kafka, eventProcessor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		kafkaConsumer.Start(ctx)
		close(done)
	}()

	log.Info().Msg("Event persister started")

	<-ctx.Done()

	log.Info().Msg("Shutting down...")
	<-done
	if err := kafkaConsumer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Kafka consumer")
	}
	eventProcessor.Stop()

	log.Info().Msg("Shutdown complete")
}
