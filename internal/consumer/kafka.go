package consumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/gosight/gosight/tracker/internal/config"
	"github.com/gosight/gosight/tracker/internal/enricher"
)

// EventHandler receives each decoded message.
type EventHandler interface {
	Process(ctx context.Context, event *enricher.EnrichedEvent) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads the collector's events topic within a consumer group
// and commits every message once it has been handed off.
type KafkaConsumer struct {
	reader  messageReader
	handler EventHandler
	topic   string
	group   string
}

func NewKafkaConsumer(cfg config.KafkaConfig, handler EventHandler) *KafkaConsumer {
	topic := cfg.Topics["events"]

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	return &KafkaConsumer{
		reader:  reader,
		handler: handler,
		topic:   topic,
		group:   cfg.ConsumerGroup,
	}
}

// Start consumes until ctx is done.
func (c *KafkaConsumer) Start(ctx context.Context) {
	log.Info().
		Str("topic", c.topic).
		Str("group", c.group).
		Msg("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Kafka consumer stopped")
				return
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}

		var event enricher.EnrichedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			log.Error().
				Err(err).
				Str("value", string(msg.Value)).
				Msg("Failed to parse message")
		} else if err := c.handler.Process(ctx, &event); err != nil {
			log.Error().
				Err(err).
				Str("event_id", event.EventID).
				Msg("Failed to process event")
		}

		// Poison messages are committed too so the group keeps moving.
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Msg("Failed to commit message")
		}
	}
}

func (c *KafkaConsumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	return c.reader.Close()
}
