package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gosight/gosight/tracker/internal/config"
)

// KafkaProducer publishes JSON messages to named topics ("events" is the
// only one every deployment has).
type KafkaProducer struct {
	writers map[string]*kafka.Writer
	topics  map[string]string
}

func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}

	writers := make(map[string]*kafka.Writer)

	for name, topic := range cfg.Topics {
		writers[name] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: time.Millisecond * 100,
			RequiredAcks: kafka.RequireOne,
		}
	}

	return &KafkaProducer{
		writers: writers,
		topics:  cfg.Topics,
	}, nil
}

// ProduceEvent publishes event to the events topic. Messages sharing a key
// land on the same partition, so per-session order is kept downstream.
func (p *KafkaProducer) ProduceEvent(ctx context.Context, key string, event any) error {
	return p.produce(ctx, "events", key, event)
}

func (p *KafkaProducer) produce(ctx context.Context, name, key string, v any) error {
	w, ok := p.writers[name]
	if !ok {
		return fmt.Errorf("kafka: no writer for topic %q", name)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka: encode message: %w", err)
	}

	if err := w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	}); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", p.topics[name], err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	var firstErr error
	for _, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
