package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/tracker/internal/config"
	"github.com/gosight/gosight/tracker/internal/producer"
	"github.com/gosight/gosight/tracker/internal/storage"
	"github.com/gosight/gosight/tracker/internal/tracker"
)

// FromConfig builds the sinks named in cfg.Sink.Kinds. The returned close
// function releases every client that was opened.
func FromConfig(ctx context.Context, cfg *config.Config) (tracker.Sink, func() error, error) {
	var (
		sinks   Multi
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	for _, kind := range cfg.Sink.Kinds {
		s, closer, err := build(ctx, kind, cfg)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("sink %s: %w", kind, err)
		}
		sinks = append(sinks, s)
		if closer != nil {
			closers = append(closers, closer)
		}
		log.Info().Str("kind", kind).Msg("Sink initialized")
	}

	if len(sinks) == 1 {
		return sinks[0], closeAll, nil
	}
	return sinks, closeAll, nil
}

func build(ctx context.Context, kind string, cfg *config.Config) (tracker.Sink, func() error, error) {
	switch kind {
	case "log":
		return NewLog(log.With().Str("component", "sink").Logger()), nil, nil

	case "http":
		h, err := NewHTTP(cfg.Sink.HTTP)
		if err != nil {
			return nil, nil, err
		}
		return h, nil, nil

	case "kafka":
		p, err := producer.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		return NewKafka(p, cfg.Sink.ProjectID), p.Close, nil

	case "clickhouse":
		ch, err := storage.NewClickHouse(cfg.ClickHouse)
		if err != nil {
			return nil, nil, err
		}
		return NewClickHouse(ch), ch.Close, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("ping %s: %w", cfg.Redis.Addr, err)
		}
		return NewSessionStats(rdb), rdb.Close, nil

	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDB.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
			}
		})
		return NewDynamoDB(client, cfg.DynamoDB.Table), nil, nil
	}

	return nil, nil, fmt.Errorf("unknown kind %q", kind)
}
