package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Persister  PersisterConfig  `yaml:"persister"`
	Sink       SinkConfig       `yaml:"sink"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	DynamoDB   DynamoDBConfig   `yaml:"dynamodb"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// TrackerConfig holds the batching policy of an event tracker.
type TrackerConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxFailed     int           `yaml:"max_failed"`
}

// PersisterConfig sizes the ClickHouse write buffer of the event persister.
type PersisterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// SinkConfig selects where tracked events are delivered. Kinds are any of
// "log", "http", "kafka", "clickhouse", "redis" and "dynamodb"; more than
// one kind fans out to all of them. ProjectID tags events the kafka kind
// publishes directly, bypassing the collector's key lookup.
type SinkConfig struct {
	Kinds     []string       `yaml:"kinds"`
	ProjectID string         `yaml:"project_id"`
	HTTP      HTTPSinkConfig `yaml:"http"`
}

type HTTPSinkConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	ProjectKey string        `yaml:"project_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

type KafkaConfig struct {
	Brokers       []string          `yaml:"brokers"`
	Topics        map[string]string `yaml:"topics"`
	ConsumerGroup string            `yaml:"consumer_group"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type ClickHouseConfig struct {
	Addr         string `yaml:"addr"`
	Database     string `yaml:"database"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type DynamoDBConfig struct {
	Region   string `yaml:"region"`
	Table    string `yaml:"table"`
	Endpoint string `yaml:"endpoint"`
}

type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data, expanding environment variables first, and
// fills in defaults for anything left unset.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func (c *Config) setDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Tracker.BatchSize == 0 {
		c.Tracker.BatchSize = 10
	}
	if c.Tracker.FlushInterval == 0 {
		c.Tracker.FlushInterval = 30 * time.Second
	}
	if c.Tracker.MaxFailed == 0 {
		c.Tracker.MaxFailed = 1000
	}
	if c.Persister.BatchSize == 0 {
		c.Persister.BatchSize = 1000
	}
	if c.Persister.FlushInterval == 0 {
		c.Persister.FlushInterval = 5 * time.Second
	}
	if len(c.Sink.Kinds) == 0 {
		c.Sink.Kinds = []string{"log"}
	}
	if c.Sink.HTTP.Timeout == 0 {
		c.Sink.HTTP.Timeout = 10 * time.Second
	}
	if c.Kafka.Topics == nil {
		c.Kafka.Topics = map[string]string{}
	}
	if c.Kafka.Topics["events"] == "" {
		c.Kafka.Topics["events"] = "learning.events.raw"
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "learning-persister"
	}
	if c.ClickHouse.MaxOpenConns == 0 {
		c.ClickHouse.MaxOpenConns = 10
	}
	if c.ClickHouse.MaxIdleConns == 0 {
		c.ClickHouse.MaxIdleConns = 5
	}
	if c.DynamoDB.Table == "" {
		c.DynamoDB.Table = "learning_events"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 100
	}
}

// Validate rejects values that cannot drive a tracker. A negative MaxFailed
// is the only way to ask for an unbounded failed bucket.
func (c *Config) Validate() error {
	if c.Tracker.BatchSize < 0 {
		return fmt.Errorf("tracker.batch_size must be positive, got %d", c.Tracker.BatchSize)
	}
	if c.Tracker.FlushInterval < 0 {
		return fmt.Errorf("tracker.flush_interval must be positive, got %s", c.Tracker.FlushInterval)
	}
	if c.Persister.BatchSize < 0 || c.Persister.FlushInterval < 0 {
		return fmt.Errorf("persister batch size and flush interval must be positive")
	}
	for _, kind := range c.Sink.Kinds {
		switch kind {
		case "log", "http", "kafka", "clickhouse", "redis", "dynamodb":
		default:
			return fmt.Errorf("unknown sink kind %q", kind)
		}
	}
	return nil
}
