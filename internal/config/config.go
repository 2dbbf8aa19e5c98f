// Package config loads service configuration from the environment. A .env
// file in the working directory is read first when present; variables
// already set in the environment take precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Event sinks selectable with EVENT_SINK.
const (
	EventSinkLog   = "log"
	EventSinkSNS   = "sns"
	EventSinkSQS   = "sqs"
	EventSinkNATS  = "nats"
	EventSinkKafka = "kafka"
)

// Channel modes selectable with CHANNEL_MODE.
const (
	ChannelModeLive = "live"
	ChannelModeLog  = "log"
)

const (
	DefaultPollInterval     = 10 * time.Second
	MinPollInterval         = time.Second
	DefaultBatchSize        = 20
	DefaultTemplateCacheTTL = 30 * time.Second
	DefaultRateLimit        = 100
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database. An empty DBHost selects the in-memory repository.
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis. An empty RedisHost disables caching, idempotency and rate limiting.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // SMS and event topic
	SQSRegion    string
	AWSEndpoint  string // LocalStack override

	// Inbound integration requests; listener disabled when empty
	SQSInboundQueueURL string

	// Event sink
	EventSink         string
	SQSEventsQueueURL string
	SNSEventsTopicARN string
	NATSURL           string
	NATSSubjectPrefix string
	KafkaBrokers      []string
	KafkaTopic        string

	// Channels
	ChannelMode   string
	InAppInboxURL string
	InAppTimeout  time.Duration

	// Dispatch loop
	DispatchPollInterval time.Duration
	DispatchBatchSize    int

	TemplateCacheTTL   time.Duration
	RateLimitPerMinute int
}

// UsesPostgres reports whether a database host is configured.
func (c *Config) UsesPostgres() bool { return c.DBHost != "" }

// UsesRedis reports whether a Redis host is configured.
func (c *Config) UsesRedis() bool { return c.RedisHost != "" }

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBPort:    5432,
		DBUser:    "courier",
		DBName:    "courier",
		DBSSLMode: "disable",

		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@courier.local",

		EventSink:   EventSinkLog,
		KafkaTopic:  "notifications",
		ChannelMode: ChannelModeLive,

		InAppTimeout:         10 * time.Second,
		DispatchPollInterval: DefaultPollInterval,
		DispatchBatchSize:    DefaultBatchSize,
		TemplateCacheTTL:     DefaultTemplateCacheTTL,
		RateLimitPerMinute:   DefaultRateLimit,
	}

	var err error
	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	stringEnv("LOG_LEVEL", &cfg.LogLevel)
	stringEnv("ENV", &cfg.Env)

	// Database config
	stringEnv("DB_HOST", &cfg.DBHost)
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	stringEnv("DB_USER", &cfg.DBUser)
	stringEnv("DB_PASSWORD", &cfg.DBPassword)
	stringEnv("DB_NAME", &cfg.DBName)
	stringEnv("DB_SSLMODE", &cfg.DBSSLMode)

	// Redis config
	stringEnv("REDIS_HOST", &cfg.RedisHost)
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	stringEnv("REDIS_PASSWORD", &cfg.RedisPassword)
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS services; SNS and SQS fall back to AWS_REGION
	stringEnv("AWS_REGION", &cfg.AWSRegion)
	stringEnv("SES_FROM_EMAIL", &cfg.SESFromEmail)
	stringEnv("AWS_ENDPOINT_URL", &cfg.AWSEndpoint)
	cfg.SNSRegion = cfg.AWSRegion
	stringEnv("SNS_REGION", &cfg.SNSRegion)
	cfg.SQSRegion = cfg.AWSRegion
	stringEnv("SQS_REGION", &cfg.SQSRegion)
	stringEnv("SQS_INBOUND_QUEUE_URL", &cfg.SQSInboundQueueURL)

	// Event sink
	stringEnv("EVENT_SINK", &cfg.EventSink)
	stringEnv("SQS_EVENTS_QUEUE_URL", &cfg.SQSEventsQueueURL)
	stringEnv("SNS_EVENTS_TOPIC_ARN", &cfg.SNSEventsTopicARN)
	stringEnv("NATS_URL", &cfg.NATSURL)
	stringEnv("NATS_SUBJECT_PREFIX", &cfg.NATSSubjectPrefix)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	stringEnv("KAFKA_TOPIC", &cfg.KafkaTopic)

	// Channels
	stringEnv("CHANNEL_MODE", &cfg.ChannelMode)
	stringEnv("INAPP_INBOX_URL", &cfg.InAppInboxURL)
	timeout, err := intEnv("INAPP_TIMEOUT", int(cfg.InAppTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.InAppTimeout = time.Duration(timeout) * time.Second

	// Dispatch loop
	if cfg.DispatchPollInterval, err = durationEnv("DISPATCH_POLL_INTERVAL", cfg.DispatchPollInterval); err != nil {
		return nil, err
	}
	if cfg.DispatchBatchSize, err = intEnv("DISPATCH_BATCH_SIZE", cfg.DispatchBatchSize); err != nil {
		return nil, err
	}
	if cfg.TemplateCacheTTL, err = durationEnv("TEMPLATE_CACHE_TTL", cfg.TemplateCacheTTL); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = intEnv("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DispatchPollInterval < MinPollInterval {
		return fmt.Errorf("invalid DISPATCH_POLL_INTERVAL: %s is below the minimum of %s", c.DispatchPollInterval, MinPollInterval)
	}
	if c.DispatchBatchSize <= 0 {
		return fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %d", c.DispatchBatchSize)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %d", c.RateLimitPerMinute)
	}

	switch c.ChannelMode {
	case ChannelModeLive, ChannelModeLog:
	default:
		return fmt.Errorf("invalid CHANNEL_MODE: %q", c.ChannelMode)
	}

	switch c.EventSink {
	case EventSinkLog:
	case EventSinkSNS:
		if c.SNSEventsTopicARN == "" {
			return errors.New("EVENT_SINK=sns requires SNS_EVENTS_TOPIC_ARN")
		}
	case EventSinkSQS:
		if c.SQSEventsQueueURL == "" {
			return errors.New("EVENT_SINK=sqs requires SQS_EVENTS_QUEUE_URL")
		}
	case EventSinkNATS:
		if c.NATSURL == "" {
			return errors.New("EVENT_SINK=nats requires NATS_URL")
		}
	case EventSinkKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("EVENT_SINK=kafka requires KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("invalid EVENT_SINK: %q", c.EventSink)
	}
	return nil
}

func stringEnv(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
